package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, retention time.Duration) Store

func newTestMemoryStore(t *testing.T, retention time.Duration) Store {
	t.Helper()
	store, err := NewMemoryStore(retention)
	require.NoError(t, err)
	return store
}

func newTestRedisStore(t *testing.T, retention time.Duration) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStore(rdb, retention, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	t.Run("memory", func(t *testing.T) { fn(t, newTestMemoryStore) })
	t.Run("redis", func(t *testing.T) { fn(t, newTestRedisStore) })
}

func TestStoreCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, 0)

		id, err := store.Create(ctx, KindWebScan, "http://example.com")
		require.NoError(t, err)
		require.NotEmpty(t, id)

		record, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, record.JobID)
		require.Equal(t, KindWebScan, record.Kind)
		require.Equal(t, StatusStarting, record.Status)
		require.Equal(t, "http://example.com", record.Target)
		require.Nil(t, record.Result)

		other, err := store.Create(ctx, KindWebScan, "http://example.com")
		require.NoError(t, err)
		require.NotEqual(t, id, other)
	})
}

func TestStoreGetUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 0)
		_, err := store.Get(context.Background(), "never-created")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(context.Background(), "")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreUpdateUnknownIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, 0)
		require.NoError(t, store.Update(ctx, &Record{JobID: "ghost", Status: StatusInProgress}))
		_, err := store.Get(ctx, "ghost")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreTerminalStateIsFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, 0)
		id, err := store.Create(ctx, KindMobileScan, "app.apk")
		require.NoError(t, err)

		record, err := store.Get(ctx, id)
		require.NoError(t, err)
		record.Status = StatusFailed
		record.Message = "upload failed"
		require.NoError(t, store.Update(ctx, record))

		record.Status = StatusInProgress
		record.Message = "retrying"
		require.NoError(t, store.Update(ctx, record))

		for i := 0; i < 3; i++ {
			got, err := store.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, StatusFailed, got.Status)
			require.Equal(t, "upload failed", got.Message)
			require.NotNil(t, got.FinishedAt)
		}
	})
}

func TestStoreStatusDoesNotRegress(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, 0)
		id, err := store.Create(ctx, KindWebScan, "http://example.com")
		require.NoError(t, err)

		record, err := store.Get(ctx, id)
		require.NoError(t, err)
		record.Status = StatusInProgress
		require.NoError(t, store.Update(ctx, record))

		record.Status = StatusStarting
		record.Message = "still going"
		require.NoError(t, store.Update(ctx, record))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusInProgress, got.Status)
		require.Equal(t, "still going", got.Message)
	})
}

func TestStoreResultOnlyWhenSucceeded(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, 0)
		id, err := store.Create(ctx, KindWebScan, "http://example.com")
		require.NoError(t, err)

		record, err := store.Get(ctx, id)
		require.NoError(t, err)
		record.Status = StatusInProgress
		record.Result = json.RawMessage(`{"partial":true}`)
		require.NoError(t, store.Update(ctx, record))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Nil(t, got.Result)

		record.Status = StatusSucceeded
		record.Result = json.RawMessage(`{"site":[]}`)
		require.NoError(t, store.Update(ctx, record))

		got, err = store.Get(ctx, id)
		require.NoError(t, err)
		require.JSONEq(t, `{"site":[]}`, string(got.Result))
	})
}

func TestStoreIdentityFieldsAreImmutable(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, 0)
		id, err := store.Create(ctx, KindWebScan, "http://example.com")
		require.NoError(t, err)

		record, err := store.Get(ctx, id)
		require.NoError(t, err)
		record.Kind = KindMobileScan
		record.CreatedAt = time.Unix(0, 0)
		require.NoError(t, store.Update(ctx, record))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, KindWebScan, got.Kind)
		require.NotEqual(t, time.Unix(0, 0).UTC(), got.CreatedAt.UTC())
	})
}

func TestMemoryStoreReadersGetCopies(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(0)
	require.NoError(t, err)
	id, err := store.Create(ctx, KindWebScan, "http://example.com")
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	got.Message = "mutated by reader"

	again, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Starting", again.Message)
}

func TestMemoryStoreConcurrentReadsWhileWriting(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(0)
	require.NoError(t, err)
	id, err := store.Create(ctx, KindWebScan, "http://example.com")
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rec, err := store.Get(ctx, id)
				if err != nil || rec.JobID != id {
					t.Errorf("unexpected read: %v", err)
					return
				}
			}
		}()
	}

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	for p := 0; p <= 100; p++ {
		record.Status = StatusInProgress
		record.Progress.Spider = p
		require.NoError(t, store.Update(ctx, record))
	}
	close(stop)
	wg.Wait()

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 100, got.Progress.Spider)
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(time.Minute)
	require.NoError(t, err)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return base }

	done, err := store.Create(ctx, KindWebScan, "http://done.example")
	require.NoError(t, err)
	running, err := store.Create(ctx, KindWebScan, "http://running.example")
	require.NoError(t, err)

	record, err := store.Get(ctx, done)
	require.NoError(t, err)
	record.Status = StatusFailed
	require.NoError(t, store.Update(ctx, record))

	removed, err := store.Sweep(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	require.Zero(t, removed)

	removed, err = store.Sweep(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.Get(ctx, done)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, running)
	require.NoError(t, err)
}

func TestMemoryStoreSweepDisabled(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(0)
	require.NoError(t, err)
	id, err := store.Create(ctx, KindWebScan, "http://example.com")
	require.NoError(t, err)
	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	record.Status = StatusSucceeded
	require.NoError(t, store.Update(ctx, record))

	removed, err := store.Sweep(ctx, time.Now().Add(24*365*time.Hour))
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestRedisStoreTerminalTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStore(rdb, 10*time.Minute, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	id, err := store.Create(ctx, KindMobileScan, "app.apk")
	require.NoError(t, err)
	require.Equal(t, time.Hour, mr.TTL(jobKey(id)))

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	record.Status = StatusSucceeded
	record.Result = json.RawMessage(`{}`)
	require.NoError(t, store.Update(ctx, record))
	require.Equal(t, 10*time.Minute, mr.TTL(jobKey(id)))

	mr.FastForward(11 * time.Minute)
	_, err = store.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreAbandonedJobExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStore(rdb, 0, 30*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	id, err := store.Create(ctx, KindWebScan, "http://example.com")
	require.NoError(t, err)

	mr.FastForward(20 * time.Minute)
	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	record.Status = StatusInProgress
	record.Progress.Spider = 40
	require.NoError(t, store.Update(ctx, record))
	// 書き込みで期限が延長される
	require.Equal(t, 30*time.Minute, mr.TTL(jobKey(id)))

	mr.FastForward(20 * time.Minute)
	record, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, record.Status)

	// 書き手がいなくなった実行中ジョブは期限で消える
	mr.FastForward(15 * time.Minute)
	_, err = store.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreTerminalWithoutRetentionPersists(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStore(rdb, 0, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	id, err := store.Create(ctx, KindWebScan, "http://example.com")
	require.NoError(t, err)
	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	record.Status = StatusFailed
	require.NoError(t, store.Update(ctx, record))
	require.Zero(t, mr.TTL(jobKey(id)))

	mr.FastForward(24 * time.Hour)
	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
}

func TestNewRedisStoreRejectsZeroActiveTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	_, err := NewRedisStore(rdb, time.Minute, 0)
	require.Error(t, err)
}
