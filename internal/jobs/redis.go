package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
)

// RedisStore はジョブ状態を Redis に保存します。
// 複数レプリカのどれにステータス取得が届いても同じ結果を返すための揮発的な共有ストアで、
// 終了済みジョブには保持期間の TTL が設定されます。
// 実行中のジョブにも activeTTL が設定され、書き込みのたびに延長されます。
// 書き手のプロセスが落ちて更新が途絶えたジョブはこの期限で消えます。
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
	activeTTL time.Duration
	now       func() time.Time
}

// NewRedisStore は RedisStore を作成します。
// retention が 0 の場合、終了済みジョブは削除しません。activeTTL は正の値である必要があります。
func NewRedisStore(rdb *redis.Client, retention, activeTTL time.Duration) (*RedisStore, error) {
	if activeTTL <= 0 {
		return nil, fmt.Errorf("active job ttl must be positive")
	}
	return &RedisStore{
		rdb:       rdb,
		retention: retention,
		activeTTL: activeTTL,
		now:       time.Now,
	}, nil
}

// NewRedisStoreFromURL は接続URLから RedisStore を作成します。
func NewRedisStoreFromURL(ctx context.Context, rawURL string, retention, activeTTL time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	store, err := NewRedisStore(rdb, retention, activeTTL)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return store, nil
}

// Create は初期状態のジョブを保存します。
func (s *RedisStore) Create(ctx context.Context, kind Kind, target string) (string, error) {
	record := newRecord(kind, target, s.now().UTC())
	payload, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.activeTTL).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("job id collision: %s", record.JobID)
	}
	return record.JobID, nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Update はジョブ情報を置き換えます。
func (s *RedisStore) Update(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	key := jobKey(record.JobID)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}
			var existing Record
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			next, ok := merge(&existing, record, s.now().UTC())
			if !ok {
				return nil
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return err
			}
			ttl := s.activeTTL
			if next.Status.Terminal() {
				ttl = s.retention
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// Sweep は Redis の TTL に任せるため何もしません。
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
