package jobs

import (
	"context"
	"encoding/json"
)

// Tracker はオーケストレーターが自分のジョブを書き換えるための窓口です。
// ジョブの書き手は1つなので、手元のコピーを正として Store に丸ごと書き戻します。
type Tracker struct {
	store  Store
	record *Record
}

// Track は jobID のレコードを読み込んで Tracker を返します。
func Track(ctx context.Context, store Store, jobID string) (*Tracker, error) {
	record, err := store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Tracker{store: store, record: record}, nil
}

// Snapshot は現在の手元の状態のコピーを返します。
func (t *Tracker) Snapshot() *Record {
	return t.record.Clone()
}

// Update は mutate を適用して Store に書き戻します。
// 終了状態への遷移は Succeed か、タスクのエラー返却で行います。
func (t *Tracker) Update(ctx context.Context, mutate func(*Record)) error {
	mutate(t.record)
	if t.record.Status == StatusStarting {
		t.record.Status = StatusInProgress
	}
	if t.record.Status.Terminal() {
		t.record.Status = StatusInProgress
	}
	return t.store.Update(ctx, t.record)
}

// Succeed は結果を設定してジョブを成功で終了させます。
func (t *Tracker) Succeed(ctx context.Context, result json.RawMessage, mutate func(*Record)) error {
	if mutate != nil {
		mutate(t.record)
	}
	t.record.Status = StatusSucceeded
	t.record.Result = result
	t.record.Error = nil
	return t.store.Update(ctx, t.record)
}
