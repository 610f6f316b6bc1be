package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound は指定されたジョブIDが一度も作成されていないことを表します。
var ErrNotFound = errors.New("job not found")

// Store はジョブ状態の保存先です。
//
// Update は完全置換で、未知のIDや終了済みジョブに対しては何もしません。
// 書き手はジョブごとに1つ（そのオーケストレーター）だけで、読み手は任意個です。
type Store interface {
	Create(ctx context.Context, kind Kind, target string) (string, error)
	Update(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	// Sweep は保持期間を過ぎた終了済みジョブを削除し、削除件数を返します。
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}

func newRecord(kind Kind, target string, now time.Time) *Record {
	return &Record{
		JobID:     uuid.NewString(),
		Kind:      kind,
		Status:    StatusStarting,
		Message:   "Starting",
		Target:    target,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func expired(record *Record, retention time.Duration, now time.Time) bool {
	if retention <= 0 || record.FinishedAt == nil {
		return false
	}
	return now.Sub(*record.FinishedAt) >= retention
}
