package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
)

const jobsTable = "jobs"

// MemoryStore はプロセス内メモリにジョブを保持する Store です。
// go-memdb の MVCC により、書き込み中でもステータス取得はブロックされません。
type MemoryStore struct {
	db        *memdb.MemDB
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。retention が 0 の場合は削除しません。
func NewMemoryStore(retention time.Duration) (*MemoryStore, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: jobsTableSchema(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job table: %w", err)
	}
	return &MemoryStore{
		db:        db,
		retention: retention,
		now:       time.Now,
	}, nil
}

func jobsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: jobsTable,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "JobID"},
			},
		},
	}
}

// Create は初期状態 (starting) のジョブを登録し、IDを返します。
func (s *MemoryStore) Create(ctx context.Context, kind Kind, target string) (string, error) {
	record := newRecord(kind, target, s.now().UTC())

	tx := s.db.Txn(true)
	defer tx.Abort()
	if err := tx.Insert(jobsTable, record); err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	tx.Commit()
	return record.JobID, nil
}

// Update はジョブ情報を置き換えます。
func (s *MemoryStore) Update(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}

	tx := s.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First(jobsTable, "id", record.JobID)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	next, ok := merge(raw.(*Record), record, s.now().UTC())
	if !ok {
		return nil
	}
	if err := tx.Insert(jobsTable, next); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	tx.Commit()
	return nil
}

// Get はジョブ情報のコピーを返します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}
	tx := s.db.Txn(false)
	defer tx.Abort()

	raw, err := tx.First(jobsTable, "id", jobID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*Record).Clone(), nil
}

// Sweep は保持期間を過ぎた終了済みジョブを削除します。
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}

	tx := s.db.Txn(true)
	defer tx.Abort()

	it, err := tx.Get(jobsTable, "id")
	if err != nil {
		return 0, err
	}
	var stale []*Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if record := obj.(*Record); expired(record, s.retention, now) {
			stale = append(stale, record)
		}
	}
	for _, record := range stale {
		if err := tx.Delete(jobsTable, record); err != nil {
			return 0, fmt.Errorf("failed to delete job %s: %w", record.JobID, err)
		}
	}
	tx.Commit()
	return len(stale), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
