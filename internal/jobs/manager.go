// Package jobs はスキャンジョブの状態管理とバックグラウンド実行を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	vlog "github.com/vaptlab/vapt-orchestrator/internal/log"
)

// Task はオーケストレーターの本体です。返されたエラーはジョブの failed として記録されます。
type Task func(ctx context.Context) error

// Error はジョブ失敗時に記録するコード付きエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError は Error を作成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Manager はオーケストレーターを切り離されたゴルーチンで起動します。
// タスク内のエラーや panic はすべてジョブの failed に変換され、プロセスには伝播しません。
// キャンセル手段は持たず、起動したタスクは自然終了するまで走り続けます。
type Manager struct {
	store   Store
	logger  *slog.Logger
	wg      sync.WaitGroup
	running atomic.Int64
}

// NewManager は Manager を初期化します。
func NewManager(store Store, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
	}, nil
}

// Store は Manager が使用する Store を返します。
func (m *Manager) Store() Store {
	return m.store
}

// Launch はタスクをバックグラウンドで開始し、すぐに戻ります。
func (m *Manager) Launch(jobID string, kind Kind, task Task) {
	ctx := vlog.ContextAttrs(context.Background(),
		slog.String("job_id", jobID),
		slog.String("kind", string(kind)),
	)

	m.wg.Add(1)
	m.running.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.running.Add(-1)

		if err := m.run(ctx, task); err != nil {
			m.logger.ErrorContext(ctx, "scan job failed", "error", err)
			if failErr := m.failJobWithError(ctx, jobID, err); failErr != nil {
				m.logger.ErrorContext(ctx, "failed to record job failure", "error", failErr)
			}
			return
		}
		m.logger.InfoContext(ctx, "scan job finished")
	}()
}

func (m *Manager) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "scan job panicked", "panic", r, "stack", string(debug.Stack()))
			err = NewError("INTERNAL_ERROR", fmt.Sprintf("internal error: %v", r), nil)
		}
	}()
	return task(ctx)
}

// Running は実行中のタスク数を返します。
func (m *Manager) Running() int {
	return int(m.running.Load())
}

// Wait はすべてのタスクが終了するか ctx が終了するまで待機します。
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) failJob(ctx context.Context, jobID, code, message string) error {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	record.Status = StatusFailed
	record.Message = message
	record.Error = &ErrorInfo{
		Code:    code,
		Message: message,
	}
	return m.store.Update(ctx, record)
}

func (m *Manager) failJobWithError(ctx context.Context, jobID string, err error) error {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return m.failJob(ctx, jobID, jobErr.Code, err.Error())
	}
	return m.failJob(ctx, jobID, "SCAN_FAILED", err.Error())
}
