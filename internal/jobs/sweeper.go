package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

// Sweeper は一定間隔で Store.Sweep を呼び出し、保持期間切れのジョブを削除します。
type Sweeper struct {
	store     Store
	scheduler gocron.Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper は Sweeper を作成して起動します。
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	sw := &Sweeper{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sw.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("scheduling job sweep: %w", err)
	}
	scheduler.Start()
	return sw, nil
}

func (s *Sweeper) sweep() {
	removed, err := s.store.Sweep(context.Background(), s.now().UTC())
	if err != nil {
		s.logger.Error("job sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("expired jobs removed", "count", removed)
	}
}

// Shutdown はスケジューラーを停止します。
func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}
