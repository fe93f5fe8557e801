package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SchedulerConfig configures the interval settlement scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *slog.Logger
}

// Scheduler executes settlement runs on a fixed cadence.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		logger:     logger,
	}
}

// Start begins the scheduling loop until the context is cancelled. A run
// already holding the lease (manual trigger or another instance) is skipped,
// not an error: its holder settles the same debt this tick would have.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := s.reconciler.Run(ctx)
			switch {
			case errors.Is(err, ErrRunInProgress):
				s.logger.Info("scheduled run skipped, lease held elsewhere")
			case err != nil:
				s.logger.Error("scheduled settlement run failed", "err", err)
			default:
				s.logger.Info("scheduled settlement run finished",
					"settled", summary.RecipientsProcessed,
					"total", summary.TotalAmount.String(),
					"tx", summary.TxRef,
				)
			}
		}
	}
}
