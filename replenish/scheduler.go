package replenish

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic replenishment loop.
type SchedulerConfig struct {
	Trigger  *Trigger
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler re-evaluates replenishment thresholds on a fixed cadence. The
// per-offer in-flight guard inside the trigger keeps overlapping passes from
// stacking vendor calls.
type Scheduler struct {
	trigger  *Trigger
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{trigger: cfg.Trigger, interval: interval, logger: logger}
}

// Start begins the replenishment loop until the context is cancelled.
// Failures are logged and retried on the next tick.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.trigger == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.trigger.ReplenishAll(ctx); err != nil {
				s.logger.Error("scheduled replenish failed", "error", err.Error())
			}
		}
	}
}
