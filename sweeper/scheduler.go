package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic sweep loop.
type SchedulerConfig struct {
	Sweeper  *Sweeper
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler executes sweeps on a fixed cadence. Sweep stays safe under
// overlap, so running a scheduler does not preclude explicit invocations
// through the operations API.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: cfg.Sweeper, interval: interval, logger: logger}
}

// Start begins the sweep loop until the context is cancelled. Failures are
// logged and retried on the next tick.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweeper.Sweep(ctx); err != nil {
				s.logger.Error("scheduled sweep failed", "error", err.Error())
			}
		}
	}
}
