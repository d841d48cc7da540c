package recon

import (
	"context"
	"log/slog"
	"time"

	"satsbridge/services/swapd/swap"
)

// Sweeper reconciles stale and retryable swaps. *swap.Engine satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (swap.SweepResult, error)
}

// Pruner drops processed webhook deliveries older than cutoff.
// *idempotency.DeliveryLog satisfies it.
type Pruner interface {
	Prune(cutoff time.Time) (int, error)
}

// SchedulerConfig configures the sweep scheduler.
type SchedulerConfig struct {
	Sweeper  Sweeper
	Pruner   Pruner
	Interval time.Duration
	// Retention bounds how long processed deliveries are remembered.
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scheduler runs the sweeper on a fixed cadence.
type Scheduler struct {
	sweeper   Sweeper
	pruner    Pruner
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		sweeper:   cfg.Sweeper,
		pruner:    cfg.Pruner,
		interval:  interval,
		retention: retention,
		logger:    logger.With(slog.String("component", "recon")),
		now:       now,
	}
}

// Start runs a pass every interval until the context is cancelled.
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
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and delivery prune.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if _, err := s.sweeper.Sweep(ctx); err != nil {
		s.logger.Error("recon sweep failed", slog.String("error", err.Error()))
	}
	if s.pruner == nil {
		return
	}
	removed, err := s.pruner.Prune(s.now().Add(-s.retention))
	if err != nil {
		s.logger.Error("recon prune failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		s.logger.Debug("pruned webhook deliveries", slog.Int("removed", removed))
	}
}
