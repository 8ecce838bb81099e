package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/cadence/internal/lock"
	"github.com/phrazzld/cadence/internal/platform/metrics"
)

// SweeperConfig holds the call sweeper's timing.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// StuckAfter is how long a call may stay placing before it is swept.
	StuckAfter time.Duration
	// LockMax bounds one sweep.
	LockMax time.Duration
}

// Sweeper periodically reconciles calls stuck in placing. Sweeps run under
// the call sweeper lock, so one process sweeps at a time.
type Sweeper struct {
	voice   *Voice
	locks   *lock.Manager
	config  SweeperConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(v *Voice, locks *lock.Manager, cfg SweeperConfig, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockMax <= 0 {
		cfg.LockMax = cfg.Interval
	}
	return &Sweeper{voice: v, locks: locks, config: cfg, metrics: m, logger: logger.With("component", "call_sweeper")}
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep if the lock is free.
func (s *Sweeper) Tick(ctx context.Context) {
	var rep SweepReport
	acquired, err := s.locks.WithLock(ctx, lock.CallSweeper, s.config.LockMax, func(ctx context.Context) error {
		var err error
		rep, err = s.voice.Sweep(ctx, s.config.StuckAfter)
		return err
	})
	if !acquired && err == nil {
		return
	}
	s.metrics.JobTick(lock.CallSweeper, err == nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "call sweep failed", "error", err)
		return
	}
	if rep != (SweepReport{}) {
		s.logger.InfoContext(ctx, "call sweep finished",
			"reconciled", rep.Reconciled,
			"redialed", rep.Redialed,
			"failed", rep.Failed)
	}
}
