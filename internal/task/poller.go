package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/decision"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/executor"
	"github.com/phrazzld/cadence/internal/guardrail"
	"github.com/phrazzld/cadence/internal/lock"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/store"
)

// PollerConfig holds configuration for the task poller
type PollerConfig struct {
	// Interval between ticks
	Interval time.Duration

	// BatchSize bounds how many due tasks one tick claims
	BatchSize int

	// StaleAfter defines how long a task can stay in_progress without an
	// update before it is considered abandoned
	StaleAfter time.Duration

	// LockMax bounds one tick
	LockMax time.Duration
}

// DefaultPollerConfig returns a PollerConfig with reasonable defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:   30 * time.Second,
		BatchSize:  10,
		StaleAfter: 10 * time.Minute,
		LockMax:    5 * time.Minute,
	}
}

// Planner produces execution plans.
type Planner interface {
	Plan(ctx context.Context, tc *domain.TenantContext, task *domain.Task) (*decision.Outcome, error)
}

// Runner executes plans.
type Runner interface {
	Execute(ctx context.Context, tc *domain.TenantContext, task *domain.Task) (*executor.Outcome, error)
}

// TickReport counts what one tick did.
type TickReport struct {
	Promoted   int
	Resurfaced int
	Recovered  int
	Abandoned  int
	Claimed    int
}

// Poller drives due tasks through planning and execution. Ticks run under
// the poller lock so one process works the queue at a time; within a tick
// tasks run one after another.
type Poller struct {
	stores  store.Stores
	tx      store.Transactor
	locks   *lock.Manager
	planner Planner
	runner  Runner
	journal *audit.Journal
	metrics *metrics.Metrics
	config  PollerConfig
	logger  *slog.Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// NewPoller creates a new Poller
func NewPoller(
	s store.Stores,
	tx store.Transactor,
	locks *lock.Manager,
	planner Planner,
	runner Runner,
	journal *audit.Journal,
	m *metrics.Metrics,
	config PollerConfig,
	logger *slog.Logger,
) *Poller {
	def := DefaultPollerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.LockMax <= 0 {
		config.LockMax = def.LockMax
	}
	return &Poller{
		stores:  s,
		tx:      tx,
		locks:   locks,
		planner: planner,
		runner:  runner,
		journal: journal,
		metrics: m,
		config:  config,
		logger:  logger.With("component", "poller"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks once immediately and then on every interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("starting task poller",
		"interval", p.config.Interval,
		"batch_size", p.config.BatchSize)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Tick(ctx); err != nil {
			p.logger.Error("poller tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("stopping task poller")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one poll cycle if no other process holds the poller lock. The
// report is zero when the lock was busy.
func (p *Poller) Tick(ctx context.Context) (TickReport, error) {
	var rep TickReport
	acquired, err := p.locks.WithLock(ctx, lock.TaskPoller, p.config.LockMax, func(ctx context.Context) error {
		var err error
		rep, err = p.tick(ctx)
		return err
	})
	if acquired || err != nil {
		p.metrics.JobTick(lock.TaskPoller, err == nil)
	}
	return rep, err
}

func (p *Poller) tick(ctx context.Context) (TickReport, error) {
	var rep TickReport
	now := p.Now()

	promoted, err := p.stores.Tasks.PromoteApproved(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("failed to promote approved tasks: %w", err)
	}
	for _, t := range promoted {
		p.metrics.TaskTransition(string(t.Status))
		p.journal.LogQuietly(ctx, p.stores.Activity, audit.Entry(t, domain.EventTaskPromoted, domain.SeverityInfo,
			"Approved task scheduled", "The task was approved and is now queued for execution.", nil, now))
	}
	rep.Promoted = len(promoted)

	resurfaced, err := p.stores.Tasks.PromoteDeferred(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("failed to promote deferred tasks: %w", err)
	}
	for _, t := range resurfaced {
		p.metrics.TaskTransition(string(t.Status))
		p.journal.LogQuietly(ctx, p.stores.Activity, audit.Entry(t, domain.EventTaskWaitingApproval, domain.SeverityWarning,
			"Deferred task needs a decision", "The deferral period ended; the task is waiting for approval again.", nil, now))
	}
	rep.Resurfaced = len(resurfaced)

	rep.Recovered, rep.Abandoned, err = p.recoverStale(ctx, now)
	if err != nil {
		return rep, err
	}

	claimed, err := p.stores.Tasks.ClaimDue(ctx, now, p.config.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	rep.Claimed = len(claimed)

	tenants := guardrail.NewTenantCache(p.stores, now)
	for _, t := range claimed {
		if ctx.Err() != nil {
			// Unstarted claims stay in_progress and are recovered as stale.
			p.logger.Warn("tick cancelled, leaving claimed tasks for recovery", "remaining", len(claimed))
			break
		}
		p.process(ctx, tenants, t)
	}

	if rep != (TickReport{}) {
		p.logger.Info("poller tick finished",
			"promoted", rep.Promoted,
			"resurfaced", rep.Resurfaced,
			"recovered", rep.Recovered,
			"abandoned", rep.Abandoned,
			"claimed", rep.Claimed)
	}
	return rep, nil
}

// recoverStale requeues or fails tasks abandoned in_progress.
func (p *Poller) recoverStale(ctx context.Context, now time.Time) (recovered, abandoned int, err error) {
	stale, err := p.stores.Tasks.ListStale(ctx, now.Add(-p.config.StaleAfter))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	if len(stale) > 0 {
		p.logger.Info("found stale tasks", "count", len(stale))
	}
	for _, t := range stale {
		msg := fmt.Sprintf("no progress for more than %s; presumed abandoned", p.config.StaleAfter)
		for i, s := range t.Plan {
			if s.Status == domain.StepStatusInProgress {
				t.FailStep(i, msg)
				break
			}
		}
		if p.fail(ctx, t, msg, false) {
			recovered++
		} else {
			abandoned++
		}
	}
	return recovered, abandoned, nil
}

// process plans and executes one claimed task. Any panic becomes the task's
// failure.
func (p *Poller) process(ctx context.Context, tenants *guardrail.TenantCache, t *domain.Task) {
	log := p.logger.With("task_id", t.ID, "tenant_id", t.TenantID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing task", "panic", r, "stack", string(debug.Stack()))
			p.fail(ctx, t, fmt.Sprintf("internal error: %v", r), false)
		}
	}()

	p.metrics.TaskTransition(string(domain.TaskStatusInProgress))
	p.journal.LogQuietly(ctx, p.stores.Activity, audit.Entry(t, domain.EventTaskStarted, domain.SeverityInfo,
		"Task started", fmt.Sprintf("Attempt %d of %d", t.CurrentAttempt+1, t.MaxAttempts), nil, p.Now()))

	tc, err := tenants.Get(ctx, t.TenantID)
	if err != nil {
		log.Error("failed to load tenant context", "error", err)
		p.fail(ctx, t, err.Error(), false)
		return
	}

	plan, err := p.planner.Plan(ctx, tc, t)
	if err != nil {
		log.Warn("planning failed", "error", err, "fatal", decision.IsFatal(err))
		p.fail(ctx, t, err.Error(), decision.IsFatal(err))
		return
	}
	plan.Apply(t)
	if plan.Block != nil {
		p.block(ctx, t, *plan.Block)
		return
	}
	if plan.Declined {
		p.awaitApproval(ctx, t, "Model advised against running the task", plan.Reasoning)
		return
	}
	if !plan.Reused {
		if err := p.save(ctx, t, domain.TaskStatusInProgress); err != nil {
			log.Error("failed to store plan", "error", err)
			return
		}
	}

	out, err := p.runner.Execute(ctx, tc, t)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			log.Warn("task changed during execution, leaving it alone", "error", err)
			return
		}
		log.Error("execution aborted", "error", err)
		p.fail(ctx, t, err.Error(), false)
		return
	}

	switch out.Status {
	case executor.StatusCompleted:
		p.complete(ctx, tc, t, out.Summary)
	case executor.StatusPaused:
		p.awaitInput(ctx, t, out.Step)
	case executor.StatusBlocked:
		p.block(ctx, t, *out.Block)
	default:
		p.fail(ctx, t, out.Err.Error(), decision.IsFatal(out.Err))
	}
}

// save writes t if it is still in status expected.
func (p *Poller) save(ctx context.Context, t *domain.Task, expected domain.TaskStatus) error {
	t.UpdatedAt = p.Now()
	if err := p.stores.Tasks.Update(ctx, t, expected); err != nil {
		return err
	}
	if t.Status != expected {
		p.metrics.TaskTransition(string(t.Status))
	}
	return nil
}

// transition moves an in_progress task to next and records e.
func (p *Poller) transition(ctx context.Context, t *domain.Task, e domain.ActivityLogEntry) bool {
	if err := p.save(ctx, t, domain.TaskStatusInProgress); err != nil {
		p.logger.Error("failed to update task status",
			"task_id", t.ID,
			"status", t.Status,
			"error", err)
		return false
	}
	p.journal.LogQuietly(ctx, p.stores.Activity, e)
	return true
}
