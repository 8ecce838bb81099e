package task

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/guardrail"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/redact"
	"github.com/phrazzld/cadence/internal/store"
)

// fail applies the failure policy to an in_progress task. Fatal errors fail
// the task at once; others consume an attempt and schedule a retry while
// attempts remain. A task that ends up failed also fails its open call rows.
// Reports whether a retry was scheduled.
func (p *Poller) fail(ctx context.Context, t *domain.Task, msg string, fatal bool) bool {
	now := p.Now()
	msg = redact.String(msg)

	retry := false
	if fatal {
		t.FailPermanently(now, msg)
	} else {
		retry = t.RecordFailure(now, msg)
	}

	var e domain.ActivityLogEntry
	if retry {
		e = audit.Entry(t, domain.EventTaskRetryScheduled, domain.SeverityWarning,
			"Retry scheduled",
			fmt.Sprintf("Attempt %d of %d failed: %s. Next attempt at %s.",
				t.CurrentAttempt, t.MaxAttempts, msg, t.NextRetryAt.Format(time.RFC3339)),
			map[string]any{"attempt": t.CurrentAttempt, "next_retry_at": t.NextRetryAt}, now)
	} else {
		e = audit.Entry(t, domain.EventTaskFailed, domain.SeverityError,
			"Task failed", msg,
			map[string]any{"attempt": t.CurrentAttempt, "fatal": fatal}, now)
	}
	if !p.transition(ctx, t, e) {
		return retry
	}

	if !retry {
		if err := p.stores.Calls.FailForTask(ctx, t.ID, msg); err != nil {
			p.logger.Error("failed to fail open calls of task", "task_id", t.ID, "error", err)
		}
	}
	p.logger.Info("task failure recorded",
		"task_id", t.ID,
		"tenant_id", t.TenantID,
		"status", t.Status,
		"attempt", t.CurrentAttempt,
		"max_attempts", t.MaxAttempts)
	return retry
}

// block routes a guardrail block: approval blocks wait for an operator,
// every other block pauses the task until the check is worth repeating.
func (p *Poller) block(ctx context.Context, t *domain.Task, d guardrail.Decision) {
	if d.Kind.NeedsApproval() {
		p.awaitApproval(ctx, t, "Task awaiting approval", d.Reason)
		return
	}
	now := p.Now()
	if err := t.TransitionTo(domain.TaskStatusPaused, now); err != nil {
		p.logger.Error("cannot pause task", "task_id", t.ID, "error", err)
		return
	}
	retryAt := d.RetryAt
	if retryAt.IsZero() || retryAt.Before(now) {
		retryAt = now.Add(p.config.Interval)
	}
	t.NextRetryAt = &retryAt
	p.transition(ctx, t, audit.Entry(t, domain.EventTaskPaused, domain.SeverityWarning,
		"Task paused", d.Reason,
		map[string]any{"kind": d.Kind, "retry_at": retryAt}, now))
}

func (p *Poller) awaitApproval(ctx context.Context, t *domain.Task, title, reason string) {
	now := p.Now()
	if err := t.TransitionTo(domain.TaskStatusWaitingApproval, now); err != nil {
		p.logger.Error("cannot move task to approval", "task_id", t.ID, "error", err)
		return
	}
	t.NextRetryAt = nil
	p.transition(ctx, t, audit.Entry(t, domain.EventTaskWaitingApproval, domain.SeverityWarning,
		title, reason, nil, now))
}

func (p *Poller) awaitInput(ctx context.Context, t *domain.Task, next int) {
	now := p.Now()
	if err := t.TransitionTo(domain.TaskStatusWaitingInput, now); err != nil {
		p.logger.Error("cannot pause task for input", "task_id", t.ID, "error", err)
		return
	}
	t.NextRetryAt = nil
	t.PausedAtStep = next
	p.transition(ctx, t, audit.Entry(t, domain.EventTaskWaitingInput, domain.SeverityInfo,
		"Waiting for operator input",
		fmt.Sprintf("Step %d of %d is done. Resume the task to continue.", next, len(t.Plan)),
		map[string]any{"paused_at_step": next}, now))
}

// complete marks t completed and, for recurring tasks, creates the successor
// in the same transaction unless a permanent block now covers it.
func (p *Poller) complete(ctx context.Context, tc *domain.TenantContext, t *domain.Task, summary string) {
	now := p.Now()
	t.MarkCompleted(now, summary)
	log := p.logger.With("task_id", t.ID, "tenant_id", t.TenantID)

	var entries []domain.ActivityLogEntry
	err := p.tx.InTx(ctx, func(s store.Stores) error {
		entries = entries[:0]
		if err := s.Tasks.Update(ctx, t, domain.TaskStatusInProgress); err != nil {
			return err
		}
		// Pick up anything merged while the task ran.
		stored, err := s.Tasks.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		t.Notes, t.Priority = stored.Notes, stored.Priority

		done := audit.Entry(t, domain.EventTaskCompleted, domain.SeveritySuccess, "Task completed", summary, nil, now)
		if err := p.journal.Record(ctx, s.Activity, done); err != nil {
			return err
		}
		entries = append(entries, done)

		if !t.Recurrence.IsRecurring() {
			return nil
		}
		next, err := t.Successor(now)
		if err != nil {
			log.Error("cannot schedule next occurrence", "error", err)
			return nil
		}
		if b, blocked := domain.FindBlock(tc.Blocks, next); blocked {
			log.Info("next occurrence blocked", "block_id", b.ID)
			stopped := audit.Entry(t, domain.EventTaskBlocked, domain.SeverityWarning,
				"Recurrence stopped",
				fmt.Sprintf("The next occurrence was not scheduled: %s.", intake.BlockReason(b)),
				map[string]any{"block_id": b.ID}, now)
			if err := p.journal.Record(ctx, s.Activity, stopped); err != nil {
				return err
			}
			entries = append(entries, stopped)
			return nil
		}
		if err := s.Tasks.Create(ctx, next); err != nil {
			return fmt.Errorf("failed to create next occurrence: %w", err)
		}
		created := audit.Entry(next, domain.EventTaskCreated, domain.SeverityInfo,
			"Next occurrence scheduled",
			fmt.Sprintf("Repeats %s; next run at %s.", t.Recurrence.Kind, next.ScheduledAt.Format(time.RFC3339)),
			map[string]any{"source": next.Source, "parent_task_id": t.ID}, now)
		if err := p.journal.Record(ctx, s.Activity, created); err != nil {
			return err
		}
		entries = append(entries, created)
		return nil
	})
	if err != nil {
		log.Error("failed to record task completion", "error", err)
		return
	}
	p.metrics.TaskTransition(string(domain.TaskStatusCompleted))
	p.journal.Publish(ctx, entries...)
	log.Info("task completed", "steps", len(t.Plan))
}
