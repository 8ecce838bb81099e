// Package intake is the single path by which new tasks enter the system.
// Each proposal passes the permanent-block filter, the category allow-list
// and the duplicate matcher; duplicates are folded into the existing task
// instead of creating a second row.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/dedup"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/sethvargo/go-retry"
)

// Outcome of a submission.
type Outcome string

// Outcomes
const (
	OutcomeCreated    Outcome = "created"
	OutcomeMerged     Outcome = "merged"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeRejected   Outcome = "category_rejected"
	OutcomeIneligible Outcome = "ineligible"
)

// Proposal is a candidate task.
type Proposal struct {
	Task *domain.Task
	// FollowUpOf names an active task the proposal continues, if any.
	FollowUpOf *uuid.UUID
	// MergeOnly refuses the proposal instead of creating a task when it does
	// not match an active one.
	MergeOnly bool
}

// Result reports what happened to a proposal. Task is the created or the
// merged-into task; it is nil for blocked and rejected proposals.
type Result struct {
	Outcome Outcome
	Task    *domain.Task
	Reason  string
	Score   float64
}

// Intake persists proposals.
type Intake struct {
	tx      store.Transactor
	matcher *dedup.Matcher
	journal *audit.Journal
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// New creates an Intake.
func New(tx store.Transactor, matcher *dedup.Matcher, journal *audit.Journal, m *metrics.Metrics, logger *slog.Logger) *Intake {
	return &Intake{
		tx:      tx,
		matcher: matcher,
		journal: journal,
		metrics: m,
		logger:  logger.With("component", "intake"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit runs p through the funnel. Permanent blocks apply to every source;
// operator-created tasks skip only the category allow-list.
func (in *Intake) Submit(ctx context.Context, tc *domain.TenantContext, p Proposal) (Result, error) {
	task := p.Task
	task.Priority = domain.ClampPriority(task.Priority)
	if err := task.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid proposal: %w", err)
	}
	log := in.logger.With("tenant_id", task.TenantID, "role", task.Role)

	if b, blocked := domain.FindBlock(tc.Blocks, task); blocked {
		log.Info("proposal blocked", "block_id", b.ID, "category", task.Category, "source", task.Source)
		in.metrics.Proposal(string(OutcomeBlocked))
		return Result{Outcome: OutcomeBlocked, Reason: BlockReason(b)}, nil
	}
	if task.Source != domain.TaskSourceOperator && !tc.Settings.CategoryAllowed(task.Category) {
		log.Info("proposal category not allowed", "category", task.Category)
		in.metrics.Proposal(string(OutcomeRejected))
		return Result{Outcome: OutcomeRejected, Reason: fmt.Sprintf("category %q is not allowed", task.Category)}, nil
	}

	var (
		res     Result
		entries []domain.ActivityLogEntry
	)
	// A merge target can move under us if the poller claims it between the
	// read and the conditional update; re-read and try again.
	backoff := retry.WithMaxRetries(2, retry.NewConstant(20*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		res, entries, err = in.submitTx(ctx, p)
		if errors.Is(err, store.ErrStatusConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}

	in.journal.Publish(ctx, entries...)
	in.metrics.Proposal(string(res.Outcome))
	switch res.Outcome {
	case OutcomeMerged:
		log.Info("proposal merged into existing task",
			"task_id", res.Task.ID,
			"score", res.Score)
	case OutcomeIneligible:
		log.Info("proposal refused", "reason", res.Reason)
	default:
		log.Info("task created", "task_id", res.Task.ID, "status", res.Task.Status)
	}
	return res, nil
}

// BlockReason is the human-readable reason a block gives.
func BlockReason(b domain.PermanentBlock) string {
	if b.Reason == "" {
		return "permanent block"
	}
	return "permanent block: " + b.Reason
}

func (in *Intake) submitTx(ctx context.Context, p Proposal) (Result, []domain.ActivityLogEntry, error) {
	var (
		res     Result
		entries []domain.ActivityLogEntry
	)
	err := in.tx.InTx(ctx, func(s store.Stores) error {
		now := in.Now()
		active, err := s.Tasks.ListActive(ctx, p.Task.TenantID, p.Task.Role)
		if err != nil {
			return fmt.Errorf("failed to list active tasks: %w", err)
		}

		if match, ok := in.matcher.Find(p.Task, p.FollowUpOf, active); ok {
			existing, err := s.Tasks.Merge(ctx, match.Existing.ID, domain.NoteEntry(now, mergeNote(p.Task, match)), p.Task.Priority, now)
			if err != nil {
				return fmt.Errorf("failed to merge into task %s: %w", match.Existing.ID, err)
			}
			e := audit.Entry(existing, domain.EventTaskMerged, domain.SeverityInfo,
				"Follow-up merged",
				fmt.Sprintf("A new request was merged into this task instead of creating a duplicate: %s", p.Task.Instruction),
				map[string]any{"score": match.Score, "follow_up": match.FollowUp, "proposed_priority": p.Task.Priority},
				now)
			if err := in.journal.Record(ctx, s.Activity, e); err != nil {
				return err
			}
			entries = append(entries, e)
			res = Result{Outcome: OutcomeMerged, Task: existing, Score: match.Score}
			return nil
		}

		if p.MergeOnly {
			res = Result{Outcome: OutcomeIneligible, Reason: "contact is not eligible for new work"}
			return nil
		}

		task := p.Task
		task.CreatedAt, task.UpdatedAt = now, now
		if err := s.Tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		created := audit.Entry(task, domain.EventTaskCreated, domain.SeverityInfo,
			"Task created", task.Instruction,
			map[string]any{"source": task.Source, "role": task.Role, "category": task.Category, "priority": task.Priority},
			now)
		if err := in.journal.Record(ctx, s.Activity, created); err != nil {
			return err
		}
		entries = append(entries, created)
		if task.Status == domain.TaskStatusWaitingApproval {
			waiting := audit.Entry(task, domain.EventTaskWaitingApproval, domain.SeverityWarning,
				"Task awaiting approval", "The tenant's autonomy level requires an operator to approve this task.", nil, now)
			if err := in.journal.Record(ctx, s.Activity, waiting); err != nil {
				return err
			}
			entries = append(entries, waiting)
		}
		res = Result{Outcome: OutcomeCreated, Task: task}
		return nil
	})
	return res, entries, err
}

// mergeNote is the note a merged proposal leaves on the existing task: its
// instruction and notes. The higher priority wins separately.
func mergeNote(proposal *domain.Task, m dedup.Match) string {
	label := fmt.Sprintf("Merged similar request (similarity %.2f)", m.Score)
	if m.FollowUp {
		label = "Follow-up request"
	}
	note := fmt.Sprintf("%s: %s", label, proposal.Instruction)
	if proposal.Notes != "" {
		note += " | " + proposal.Notes
	}
	return note
}
