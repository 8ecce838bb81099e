package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/guardrail"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/store"
)

// OperatorInputKey is the result-map key under which Resume stores the
// operator's input.
const OperatorInputKey = "operator_input"

// ErrWrongStatus is returned when an operator action does not apply to the
// task's current status.
var ErrWrongStatus = errors.New("operation not allowed in the task's current status")

// CreateRequest describes an operator-created task.
type CreateRequest struct {
	TenantID          uuid.UUID
	ContactID         *uuid.UUID
	FollowUpOf        *uuid.UUID
	Instruction       string
	Category          string
	Role              string
	Channel           domain.Channel
	Priority          int
	Tone              string
	Urgency           string
	Notes             string
	ScheduledAt       time.Time
	Timezone          string
	Recurrence        domain.Recurrence
	ExecutionMode     domain.ExecutionMode
	MaxAttempts       int
	RetryDelayMinutes int
}

// Service implements the operator actions on tasks.
type Service struct {
	stores  store.Stores
	intake  *intake.Intake
	journal *audit.Journal
	logger  *slog.Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// NewService creates a Service.
func NewService(s store.Stores, in *intake.Intake, journal *audit.Journal, logger *slog.Logger) *Service {
	return &Service{
		stores:  s,
		intake:  in,
		journal: journal,
		logger:  logger.With("component", "task_service"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create submits an operator task. Creating it counts as approval, so the
// autonomy-level guardrail does not hold it back. A near-duplicate of an
// active task is merged into that task instead.
func (s *Service) Create(ctx context.Context, req CreateRequest) (intake.Result, error) {
	now := s.Now()
	at := req.ScheduledAt
	if at.IsZero() {
		at = now
	}
	t, err := domain.NewTask(req.TenantID, req.Instruction, at)
	if err != nil {
		return intake.Result{}, err
	}
	t.ContactID = req.ContactID
	t.Category = strings.TrimSpace(req.Category)
	t.Role = strings.TrimSpace(req.Role)
	t.Channel = req.Channel
	if req.Priority != 0 {
		t.Priority = req.Priority
	}
	t.Tone, t.Urgency = req.Tone, req.Urgency
	if req.Timezone != "" {
		t.Timezone = req.Timezone
	}
	if req.Recurrence.Kind != "" {
		t.Recurrence = req.Recurrence
	}
	if req.ExecutionMode != "" {
		t.ExecutionMode = req.ExecutionMode
	}
	if req.MaxAttempts > 0 {
		t.MaxAttempts = req.MaxAttempts
	}
	if req.RetryDelayMinutes > 0 {
		t.RetryDelayMinutes = req.RetryDelayMinutes
	}
	t.Source = domain.TaskSourceOperator
	t.ApprovalGranted = true
	t.AppendNote(now, req.Notes)

	tc, err := guardrail.LoadTenantContext(ctx, s.stores, req.TenantID, now)
	if err != nil {
		return intake.Result{}, err
	}
	return s.intake.Submit(ctx, tc, intake.Proposal{Task: t, FollowUpOf: req.FollowUpOf})
}

// Get returns a task of the tenant. Tasks of other tenants are reported as
// not found.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Task, error) {
	t, err := s.stores.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.TenantID != tenantID {
		return nil, store.ErrTaskNotFound
	}
	return t, nil
}

// ListActivity returns the tenant's audit feed, newest first.
func (s *Service) ListActivity(ctx context.Context, tenantID uuid.UUID, f store.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	return s.stores.Activity.List(ctx, tenantID, f)
}

// Approve lets a task that waits for approval, or is paused, run at runAt
// (now when zero). Approval sticks: the autonomy-level guardrail no longer
// blocks the task.
func (s *Service) Approve(ctx context.Context, tenantID, id uuid.UUID, runAt time.Time) (*domain.Task, error) {
	now := s.Now()
	if runAt.IsZero() || runAt.Before(now) {
		runAt = now
	}
	return s.apply(ctx, tenantID, id, func(t *domain.Task) (domain.ActivityLogEntry, error) {
		if err := t.TransitionTo(domain.TaskStatusApproved, now); err != nil {
			return domain.ActivityLogEntry{}, err
		}
		t.ApprovalGranted = true
		t.ScheduledAt = runAt.UTC()
		t.NextRetryAt = nil
		return audit.Entry(t, domain.EventTaskApproved, domain.SeveritySuccess,
			"Task approved", fmt.Sprintf("Scheduled for %s.", t.ScheduledAt.Format(time.RFC3339)), nil, now), nil
	})
}

// Defer postpones the approval decision until until.
func (s *Service) Defer(ctx context.Context, tenantID, id uuid.UUID, until time.Time) (*domain.Task, error) {
	now := s.Now()
	if !until.After(now) {
		return nil, fmt.Errorf("%w: defer time must be in the future", domain.ErrValidation)
	}
	return s.apply(ctx, tenantID, id, func(t *domain.Task) (domain.ActivityLogEntry, error) {
		if err := t.TransitionTo(domain.TaskStatusDeferred, now); err != nil {
			return domain.ActivityLogEntry{}, err
		}
		u := until.UTC()
		t.NextRetryAt = &u
		return audit.Entry(t, domain.EventTaskDeferred, domain.SeverityInfo,
			"Task deferred", fmt.Sprintf("Back for approval at %s.", u.Format(time.RFC3339)), nil, now), nil
	})
}

// Resume continues an assisted task that waits for input. The input is
// stored in the task's results under OperatorInputKey and the task becomes
// due immediately.
func (s *Service) Resume(ctx context.Context, tenantID, id uuid.UUID, input string) (*domain.Task, error) {
	now := s.Now()
	return s.apply(ctx, tenantID, id, func(t *domain.Task) (domain.ActivityLogEntry, error) {
		if t.Status != domain.TaskStatusWaitingInput {
			return domain.ActivityLogEntry{}, fmt.Errorf("%w: task is %s", ErrWrongStatus, t.Status)
		}
		if input = strings.TrimSpace(input); input != "" {
			raw, err := json.Marshal(map[string]any{"text": input, "at": now})
			if err != nil {
				return domain.ActivityLogEntry{}, err
			}
			t.SetStepResult(OperatorInputKey, raw)
		}
		t.NextRetryAt = &now
		t.UpdatedAt = now
		return audit.Entry(t, domain.EventTaskResumed, domain.SeverityInfo,
			"Task resumed", fmt.Sprintf("Continuing from step %d.", t.PausedAtStep+1), nil, now), nil
	})
}

// apply loads the task, lets change mutate it and stores it if its status
// did not move in the meantime.
func (s *Service) apply(ctx context.Context, tenantID, id uuid.UUID, change func(*domain.Task) (domain.ActivityLogEntry, error)) (*domain.Task, error) {
	t, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	expected := t.Status
	e, err := change(t)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: %v", ErrWrongStatus, err)
	}
	if err != nil {
		return nil, err
	}
	if err := s.stores.Tasks.Update(ctx, t, expected); err != nil {
		return nil, err
	}
	s.journal.LogQuietly(ctx, s.stores.Activity, e)
	s.logger.Info("operator action applied",
		"task_id", t.ID,
		"tenant_id", t.TenantID,
		"event", e.Type,
		"status", t.Status)
	return t, nil
}
