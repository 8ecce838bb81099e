package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/phrazzld/cadence/internal/store"
)

const taskColumns = `id, tenant_id, contact_id, parent_task_id, instruction, category, role, channel,
	priority, tone, urgency, notes, source, execution_mode, scheduled_at, timezone, recurrence,
	next_retry_at, status, plan, current_attempt, max_attempts, retry_delay_minutes, step_results,
	paused_at_step, approval_granted, reasoning, confidence, estimated_minutes, result_summary,
	error_message, created_at, updated_at, started_at, completed_at`

// claimDueQuery locks due rows with SKIP LOCKED so concurrent pollers never
// receive the same task. A zero limit means no limit.
const claimDueQuery = `
WITH due AS (
	SELECT id FROM tasks
	WHERE current_attempt < max_attempts
	  AND ((status = 'scheduled' AND scheduled_at <= $1)
	    OR (status IN ('retry_pending', 'paused', 'waiting_input') AND next_retry_at <= $1))
	ORDER BY priority DESC,
	         CASE WHEN status = 'scheduled' THEN scheduled_at ELSE next_retry_at END ASC
	LIMIT NULLIF($2::int, 0)
	FOR UPDATE SKIP LOCKED
)
UPDATE tasks AS t
SET status = 'in_progress',
    next_retry_at = NULL,
    updated_at = $1,
    started_at = COALESCE(t.started_at, $1)
FROM due
WHERE t.id = due.id
RETURNING ` + taskColumnsQualified

const taskColumnsQualified = `t.id, t.tenant_id, t.contact_id, t.parent_task_id, t.instruction, t.category, t.role, t.channel,
	t.priority, t.tone, t.urgency, t.notes, t.source, t.execution_mode, t.scheduled_at, t.timezone, t.recurrence,
	t.next_retry_at, t.status, t.plan, t.current_attempt, t.max_attempts, t.retry_delay_minutes, t.step_results,
	t.paused_at_step, t.approval_granted, t.reasoning, t.confidence, t.estimated_minutes, t.result_summary,
	t.error_message, t.created_at, t.updated_at, t.started_at, t.completed_at`

// TaskStore implements store.TaskStore on PostgreSQL.
type TaskStore struct {
	db store.DBTX
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a TaskStore.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t                             domain.Task
		recurrence, plan, stepResults []byte
	)
	err := row.Scan(
		&t.ID, &t.TenantID, &t.ContactID, &t.ParentTaskID, &t.Instruction, &t.Category, &t.Role, &t.Channel,
		&t.Priority, &t.Tone, &t.Urgency, &t.Notes, &t.Source, &t.ExecutionMode, &t.ScheduledAt, &t.Timezone, &recurrence,
		&t.NextRetryAt, &t.Status, &plan, &t.CurrentAttempt, &t.MaxAttempts, &t.RetryDelayMinutes, &stepResults,
		&t.PausedAtStep, &t.ApprovalGranted, &t.Reasoning, &t.Confidence, &t.EstimatedMinutes, &t.ResultSummary,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalColumn(recurrence, &t.Recurrence); err != nil {
		return nil, fmt.Errorf("task %s recurrence: %w", t.ID, err)
	}
	if err := unmarshalColumn(plan, &t.Plan); err != nil {
		return nil, fmt.Errorf("task %s plan: %w", t.ID, err)
	}
	if err := unmarshalColumn(stepResults, &t.StepResults); err != nil {
		return nil, fmt.Errorf("task %s step results: %w", t.ID, err)
	}
	if t.StepResults == nil {
		t.StepResults = map[string]json.RawMessage{}
	}
	if t.Recurrence.Kind == "" {
		t.Recurrence.Kind = domain.RecurrenceNone
	}
	return &t, nil
}

func unmarshalColumn(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// taskDocuments encodes the JSONB columns of a task.
func taskDocuments(t *domain.Task) (recurrence, plan, stepResults string, err error) {
	r, err := json.Marshal(t.Recurrence)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode recurrence: %w", err)
	}
	steps := t.Plan
	if steps == nil {
		steps = []domain.Step{}
	}
	p, err := json.Marshal(steps)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode plan: %w", err)
	}
	results := t.StepResults
	if results == nil {
		results = map[string]json.RawMessage{}
	}
	s, err := json.Marshal(results)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode step results: %w", err)
	}
	return string(r), string(p), string(s), nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// Create inserts a new task.
func (s *TaskStore) Create(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	recurrence, plan, stepResults, err := taskDocuments(t)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35)`,
		t.ID, t.TenantID, t.ContactID, t.ParentTaskID, t.Instruction, t.Category, t.Role, t.Channel,
		t.Priority, t.Tone, t.Urgency, t.Notes, t.Source, t.ExecutionMode, t.ScheduledAt.UTC(), t.Timezone, recurrence,
		t.NextRetryAt, t.Status, plan, t.CurrentAttempt, t.MaxAttempts, t.RetryDelayMinutes, stepResults,
		t.PausedAtStep, t.ApprovalGranted, t.Reasoning, t.Confidence, t.EstimatedMinutes, t.ResultSummary,
		t.ErrorMessage, t.CreatedAt.UTC(), t.UpdatedAt.UTC(), t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to insert task", "task_id", t.ID, "error", err)
		return MapError(err)
	}
	return nil
}

// Get returns the task with the given id.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, mapNotFound(err, store.ErrTaskNotFound)
	}
	return t, nil
}

// Update writes the mutable fields of t if the row is still in status
// expected. Notes and priority are left to Merge.
func (s *TaskStore) Update(ctx context.Context, t *domain.Task, expected domain.TaskStatus) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	recurrence, plan, stepResults, err := taskDocuments(t)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			contact_id = $3, parent_task_id = $4, instruction = $5, category = $6, role = $7, channel = $8,
			tone = $9, urgency = $10, source = $11, execution_mode = $12,
			scheduled_at = $13, timezone = $14, recurrence = $15, next_retry_at = $16, status = $17,
			plan = $18, current_attempt = $19, max_attempts = $20, retry_delay_minutes = $21,
			step_results = $22, paused_at_step = $23, approval_granted = $24, reasoning = $25,
			confidence = $26, estimated_minutes = $27, result_summary = $28, error_message = $29,
			updated_at = $30, started_at = $31, completed_at = $32
		WHERE id = $1 AND status = $2`,
		t.ID, expected,
		t.ContactID, t.ParentTaskID, t.Instruction, t.Category, t.Role, t.Channel,
		t.Tone, t.Urgency, t.Source, t.ExecutionMode,
		t.ScheduledAt.UTC(), t.Timezone, recurrence, t.NextRetryAt, t.Status,
		plan, t.CurrentAttempt, t.MaxAttempts, t.RetryDelayMinutes,
		stepResults, t.PausedAtStep, t.ApprovalGranted, t.Reasoning,
		t.Confidence, t.EstimatedMinutes, t.ResultSummary, t.ErrorMessage,
		t.UpdatedAt.UTC(), t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to update task", "task_id", t.ID, "error", err)
		return MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.conflict(ctx, t.ID, fmt.Sprintf("expected %s", expected))
}

// mergeQuery appends to notes and raises priority in place. The heartbeat of
// an in_progress row belongs to its worker.
const mergeQuery = `
UPDATE tasks AS t SET
	notes = CASE WHEN t.notes = '' THEN $2 ELSE t.notes || E'\n' || $2 END,
	priority = GREATEST(t.priority, $3),
	updated_at = CASE WHEN t.status = 'in_progress' THEN t.updated_at ELSE $4 END
WHERE t.id = $1 AND t.status NOT IN ('completed', 'failed')
RETURNING ` + taskColumnsQualified

// Merge folds entry and priority into a non-terminal task.
func (s *TaskStore) Merge(ctx context.Context, id uuid.UUID, entry string, priority int, at time.Time) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, mergeQuery, id, entry, priority, at.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conflict(ctx, id, "expected an active task")
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to merge into task", "task_id", id, "error", err)
		return nil, MapError(err)
	}
	return t, nil
}

// conflict explains a conditional write that matched no row: either the task
// is gone or another actor moved it.
func (s *TaskStore) conflict(ctx context.Context, id uuid.UUID, want string) error {
	var current domain.TaskStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return MapError(err)
	}
	return fmt.Errorf("%w: task %s is %s, %s", store.ErrStatusConflict, id, current, want)
}

// ClaimDue moves due tasks to in_progress and returns them by priority.
func (s *TaskStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	if limit < 0 {
		limit = 0
	}
	tasks, err := s.queryTasks(ctx, claimDueQuery, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	orderByPriority(tasks)
	return tasks, nil
}

// PromoteApproved moves due approved tasks to scheduled.
func (s *TaskStore) PromoteApproved(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	tasks, err := s.queryTasks(ctx, `
		UPDATE tasks AS t SET status = 'scheduled', updated_at = $1
		WHERE t.status = 'approved' AND t.scheduled_at <= $1
		RETURNING `+taskColumnsQualified, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to promote approved tasks: %w", err)
	}
	orderByPriority(tasks)
	return tasks, nil
}

// PromoteDeferred moves due deferred tasks back to waiting_approval.
func (s *TaskStore) PromoteDeferred(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	tasks, err := s.queryTasks(ctx, `
		UPDATE tasks AS t SET status = 'waiting_approval', next_retry_at = NULL, updated_at = $1
		WHERE t.status = 'deferred' AND t.next_retry_at <= $1
		RETURNING `+taskColumnsQualified, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to promote deferred tasks: %w", err)
	}
	orderByPriority(tasks)
	return tasks, nil
}

// ListStale returns in_progress tasks whose heartbeat is older than before.
func (s *TaskStore) ListStale(ctx context.Context, before time.Time) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'in_progress' AND updated_at < $1
		ORDER BY updated_at`, before.UTC())
}

// ListActive returns the tenant's non-terminal tasks, oldest first.
func (s *TaskStore) ListActive(ctx context.Context, tenantID uuid.UUID, role string) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE tenant_id = $1
		  AND status NOT IN ('completed', 'failed')
		  AND ($2::text = '' OR lower(role) = lower($2::text))
		ORDER BY created_at`, tenantID, role)
}

// ListForContact returns the newest tasks for a contact.
func (s *TaskStore) ListForContact(ctx context.Context, tenantID, contactID uuid.UUID, limit int) ([]*domain.Task, error) {
	if limit < 0 {
		limit = 0
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE tenant_id = $1 AND contact_id = $2
		ORDER BY created_at DESC
		LIMIT NULLIF($3::int, 0)`, tenantID, contactID, limit)
}

// ListCompletedSince returns tasks completed at or after since, newest first.
func (s *TaskStore) ListCompletedSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE tenant_id = $1 AND status = 'completed' AND completed_at >= $2
		ORDER BY completed_at DESC`, tenantID, since.UTC())
}

// dueAt is the sort key of a claimable task.
func dueAt(t *domain.Task) time.Time {
	if t.Status == domain.TaskStatusScheduled || t.NextRetryAt == nil {
		return t.ScheduledAt
	}
	return *t.NextRetryAt
}

// orderByPriority restores the claim order; RETURNING does not keep it.
func orderByPriority(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return dueAt(tasks[i]).Before(dueAt(tasks[j]))
	})
}
