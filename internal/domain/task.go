package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task in the orchestration
// state machine.
type TaskStatus string

// Possible task status values
const (
	TaskStatusScheduled       TaskStatus = "scheduled"
	TaskStatusInProgress      TaskStatus = "in_progress"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusRetryPending    TaskStatus = "retry_pending"
	TaskStatusApproved        TaskStatus = "approved"
	TaskStatusDeferred        TaskStatus = "deferred"
	TaskStatusWaitingApproval TaskStatus = "waiting_approval"
	TaskStatusWaitingInput    TaskStatus = "waiting_input"
	TaskStatusPaused          TaskStatus = "paused"
)

// ActiveTaskStatuses lists every non-terminal status. Tasks in these states
// are candidates for deduplication and block a contact from autonomous
// generation.
var ActiveTaskStatuses = []TaskStatus{
	TaskStatusScheduled,
	TaskStatusInProgress,
	TaskStatusRetryPending,
	TaskStatusApproved,
	TaskStatusDeferred,
	TaskStatusWaitingApproval,
	TaskStatusWaitingInput,
	TaskStatusPaused,
}

// transitions enumerates the allowed edges of the task state machine.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusScheduled:       {TaskStatusInProgress, TaskStatusWaitingApproval, TaskStatusPaused, TaskStatusFailed},
	TaskStatusInProgress:      {TaskStatusCompleted, TaskStatusFailed, TaskStatusRetryPending, TaskStatusWaitingInput, TaskStatusWaitingApproval, TaskStatusPaused},
	TaskStatusRetryPending:    {TaskStatusInProgress, TaskStatusFailed},
	TaskStatusApproved:        {TaskStatusScheduled},
	TaskStatusDeferred:        {TaskStatusWaitingApproval},
	TaskStatusWaitingApproval: {TaskStatusApproved, TaskStatusDeferred, TaskStatusInProgress, TaskStatusFailed},
	TaskStatusWaitingInput:    {TaskStatusInProgress, TaskStatusFailed},
	TaskStatusPaused:          {TaskStatusInProgress, TaskStatusApproved, TaskStatusFailed},
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func isValidTaskStatus(s TaskStatus) bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// TaskSource records who created a task.
type TaskSource string

// Task sources
const (
	TaskSourceOperator   TaskSource = "operator"
	TaskSourceDecision   TaskSource = "decision"
	TaskSourceAutonomous TaskSource = "autonomous"
	TaskSourceRecurrence TaskSource = "recurrence"
)

// ExecutionMode controls whether the executor runs the whole plan or pauses
// for operator input between steps.
type ExecutionMode string

// Execution modes
const (
	ExecutionModeAutomatic ExecutionMode = "automatic"
	ExecutionModeAssisted  ExecutionMode = "assisted"
)

// Task defaults applied by NewTask.
const (
	DefaultPriority          = 2
	DefaultMaxAttempts       = 3
	DefaultRetryDelayMinutes = 15
	MinPriority              = 1
	MaxPriority              = 4
)

// Task is the persisted unit of orchestrated work. Once a plan has been
// generated it is never replaced; only per-step statuses and the result map
// change afterwards.
type Task struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	ContactID    *uuid.UUID `json:"contact_id,omitempty"`
	ParentTaskID *uuid.UUID `json:"parent_task_id,omitempty"`

	Instruction   string        `json:"instruction"`
	Category      string        `json:"category"`
	Role          string        `json:"role"`
	Channel       Channel       `json:"channel"`
	Priority      int           `json:"priority"`
	Tone          string        `json:"tone,omitempty"`
	Urgency       string        `json:"urgency,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	Source        TaskSource    `json:"source"`
	ExecutionMode ExecutionMode `json:"execution_mode"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	Timezone    string     `json:"timezone"`
	Recurrence  Recurrence `json:"recurrence"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	Status            TaskStatus                 `json:"status"`
	Plan              []Step                     `json:"plan"`
	CurrentAttempt    int                        `json:"current_attempt"`
	MaxAttempts       int                        `json:"max_attempts"`
	RetryDelayMinutes int                        `json:"retry_delay_minutes"`
	StepResults       map[string]json.RawMessage `json:"step_results"`
	PausedAtStep      int                        `json:"paused_at_step"`
	ApprovalGranted   bool                       `json:"approval_granted"`
	Reasoning         string                     `json:"reasoning,omitempty"`
	Confidence        float64                    `json:"confidence"`
	EstimatedMinutes  int                        `json:"estimated_minutes"`
	ResultSummary     string                     `json:"result_summary,omitempty"`
	ErrorMessage      string                     `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a scheduled task for the given tenant with default retry
// policy and priority. Returns an error if validation fails.
func NewTask(tenantID uuid.UUID, instruction string, scheduledAt time.Time) (*Task, error) {
	now := time.Now().UTC()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	t := &Task{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Instruction:       strings.TrimSpace(instruction),
		Channel:           ChannelNone,
		Priority:          DefaultPriority,
		Source:            TaskSourceOperator,
		ExecutionMode:     ExecutionModeAutomatic,
		ScheduledAt:       scheduledAt.UTC(),
		Timezone:          "UTC",
		Recurrence:        Recurrence{Kind: RecurrenceNone},
		Status:            TaskStatusScheduled,
		MaxAttempts:       DefaultMaxAttempts,
		RetryDelayMinutes: DefaultRetryDelayMinutes,
		StepResults:       map[string]json.RawMessage{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil || t.TenantID == uuid.Nil {
		return ErrInvalidID
	}
	if strings.TrimSpace(t.Instruction) == "" {
		return ErrEmptyInstruction
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	if !t.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrValidation)
	}
	if t.CurrentAttempt < 0 || t.CurrentAttempt > t.MaxAttempts {
		return fmt.Errorf("%w: current attempt %d outside [0,%d]", ErrValidation, t.CurrentAttempt, t.MaxAttempts)
	}
	if t.RetryDelayMinutes < 0 {
		return fmt.Errorf("%w: retry delay cannot be negative", ErrValidation)
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrValidation, t.Timezone)
	}
	if err := t.Recurrence.Validate(); err != nil {
		return err
	}
	for i, s := range t.Plan {
		if s.Index != i {
			return fmt.Errorf("%w: step %d has index %d", ErrValidation, i, s.Index)
		}
		if !s.Action.IsValid() {
			return fmt.Errorf("%w: step %d: %s", ErrInvalidAction, i, s.Action)
		}
	}
	return nil
}

// ClampPriority bounds p to the valid priority range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// TransitionTo moves the task to next, enforcing the state machine.
func (t *Task) TransitionTo(next TaskStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now.UTC()
	return nil
}

// HasPlan reports whether an execution plan was already generated.
func (t *Task) HasPlan() bool {
	return len(t.Plan) > 0
}

// SameContact reports whether the task targets the given contact. Two tasks
// without a contact are considered to target the same (absent) contact.
func (t *Task) SameContact(contactID *uuid.UUID) bool {
	if t.ContactID == nil || contactID == nil {
		return t.ContactID == nil && contactID == nil
	}
	return *t.ContactID == *contactID
}

// RecordFailure applies the task-level retry policy after a failed execution
// attempt. The attempt counter is incremented; while it stays below
// MaxAttempts the task becomes retry_pending after the fixed retry delay,
// otherwise it fails permanently. Returns true when a retry was scheduled.
func (t *Task) RecordFailure(now time.Time, errMsg string) bool {
	now = now.UTC()
	attempts := t.CurrentAttempt + 1
	if attempts > t.MaxAttempts {
		attempts = t.MaxAttempts
	}
	t.CurrentAttempt = attempts
	t.ErrorMessage = errMsg
	t.UpdatedAt = now

	if attempts < t.MaxAttempts {
		next := now.Add(time.Duration(t.RetryDelayMinutes) * time.Minute)
		t.Status = TaskStatusRetryPending
		t.NextRetryAt = &next
		return true
	}

	t.Status = TaskStatusFailed
	t.NextRetryAt = nil
	t.CompletedAt = &now
	return false
}

// FailPermanently marks the task failed without consuming the remaining
// attempts. Used for fatal errors such as malformed plans.
func (t *Task) FailPermanently(now time.Time, errMsg string) {
	now = now.UTC()
	t.Status = TaskStatusFailed
	t.ErrorMessage = errMsg
	t.NextRetryAt = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkCompleted sets the terminal completed state with a summary.
func (t *Task) MarkCompleted(now time.Time, summary string) {
	now = now.UTC()
	t.Status = TaskStatusCompleted
	t.ResultSummary = summary
	t.ErrorMessage = ""
	t.NextRetryAt = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// AppendNote adds a timestamped note to the task context. Notes are never
// overwritten so merged follow-ups keep every proposal's information.
func (t *Task) AppendNote(now time.Time, note string) {
	entry := NoteEntry(now, note)
	if entry == "" {
		return
	}
	t.Notes = JoinNotes(t.Notes, entry)
	t.UpdatedAt = now.UTC()
}

// NoteEntry formats note as a timestamped notes line. It is empty for a
// blank note.
func NoteEntry(now time.Time, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return ""
	}
	return fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), note)
}

// JoinNotes appends entry to notes on a new line.
func JoinNotes(notes, entry string) string {
	if notes == "" {
		return entry
	}
	return notes + "\n" + entry
}

// SetStepResult stores a step output under the step name.
func (t *Task) SetStepResult(name string, result json.RawMessage) {
	if t.StepResults == nil {
		t.StepResults = map[string]json.RawMessage{}
	}
	t.StepResults[name] = result
}

// Location returns the task's timezone, falling back to UTC.
func (t *Task) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
