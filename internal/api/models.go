package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/task"
)

// RecurrenceRequest describes how a task repeats.
type RecurrenceRequest struct {
	Kind     string `json:"kind"     validate:"omitempty,oneof=none daily weekly"`
	Weekdays []int  `json:"weekdays" validate:"omitempty,dive,gte=0,lte=6"`
}

// CreateTaskRequest is the payload of POST /api/tasks.
type CreateTaskRequest struct {
	Instruction       string             `json:"instruction"         validate:"required,max=4000"`
	ContactID         *uuid.UUID         `json:"contact_id"`
	FollowUpOf        *uuid.UUID         `json:"follow_up_of"`
	Category          string             `json:"category"            validate:"max=100"`
	Role              string             `json:"role"                validate:"max=100"`
	Channel           string             `json:"channel"`
	Priority          int                `json:"priority"            validate:"gte=0"`
	Tone              string             `json:"tone"                validate:"max=100"`
	Urgency           string             `json:"urgency"             validate:"max=100"`
	Notes             string             `json:"notes"               validate:"max=4000"`
	ScheduledAt       *time.Time         `json:"scheduled_at"`
	Timezone          string             `json:"timezone"`
	Recurrence        *RecurrenceRequest `json:"recurrence"`
	ExecutionMode     string             `json:"execution_mode"      validate:"omitempty,oneof=automatic assisted"`
	MaxAttempts       int                `json:"max_attempts"        validate:"gte=0,lte=10"`
	RetryDelayMinutes int                `json:"retry_delay_minutes" validate:"gte=0"`
}

// toServiceRequest converts the payload for the tenant.
func (req CreateTaskRequest) toServiceRequest(tenantID uuid.UUID) (task.CreateRequest, error) {
	ch, err := domain.ParseChannel(req.Channel)
	if err != nil {
		return task.CreateRequest{}, err
	}
	out := task.CreateRequest{
		TenantID:          tenantID,
		ContactID:         req.ContactID,
		FollowUpOf:        req.FollowUpOf,
		Instruction:       req.Instruction,
		Category:          req.Category,
		Role:              req.Role,
		Channel:           ch,
		Priority:          req.Priority,
		Tone:              req.Tone,
		Urgency:           req.Urgency,
		Notes:             req.Notes,
		Timezone:          req.Timezone,
		ExecutionMode:     domain.ExecutionMode(req.ExecutionMode),
		MaxAttempts:       req.MaxAttempts,
		RetryDelayMinutes: req.RetryDelayMinutes,
	}
	if req.ScheduledAt != nil {
		out.ScheduledAt = req.ScheduledAt.UTC()
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return task.CreateRequest{}, fmt.Errorf("%w: unknown timezone %q", domain.ErrValidation, req.Timezone)
		}
	}
	if req.Recurrence != nil {
		rec := domain.Recurrence{Kind: domain.RecurrenceKind(req.Recurrence.Kind)}
		for _, d := range req.Recurrence.Weekdays {
			rec.Weekdays = append(rec.Weekdays, time.Weekday(d))
		}
		if err := rec.Validate(); err != nil {
			return task.CreateRequest{}, err
		}
		out.Recurrence = rec
	}
	return out, nil
}

// ApproveRequest is the optional payload of POST /api/tasks/{id}/approve.
type ApproveRequest struct {
	RunAt *time.Time `json:"run_at"`
}

// DeferRequest is the payload of POST /api/tasks/{id}/defer.
type DeferRequest struct {
	Until time.Time `json:"until" validate:"required"`
}

// ResumeRequest is the payload of POST /api/tasks/{id}/resume.
type ResumeRequest struct {
	Input string `json:"input" validate:"required,max=10000"`
}

// StepResponse is one plan step.
type StepResponse struct {
	Index       int    `json:"index"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// TaskResponse is the API view of a task.
type TaskResponse struct {
	ID             uuid.UUID                  `json:"id"`
	ContactID      *uuid.UUID                 `json:"contact_id,omitempty"`
	ParentTaskID   *uuid.UUID                 `json:"parent_task_id,omitempty"`
	Instruction    string                     `json:"instruction"`
	Category       string                     `json:"category,omitempty"`
	Role           string                     `json:"role,omitempty"`
	Channel        string                     `json:"channel,omitempty"`
	Priority       int                        `json:"priority"`
	Source         string                     `json:"source"`
	ExecutionMode  string                     `json:"execution_mode"`
	Status         string                     `json:"status"`
	ScheduledAt    time.Time                  `json:"scheduled_at"`
	Timezone       string                     `json:"timezone"`
	Recurrence     domain.Recurrence          `json:"recurrence"`
	NextRetryAt    *time.Time                 `json:"next_retry_at,omitempty"`
	CurrentAttempt int                        `json:"current_attempt"`
	MaxAttempts    int                        `json:"max_attempts"`
	Plan           []StepResponse             `json:"plan"`
	StepResults    map[string]json.RawMessage `json:"step_results,omitempty"`
	Reasoning      string                     `json:"reasoning,omitempty"`
	Notes          string                     `json:"notes,omitempty"`
	ResultSummary  string                     `json:"result_summary,omitempty"`
	ErrorMessage   string                     `json:"error_message,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	CompletedAt    *time.Time                 `json:"completed_at,omitempty"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:             t.ID,
		ContactID:      t.ContactID,
		ParentTaskID:   t.ParentTaskID,
		Instruction:    t.Instruction,
		Category:       t.Category,
		Role:           t.Role,
		Channel:        string(t.Channel),
		Priority:       t.Priority,
		Source:         string(t.Source),
		ExecutionMode:  string(t.ExecutionMode),
		Status:         string(t.Status),
		ScheduledAt:    t.ScheduledAt,
		Timezone:       t.Timezone,
		Recurrence:     t.Recurrence,
		NextRetryAt:    t.NextRetryAt,
		CurrentAttempt: t.CurrentAttempt,
		MaxAttempts:    t.MaxAttempts,
		Plan:           make([]StepResponse, 0, len(t.Plan)),
		StepResults:    t.StepResults,
		Reasoning:      t.Reasoning,
		Notes:          t.Notes,
		ResultSummary:  t.ResultSummary,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
	for _, s := range t.Plan {
		resp.Plan = append(resp.Plan, StepResponse{
			Index:       s.Index,
			Action:      string(s.Action),
			Description: s.Description,
			Status:      string(s.Status),
			Error:       s.Error,
		})
	}
	return resp
}

// CreateTaskResponse reports what intake did with a new task.
type CreateTaskResponse struct {
	Outcome string        `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Task    *TaskResponse `json:"task,omitempty"`
}

func createResponse(res intake.Result) CreateTaskResponse {
	out := CreateTaskResponse{Outcome: string(res.Outcome), Reason: res.Reason}
	if res.Task != nil {
		tr := taskToResponse(res.Task)
		out.Task = &tr
	}
	return out
}

// ActivityResponse is one audit log entry.
type ActivityResponse struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      *uuid.UUID      `json:"task_id,omitempty"`
	ContactID   *uuid.UUID      `json:"contact_id,omitempty"`
	Type        string          `json:"type"`
	Severity    string          `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func activityToResponse(e domain.ActivityLogEntry) ActivityResponse {
	return ActivityResponse{
		ID:          e.ID,
		TaskID:      e.TaskID,
		ContactID:   e.ContactID,
		Type:        string(e.Type),
		Severity:    string(e.Severity),
		Title:       e.Title,
		Description: e.Description,
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
	}
}

// TelephonyCallbackRequest is the bridge's completion callback.
type TelephonyCallbackRequest struct {
	CallID     uuid.UUID `json:"call_id"    validate:"required"`
	Outcome    string    `json:"outcome"    validate:"max=100"`
	Transcript string    `json:"transcript"`
	EndedAt    time.Time `json:"ended_at"`
}
