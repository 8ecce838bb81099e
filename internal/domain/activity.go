package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an activity log entry.
type EventType string

// Activity event types
const (
	EventTaskCreated         EventType = "task_created"
	EventTaskStarted         EventType = "task_started"
	EventTaskCompleted       EventType = "task_completed"
	EventTaskFailed          EventType = "task_failed"
	EventTaskRetryScheduled  EventType = "task_retry_scheduled"
	EventTaskWaitingApproval EventType = "task_waiting_approval"
	EventTaskApproved        EventType = "task_approved"
	EventTaskDeferred        EventType = "task_deferred"
	EventTaskPromoted        EventType = "task_promoted"
	EventTaskPaused          EventType = "task_paused"
	EventTaskWaitingInput    EventType = "task_waiting_input"
	EventTaskResumed         EventType = "task_resumed"
	EventTaskMerged          EventType = "task_merged"
	EventTaskRecovered       EventType = "task_recovered"
	EventTaskBlocked         EventType = "task_blocked"
	EventPlanGenerated       EventType = "plan_generated"
	EventStepCompleted       EventType = "step_completed"
	EventStepFailed          EventType = "step_failed"
	EventAnalysisCompleted   EventType = "analysis_completed"
	EventCallPlaced          EventType = "call_placed"
	EventCallCompleted       EventType = "call_completed"
	EventCallFailed          EventType = "call_failed"
	EventEmailSent           EventType = "email_sent"
	EventMessageSent         EventType = "message_sent"
	EventGenerationCycle     EventType = "generation_cycle"
	EventGenerationFailed    EventType = "generation_failed"
)

// QuotaForEvent maps an event to the daily quota it counts against.
func QuotaForEvent(e EventType) (Quota, bool) {
	switch e {
	case EventCallPlaced:
		return QuotaCalls, true
	case EventEmailSent:
		return QuotaEmails, true
	case EventMessageSent:
		return QuotaMessages, true
	case EventAnalysisCompleted:
		return QuotaAnalyses, true
	}
	return "", false
}

// Severity of an activity entry
type Severity string

// Severities
const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ActivityLogEntry is an append-only audit record. Entries are never mutated.
type ActivityLogEntry struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	TaskID      *uuid.UUID      `json:"task_id,omitempty"`
	ContactID   *uuid.UUID      `json:"contact_id,omitempty"`
	Type        EventType       `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Severity    Severity        `json:"severity"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewActivity builds an entry for a task event. payload may be nil.
func NewActivity(t *Task, typ EventType, sev Severity, title, description string, payload any) ActivityLogEntry {
	entry := ActivityLogEntry{
		ID:          uuid.New(),
		Type:        typ,
		Title:       title,
		Description: description,
		Severity:    sev,
		CreatedAt:   time.Now().UTC(),
	}
	if t != nil {
		id := t.ID
		entry.TenantID = t.TenantID
		entry.TaskID = &id
		entry.ContactID = t.ContactID
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			entry.Payload = raw
		}
	}
	return entry
}

// DailyActionCounts is the number of actions a tenant performed today, per
// quota. It is derived from the activity log.
type DailyActionCounts map[Quota]int

// CountActions derives daily counts from activity entries.
func CountActions(entries []ActivityLogEntry) DailyActionCounts {
	counts := DailyActionCounts{}
	for _, e := range entries {
		if q, ok := QuotaForEvent(e.Type); ok {
			counts[q]++
		}
	}
	return counts
}
