package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
)

// Event is a task lifecycle notification for operators.
type Event struct {
	// ID is the id of the activity entry the event was derived from
	ID uuid.UUID `json:"id"`

	// Type is the activity event type, e.g. task_completed
	Type domain.EventType `json:"type"`

	TenantID  uuid.UUID       `json:"tenant_id"`
	TaskID    *uuid.UUID      `json:"task_id,omitempty"`
	ContactID *uuid.UUID      `json:"contact_id,omitempty"`
	Title     string          `json:"title"`
	Message   string          `json:"message,omitempty"`
	Severity  domain.Severity `json:"severity"`

	// Payload carries the activity entry's structured data as JSON
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// FromActivity converts an audit entry into a notification.
func FromActivity(a domain.ActivityLogEntry) *Event {
	return &Event{
		ID:        a.ID,
		Type:      a.Type,
		TenantID:  a.TenantID,
		TaskID:    a.TaskID,
		ContactID: a.ContactID,
		Title:     a.Title,
		Message:   a.Description,
		Severity:  a.Severity,
		Payload:   a.Payload,
		CreatedAt: a.CreatedAt,
	}
}

var notifiable = map[domain.EventType]bool{
	domain.EventTaskCreated:         true,
	domain.EventTaskWaitingApproval: true,
	domain.EventTaskCompleted:       true,
	domain.EventTaskFailed:          true,
	domain.EventTaskMerged:          true,
	domain.EventTaskPromoted:        true,
	domain.EventTaskWaitingInput:    true,
}

// Notifiable reports whether operators are told about events of type t.
func Notifiable(t domain.EventType) bool {
	return notifiable[t]
}

// Notifier delivers lifecycle notifications.
// Implementations may be slow or unreliable; callers go through Send so
// delivery problems never reach task state.
type Notifier interface {
	// Notify delivers the event. Returns an error if delivery failed.
	Notify(ctx context.Context, event *Event) error
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, *Event) error { return nil }
