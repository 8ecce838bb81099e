package domain

import (
	"time"

	"github.com/google/uuid"
)

// Contact is a person the tenant works with.
type Contact struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	Name            string     `json:"name"`
	Company         string     `json:"company,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	Email           string     `json:"email,omitempty"`
	MessagingHandle string     `json:"messaging_handle,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CallStatus is the state of a voice call tracking row.
type CallStatus string

// Call statuses
const (
	CallStatusPlacing    CallStatus = "placing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// IsFinal reports whether the call will not change again.
func (s CallStatus) IsFinal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// CallAttempt tracks one external voice call for a task. Its ID doubles as
// the call id sent to the telephony bridge and is reused across retries.
type CallAttempt struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	TaskID      uuid.UUID  `json:"task_id"`
	ContactID   *uuid.UUID `json:"contact_id,omitempty"`
	Phone       string     `json:"phone"`
	Prompt      string     `json:"prompt"`
	Status      CallStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Transcript  string     `json:"transcript,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CompletedCall is the record the telephony bridge writes when a call ends.
type CompletedCall struct {
	CallID     uuid.UUID `json:"call_id"`
	Transcript string    `json:"transcript"`
	Outcome    string    `json:"outcome"`
	EndedAt    time.Time `json:"ended_at"`
}

// SentMessage records an outbound email or chat message.
type SentMessage struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	TaskID     uuid.UUID  `json:"task_id"`
	ContactID  *uuid.UUID `json:"contact_id,omitempty"`
	Channel    Channel    `json:"channel"`
	Recipient  string     `json:"recipient"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body"`
	ExternalID string     `json:"external_id,omitempty"`
	SentAt     time.Time  `json:"sent_at"`
}

// Conversation is the running record of a messaging thread with a contact.
type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	ContactID     *uuid.UUID `json:"contact_id,omitempty"`
	Peer          string     `json:"peer"`
	IsLead        bool       `json:"is_lead"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt time.Time  `json:"last_message_at"`
}
