package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
)

// TaskStore persists tasks and implements the claim protocol the poller
// relies on.
type TaskStore interface {
	// Create inserts a new task.
	Create(ctx context.Context, t *domain.Task) error

	// Get returns the task with the given id or ErrTaskNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Update writes every mutable field of t except Notes and Priority, but
	// only if the stored row is still in status expected. Returns
	// ErrStatusConflict otherwise. Callers stamp t.UpdatedAt; it is the
	// heartbeat used for zombie detection.
	Update(ctx context.Context, t *domain.Task, expected domain.TaskStatus) error

	// Merge appends entry to the notes of a non-terminal task and raises its
	// priority to at least priority, returning the merged task. Notes and
	// priority change only through Create and Merge, so a worker saving its
	// copy of a running task never drops a merge. The heartbeat of an
	// in_progress task is left alone. Returns ErrStatusConflict when the task
	// is terminal.
	Merge(ctx context.Context, id uuid.UUID, entry string, priority int, at time.Time) (*domain.Task, error)

	// ClaimDue atomically moves up to limit due tasks to in_progress and
	// returns them. Due means: scheduled with scheduled_at <= now, or
	// retry_pending, paused or waiting_input with next_retry_at <= now; and
	// attempts remaining. Rows claimed concurrently by another worker are
	// skipped, never returned twice.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// PromoteApproved moves approved tasks whose scheduled_at is due to
	// scheduled and returns them.
	PromoteApproved(ctx context.Context, now time.Time) ([]*domain.Task, error)

	// PromoteDeferred moves deferred tasks whose next_retry_at is due back to
	// waiting_approval and returns them.
	PromoteDeferred(ctx context.Context, now time.Time) ([]*domain.Task, error)

	// ListStale returns in_progress tasks not updated since before.
	ListStale(ctx context.Context, before time.Time) ([]*domain.Task, error)

	// ListActive returns non-terminal tasks of a tenant. An empty role
	// matches every role.
	ListActive(ctx context.Context, tenantID uuid.UUID, role string) ([]*domain.Task, error)

	// ListForContact returns the most recent tasks for a contact, newest first.
	ListForContact(ctx context.Context, tenantID, contactID uuid.UUID, limit int) ([]*domain.Task, error)

	// ListCompletedSince returns tasks completed at or after since.
	ListCompletedSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*domain.Task, error)
}

// ActivityFilter narrows an activity listing. Zero values do not filter.
type ActivityFilter struct {
	TaskID    *uuid.UUID
	ContactID *uuid.UUID
	Since     time.Time
	Limit     int
}

// ActivityStore is the append-only audit log.
type ActivityStore interface {
	Append(ctx context.Context, e domain.ActivityLogEntry) error
	List(ctx context.Context, tenantID uuid.UUID, f ActivityFilter) ([]domain.ActivityLogEntry, error)
	// CountActions derives today's quota counters from entries created at
	// or after since.
	CountActions(ctx context.Context, tenantID uuid.UUID, since time.Time) (domain.DailyActionCounts, error)
}

// SettingsStore holds tenant autonomy settings.
type SettingsStore interface {
	Get(ctx context.Context, tenantID uuid.UUID) (domain.AutonomySettings, error)
	Save(ctx context.Context, s domain.AutonomySettings) error
	ListTenants(ctx context.Context) ([]domain.AutonomySettings, error)
	// RecordPersonaRun stores the time of a persona's last generation run.
	RecordPersonaRun(ctx context.Context, tenantID uuid.UUID, role string, at time.Time) error
}

// BlockStore holds permanent blocks.
type BlockStore interface {
	List(ctx context.Context, tenantID uuid.UUID) ([]domain.PermanentBlock, error)
	Create(ctx context.Context, b domain.PermanentBlock) error
}

// ContactStore reads contacts and records outreach.
type ContactStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	List(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.Contact, error)
	MarkContacted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// CallStore tracks voice calls.
type CallStore interface {
	// GetByTask returns the call attempt row of a task or ErrCallNotFound.
	GetByTask(ctx context.Context, taskID uuid.UUID) (*domain.CallAttempt, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.CallAttempt, error)
	Create(ctx context.Context, c *domain.CallAttempt) error
	Update(ctx context.Context, c *domain.CallAttempt) error
	// FailForTask marks every non-final call row of a task failed.
	FailForTask(ctx context.Context, taskID uuid.UUID, reason string) error
	// ListStuck returns calls still placing that were last updated before before.
	ListStuck(ctx context.Context, before time.Time) ([]*domain.CallAttempt, error)
	// RecordCompleted stores the bridge's completion record.
	RecordCompleted(ctx context.Context, c domain.CompletedCall) error
	// GetCompleted returns the completion record for a call or ErrCallNotFound.
	GetCompleted(ctx context.Context, callID uuid.UUID) (*domain.CompletedCall, error)
}

// MessageStore records outbound emails and messages.
type MessageStore interface {
	RecordSent(ctx context.Context, m domain.SentMessage) error
	// TouchConversation marks the conversation with peer as a lead and
	// increments its message count, creating it if needed.
	TouchConversation(ctx context.Context, tenantID uuid.UUID, contactID *uuid.UUID, peer string, at time.Time) (*domain.Conversation, error)
}

// LockStore backs the distributed lock manager.
type LockStore interface {
	// TryAcquire takes the named lock for holder until expiresAt. It succeeds
	// when the lock is free or its previous holder's expiry has passed.
	TryAcquire(ctx context.Context, name, holder string, now, expiresAt time.Time) (bool, error)
	// Release frees the lock if holder still owns it.
	Release(ctx context.Context, name, holder string) error
}

// Stores groups every store the engine uses.
type Stores struct {
	Tasks    TaskStore
	Activity ActivityStore
	Settings SettingsStore
	Blocks   BlockStore
	Contacts ContactStore
	Calls    CallStore
	Messages MessageStore
	Locks    LockStore
}

// Transactor runs fn with stores bound to a single unit of work. Changes are
// committed if fn returns nil and discarded otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(s Stores) error) error
}
