package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

const callColumns = `id, tenant_id, task_id, contact_id, phone, prompt, status, attempts, max_attempts,
	transcript, error, created_at, updated_at`

// CallStore implements store.CallStore.
type CallStore struct {
	db store.DBTX
}

var _ store.CallStore = (*CallStore)(nil)

// NewCallStore creates a CallStore.
func NewCallStore(db store.DBTX) *CallStore {
	return &CallStore{db: db}
}

func scanCall(row rowScanner) (*domain.CallAttempt, error) {
	var c domain.CallAttempt
	err := row.Scan(&c.ID, &c.TenantID, &c.TaskID, &c.ContactID, &c.Phone, &c.Prompt, &c.Status,
		&c.Attempts, &c.MaxAttempts, &c.Transcript, &c.Error, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByTask returns the most recent call row of a task.
func (s *CallStore) GetByTask(ctx context.Context, taskID uuid.UUID) (*domain.CallAttempt, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx, `
		SELECT `+callColumns+` FROM call_attempts
		WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`, taskID))
	if err != nil {
		return nil, mapNotFound(err, store.ErrCallNotFound)
	}
	return c, nil
}

// Get returns a call row.
func (s *CallStore) Get(ctx context.Context, id uuid.UUID) (*domain.CallAttempt, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_attempts WHERE id = $1`, id))
	if err != nil {
		return nil, mapNotFound(err, store.ErrCallNotFound)
	}
	return c, nil
}

// Create inserts a call row.
func (s *CallStore) Create(ctx context.Context, c *domain.CallAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_attempts (`+callColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.TenantID, c.TaskID, c.ContactID, c.Phone, c.Prompt, c.Status, c.Attempts, c.MaxAttempts,
		c.Transcript, c.Error, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	return MapError(err)
}

// Update replaces a call row.
func (s *CallStore) Update(ctx context.Context, c *domain.CallAttempt) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_attempts SET
			contact_id = $2, phone = $3, prompt = $4, status = $5, attempts = $6, max_attempts = $7,
			transcript = $8, error = $9, updated_at = $10
		WHERE id = $1`,
		c.ID, c.ContactID, c.Phone, c.Prompt, c.Status, c.Attempts, c.MaxAttempts,
		c.Transcript, c.Error, c.UpdatedAt.UTC())
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, store.ErrCallNotFound)
}

// FailForTask fails every open call of a task.
func (s *CallStore) FailForTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE call_attempts SET status = $2, error = $3, updated_at = $4
		WHERE task_id = $1 AND status NOT IN ($5, $6)`,
		taskID, domain.CallStatusFailed, reason, time.Now().UTC(),
		domain.CallStatusCompleted, domain.CallStatusFailed)
	return MapError(err)
}

// ListStuck returns placing calls not updated since before.
func (s *CallStore) ListStuck(ctx context.Context, before time.Time) ([]*domain.CallAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM call_attempts
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at`, domain.CallStatusPlacing, before.UTC())
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.CallAttempt
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out = append(out, c)
	}
	return out, MapError(rows.Err())
}

// RecordCompleted stores a completion record. A repeated callback replaces
// the earlier record.
func (s *CallStore) RecordCompleted(ctx context.Context, c domain.CompletedCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completed_calls (call_id, transcript, outcome, ended_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_id) DO UPDATE
		SET transcript = EXCLUDED.transcript, outcome = EXCLUDED.outcome, ended_at = EXCLUDED.ended_at`,
		c.CallID, c.Transcript, c.Outcome, c.EndedAt.UTC())
	if IsForeignKeyViolation(err) {
		return store.ErrCallNotFound
	}
	return MapError(err)
}

// GetCompleted returns a completion record.
func (s *CallStore) GetCompleted(ctx context.Context, callID uuid.UUID) (*domain.CompletedCall, error) {
	var c domain.CompletedCall
	err := s.db.QueryRowContext(ctx, `
		SELECT call_id, transcript, outcome, ended_at FROM completed_calls WHERE call_id = $1`, callID).
		Scan(&c.CallID, &c.Transcript, &c.Outcome, &c.EndedAt)
	if err != nil {
		return nil, mapNotFound(err, store.ErrCallNotFound)
	}
	return &c, nil
}
