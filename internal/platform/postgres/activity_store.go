package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/phrazzld/cadence/internal/store"
)

// ActivityStore implements store.ActivityStore on PostgreSQL.
type ActivityStore struct {
	db store.DBTX
}

var _ store.ActivityStore = (*ActivityStore)(nil)

// NewActivityStore creates an ActivityStore.
func NewActivityStore(db store.DBTX) *ActivityStore {
	return &ActivityStore{db: db}
}

// Append adds an entry to the log.
func (s *ActivityStore) Append(ctx context.Context, e domain.ActivityLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var payload *string
	if len(e.Payload) > 0 {
		p := string(e.Payload)
		payload = &p
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, tenant_id, task_id, contact_id, type, title, description, severity, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TenantID, e.TaskID, e.ContactID, e.Type, e.Title, e.Description, e.Severity, payload, e.CreatedAt.UTC(),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to append activity", "type", e.Type, "tenant_id", e.TenantID, "error", err)
		return MapError(err)
	}
	return nil
}

// List returns matching entries, newest first.
func (s *ActivityStore) List(ctx context.Context, tenantID uuid.UUID, f store.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	limit := f.Limit
	if limit < 0 {
		limit = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, task_id, contact_id, type, title, description, severity, payload, created_at
		FROM activity_log
		WHERE tenant_id = $1
		  AND created_at >= $2
		  AND ($3::uuid IS NULL OR task_id = $3)
		  AND ($4::uuid IS NULL OR contact_id = $4)
		ORDER BY created_at DESC
		LIMIT NULLIF($5::int, 0)`,
		tenantID, f.Since.UTC(), f.TaskID, f.ContactID, limit,
	)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ActivityLogEntry
	for rows.Next() {
		var (
			e       domain.ActivityLogEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TaskID, &e.ContactID, &e.Type, &e.Title,
			&e.Description, &e.Severity, &payload, &e.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// CountActions counts quota-bearing entries since the given time.
func (s *ActivityStore) CountActions(ctx context.Context, tenantID uuid.UUID, since time.Time) (domain.DailyActionCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, count(*) FROM activity_log
		WHERE tenant_id = $1 AND created_at >= $2
		GROUP BY type`, tenantID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := domain.DailyActionCounts{}
	for rows.Next() {
		var (
			typ domain.EventType
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, MapError(err)
		}
		if q, ok := domain.QuotaForEvent(typ); ok {
			counts[q] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return counts, nil
}
