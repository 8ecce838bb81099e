package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

const contactColumns = `id, tenant_id, name, company, phone, email, messaging_handle, notes, last_contacted_at, created_at`

// ContactStore implements store.ContactStore. Contacts are written by the
// CRM; the engine only reads them and stamps outreach.
type ContactStore struct {
	db store.DBTX
}

var _ store.ContactStore = (*ContactStore)(nil)

// NewContactStore creates a ContactStore.
func NewContactStore(db store.DBTX) *ContactStore {
	return &ContactStore{db: db}
}

func scanContact(row rowScanner) (domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Company, &c.Phone, &c.Email,
		&c.MessagingHandle, &c.Notes, &c.LastContactedAt, &c.CreatedAt)
	return c, err
}

// Get returns a contact.
func (s *ContactStore) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if err != nil {
		return nil, mapNotFound(err, store.ErrContactNotFound)
	}
	return &c, nil
}

// List returns the tenant's contacts ordered by name.
func (s *ContactStore) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.Contact, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE tenant_id = $1
		ORDER BY name
		LIMIT NULLIF($2::int, 0)`, tenantID, limit)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out = append(out, c)
	}
	return out, MapError(rows.Err())
}

// MarkContacted records an outreach time.
func (s *ContactStore) MarkContacted(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET last_contacted_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, store.ErrContactNotFound)
}

// Create inserts a contact. Only the dev seeding path and tests use it.
func (s *ContactStore) Create(ctx context.Context, c domain.Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.TenantID, c.Name, c.Company, c.Phone, c.Email, c.MessagingHandle, c.Notes, c.LastContactedAt, c.CreatedAt.UTC())
	return MapError(err)
}
