package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

// BlockStore implements store.BlockStore.
type BlockStore struct {
	db store.DBTX
}

var _ store.BlockStore = (*BlockStore)(nil)

// NewBlockStore creates a BlockStore.
func NewBlockStore(db store.DBTX) *BlockStore {
	return &BlockStore{db: db}
}

// List returns the tenant's blocks, oldest first.
func (s *BlockStore) List(ctx context.Context, tenantID uuid.UUID) ([]domain.PermanentBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, contact_id, category, role, reason, created_at
		FROM permanent_blocks WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PermanentBlock
	for rows.Next() {
		var b domain.PermanentBlock
		if err := rows.Scan(&b.ID, &b.TenantID, &b.ContactID, &b.Category, &b.Role, &b.Reason, &b.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		out = append(out, b)
	}
	return out, MapError(rows.Err())
}

// Create adds a block.
func (s *BlockStore) Create(ctx context.Context, b domain.PermanentBlock) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permanent_blocks (id, tenant_id, contact_id, category, role, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.TenantID, b.ContactID, b.Category, b.Role, b.Reason, b.CreatedAt.UTC())
	return MapError(err)
}
