package postgres

import (
	"context"
	"time"

	"github.com/phrazzld/cadence/internal/store"
)

// LockStore implements store.LockStore with a row per lock name.
type LockStore struct {
	db store.DBTX
}

var _ store.LockStore = (*LockStore)(nil)

// NewLockStore creates a LockStore.
func NewLockStore(db store.DBTX) *LockStore {
	return &LockStore{db: db}
}

// TryAcquire inserts the lock row, or takes it over when the previous
// holder's expiry has passed. The conditional upsert is atomic, so exactly
// one contender wins.
func (s *LockStore) TryAcquire(ctx context.Context, name, holder string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_locks (name, holder, expires_at)
		VALUES ($1, $2, $4)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE job_locks.expires_at <= $3`,
		name, holder, now.UTC(), expiresAt.UTC())
	if err != nil {
		return false, MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release frees the lock if holder still owns it.
func (s *LockStore) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_locks WHERE name = $1 AND holder = $2`, name, holder)
	return MapError(err)
}
