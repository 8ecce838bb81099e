package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/phrazzld/cadence/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagers(t *testing.T) (*Manager, *Manager, *time.Time) {
	t.Helper()
	ls := memory.New().Stores().Locks
	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	a := NewManager(ls, logger.Discard(), nil)
	b := NewManager(ls, logger.Discard(), nil)
	a.Now, b.Now = now, now
	return a, b, &clock
}

func TestWithLockRunsAndReleases(t *testing.T) {
	t.Parallel()
	a, b, _ := newManagers(t)
	ctx := context.Background()

	ran := false
	acquired, err := a.WithLock(ctx, TaskPoller, time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)

	acquired, err = b.WithLock(ctx, TaskPoller, time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired, "released lock is free again")
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	t.Parallel()
	a, b, _ := newManagers(t)
	ctx := context.Background()

	_, err := a.WithLock(ctx, TaskPoller, time.Minute, func(ctx context.Context) error {
		acquired, err := b.WithLock(ctx, TaskPoller, time.Minute, func(context.Context) error {
			t.Fatal("must not run while the lock is held")
			return nil
		})
		assert.NoError(t, err)
		assert.False(t, acquired)

		acquired, err = b.WithLock(ctx, Generation, time.Minute, func(context.Context) error { return nil })
		assert.NoError(t, err)
		assert.True(t, acquired, "different job names do not contend")
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockTakesOverExpiredLock(t *testing.T) {
	t.Parallel()
	a, b, clock := newManagers(t)
	ctx := context.Background()

	// Simulate a crashed holder: acquire without ever releasing.
	ok, err := a.store.TryAcquire(ctx, TaskPoller, a.Holder(), *clock, clock.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	*clock = clock.Add(2 * time.Minute)
	acquired, err := b.WithLock(ctx, TaskPoller, time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestWithLockReturnsFnError(t *testing.T) {
	t.Parallel()
	a, b, _ := newManagers(t)
	boom := errors.New("tick failed")

	acquired, err := a.WithLock(context.Background(), TaskPoller, time.Minute, func(context.Context) error { return boom })
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)

	acquired, err = b.WithLock(context.Background(), TaskPoller, time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestWithLockRecoversPanic(t *testing.T) {
	t.Parallel()
	a, b, _ := newManagers(t)

	acquired, err := a.WithLock(context.Background(), TaskPoller, time.Minute, func(context.Context) error {
		panic("nil map")
	})
	assert.True(t, acquired)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")

	acquired, err = b.WithLock(context.Background(), TaskPoller, time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired, "lock released after panic")
}

func TestWithLockBoundsDuration(t *testing.T) {
	t.Parallel()
	a, _, _ := newManagers(t)

	_, err := a.WithLock(context.Background(), TaskPoller, 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
