// Package lock provides a named, time-bounded mutex shared by every process
// of the service. Each periodic job runs under its own lock name, so at most
// one instance of a job is active cluster-wide while different jobs run
// concurrently.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/store"
)

// Well-known lock names.
const (
	TaskPoller   = "task_poller"
	Generation   = "autonomous_generation"
	CallSweeper  = "call_sweeper"
	releaseGrace = 5 * time.Second
)

// Manager acquires and releases named locks through a LockStore.
type Manager struct {
	store   store.LockStore
	holder  string
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Now is the clock used for lock expiry. Tests may replace it.
	Now func() time.Time
}

// NewManager creates a Manager whose holder identity is unique to this
// process.
func NewManager(ls store.LockStore, logger *slog.Logger, m *metrics.Metrics) *Manager {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Manager{
		store:   ls,
		holder:  fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8]),
		logger:  logger.With("component", "lock"),
		metrics: m,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Holder returns the identity written into lock rows.
func (m *Manager) Holder() string {
	return m.holder
}

// WithLock runs fn while holding the named lock. If another holder has the
// lock and it has not expired, WithLock returns (false, nil) immediately and
// fn is not called. Otherwise the lock is held for at most maxDuration: fn's
// context is cancelled when it elapses, and a holder that crashes leaves a
// row that the next caller takes over once expired.
//
// The lock is released when fn returns or panics. A panic is converted into
// the returned error.
func (m *Manager) WithLock(ctx context.Context, name string, maxDuration time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	now := m.Now()
	ok, err := m.store.TryAcquire(ctx, name, m.holder, now, now.Add(maxDuration))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	m.metrics.LockAttempt(name, ok)
	if !ok {
		m.logger.Debug("lock held elsewhere, skipping", "lock", name)
		return false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer func() {
		cancel()
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseGrace)
		defer relCancel()
		if relErr := m.store.Release(relCtx, name, m.holder); relErr != nil {
			m.logger.Error("failed to release lock", "lock", name, "error", relErr)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic while holding lock",
				"lock", name,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic while holding lock %s: %v", name, r)
		}
	}()

	acquired = true
	err = fn(runCtx)
	return acquired, err
}
