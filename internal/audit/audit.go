// Package audit writes activity log entries and forwards the ones operators
// care about to the notification sink.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/events"
	"github.com/phrazzld/cadence/internal/store"
)

// Journal appends audit entries and publishes notifications.
type Journal struct {
	notifier events.Notifier
	logger   *slog.Logger
}

// NewJournal returns a Journal. A nil notifier disables notifications.
func NewJournal(n events.Notifier, logger *slog.Logger) *Journal {
	if n == nil {
		n = events.Nop{}
	}
	return &Journal{notifier: n, logger: logger.With("component", "audit")}
}

// Entry builds an activity entry for t stamped at now.
func Entry(t *domain.Task, typ domain.EventType, sev domain.Severity, title, description string, payload any, now time.Time) domain.ActivityLogEntry {
	e := domain.NewActivity(t, typ, sev, title, description, payload)
	e.CreatedAt = now
	return e
}

// Record appends e through as without notifying. Use it inside transactions
// and Publish once the transaction has committed.
func (j *Journal) Record(ctx context.Context, as store.ActivityStore, e domain.ActivityLogEntry) error {
	if err := as.Append(ctx, e); err != nil {
		return fmt.Errorf("failed to append %s activity: %w", e.Type, err)
	}
	return nil
}

// Publish sends the notifiable entries to the notification sink.
func (j *Journal) Publish(ctx context.Context, entries ...domain.ActivityLogEntry) {
	for _, e := range entries {
		if events.Notifiable(e.Type) {
			events.Send(ctx, j.notifier, j.logger, events.FromActivity(e))
		}
	}
}

// Log records e and publishes it.
func (j *Journal) Log(ctx context.Context, as store.ActivityStore, e domain.ActivityLogEntry) error {
	if err := j.Record(ctx, as, e); err != nil {
		return err
	}
	j.Publish(ctx, e)
	return nil
}

// LogQuietly is Log for call sites where losing an audit line must not
// change the outcome; the failure is logged instead.
func (j *Journal) LogQuietly(ctx context.Context, as store.ActivityStore, e domain.ActivityLogEntry) {
	if err := j.Log(ctx, as, e); err != nil {
		j.logger.Error("failed to write activity", "event_type", e.Type, "tenant_id", e.TenantID, "error", err)
	}
}
