package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Emitter is a Notifier that fans every event out to its registered
// notifiers.
type Emitter struct {
	notifiers []Notifier
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewEmitter creates an Emitter with the given notifiers registered.
func NewEmitter(logger *slog.Logger, notifiers ...Notifier) *Emitter {
	e := &Emitter{logger: logger.With("component", "event_emitter")}
	for _, n := range notifiers {
		e.Register(n)
	}
	return e
}

// Register adds a notifier to receive events.
func (e *Emitter) Register(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
	e.logger.Debug("registered notifier", "notifier_count", len(e.notifiers))
}

// Notify publishes the event to all registered notifiers.
// If any notifier returns an error, the event is still sent to all the
// others, and the first error encountered is returned.
func (e *Emitter) Notify(ctx context.Context, event *Event) error {
	e.mu.RLock()
	notifiers := make([]Notifier, len(e.notifiers))
	copy(notifiers, e.notifiers)
	e.mu.RUnlock()

	var firstErr error
	for i, n := range notifiers {
		if err := n.Notify(ctx, event); err != nil {
			e.logger.Error("notifier failed to deliver event",
				"error", err,
				"notifier_index", i,
				"event_id", event.ID,
				"event_type", event.Type)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Send delivers event through n on a best-effort basis. Errors and panics
// are logged and swallowed.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, event *Event) {
	if n == nil || event == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notifier panicked", "event_type", event.Type, "error", fmt.Errorf("panic: %v", r))
		}
	}()
	if err := n.Notify(ctx, event); err != nil {
		logger.Warn("failed to deliver notification",
			"event_type", event.Type,
			"task_id", event.TaskID,
			"error", err)
	}
}
