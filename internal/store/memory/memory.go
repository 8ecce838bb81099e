// Package memory implements every store interface in process memory. It backs
// the server's memory storage mode and the unit tests of the engine packages.
// Nothing is persisted across restarts.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

type lockRow struct {
	holder    string
	expiresAt time.Time
}

type state struct {
	tasks         map[uuid.UUID]*domain.Task
	activity      []domain.ActivityLogEntry
	settings      map[uuid.UUID]domain.AutonomySettings
	blocks        []domain.PermanentBlock
	contacts      map[uuid.UUID]*domain.Contact
	calls         map[uuid.UUID]*domain.CallAttempt
	completed     map[uuid.UUID]domain.CompletedCall
	messages      []domain.SentMessage
	conversations map[string]*domain.Conversation
	locks         map[string]lockRow
}

func newState() *state {
	return &state{
		tasks:         map[uuid.UUID]*domain.Task{},
		settings:      map[uuid.UUID]domain.AutonomySettings{},
		contacts:      map[uuid.UUID]*domain.Contact{},
		calls:         map[uuid.UUID]*domain.CallAttempt{},
		completed:     map[uuid.UUID]domain.CompletedCall{},
		conversations: map[string]*domain.Conversation{},
		locks:         map[string]lockRow{},
	}
}

// clone deep-copies the state for transaction rollback.
func (st *state) clone() *state {
	c := newState()
	for k, v := range st.tasks {
		c.tasks[k] = cloneTask(v)
	}
	c.activity = append(c.activity, st.activity...)
	for k, v := range st.settings {
		c.settings[k] = v
	}
	c.blocks = append(c.blocks, st.blocks...)
	for k, v := range st.contacts {
		cp := *v
		c.contacts[k] = &cp
	}
	for k, v := range st.calls {
		cp := *v
		c.calls[k] = &cp
	}
	for k, v := range st.completed {
		c.completed[k] = v
	}
	c.messages = append(c.messages, st.messages...)
	for k, v := range st.conversations {
		cp := *v
		c.conversations[k] = &cp
	}
	for k, v := range st.locks {
		c.locks[k] = v
	}
	return c
}

// Store is an in-memory implementation of store.Stores and store.Transactor.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// Stores returns the store set backed by s.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Tasks:    &TaskStore{s},
		Activity: &ActivityStore{s},
		Settings: &SettingsStore{s},
		Blocks:   &BlockStore{s},
		Contacts: &ContactStore{s},
		Calls:    &CallStore{s},
		Messages: &MessageStore{s},
		Locks:    &LockStore{s},
	}
}

// InTx runs fn against the same stores and restores the previous state if fn
// fails. Transactions are serialized with each other but not with plain
// store calls.
func (s *Store) InTx(ctx context.Context, fn func(store.Stores) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(s.Stores()); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func cloneTask(t *domain.Task) *domain.Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Plan != nil {
		c.Plan = make([]domain.Step, len(t.Plan))
		for i, step := range t.Plan {
			c.Plan[i] = step
			if step.Params != nil {
				c.Plan[i].Params = make(map[string]string, len(step.Params))
				for k, v := range step.Params {
					c.Plan[i].Params[k] = v
				}
			}
		}
	}
	c.StepResults = make(map[string]json.RawMessage, len(t.StepResults))
	for k, v := range t.StepResults {
		c.StepResults[k] = append(json.RawMessage(nil), v...)
	}
	if t.Recurrence.Weekdays != nil {
		c.Recurrence.Weekdays = append([]time.Weekday(nil), t.Recurrence.Weekdays...)
	}
	c.ContactID = copyID(t.ContactID)
	c.ParentTaskID = copyID(t.ParentTaskID)
	c.NextRetryAt = copyTime(t.NextRetryAt)
	c.StartedAt = copyTime(t.StartedAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
