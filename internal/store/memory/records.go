package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

// ActivityStore implements store.ActivityStore.
type ActivityStore struct{ s *Store }

// Append adds an entry to the log.
func (as *ActivityStore) Append(_ context.Context, e domain.ActivityLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	as.s.mu.Lock()
	defer as.s.mu.Unlock()
	as.s.st.activity = append(as.s.st.activity, e)
	return nil
}

// List returns matching entries, newest first.
func (as *ActivityStore) List(_ context.Context, tenantID uuid.UUID, f store.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()
	var out []domain.ActivityLogEntry
	for _, e := range as.s.st.activity {
		if e.TenantID != tenantID || e.CreatedAt.Before(f.Since) {
			continue
		}
		if f.TaskID != nil && (e.TaskID == nil || *e.TaskID != *f.TaskID) {
			continue
		}
		if f.ContactID != nil && (e.ContactID == nil || *e.ContactID != *f.ContactID) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountActions derives quota counts from entries since the given time.
func (as *ActivityStore) CountActions(ctx context.Context, tenantID uuid.UUID, since time.Time) (domain.DailyActionCounts, error) {
	entries, err := as.List(ctx, tenantID, store.ActivityFilter{Since: since})
	if err != nil {
		return nil, err
	}
	return domain.CountActions(entries), nil
}

// SettingsStore implements store.SettingsStore.
type SettingsStore struct{ s *Store }

// Get returns the tenant's settings.
func (ss *SettingsStore) Get(_ context.Context, tenantID uuid.UUID) (domain.AutonomySettings, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	s, ok := ss.s.st.settings[tenantID]
	if !ok {
		return domain.AutonomySettings{}, store.ErrSettingsNotFound
	}
	return s, nil
}

// Save stores the tenant's settings.
func (ss *SettingsStore) Save(_ context.Context, s domain.AutonomySettings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	ss.s.st.settings[s.TenantID] = s
	return nil
}

// ListTenants returns every tenant's settings.
func (ss *SettingsStore) ListTenants(_ context.Context) ([]domain.AutonomySettings, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	out := make([]domain.AutonomySettings, 0, len(ss.s.st.settings))
	for _, s := range ss.s.st.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID.String() < out[j].TenantID.String() })
	return out, nil
}

// RecordPersonaRun stamps the persona's last run.
func (ss *SettingsStore) RecordPersonaRun(_ context.Context, tenantID uuid.UUID, role string, at time.Time) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	s, ok := ss.s.st.settings[tenantID]
	if !ok {
		return store.ErrSettingsNotFound
	}
	personas := make([]domain.Persona, len(s.Personas))
	copy(personas, s.Personas)
	for i := range personas {
		if strings.EqualFold(personas[i].Role, role) {
			t := at.UTC()
			personas[i].LastRunAt = &t
		}
	}
	s.Personas = personas
	ss.s.st.settings[tenantID] = s
	return nil
}

// BlockStore implements store.BlockStore.
type BlockStore struct{ s *Store }

// List returns the tenant's blocks.
func (bs *BlockStore) List(_ context.Context, tenantID uuid.UUID) ([]domain.PermanentBlock, error) {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()
	var out []domain.PermanentBlock
	for _, b := range bs.s.st.blocks {
		if b.TenantID == tenantID {
			out = append(out, b)
		}
	}
	return out, nil
}

// Create adds a block.
func (bs *BlockStore) Create(_ context.Context, b domain.PermanentBlock) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()
	bs.s.st.blocks = append(bs.s.st.blocks, b)
	return nil
}

// ContactStore implements store.ContactStore.
type ContactStore struct{ s *Store }

// Get returns a contact.
func (cs *ContactStore) Get(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	c, ok := cs.s.st.contacts[id]
	if !ok {
		return nil, store.ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

// List returns the tenant's contacts ordered by name.
func (cs *ContactStore) List(_ context.Context, tenantID uuid.UUID, limit int) ([]domain.Contact, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	var out []domain.Contact
	for _, c := range cs.s.st.contacts {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkContacted records an outreach time.
func (cs *ContactStore) MarkContacted(_ context.Context, id uuid.UUID, at time.Time) error {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	c, ok := cs.s.st.contacts[id]
	if !ok {
		return store.ErrContactNotFound
	}
	t := at.UTC()
	c.LastContactedAt = &t
	return nil
}

// SeedContact adds a contact. Contacts are owned by the CRM, so the engine
// itself never creates them.
func (s *Store) SeedContact(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.st.contacts[c.ID] = &cp
}

// CallStore implements store.CallStore.
type CallStore struct{ s *Store }

// GetByTask returns the most recent call row of a task.
func (cs *CallStore) GetByTask(_ context.Context, taskID uuid.UUID) (*domain.CallAttempt, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	var found *domain.CallAttempt
	for _, c := range cs.s.st.calls {
		if c.TaskID == taskID && (found == nil || c.CreatedAt.After(found.CreatedAt)) {
			found = c
		}
	}
	if found == nil {
		return nil, store.ErrCallNotFound
	}
	cp := *found
	return &cp, nil
}

// Get returns a call row.
func (cs *CallStore) Get(_ context.Context, id uuid.UUID) (*domain.CallAttempt, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	c, ok := cs.s.st.calls[id]
	if !ok {
		return nil, store.ErrCallNotFound
	}
	cp := *c
	return &cp, nil
}

// Create inserts a call row.
func (cs *CallStore) Create(_ context.Context, c *domain.CallAttempt) error {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	if _, ok := cs.s.st.calls[c.ID]; ok {
		return fmt.Errorf("%w: call %s", store.ErrDuplicate, c.ID)
	}
	cp := *c
	cs.s.st.calls[c.ID] = &cp
	return nil
}

// Update replaces a call row.
func (cs *CallStore) Update(_ context.Context, c *domain.CallAttempt) error {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	if _, ok := cs.s.st.calls[c.ID]; !ok {
		return store.ErrCallNotFound
	}
	cp := *c
	cs.s.st.calls[c.ID] = &cp
	return nil
}

// FailForTask fails every open call of a task.
func (cs *CallStore) FailForTask(_ context.Context, taskID uuid.UUID, reason string) error {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	now := time.Now().UTC()
	for _, c := range cs.s.st.calls {
		if c.TaskID == taskID && !c.Status.IsFinal() {
			c.Status = domain.CallStatusFailed
			c.Error = reason
			c.UpdatedAt = now
		}
	}
	return nil
}

// ListStuck returns placing calls not updated since before.
func (cs *CallStore) ListStuck(_ context.Context, before time.Time) ([]*domain.CallAttempt, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	var out []*domain.CallAttempt
	for _, c := range cs.s.st.calls {
		if c.Status == domain.CallStatusPlacing && c.UpdatedAt.Before(before) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// RecordCompleted stores a completion record.
func (cs *CallStore) RecordCompleted(_ context.Context, c domain.CompletedCall) error {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	cs.s.st.completed[c.CallID] = c
	return nil
}

// GetCompleted returns a completion record.
func (cs *CallStore) GetCompleted(_ context.Context, callID uuid.UUID) (*domain.CompletedCall, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	c, ok := cs.s.st.completed[callID]
	if !ok {
		return nil, store.ErrCallNotFound
	}
	return &c, nil
}

// MessageStore implements store.MessageStore.
type MessageStore struct{ s *Store }

// RecordSent appends a sent message.
func (ms *MessageStore) RecordSent(_ context.Context, m domain.SentMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	ms.s.mu.Lock()
	defer ms.s.mu.Unlock()
	ms.s.st.messages = append(ms.s.st.messages, m)
	return nil
}

// TouchConversation upserts the conversation with peer.
func (ms *MessageStore) TouchConversation(_ context.Context, tenantID uuid.UUID, contactID *uuid.UUID, peer string, at time.Time) (*domain.Conversation, error) {
	ms.s.mu.Lock()
	defer ms.s.mu.Unlock()
	key := tenantID.String() + "|" + peer
	c, ok := ms.s.st.conversations[key]
	if !ok {
		c = &domain.Conversation{ID: uuid.New(), TenantID: tenantID, ContactID: copyID(contactID), Peer: peer}
		ms.s.st.conversations[key] = c
	}
	c.IsLead = true
	c.MessageCount++
	c.LastMessageAt = at.UTC()
	cp := *c
	return &cp, nil
}

// Sent returns every recorded message. Used by tests and the dev server.
func (s *Store) Sent() []domain.SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SentMessage(nil), s.st.messages...)
}

// LockStore implements store.LockStore.
type LockStore struct{ s *Store }

// TryAcquire takes the lock if it is free or expired.
func (ls *LockStore) TryAcquire(_ context.Context, name, holder string, now, expiresAt time.Time) (bool, error) {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()
	if cur, ok := ls.s.st.locks[name]; ok && cur.expiresAt.After(now) {
		return false, nil
	}
	ls.s.st.locks[name] = lockRow{holder: holder, expiresAt: expiresAt}
	return true, nil
}

// Release frees the lock if holder owns it.
func (ls *LockStore) Release(_ context.Context, name, holder string) error {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()
	if cur, ok := ls.s.st.locks[name]; ok && cur.holder == holder {
		delete(ls.s.st.locks, name)
	}
	return nil
}
