package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

// MessageStore implements store.MessageStore.
type MessageStore struct {
	db store.DBTX
}

var _ store.MessageStore = (*MessageStore)(nil)

// NewMessageStore creates a MessageStore.
func NewMessageStore(db store.DBTX) *MessageStore {
	return &MessageStore{db: db}
}

// RecordSent appends a sent message.
func (s *MessageStore) RecordSent(ctx context.Context, m domain.SentMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sent_messages (id, tenant_id, task_id, contact_id, channel, recipient, subject, body, external_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.TenantID, m.TaskID, m.ContactID, m.Channel, m.Recipient, m.Subject, m.Body, m.ExternalID, m.SentAt.UTC())
	return MapError(err)
}

// TouchConversation upserts the conversation with peer in one statement.
func (s *MessageStore) TouchConversation(ctx context.Context, tenantID uuid.UUID, contactID *uuid.UUID, peer string, at time.Time) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, tenant_id, contact_id, peer, is_lead, message_count, last_message_at)
		VALUES ($1, $2, $3, $4, TRUE, 1, $5)
		ON CONFLICT (tenant_id, peer) DO UPDATE
		SET is_lead = TRUE,
		    message_count = conversations.message_count + 1,
		    last_message_at = EXCLUDED.last_message_at,
		    contact_id = COALESCE(conversations.contact_id, EXCLUDED.contact_id)
		RETURNING id, tenant_id, contact_id, peer, is_lead, message_count, last_message_at`,
		uuid.New(), tenantID, contactID, peer, at.UTC(),
	).Scan(&c.ID, &c.TenantID, &c.ContactID, &c.Peer, &c.IsLead, &c.MessageCount, &c.LastMessageAt)
	if err != nil {
		return nil, MapError(err)
	}
	return &c, nil
}
