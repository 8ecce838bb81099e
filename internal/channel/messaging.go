package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/platform/httpclient"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/redact"
	"github.com/phrazzld/cadence/internal/store"
)

// maxMessageLength is the longest text the gateway accepts.
const maxMessageLength = 4096

// Messaging sends chat messages through the messaging gateway.
type Messaging struct {
	client   *retryablehttp.Client
	baseURL  string
	apiKey   string
	account  string
	messages store.MessageStore
	contacts store.ContactStore
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// NewMessaging creates a messaging dispatcher.
func NewMessaging(cfg config.MessagingConfig, client *retryablehttp.Client, s store.Stores, m *metrics.Metrics, logger *slog.Logger) *Messaging {
	return &Messaging{
		client:   client,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		account:  cfg.Account,
		messages: s.Messages,
		contacts: s.Contacts,
		metrics:  m,
		logger:   logger.With("component", "messaging"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

type messageRequest struct {
	Account string `json:"account"`
	To      string `json:"to"`
	Text    string `json:"text"`
}

type messageResponse struct {
	MessageID string `json:"message_id"`
}

// Recipient returns the address used to message contact: the messaging
// handle when set, otherwise the phone number.
func Recipient(contact *domain.Contact) (string, error) {
	if contact == nil {
		return "", fmt.Errorf("%w: task has no contact", ErrInvalidRecipient)
	}
	if h := strings.TrimSpace(contact.MessagingHandle); h != "" {
		return h, nil
	}
	if contact.Phone == "" {
		return "", fmt.Errorf("%w: contact has no messaging handle or phone", ErrInvalidRecipient)
	}
	return NormalizePhone(contact.Phone)
}

// Send messages contact and marks the conversation as a lead.
func (m *Messaging) Send(ctx context.Context, task *domain.Task, contact *domain.Contact, text string) (Receipt, error) {
	to, err := Recipient(contact)
	if err != nil {
		return Receipt{}, err
	}
	if m.baseURL == "" {
		return Receipt{}, fmt.Errorf("%w: messaging", ErrUnavailable)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Receipt{}, fmt.Errorf("%w: empty message", ErrRejected)
	}
	if len(text) > maxMessageLength {
		text = text[:maxMessageLength]
	}

	var resp messageResponse
	err = httpclient.PostJSON(ctx, m.client, m.baseURL+"/messages", bearer(m.apiKey),
		messageRequest{Account: m.account, To: to, Text: text}, &resp)
	m.metrics.ChannelDispatch(string(domain.ChannelMessaging), err == nil)
	if err != nil {
		return Receipt{}, providerError("messaging gateway", err)
	}

	now := m.Now()
	log := m.logger.With("task_id", task.ID, "tenant_id", task.TenantID, "to", redact.String(to))
	if err := m.messages.RecordSent(ctx, domain.SentMessage{
		ID:         uuid.New(),
		TenantID:   task.TenantID,
		TaskID:     task.ID,
		ContactID:  task.ContactID,
		Channel:    domain.ChannelMessaging,
		Recipient:  to,
		Body:       text,
		ExternalID: resp.MessageID,
		SentAt:     now,
	}); err != nil {
		log.ErrorContext(ctx, "message sent but not recorded", "error", err)
	}
	conv, err := m.messages.TouchConversation(ctx, task.TenantID, task.ContactID, to, now)
	if err != nil {
		log.ErrorContext(ctx, "failed to update conversation", "error", err)
	}
	if err := m.contacts.MarkContacted(ctx, contact.ID, now); err != nil {
		log.WarnContext(ctx, "failed to mark contact as contacted", "error", err)
	}
	if conv != nil {
		log.InfoContext(ctx, "message sent", "message_id", resp.MessageID, "conversation_messages", conv.MessageCount)
	}
	return Receipt{Channel: domain.ChannelMessaging, ExternalID: resp.MessageID, Recipient: redact.String(to), Status: "sent"}, nil
}
