package channel

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
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

// placeholderDomains are documentation and test domains that never belong to
// a real client. Subdomains are rejected too.
var placeholderDomains = []string{
	"example.com",
	"example.org",
	"example.net",
	"test.com",
	"test.org",
	"test",
	"invalid",
	"localhost",
	"domain.com",
	"email.com",
	"mailinator.com",
}

// Email sends mail through an HTTP mail API.
type Email struct {
	client      *retryablehttp.Client
	apiURL      string
	apiKey      string
	fromAddress string
	fromName    string
	blocked     []string
	messages    store.MessageStore
	contacts    store.ContactStore
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// NewEmail creates an email dispatcher. cfg.BlockedDomains extends the
// built-in placeholder list.
func NewEmail(cfg config.EmailConfig, client *retryablehttp.Client, s store.Stores, m *metrics.Metrics, logger *slog.Logger) *Email {
	blocked := append([]string(nil), placeholderDomains...)
	for _, d := range cfg.BlockedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			blocked = append(blocked, d)
		}
	}
	return &Email{
		client:      client,
		apiURL:      cfg.APIURL,
		apiKey:      cfg.APIKey,
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		blocked:     blocked,
		messages:    s.Messages,
		contacts:    s.Contacts,
		metrics:     m,
		logger:      logger.With("component", "email"),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// ValidateRecipient checks the address format and rejects placeholder and
// blocked domains.
func (e *Email) ValidateRecipient(addr string) error {
	addr = strings.TrimSpace(addr)
	if err := schema().Var(addr, "required,email"); err != nil {
		return fmt.Errorf("%w: malformed email address", ErrInvalidRecipient)
	}
	_, host, _ := strings.Cut(addr, "@")
	host = strings.ToLower(host)
	for _, d := range e.blocked {
		if host == d || strings.HasSuffix(host, "."+d) {
			return fmt.Errorf("%w: %s is a placeholder or blocked domain", ErrInvalidRecipient, host)
		}
	}
	return nil
}

type mailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailRequest struct {
	From    mailAddress       `json:"from"`
	To      []mailAddress     `json:"to"`
	Subject string            `json:"subject"`
	Text    string            `json:"text"`
	HTML    string            `json:"html"`
	Headers map[string]string `json:"headers,omitempty"`
}

type mailResponse struct {
	ID string `json:"id"`
}

var htmlBody = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html><body style="font-family: sans-serif; line-height: 1.5">
{{range .}}<p>{{range $i, $line := .}}{{if $i}}<br>{{end}}{{$line}}{{end}}</p>
{{end}}</body></html>`))

// RenderHTML turns a plain-text body into escaped HTML paragraphs.
func RenderHTML(text string) (string, error) {
	var paras [][]string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, strings.Split(p, "\n"))
		}
	}
	var buf bytes.Buffer
	if err := htmlBody.Execute(&buf, paras); err != nil {
		return "", fmt.Errorf("failed to render html body: %w", err)
	}
	return buf.String(), nil
}

// Send emails contact. The recipient is validated before anything is sent.
func (e *Email) Send(ctx context.Context, task *domain.Task, contact *domain.Contact, subject, body string) (Receipt, error) {
	if contact == nil {
		return Receipt{}, fmt.Errorf("%w: task has no contact", ErrInvalidRecipient)
	}
	to := strings.TrimSpace(contact.Email)
	if err := e.ValidateRecipient(to); err != nil {
		return Receipt{}, err
	}
	if e.apiURL == "" {
		return Receipt{}, fmt.Errorf("%w: email", ErrUnavailable)
	}
	html, err := RenderHTML(body)
	if err != nil {
		return Receipt{}, err
	}

	var resp mailResponse
	err = httpclient.PostJSON(ctx, e.client, e.apiURL, bearer(e.apiKey), mailRequest{
		From:    mailAddress{Email: e.fromAddress, Name: e.fromName},
		To:      []mailAddress{{Email: to, Name: contact.Name}},
		Subject: subject,
		Text:    body,
		HTML:    html,
		Headers: map[string]string{"X-Task-ID": task.ID.String()},
	}, &resp)
	e.metrics.ChannelDispatch(string(domain.ChannelEmail), err == nil)
	if err != nil {
		return Receipt{}, providerError("mail API", err)
	}

	now := e.Now()
	log := e.logger.With("task_id", task.ID, "tenant_id", task.TenantID, "to", redact.Email(to))
	if err := e.messages.RecordSent(ctx, domain.SentMessage{
		ID:         uuid.New(),
		TenantID:   task.TenantID,
		TaskID:     task.ID,
		ContactID:  task.ContactID,
		Channel:    domain.ChannelEmail,
		Recipient:  to,
		Subject:    subject,
		Body:       body,
		ExternalID: resp.ID,
		SentAt:     now,
	}); err != nil {
		log.ErrorContext(ctx, "email sent but not recorded", "error", err)
	}
	if err := e.contacts.MarkContacted(ctx, contact.ID, now); err != nil {
		log.WarnContext(ctx, "failed to mark contact as contacted", "error", err)
	}
	log.InfoContext(ctx, "email sent", "message_id", resp.ID)
	return Receipt{Channel: domain.ChannelEmail, ExternalID: resp.ID, Recipient: redact.Email(to), Status: "sent"}, nil
}
