package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/lock"
	"github.com/phrazzld/cadence/internal/platform/httpclient"
	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/phrazzld/cadence/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// bridge is a fake provider recording every request body.
type bridge struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
	reply  string
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	b.bodies = append(b.bodies, body)
	status, reply := b.status, b.reply
	b.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reply))
}

func (b *bridge) requests() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.bodies...)
}

type fixture struct {
	mem     *memory.Store
	stores  store.Stores
	server  *httptest.Server
	bridge  *bridge
	task    *domain.Task
	contact *domain.Contact
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := &bridge{reply: `{}`}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	mem := memory.New()
	tenant := uuid.New()
	contact := domain.Contact{
		ID: uuid.New(), TenantID: tenant, Name: "Dana Scully",
		Phone: "+1 (202) 555-0143", Email: "dana@acme.io",
	}
	mem.SeedContact(contact)
	task, err := domain.NewTask(tenant, "Call Dana about the renewal", now)
	require.NoError(t, err)
	task.ContactID = &contact.ID
	return &fixture{mem: mem, stores: mem.Stores(), server: srv, bridge: b, task: task, contact: &contact}
}

func noRetry() httpclient.Options {
	return httpclient.Options{Timeout: 2 * time.Second, RetryMax: 0, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond}
}

func (f *fixture) voice() *Voice {
	v := NewVoice(config.TelephonyConfig{BaseURL: f.server.URL, APIKey: "k", MaxCallAttempts: 2},
		httpclient.New(noRetry(), nil), f.stores, nil, logger.Discard())
	v.Now = func() time.Time { return now }
	return v
}

func TestVoiceRetryReusesCallID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.voice()
	ctx := context.Background()

	f.bridge.status = http.StatusBadRequest
	_, err := v.Place(ctx, f.task, f.contact, "talking points")
	require.ErrorIs(t, err, ErrRejected)

	first, err := f.stores.Calls.GetByTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusFailed, first.Status)

	f.bridge.status = http.StatusOK
	rec, err := v.Place(ctx, f.task, f.contact, "talking points")
	require.NoError(t, err)
	assert.True(t, rec.Reused)
	assert.Equal(t, first.ID.String(), rec.ExternalID)

	reqs := f.bridge.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0]["call_id"], reqs[1]["call_id"], "a retry must not allocate a new call id")
	assert.Equal(t, "+12025550143", reqs[1]["phone"])

	second, err := f.stores.Calls.GetByTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, domain.CallStatusPlacing, second.Status)

	contact, err := f.stores.Contacts.Get(ctx, f.contact.ID)
	require.NoError(t, err)
	require.NotNil(t, contact.LastContactedAt)
}

func TestVoiceAttemptsExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.voice()
	f.bridge.status = http.StatusBadRequest
	ctx := context.Background()

	_, err := v.Place(ctx, f.task, f.contact, "p")
	require.Error(t, err)
	_, err = v.Place(ctx, f.task, f.contact, "p")
	require.Error(t, err)
	_, err = v.Place(ctx, f.task, f.contact, "p")
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Len(t, f.bridge.requests(), 2)
}

func TestVoiceCompletedCallIsNotRedialed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.voice()
	ctx := context.Background()

	rec, err := v.Place(ctx, f.task, f.contact, "p")
	require.NoError(t, err)
	id := uuid.MustParse(rec.ExternalID)

	call, err := v.Complete(ctx, domain.CompletedCall{CallID: id, Transcript: "hello", Outcome: "answered", EndedAt: now})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, call.Status)

	rec, err = v.Place(ctx, f.task, f.contact, "p")
	require.NoError(t, err)
	assert.True(t, rec.Reused)
	assert.Len(t, f.bridge.requests(), 1)
}

func TestVoiceRejectsBadNumberBeforeDialing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.contact.Phone = "call me maybe"
	_, err := f.voice().Place(context.Background(), f.task, f.contact, "p")
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	assert.Empty(t, f.bridge.requests())
}

func TestSweepReconcilesRedialsAndFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := f.voice()
	ctx := context.Background()
	old := now.Add(-time.Hour)

	mk := func(attempts int) *domain.CallAttempt {
		c := &domain.CallAttempt{
			ID: uuid.New(), TenantID: f.task.TenantID, TaskID: uuid.New(), Phone: "+12025550143",
			Status: domain.CallStatusPlacing, Attempts: attempts, MaxAttempts: 2, CreatedAt: old, UpdatedAt: old,
		}
		require.NoError(t, f.stores.Calls.Create(ctx, c))
		return c
	}
	done := mk(1)
	retry := mk(1)
	exhausted := mk(2)
	require.NoError(t, f.stores.Calls.RecordCompleted(ctx, domain.CompletedCall{CallID: done.ID, Transcript: "t", Outcome: "completed"}))

	rep, err := v.Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Reconciled: 1, Redialed: 1, Failed: 1}, rep)

	got, _ := f.stores.Calls.Get(ctx, done.ID)
	assert.Equal(t, domain.CallStatusCompleted, got.Status)
	got, _ = f.stores.Calls.Get(ctx, retry.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, domain.CallStatusPlacing, got.Status)
	got, _ = f.stores.Calls.Get(ctx, exhausted.ID)
	assert.Equal(t, domain.CallStatusFailed, got.Status)

	reqs := f.bridge.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, retry.ID.String(), reqs[0]["call_id"])
}

func TestSweeperTickTakesLock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	locks := lock.NewManager(f.stores.Locks, logger.Discard(), nil)
	s := NewSweeper(f.voice(), locks, SweeperConfig{Interval: time.Minute, StuckAfter: time.Minute}, nil, logger.Discard())
	s.Tick(context.Background())

	acquired, err := locks.WithLock(context.Background(), lock.CallSweeper, time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired, "the sweep releases its lock")
}

func (f *fixture) email(blocked ...string) *Email {
	e := NewEmail(config.EmailConfig{APIURL: f.server.URL + "/send", FromAddress: "desk@cadence.io", BlockedDomains: blocked},
		httpclient.New(noRetry(), nil), f.stores, nil, logger.Discard())
	e.Now = func() time.Time { return now }
	return e
}

func TestEmailValidateRecipient(t *testing.T) {
	t.Parallel()
	e := newFixture(t).email("competitor.io")
	tests := map[string]bool{
		"dana@acme.io":         true,
		"test@example.com":     false,
		"ops@mail.example.org": false,
		"x@test.com":           false,
		"spy@competitor.io":    false,
		"not-an-email":         false,
		"":                     false,
	}
	for addr, ok := range tests {
		err := e.ValidateRecipient(addr)
		if ok {
			assert.NoError(t, err, addr)
		} else {
			assert.ErrorIs(t, err, ErrInvalidRecipient, addr)
		}
	}
}

func TestEmailPlaceholderDomainNeverSends(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.contact.Email = "test@example.com"
	_, err := f.email().Send(context.Background(), f.task, f.contact, "Hi", "Body")
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	assert.Empty(t, f.bridge.requests())
	assert.Empty(t, f.mem.Sent())
}

func TestEmailSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.bridge.reply = `{"id": "msg-1"}`

	rec, err := f.email().Send(context.Background(), f.task, f.contact, "Renewal", "Hi Dana,\n\nThe <new> terms are attached.")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", rec.ExternalID)

	reqs := f.bridge.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Renewal", reqs[0]["subject"])
	html, _ := reqs[0]["html"].(string)
	assert.Contains(t, html, "&lt;new&gt;")
	assert.Contains(t, html, "<p>Hi Dana,</p>")

	sent := f.mem.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ChannelEmail, sent[0].Channel)
	assert.Equal(t, "msg-1", sent[0].ExternalID)
}

func TestMessagingSendTouchesConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.bridge.reply = `{"message_id": "m-7"}`
	m := NewMessaging(config.MessagingConfig{BaseURL: f.server.URL, Account: "acct"},
		httpclient.New(noRetry(), nil), f.stores, nil, logger.Discard())
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	_, err := m.Send(ctx, f.task, f.contact, "Quick check-in about the renewal.")
	require.NoError(t, err)
	_, err = m.Send(ctx, f.task, f.contact, "Following up.")
	require.NoError(t, err)

	reqs := f.bridge.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "+12025550143", reqs[0]["to"])
	assert.Equal(t, "acct", reqs[0]["account"])

	conv, err := f.stores.Messages.TouchConversation(ctx, f.task.TenantID, f.task.ContactID, "+12025550143", now)
	require.NoError(t, err)
	assert.True(t, conv.IsLead)
	assert.Equal(t, 3, conv.MessageCount)
}

func TestDisabledChannels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := NewVoice(config.TelephonyConfig{}, httpclient.New(noRetry(), nil), f.stores, nil, logger.Discard())
	_, err := v.Place(context.Background(), f.task, f.contact, "p")
	assert.ErrorIs(t, err, ErrUnavailable)

	m := NewMessaging(config.MessagingConfig{}, httpclient.New(noRetry(), nil), f.stores, nil, logger.Discard())
	_, err = m.Send(context.Background(), f.task, f.contact, "hi")
	assert.ErrorIs(t, err, ErrUnavailable)
}
