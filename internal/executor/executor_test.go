package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/channel"
	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/generation"
	"github.com/phrazzld/cadence/internal/generation/gentest"
	"github.com/phrazzld/cadence/internal/guardrail"
	"github.com/phrazzld/cadence/internal/platform/httpclient"
	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/phrazzld/cadence/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// Monday, inside the default working window.
var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type mockMailer struct{ mock.Mock }

func (m *mockMailer) ValidateRecipient(addr string) error {
	return m.Called(addr).Error(0)
}

func (m *mockMailer) Send(ctx context.Context, task *domain.Task, contact *domain.Contact, subject, body string) (channel.Receipt, error) {
	args := m.Called(ctx, task, contact, subject, body)
	return args.Get(0).(channel.Receipt), args.Error(1)
}

type mockCaller struct{ mock.Mock }

func (m *mockCaller) Place(ctx context.Context, task *domain.Task, contact *domain.Contact, prompt string) (channel.Receipt, error) {
	args := m.Called(ctx, task, contact, prompt)
	return args.Get(0).(channel.Receipt), args.Error(1)
}

type fixture struct {
	mem     *memory.Store
	stores  store.Stores
	model   *gentest.Model
	tenant  uuid.UUID
	contact domain.Contact
}

func newFixture() *fixture {
	mem := memory.New()
	tenant := uuid.New()
	contact := domain.Contact{ID: uuid.New(), TenantID: tenant, Name: "Dana Scully", Company: "Acme", Email: "dana@acme.io", Phone: "+12025550143"}
	mem.SeedContact(contact)
	return &fixture{mem: mem, stores: mem.Stores(), model: gentest.New(), tenant: tenant, contact: contact}
}

func (f *fixture) executor(d Deps) *Executor {
	d.Stores = f.stores
	d.Model = f.model
	d.Checker = guardrail.NewChecker(0, time.Hour)
	d.Journal = audit.NewJournal(nil, logger.Discard())
	d.Logger = logger.Discard()
	e := New(d)
	e.Now = func() time.Time { return now }
	return e
}

// claimed stores an in_progress task with the given plan.
func (f *fixture) claimed(t *testing.T, actions ...domain.ActionKind) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(f.tenant, "Follow up with Dana about the renewal", now)
	require.NoError(t, err)
	id := f.contact.ID
	task.ContactID = &id
	task.Status = domain.TaskStatusInProgress
	for i, a := range actions {
		task.Plan = append(task.Plan, domain.Step{Index: i, Action: a, Description: string(a), Status: domain.StepStatusPending})
	}
	require.NoError(t, f.stores.Tasks.Create(context.Background(), task))
	return task
}

func (f *fixture) tenantContext() *domain.TenantContext {
	return &domain.TenantContext{Settings: domain.DefaultAutonomySettings(f.tenant), Counts: domain.DailyActionCounts{}}
}

func (f *fixture) events(t *testing.T) []domain.EventType {
	t.Helper()
	entries, err := f.stores.Activity.List(context.Background(), f.tenant, store.ActivityFilter{})
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func TestExecuteRunsWholePlan(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.model.QueueText(generation.PromptAnalysis, "Dana is happy but the renewal is overdue.")
	f.model.QueueText(generation.PromptEmail, `{"subject": "Your renewal", "body": "Hi Dana,\nshall we talk?"}`)
	mailer := &mockMailer{}
	mailer.On("ValidateRecipient", "dana@acme.io").Return(nil)
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything, "Your renewal", "Hi Dana,\nshall we talk?").
		Return(channel.Receipt{Channel: domain.ChannelEmail, ExternalID: "m-1", Status: "sent"}, nil)

	e := f.executor(Deps{Mailer: mailer})
	task := f.claimed(t, domain.ActionFetchData, domain.ActionAnalyze, domain.ActionSendEmail)
	tc := f.tenantContext()

	out, err := e.Execute(context.Background(), tc, task)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Contains(t, out.Summary, "Completed 3 steps")
	mailer.AssertExpectations(t)

	stored, err := f.stores.Tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	for _, s := range stored.Plan {
		assert.Equal(t, domain.StepStatusCompleted, s.Status, s.Name())
	}
	assert.Equal(t, "Dana is happy but the renewal is overdue.", gjson.GetBytes(stored.StepResults["1_analyze"], "text").String())
	assert.Equal(t, "m-1", gjson.GetBytes(stored.StepResults["2_send_email"], "receipt.external_id").String())
	assert.Equal(t, 3, stored.PausedAtStep)

	assert.Equal(t, 1, tc.Count(domain.QuotaEmails))
	assert.Equal(t, 1, tc.Count(domain.QuotaAnalyses))
	assert.ElementsMatch(t, []domain.EventType{domain.EventStepCompleted, domain.EventAnalysisCompleted, domain.EventEmailSent}, f.events(t))
}

func TestExecuteFailureSkipsLaterSteps(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.model.Queue(generation.PromptAnalysis, gentest.Reply{Err: errors.New("provider exploded")})
	e := f.executor(Deps{})
	task := f.claimed(t, domain.ActionFetchData, domain.ActionAnalyze, domain.ActionDraftReport)

	out, err := e.Execute(context.Background(), f.tenantContext(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 1, out.Step)
	require.Error(t, out.Err)

	stored, err := f.stores.Tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusCompleted, stored.Plan[0].Status)
	assert.Equal(t, domain.StepStatusFailed, stored.Plan[1].Status)
	assert.Contains(t, stored.Plan[1].Error, "provider exploded")
	assert.Equal(t, domain.StepStatusSkipped, stored.Plan[2].Status)
	assert.Contains(t, f.events(t), domain.EventStepFailed)
}

func TestExecuteRetryResumesAtFailedStep(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.model.Queue(generation.PromptAnalysis, gentest.Reply{Err: errors.New("boom")}, gentest.Reply{Text: "fine now"})
	e := f.executor(Deps{})
	task := f.claimed(t, domain.ActionFetchData, domain.ActionAnalyze)

	out, err := e.Execute(context.Background(), f.tenantContext(), task)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)

	out, err = e.Execute(context.Background(), f.tenantContext(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 2, f.model.Calls(generation.PromptAnalysis))
	assert.Equal(t, 1, countEvents(f.events(t), domain.EventStepCompleted), "fetch_data ran once")
}

func TestExecuteRejectsPlaceholderEmailWithoutSending(t *testing.T) {
	t.Parallel()
	f := newFixture()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	f.contact.Email = "test@example.com"
	f.mem.SeedContact(f.contact)
	mailer := channel.NewEmail(config.EmailConfig{APIURL: srv.URL, FromAddress: "desk@cadence.io"},
		httpclient.New(httpclient.Options{Timeout: time.Second}, nil), f.stores, nil, logger.Discard())
	e := f.executor(Deps{Mailer: mailer})
	task := f.claimed(t, domain.ActionSendEmail)

	out, err := e.Execute(context.Background(), f.tenantContext(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, channel.ErrInvalidRecipient)
	assert.Zero(t, hits.Load())
	assert.Zero(t, f.model.Calls(generation.PromptEmail))
	assert.Empty(t, f.mem.Sent())
}

func TestExecuteAssistedModePausesBetweenSteps(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.model.Default(generation.PromptAnalysis, "analysis")
	f.model.Default(generation.PromptTalkingPoints, "points")
	e := f.executor(Deps{})
	task := f.claimed(t, domain.ActionAnalyze, domain.ActionPrepareOutreach)
	task.ExecutionMode = domain.ExecutionModeAssisted

	out, err := e.Execute(context.Background(), f.tenantContext(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, out.Status)
	assert.Equal(t, 1, out.Step)
	assert.Equal(t, 1, task.PausedAtStep)

	out, err = e.Execute(context.Background(), f.tenantContext(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status, "the last step does not pause")
	assert.Equal(t, 1, f.model.Calls(generation.PromptAnalysis), "completed steps are not rerun")
	assert.Equal(t, 1, f.model.Calls(generation.PromptTalkingPoints))
}

func TestExecuteStopsAtCappedOutreachStep(t *testing.T) {
	t.Parallel()
	f := newFixture()
	caller := &mockCaller{}
	e := f.executor(Deps{Caller: caller})
	task := f.claimed(t, domain.ActionFetchData, domain.ActionPlaceCall)
	tc := f.tenantContext()
	tc.Counts[domain.QuotaCalls] = 10

	out, err := e.Execute(context.Background(), tc, task)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, out.Status)
	require.NotNil(t, out.Block)
	assert.Equal(t, guardrail.BlockDailyCap, out.Block.Kind)
	assert.Contains(t, out.Block.Reason, "10/10")
	assert.Equal(t, domain.StepStatusPending, task.Plan[1].Status)
	caller.AssertNotCalled(t, "Place", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPlaceCallUsesPreparedTalkingPoints(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.model.QueueText(generation.PromptTalkingPoints, "Ask about the renewal date.")
	caller := &mockCaller{}
	caller.On("Place", mock.Anything, mock.Anything, mock.Anything, "Ask about the renewal date.").
		Return(channel.Receipt{Channel: domain.ChannelVoice, ExternalID: "c-1", Status: "placing"}, nil)
	e := f.executor(Deps{Caller: caller})
	task := f.claimed(t, domain.ActionPrepareOutreach, domain.ActionPlaceCall)
	tc := f.tenantContext()

	out, err := e.Execute(context.Background(), tc, task)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	caller.AssertExpectations(t)
	assert.Equal(t, 1, tc.Count(domain.QuotaCalls))
}

func TestReusedCompletedCallIsNotCharged(t *testing.T) {
	t.Parallel()
	f := newFixture()
	caller := &mockCaller{}
	caller.On("Place", mock.Anything, mock.Anything, mock.Anything, "script").
		Return(channel.Receipt{Channel: domain.ChannelVoice, ExternalID: "c-1", Status: "completed", Reused: true}, nil)
	e := f.executor(Deps{Caller: caller})
	task := f.claimed(t, domain.ActionPlaceCall)
	task.Plan[0].Params = map[string]string{"prompt": "script"}
	tc := f.tenantContext()

	out, err := e.Execute(context.Background(), tc, task)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Zero(t, tc.Count(domain.QuotaCalls))
	assert.NotContains(t, f.events(t), domain.EventCallPlaced)
}

func TestDisabledDispatcherFailsStep(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.model.Default(generation.PromptMessage, "hi")
	e := f.executor(Deps{})
	task := f.claimed(t, domain.ActionSendMessage)

	out, err := e.Execute(context.Background(), f.tenantContext(), task)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, channel.ErrUnavailable)
}

func TestWebSearchUsesQueryParam(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.model.QueueText(generation.PromptWebSearch, "Acme raised a series B in 2025.")
	e := f.executor(Deps{})
	task := f.claimed(t, domain.ActionWebSearch)

	res := e.RunStep(context.Background(), StepInput{
		Task: task,
		Step: domain.Step{Index: 0, Action: domain.ActionWebSearch, Params: map[string]string{"query": "Acme funding"}},
	})
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, "Acme funding", gjson.GetBytes(res.Result, "query").String())

	reqs := f.model.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Search)
	assert.Contains(t, reqs[0].Messages[0].Text, "Acme funding")
}

func TestDraftReportKeepsUnstructuredText(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.model.QueueText(generation.PromptReport, "Just prose, no JSON.")
	e := f.executor(Deps{})
	task := f.claimed(t, domain.ActionDraftReport)

	res := e.RunStep(context.Background(), StepInput{Task: task, Step: task.Plan[0]})
	require.True(t, res.Success)
	assert.Equal(t, "Just prose, no JSON.", gjson.GetBytes(res.Result, "summary").String())
}

func TestRunStepUnknownAction(t *testing.T) {
	t.Parallel()
	f := newFixture()
	e := f.executor(Deps{})
	res := e.RunStep(context.Background(), StepInput{Task: &domain.Task{}, Step: domain.Step{Action: "send_fax"}})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrUnknownAction)
}

func TestLatestPicksHighestIndex(t *testing.T) {
	t.Parallel()
	prior := map[string]json.RawMessage{
		"0_prepare_outreach":  json.RawMessage(`{"talking_points":"old"}`),
		"3_prepare_outreach":  json.RawMessage(`{"talking_points":"new"}`),
		"10_prepare_outreach": json.RawMessage(`{"talking_points":""}`),
		"4_analyze":           json.RawMessage(`{"text":"x"}`),
	}
	assert.Equal(t, "new", latest(prior, domain.ActionPrepareOutreach, "talking_points"))
	assert.Empty(t, latest(nil, domain.ActionPrepareOutreach, "talking_points"))
}

func countEvents(events []domain.EventType, typ domain.EventType) int {
	n := 0
	for _, e := range events {
		if e == typ {
			n++
		}
	}
	return n
}
