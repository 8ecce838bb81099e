package autogen

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/dedup"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/generation"
	"github.com/phrazzld/cadence/internal/generation/gentest"
	"github.com/phrazzld/cadence/internal/guardrail"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/lock"
	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/phrazzld/cadence/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday, inside the default working window.
var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	mem      *memory.Store
	stores   store.Stores
	model    *gentest.Model
	locks    *lock.Manager
	settings domain.AutonomySettings
	dana     domain.Contact
	fox      domain.Contact
}

func newFixture(t *testing.T, mutate ...func(*domain.AutonomySettings)) *fixture {
	t.Helper()
	mem := memory.New()
	tenant := uuid.New()
	f := &fixture{
		mem:    mem,
		stores: mem.Stores(),
		model:  gentest.New(),
		dana:   domain.Contact{ID: uuid.New(), TenantID: tenant, Name: "Dana Scully", Company: "Acme", Email: "dana@acme.io"},
		fox:    domain.Contact{ID: uuid.New(), TenantID: tenant, Name: "Fox Mulder", Company: "Globex", Phone: "+12025550143"},
	}
	mem.SeedContact(f.dana)
	mem.SeedContact(f.fox)
	f.locks = lock.NewManager(f.stores.Locks, logger.Discard(), nil)
	f.locks.Now = func() time.Time { return now }

	s := domain.DefaultAutonomySettings(tenant)
	s.Personas = []domain.Persona{{Role: "account_manager", Enabled: true, Channel: domain.ChannelEmail, MinIntervalMinutes: 60}}
	for _, m := range mutate {
		m(&s)
	}
	require.NoError(t, f.stores.Settings.Save(context.Background(), s))
	f.settings = s
	return f
}

func (f *fixture) cycle() *Cycle {
	journal := audit.NewJournal(nil, logger.Discard())
	in := intake.New(f.mem, dedup.NewMatcher(nil), journal, nil, logger.Discard())
	in.Now = func() time.Time { return now }
	c := New(f.stores, f.locks, f.model, generation.DefaultCatalog(), guardrail.NewChecker(0, time.Hour),
		in, journal, nil, DefaultConfig(), logger.Discard())
	c.Now = func() time.Time { return now }
	return c
}

func (f *fixture) active(t *testing.T) []*domain.Task {
	t.Helper()
	tasks, err := f.stores.Tasks.ListActive(context.Background(), f.settings.TenantID, "")
	require.NoError(t, err)
	return tasks
}

func (f *fixture) events(t *testing.T) []domain.EventType {
	t.Helper()
	entries, err := f.stores.Activity.List(context.Background(), f.settings.TenantID, store.ActivityFilter{})
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func (f *fixture) taskList() string {
	return fmt.Sprintf(`{
  "reasoning": {"analysis": "Acme renewal is due", "priorities": "renewal first", "summary": "two follow-ups"},
  "tasks": [
    {"instruction": "Email Dana the renewal offer", "contactId": %q, "category": "sales", "channel": "email", "priority": 3, "reasoning": "contract ends in April"},
    {"instruction": "Research Globex expansion plans", "contactId": %q, "category": "research", "channel": "none", "priority": 2}
  ]
}`, f.dana.ID, f.fox.ID)
}

func TestStructuredRunCreatesTasksAwaitingApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.model.QueueText(generation.PromptGenerate, f.taskList())

	rep, err := f.cycle().Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Tenants: 1, Personas: 1, Created: 2}, rep)

	tasks := f.active(t)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskStatusWaitingApproval, task.Status, "supervised tenants approve generated work")
		assert.Equal(t, domain.TaskSourceAutonomous, task.Source)
		assert.Equal(t, "account_manager", task.Role)
		assert.Equal(t, domain.ChannelEmail, task.Channel, "persona channel fills in for none")
	}

	settings, err := f.stores.Settings.Get(context.Background(), f.settings.TenantID)
	require.NoError(t, err)
	require.NotNil(t, settings.Personas[0].LastRunAt)
	assert.Equal(t, now, *settings.Personas[0].LastRunAt)
	assert.Contains(t, f.events(t), domain.EventGenerationCycle)

	reqs := f.model.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSON)
	assert.Contains(t, reqs[0].System, `"account_manager" agent`)
}

func TestFullAutonomySchedulesDirectly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *domain.AutonomySettings) { s.AutonomyLevel = domain.AutonomyLevelFull })
	f.model.QueueText(generation.PromptGenerate, f.taskList())

	_, err := f.cycle().Tick(context.Background())
	require.NoError(t, err)
	for _, task := range f.active(t) {
		assert.Equal(t, domain.TaskStatusScheduled, task.Status)
	}
}

func TestBusyContactsAreNotOffered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	busy, err := domain.NewTask(f.settings.TenantID, "Call Fox about the audit", now)
	require.NoError(t, err)
	busy.ContactID = &f.fox.ID
	busy.Role = "account_manager"
	require.NoError(t, f.stores.Tasks.Create(context.Background(), busy))
	f.model.QueueText(generation.PromptGenerate, `{"tasks": []}`)

	_, err = f.cycle().Tick(context.Background())
	require.NoError(t, err)

	reqs := f.model.Requests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Messages[0].Text
	assert.Contains(t, prompt, "Dana Scully")
	assert.NotContains(t, prompt, "Fox Mulder")
	assert.Contains(t, prompt, "Call Fox about the audit", "active work is shown")
}

func TestSimilarProposalMergesIntoActiveTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	existing, err := domain.NewTask(f.settings.TenantID, "Email Dana the renewal offer for Acme", now)
	require.NoError(t, err)
	existing.ContactID = &f.dana.ID
	existing.Role = "account_manager"
	existing.Channel = domain.ChannelEmail
	require.NoError(t, f.stores.Tasks.Create(context.Background(), existing))
	f.model.QueueText(generation.PromptGenerate, f.taskList())

	rep, err := f.cycle().Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Merged)
	assert.Equal(t, 1, rep.Created)

	stored, err := f.stores.Tasks.Get(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Priority, "the higher priority wins")
	assert.Contains(t, stored.Notes, "Email Dana the renewal offer")
}

func TestIneligibleContactsGetNoNewTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	spreadsheet, err := domain.NewTask(f.settings.TenantID, "Prepare quarterly audit spreadsheet", now)
	require.NoError(t, err)
	spreadsheet.ContactID = &f.dana.ID
	spreadsheet.Role = "account_manager"
	require.NoError(t, f.stores.Tasks.Create(ctx, spreadsheet))

	done, err := domain.NewTask(f.settings.TenantID, "Send Fox the onboarding pack", now.Add(-3*time.Hour))
	require.NoError(t, err)
	done.ContactID = &f.fox.ID
	done.Role = "account_manager"
	done.MarkCompleted(now.Add(-2*time.Hour), "sent")
	require.NoError(t, f.stores.Tasks.Create(ctx, done))

	f.model.QueueText(generation.PromptGenerate, fmt.Sprintf(`{"tasks": [
		{"instruction": "Call about renewal pricing options", "contactId": %q, "category": "sales"},
		{"instruction": "Ask Fox for feedback on the onboarding", "contactId": %q, "category": "sales"},
		{"instruction": "Add the Q3 numbers to the quarterly audit spreadsheet", "contactId": %q, "category": "sales", "followUpOf": %q}
	]}`, f.dana.ID, f.fox.ID, f.dana.ID, spreadsheet.ID))

	pr, err := f.cycle().RunPersona(ctx, f.tenantContext(t), f.settings.Personas[0])
	require.NoError(t, err)
	assert.Equal(t, 0, pr.Created)
	assert.Equal(t, 2, pr.Rejected)
	assert.Equal(t, 1, pr.Merged, "a follow-up of the contact's active task still merges")

	active := f.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, spreadsheet.ID, active[0].ID)
	assert.Contains(t, active[0].Notes, "Follow-up request: Add the Q3 numbers")
}

func TestTruncatedOutputKeepsCompleteTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cut := fmt.Sprintf(`{"reasoning": {"summary": "renewals"}, "tasks": [
		{"instruction": "Email Dana the renewal offer", "contactId": %q, "category": "sales"},
		{"instruction": "Call Fox ab`, f.dana.ID)
	f.model.QueueText(generation.PromptGenerate, cut)

	pr, err := f.cycle().RunPersona(context.Background(), f.tenantContext(t), f.settings.Personas[0])
	require.NoError(t, err)
	assert.True(t, pr.Repaired)
	assert.Equal(t, 1, pr.Created, "only the first object was closed before the cut")
}

func TestUnparsableOutputCreatesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.model.QueueText(generation.PromptGenerate, "I am sorry, I cannot help with that.")

	rep, err := f.cycle().Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Empty(t, f.active(t))
	assert.Contains(t, f.events(t), domain.EventGenerationFailed)

	settings, err := f.stores.Settings.Get(context.Background(), f.settings.TenantID)
	require.NoError(t, err)
	assert.NotNil(t, settings.Personas[0].LastRunAt, "a failed run still waits its interval")
}

func TestDeepThinkSharesConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *domain.AutonomySettings) { s.ReasoningMode = domain.ReasoningDeepThink })
	f.model.QueueText(generation.PromptDeepAnalyze, "Acme renewal is due; Globex is expanding.")
	f.model.QueueText(generation.PromptDeepPrioritize, "1. Acme renewal 2. Globex research")
	f.model.QueueText(generation.PromptDeepGenerate, f.taskList())
	f.model.QueueText(generation.PromptDeepReview, fmt.Sprintf(`{"tasks": [{"instruction": "Email Dana the renewal offer", "contactId": %q, "category": "sales", "priority": 3}]}`, f.dana.ID))

	rep, err := f.cycle().Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created, "the reviewed list wins")

	reqs := f.model.Requests()
	require.Len(t, reqs, 4)
	for i, r := range reqs {
		assert.Len(t, r.Messages, 2*i+1, r.Purpose)
		assert.Equal(t, reqs[0].System, r.System)
	}
	last := reqs[3].Messages
	assert.Equal(t, generation.SpeakerModel, last[1].Speaker)
	assert.Equal(t, "Acme renewal is due; Globex is expanding.", last[1].Text)
	assert.False(t, reqs[0].JSON)
	assert.True(t, reqs[3].JSON)
}

func TestDeepThinkFallsBackToGeneratedList(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *domain.AutonomySettings) { s.ReasoningMode = domain.ReasoningDeepThink })
	f.model.QueueText(generation.PromptDeepAnalyze, "analysis")
	f.model.QueueText(generation.PromptDeepPrioritize, "priorities")
	f.model.QueueText(generation.PromptDeepGenerate, f.taskList())
	f.model.QueueText(generation.PromptDeepReview, "Looks good to me.")

	rep, err := f.cycle().Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Created)
}

func TestPersonaSkips(t *testing.T) {
	t.Parallel()
	saturday := now.AddDate(0, 0, 5)
	recent := now.Add(-10 * time.Minute)
	off := domain.AutonomyLevelOff

	tests := []struct {
		name    string
		persona func(*domain.Persona)
		tenant  func(*domain.AutonomySettings)
		at      time.Time
		want    string
	}{
		{name: "outside hours", at: saturday, want: SkipHours},
		{name: "channel disabled", tenant: func(s *domain.AutonomySettings) {
			s.EnabledChannels = []domain.Channel{domain.ChannelVoice}
		}, want: SkipChannel},
		{name: "ran recently", persona: func(p *domain.Persona) { p.LastRunAt = &recent }, want: SkipInterval},
		{name: "autonomy off", persona: func(p *domain.Persona) { p.AutonomyLevel = &off }, want: SkipAutonomyOff},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, func(s *domain.AutonomySettings) {
				if tt.persona != nil {
					tt.persona(&s.Personas[0])
				}
				if tt.tenant != nil {
					tt.tenant(s)
				}
			})
			c := f.cycle()
			if !tt.at.IsZero() {
				at := tt.at
				c.Now = func() time.Time { return at }
			}

			pr, err := c.RunPersona(context.Background(), f.tenantContext(t), f.settings.Personas[0])
			require.NoError(t, err)
			assert.Equal(t, tt.want, pr.SkipReason)
			assert.Empty(t, f.model.Requests(), "skipped personas never reach the model")
		})
	}
}

func TestUnknownContactAndCategoryAreRefused(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *domain.AutonomySettings) { s.Personas[0].Categories = []string{"sales"} })
	f.model.QueueText(generation.PromptGenerate, fmt.Sprintf(`{"tasks": [
		{"instruction": "Email a stranger", "contactId": %q, "category": "sales"},
		{"instruction": "Research Globex expansion plans", "contactId": %q, "category": "research"},
		{"instruction": "Email Dana the renewal offer", "contactId": %q, "category": "sales"}
	]}`, uuid.New(), f.fox.ID, f.dana.ID))

	pr, err := f.cycle().RunPersona(context.Background(), f.tenantContext(t), f.settings.Personas[0])
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Dropped)
	assert.Equal(t, 1, pr.Rejected)
	assert.Equal(t, 1, pr.Created)
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	other := lock.NewManager(f.stores.Locks, logger.Discard(), nil)
	other.Now = func() time.Time { return now }

	_, err := other.WithLock(context.Background(), lock.Generation, time.Minute, func(ctx context.Context) error {
		rep, err := f.cycle().Tick(ctx)
		assert.NoError(t, err)
		assert.Equal(t, Report{}, rep)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, f.model.Requests())
}

func (f *fixture) tenantContext(t *testing.T) *domain.TenantContext {
	t.Helper()
	tc, err := guardrail.LoadTenantContext(context.Background(), f.stores, f.settings.TenantID, now)
	require.NoError(t, err)
	return tc
}
