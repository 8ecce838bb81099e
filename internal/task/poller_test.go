package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/channel"
	"github.com/phrazzld/cadence/internal/decision"
	"github.com/phrazzld/cadence/internal/dedup"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/executor"
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

type planFunc func(ctx context.Context, tc *domain.TenantContext, t *domain.Task) (*decision.Outcome, error)

func (f planFunc) Plan(ctx context.Context, tc *domain.TenantContext, t *domain.Task) (*decision.Outcome, error) {
	return f(ctx, tc, t)
}

type runFunc func(ctx context.Context, tc *domain.TenantContext, t *domain.Task) (*executor.Outcome, error)

func (f runFunc) Execute(ctx context.Context, tc *domain.TenantContext, t *domain.Task) (*executor.Outcome, error) {
	return f(ctx, tc, t)
}

func onePlan(context.Context, *domain.TenantContext, *domain.Task) (*decision.Outcome, error) {
	return &decision.Outcome{
		ShouldExecute: true,
		Reasoning:     "straightforward",
		Confidence:    0.9,
		Steps:         []domain.Step{{Index: 0, Action: domain.ActionAnalyze, Description: "look", Status: domain.StepStatusPending}},
	}, nil
}

func completeAll(_ context.Context, _ *domain.TenantContext, t *domain.Task) (*executor.Outcome, error) {
	for i := range t.Plan {
		t.Plan[i].Status = domain.StepStatusCompleted
	}
	return &executor.Outcome{Status: executor.StatusCompleted, Summary: "Completed 1 steps"}, nil
}

type fixture struct {
	mem    *memory.Store
	stores store.Stores
	locks  *lock.Manager
	tenant uuid.UUID
}

func newFixture() *fixture {
	mem := memory.New()
	locks := lock.NewManager(mem.Stores().Locks, logger.Discard(), nil)
	locks.Now = func() time.Time { return now }
	return &fixture{mem: mem, stores: mem.Stores(), locks: locks, tenant: uuid.New()}
}

func (f *fixture) poller(p Planner, r Runner) *Poller {
	cfg := DefaultPollerConfig()
	poller := NewPoller(f.stores, f.mem, f.locks, p, r, audit.NewJournal(nil, logger.Discard()), nil, cfg, logger.Discard())
	poller.Now = func() time.Time { return now }
	return poller
}

func (f *fixture) scheduled(t *testing.T, mutate ...func(*domain.Task)) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(f.tenant, "Check in with Acme", now.Add(-time.Minute))
	require.NoError(t, err)
	for _, m := range mutate {
		m(task)
	}
	require.NoError(t, f.stores.Tasks.Create(context.Background(), task))
	return task
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	task, err := f.stores.Tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) events(t *testing.T, id uuid.UUID) []domain.EventType {
	t.Helper()
	entries, err := f.stores.Activity.List(context.Background(), f.tenant, store.ActivityFilter{TaskID: &id})
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func TestTickCompletesDueTask(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)

	rep, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Claimed)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.Equal(t, "Completed 1 steps", stored.ResultSummary)
	assert.Equal(t, "straightforward", stored.Reasoning)
	require.NotNil(t, stored.CompletedAt)
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskStarted)
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskCompleted)
}

func TestTickIgnoresFutureTasks(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t, func(t *domain.Task) { t.ScheduledAt = now.Add(time.Hour) })

	rep, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Claimed)
	assert.Equal(t, domain.TaskStatusScheduled, f.get(t, task.ID).Status)
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)

	other := lock.NewManager(f.stores.Locks, logger.Discard(), nil)
	other.Now = func() time.Time { return now }
	_, err := other.WithLock(context.Background(), lock.TaskPoller, time.Minute, func(ctx context.Context) error {
		rep, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(ctx)
		assert.NoError(t, err)
		assert.Equal(t, TickReport{}, rep)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusScheduled, f.get(t, task.ID).Status)
}

func TestStepFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)
	failing := runFunc(func(_ context.Context, _ *domain.TenantContext, t *domain.Task) (*executor.Outcome, error) {
		t.FailStep(0, "bridge said no")
		return &executor.Outcome{Status: executor.StatusFailed, Step: 0, Err: errors.New("step 0_analyze failed: bridge said no")}, nil
	})

	_, err := f.poller(planFunc(onePlan), failing).Tick(context.Background())
	require.NoError(t, err)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusRetryPending, stored.Status)
	assert.Equal(t, 1, stored.CurrentAttempt)
	require.NotNil(t, stored.NextRetryAt)
	assert.Equal(t, now.Add(15*time.Minute), *stored.NextRetryAt)
	assert.Contains(t, stored.ErrorMessage, "bridge said no")
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskRetryScheduled)
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t, func(t *domain.Task) { t.MaxAttempts = 2 })
	failing := runFunc(func(context.Context, *domain.TenantContext, *domain.Task) (*executor.Outcome, error) {
		return nil, errors.New("boom")
	})
	p := f.poller(planFunc(onePlan), failing)

	clock := now
	p.Now = func() time.Time { return clock }
	for i := 0; i < 4; i++ {
		_, err := p.Tick(context.Background())
		require.NoError(t, err)
		clock = clock.Add(time.Hour)
	}

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.CurrentAttempt)
	assert.Nil(t, stored.NextRetryAt)
}

func TestFatalPlanningErrorFailsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)
	bad := planFunc(func(context.Context, *domain.TenantContext, *domain.Task) (*decision.Outcome, error) {
		return nil, decision.ErrMalformedPlan
	})

	_, err := f.poller(bad, runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.CurrentAttempt, "fatal errors do not consume attempts")
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskFailed)
}

func TestAutonomyBlockWaitsForApproval(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)
	blocked := planFunc(func(context.Context, *domain.TenantContext, *domain.Task) (*decision.Outcome, error) {
		return &decision.Outcome{Block: &guardrail.Decision{Kind: guardrail.BlockAutonomy, Reason: "tenant requires approval"}}, nil
	})

	_, err := f.poller(blocked, runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusWaitingApproval, stored.Status)
	assert.Nil(t, stored.NextRetryAt)
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskWaitingApproval)
}

func TestCapBlockPausesUntilRetryAt(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)
	tomorrow := now.Add(14 * time.Hour)
	capped := runFunc(func(context.Context, *domain.TenantContext, *domain.Task) (*executor.Outcome, error) {
		return &executor.Outcome{Status: executor.StatusBlocked, Block: &guardrail.Decision{
			Kind: guardrail.BlockDailyCap, Reason: "daily emails cap reached (10/10)", RetryAt: tomorrow,
		}}, nil
	})

	_, err := f.poller(planFunc(onePlan), capped).Tick(context.Background())
	require.NoError(t, err)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusPaused, stored.Status)
	require.NotNil(t, stored.NextRetryAt)
	assert.Equal(t, tomorrow, *stored.NextRetryAt)
	assert.Equal(t, 0, stored.CurrentAttempt, "blocks are not failures")
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskPaused)
}

func TestDeclinedPlanWaitsForApproval(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)
	declined := planFunc(func(context.Context, *domain.TenantContext, *domain.Task) (*decision.Outcome, error) {
		return &decision.Outcome{ShouldExecute: false, Declined: true, Reasoning: "client asked for quiet month"}, nil
	})
	ran := false
	runner := runFunc(func(context.Context, *domain.TenantContext, *domain.Task) (*executor.Outcome, error) {
		ran = true
		return nil, nil
	})

	_, err := f.poller(declined, runner).Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusWaitingApproval, stored.Status)
	assert.Equal(t, "client asked for quiet month", stored.Reasoning)
	assert.Empty(t, stored.Plan)
}

func TestAssistedPauseWaitsForInput(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t, func(t *domain.Task) { t.ExecutionMode = domain.ExecutionModeAssisted })
	paused := runFunc(func(context.Context, *domain.TenantContext, *domain.Task) (*executor.Outcome, error) {
		return &executor.Outcome{Status: executor.StatusPaused, Step: 1}, nil
	})

	_, err := f.poller(planFunc(onePlan), paused).Tick(context.Background())
	require.NoError(t, err)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusWaitingInput, stored.Status)
	assert.Equal(t, 1, stored.PausedAtStep)
	assert.Nil(t, stored.NextRetryAt, "waits for the operator")
}

func TestRecurringTaskSchedulesSuccessor(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t, func(t *domain.Task) {
		t.ScheduledAt = now.Add(-time.Hour)
		t.Recurrence = domain.Recurrence{Kind: domain.RecurrenceDaily}
	})

	_, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, f.get(t, task.ID).Status)

	active, err := f.stores.Tasks.ListActive(context.Background(), f.tenant, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	next := active[0]
	assert.Equal(t, domain.TaskSourceRecurrence, next.Source)
	assert.Equal(t, domain.TaskStatusScheduled, next.Status)
	require.NotNil(t, next.ParentTaskID)
	assert.Equal(t, task.ID, *next.ParentTaskID)
	assert.Equal(t, now.Add(23*time.Hour), next.ScheduledAt)
	assert.Empty(t, next.Plan)
}

func TestBlockedRecurrenceStopsSuccessor(t *testing.T) {
	t.Parallel()
	f := newFixture()
	contact := uuid.New()
	task := f.scheduled(t, func(t *domain.Task) {
		t.ScheduledAt = now.Add(-time.Hour)
		t.ContactID = &contact
		t.Category = "check_in"
		t.Recurrence = domain.Recurrence{Kind: domain.RecurrenceDaily}
	})
	require.NoError(t, f.stores.Blocks.Create(context.Background(), domain.PermanentBlock{
		ID:        uuid.New(),
		TenantID:  f.tenant,
		ContactID: &contact,
		Category:  "check_in",
		Reason:    "client asked to stop weekly check-ins",
		CreatedAt: now,
	}))

	_, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, f.get(t, task.ID).Status)

	active, err := f.stores.Tasks.ListActive(context.Background(), f.tenant, "")
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskBlocked)
}

func TestMergeDuringExecutionSurvivesCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)
	in := intake.New(f.mem, dedup.NewMatcher(nil), audit.NewJournal(nil, logger.Discard()), nil, logger.Discard())
	in.Now = func() time.Time { return now }

	var merge intake.Result
	runner := runFunc(func(ctx context.Context, tc *domain.TenantContext, running *domain.Task) (*executor.Outcome, error) {
		similar, err := domain.NewTask(f.tenant, "Check in with Acme about invoice", now)
		require.NoError(t, err)
		similar.Priority = 4
		merge, err = in.Submit(ctx, tc, intake.Proposal{Task: similar})
		require.NoError(t, err)
		return completeAll(ctx, tc, running)
	})

	_, err := f.poller(planFunc(onePlan), runner).Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, intake.OutcomeMerged, merge.Outcome)
	assert.Equal(t, task.ID, merge.Task.ID)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.Contains(t, stored.Notes, "Check in with Acme about invoice")
	assert.Equal(t, 4, stored.Priority)
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskMerged)
}

func TestExhaustedCallFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)
	exhausted := runFunc(func(_ context.Context, _ *domain.TenantContext, t *domain.Task) (*executor.Outcome, error) {
		err := fmt.Errorf("%w: call %s after 3 attempts", channel.ErrAttemptsExhausted, uuid.New())
		t.FailStep(0, err.Error())
		return &executor.Outcome{Status: executor.StatusFailed, Step: 0, Err: err}, nil
	})

	_, err := f.poller(planFunc(onePlan), exhausted).Tick(context.Background())
	require.NoError(t, err)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Nil(t, stored.NextRetryAt)
	assert.NotContains(t, f.events(t, task.ID), domain.EventTaskRetryScheduled)
}

func TestStaleTaskIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t, func(t *domain.Task) {
		t.Status = domain.TaskStatusInProgress
		t.UpdatedAt = now.Add(-time.Hour)
		t.Plan = []domain.Step{{Index: 0, Action: domain.ActionAnalyze, Status: domain.StepStatusInProgress}}
	})

	rep, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recovered)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusRetryPending, stored.Status)
	assert.Equal(t, 1, stored.CurrentAttempt)
	assert.Equal(t, domain.StepStatusFailed, stored.Plan[0].Status)
}

func TestStaleTaskOnLastAttemptFailsOpenCalls(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	task := f.scheduled(t, func(t *domain.Task) {
		t.Status = domain.TaskStatusInProgress
		t.CurrentAttempt = 2
		t.UpdatedAt = now.Add(-time.Hour)
	})
	call := &domain.CallAttempt{ID: uuid.New(), TaskID: task.ID, TenantID: f.tenant, Status: domain.CallStatusPlacing, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}
	require.NoError(t, f.stores.Calls.Create(ctx, call))

	rep, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Abandoned)

	assert.Equal(t, domain.TaskStatusFailed, f.get(t, task.ID).Status)
	stored, err := f.stores.Calls.Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusFailed, stored.Status)
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t)
	panicking := runFunc(func(context.Context, *domain.TenantContext, *domain.Task) (*executor.Outcome, error) {
		panic("nil map")
	})

	_, err := f.poller(planFunc(onePlan), panicking).Tick(context.Background())
	require.NoError(t, err)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusRetryPending, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "internal error: nil map")
}

func TestApprovedTaskIsPromotedAndRun(t *testing.T) {
	t.Parallel()
	f := newFixture()
	task := f.scheduled(t, func(t *domain.Task) {
		t.Status = domain.TaskStatusApproved
		t.ApprovalGranted = true
	})

	rep, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Promoted)
	assert.Equal(t, 1, rep.Claimed)
	assert.Equal(t, domain.TaskStatusCompleted, f.get(t, task.ID).Status)
	assert.Contains(t, f.events(t, task.ID), domain.EventTaskPromoted)
}

func TestDeferredTaskResurfaces(t *testing.T) {
	t.Parallel()
	f := newFixture()
	past := now.Add(-time.Minute)
	task := f.scheduled(t, func(t *domain.Task) {
		t.Status = domain.TaskStatusDeferred
		t.NextRetryAt = &past
	})

	rep, err := f.poller(planFunc(onePlan), runFunc(completeAll)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resurfaced)

	stored := f.get(t, task.ID)
	assert.Equal(t, domain.TaskStatusWaitingApproval, stored.Status)
	assert.Nil(t, stored.NextRetryAt)
}
