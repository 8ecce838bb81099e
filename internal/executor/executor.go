// Package executor runs a task's plan one step at a time. Every step is
// dispatched to the handler for its action; its output is stored in the
// task's result map and persisted before the next step starts.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/channel"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/generation"
	"github.com/phrazzld/cadence/internal/guardrail"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/redact"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/tidwall/gjson"
)

// ErrNoPlan is returned when Execute is called on a task without a plan.
var ErrNoPlan = errors.New("task has no plan")

// ErrUnknownAction is returned for a step whose action has no handler.
var ErrUnknownAction = errors.New("no handler for action")

// Caller places voice calls.
type Caller interface {
	Place(ctx context.Context, task *domain.Task, contact *domain.Contact, prompt string) (channel.Receipt, error)
}

// Mailer sends email.
type Mailer interface {
	ValidateRecipient(addr string) error
	Send(ctx context.Context, task *domain.Task, contact *domain.Contact, subject, body string) (channel.Receipt, error)
}

// Messenger sends chat messages.
type Messenger interface {
	Send(ctx context.Context, task *domain.Task, contact *domain.Contact, text string) (channel.Receipt, error)
}

// StepInput is what a handler gets to work with. Prior holds the outputs of
// earlier steps keyed by step name; handlers must cope with it being empty.
type StepInput struct {
	Task    *domain.Task
	Step    domain.Step
	Contact *domain.Contact
	Prior   map[string]json.RawMessage
}

// Handler runs one action. The returned value is marshalled into the task's
// result map.
type Handler func(ctx context.Context, in StepInput) (any, error)

// StepResult is the uniform outcome of one step.
type StepResult struct {
	Success  bool
	Result   json.RawMessage
	Err      error
	Duration time.Duration
	// Counted is false when a dispatch reused an earlier side effect, so
	// the daily quota must not be charged again.
	Counted bool
}

// Status is how an execution run ended.
type Status string

// Execution results
const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Outcome reports how Execute left the task. The task's status is left to
// the caller; only step state and results are written here.
type Outcome struct {
	Status Status
	// Step is the index of the failed, blocked or next step.
	Step    int
	Err     error
	Block   *guardrail.Decision
	Summary string
}

// Deps are the collaborators of an Executor. Nil dispatchers disable their
// channel.
type Deps struct {
	Stores    store.Stores
	Model     generation.Model
	Prompts   *generation.Catalog
	Checker   *guardrail.Checker
	Journal   *audit.Journal
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Caller    Caller
	Mailer    Mailer
	Messenger Messenger
}

// Executor runs plans.
type Executor struct {
	stores   store.Stores
	model    generation.Model
	prompts  *generation.Catalog
	checker  *guardrail.Checker
	journal  *audit.Journal
	metrics  *metrics.Metrics
	logger   *slog.Logger
	handlers map[domain.ActionKind]Handler

	caller    Caller
	mailer    Mailer
	messenger Messenger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// New creates an Executor with a handler for every action.
func New(d Deps) *Executor {
	if d.Prompts == nil {
		d.Prompts = generation.DefaultCatalog()
	}
	e := &Executor{
		stores:    d.Stores,
		model:     d.Model,
		prompts:   d.Prompts,
		checker:   d.Checker,
		journal:   d.Journal,
		metrics:   d.Metrics,
		logger:    d.Logger.With("component", "executor"),
		caller:    d.Caller,
		mailer:    d.Mailer,
		messenger: d.Messenger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
	e.handlers = map[domain.ActionKind]Handler{
		domain.ActionFetchData:       e.fetchData,
		domain.ActionAnalyze:         e.analyze,
		domain.ActionDraftReport:     e.draftReport,
		domain.ActionPrepareOutreach: e.prepareOutreach,
		domain.ActionPlaceCall:       e.placeCall,
		domain.ActionSendEmail:       e.sendEmail,
		domain.ActionSendMessage:     e.sendMessage,
		domain.ActionWebSearch:       e.webSearch,
	}
	return e
}

// RunStep runs a single step and never panics on handler errors.
func (e *Executor) RunStep(ctx context.Context, in StepInput) StepResult {
	start := time.Now()
	h, ok := e.handlers[in.Step.Action]
	if !ok {
		return StepResult{Err: fmt.Errorf("%w: %s", ErrUnknownAction, in.Step.Action)}
	}
	out, err := h(ctx, in)
	res := StepResult{Duration: time.Since(start)}
	if err != nil {
		res.Err = err
		return res
	}
	raw, err := json.Marshal(out)
	if err != nil {
		res.Err = fmt.Errorf("failed to encode %s result: %w", in.Step.Action, err)
		return res
	}
	res.Success = true
	res.Result = raw
	res.Counted = true
	if r, ok := out.(dispatchResult); ok && r.Receipt.Reused && r.Receipt.Status == string(domain.CallStatusCompleted) {
		res.Counted = false
	}
	return res
}

// Execute runs the task's plan from the first incomplete step. The task must
// be in_progress; every step transition is persisted with that status as the
// expected one. Outreach steps are re-checked against the guardrails right
// before they run. In assisted mode the run pauses after every step but the
// last. The returned error is reserved for persistence failures.
func (e *Executor) Execute(ctx context.Context, tc *domain.TenantContext, task *domain.Task) (*Outcome, error) {
	if !task.HasPlan() {
		return nil, ErrNoPlan
	}
	log := e.logger.With("task_id", task.ID, "tenant_id", task.TenantID)
	contact, err := e.contact(ctx, task)
	if err != nil {
		return nil, err
	}

	task.ResetIncompleteSteps()
	start := task.NextStepIndex()
	if task.PausedAtStep > start && task.PausedAtStep <= len(task.Plan) {
		start = task.PausedAtStep
	}

	for i := start; i < len(task.Plan); i++ {
		step := &task.Plan[i]
		now := e.Now()

		if d := e.checker.CheckStep(tc, *step, contact, now); !d.Allowed {
			log.InfoContext(ctx, "step blocked by guardrail", "step", step.Name(), "kind", d.Kind, "reason", d.Reason)
			task.PausedAtStep = i
			if err := e.save(ctx, task); err != nil {
				return nil, err
			}
			return &Outcome{Status: StatusBlocked, Step: i, Block: &d}, nil
		}

		step.Status = domain.StepStatusInProgress
		if err := e.save(ctx, task); err != nil {
			return nil, err
		}

		res := e.RunStep(ctx, StepInput{Task: task, Step: *step, Contact: contact, Prior: task.StepResults})
		e.metrics.StepFinished(string(step.Action), res.Success, res.Duration)
		step.DurationMs = res.Duration.Milliseconds()

		if !res.Success {
			msg := redact.Error(res.Err)
			task.FailStep(i, msg)
			task.PausedAtStep = i
			if err := e.save(ctx, task); err != nil {
				return nil, err
			}
			log.WarnContext(ctx, "step failed", "step", step.Name(), "error", res.Err)
			e.journal.LogQuietly(ctx, e.stores.Activity, audit.Entry(task, domain.EventStepFailed, domain.SeverityError,
				fmt.Sprintf("Step %d (%s) failed", i+1, step.Action), msg,
				stepPayload(step), e.Now()))
			return &Outcome{Status: StatusFailed, Step: i, Err: res.Err}, nil
		}

		step.Status = domain.StepStatusCompleted
		step.Error = ""
		task.SetStepResult(step.Name(), res.Result)
		task.PausedAtStep = i + 1
		if err := e.save(ctx, task); err != nil {
			return nil, err
		}
		e.recordStep(ctx, tc, task, step, res)
		log.InfoContext(ctx, "step completed", "step", step.Name(), "duration_ms", step.DurationMs)

		if task.ExecutionMode == domain.ExecutionModeAssisted && i < len(task.Plan)-1 {
			return &Outcome{Status: StatusPaused, Step: i + 1}, nil
		}
	}
	return &Outcome{Status: StatusCompleted, Step: len(task.Plan), Summary: Summarize(task)}, nil
}

func (e *Executor) contact(ctx context.Context, task *domain.Task) (*domain.Contact, error) {
	if task.ContactID == nil {
		return nil, nil
	}
	c, err := e.stores.Contacts.Get(ctx, *task.ContactID)
	if errors.Is(err, store.ErrContactNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	return c, nil
}

func (e *Executor) save(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = e.Now()
	if err := e.stores.Tasks.Update(ctx, task, domain.TaskStatusInProgress); err != nil {
		return fmt.Errorf("failed to persist task progress: %w", err)
	}
	return nil
}

// stepEvents maps actions to the audit event that also drives the daily
// quota counters.
var stepEvents = map[domain.ActionKind]domain.EventType{
	domain.ActionPlaceCall:   domain.EventCallPlaced,
	domain.ActionSendEmail:   domain.EventEmailSent,
	domain.ActionSendMessage: domain.EventMessageSent,
	domain.ActionAnalyze:     domain.EventAnalysisCompleted,
}

func (e *Executor) recordStep(ctx context.Context, tc *domain.TenantContext, task *domain.Task, step *domain.Step, res StepResult) {
	typ := domain.EventStepCompleted
	if ev, ok := stepEvents[step.Action]; ok && res.Counted {
		typ = ev
		if q, ok := domain.QuotaFor(step.Action); ok {
			tc.Record(q)
		}
	}
	e.journal.LogQuietly(ctx, e.stores.Activity, audit.Entry(task, typ, domain.SeveritySuccess,
		fmt.Sprintf("Step %d (%s) completed", step.Index+1, step.Action), step.Description,
		stepPayload(step), e.Now()))
}

func stepPayload(s *domain.Step) map[string]any {
	return map[string]any{"step": s.Name(), "action": s.Action, "duration_ms": s.DurationMs}
}

// Summarize builds the human-readable result of a completed plan: the step
// count and the most useful text produced by the last step that had one.
func Summarize(task *domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %d steps", len(task.Plan))
	for i := len(task.Plan) - 1; i >= 0; i-- {
		raw, ok := task.StepResults[task.Plan[i].Name()]
		if !ok {
			continue
		}
		for _, field := range []string{"summary", "text", "answer", "talking_points", "receipt.status"} {
			if v := gjson.GetBytes(raw, field); v.Exists() && v.String() != "" {
				fmt.Fprintf(&b, ". %s: %s", task.Plan[i].Action, generation.Snippet(v.String(), 280))
				return b.String()
			}
		}
	}
	return b.String()
}
