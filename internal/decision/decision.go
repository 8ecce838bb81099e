// Package decision turns a task into an execution plan. It gathers the
// task's context, runs the guardrails and, only when they pass, asks the
// model for a plan that is validated before it touches the task.
package decision

import (
	"context"
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
	"github.com/phrazzld/cadence/internal/store"
)

// ErrMalformedPlan is returned when the model's plan cannot be parsed or
// fails validation. It is fatal for the task.
var ErrMalformedPlan = errors.New("malformed plan")

// IsFatal reports whether a planning or step error must fail the task
// instead of scheduling a retry. A call that used up its attempts fails the
// same way on every retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMalformedPlan) ||
		errors.Is(err, generation.ErrContentBlocked) ||
		errors.Is(err, channel.ErrAttemptsExhausted)
}

// Outcome is the result of planning one task.
type Outcome struct {
	ShouldExecute    bool
	Reasoning        string
	Confidence       float64
	EstimatedMinutes int
	Steps            []domain.Step

	// Block is set when a guardrail stopped planning. The model is not
	// consulted in that case.
	Block *guardrail.Decision
	// Declined is set when the model decided the task should not run.
	Declined bool
	// DroppedSteps counts plan steps removed because their channel is
	// disabled for the tenant.
	DroppedSteps int
	// Reused is set when the task already had a plan from an earlier attempt.
	Reused bool
}

// Engine plans tasks.
type Engine struct {
	stores  store.Stores
	model   generation.Model
	prompts *generation.Catalog
	checker *guardrail.Checker
	journal *audit.Journal
	logger  *slog.Logger

	// RecentLimit bounds the recent tasks and activity put into the prompt.
	RecentLimit int
	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// New creates an Engine. A nil catalogue selects the embedded prompts.
func New(s store.Stores, model generation.Model, prompts *generation.Catalog, checker *guardrail.Checker, journal *audit.Journal, logger *slog.Logger) *Engine {
	if prompts == nil {
		prompts = generation.DefaultCatalog()
	}
	return &Engine{
		stores:      s,
		model:       model,
		prompts:     prompts,
		checker:     checker,
		journal:     journal,
		logger:      logger.With("component", "decision"),
		RecentLimit: 5,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Plan decides whether task should run now and with which steps. Guardrail
// blocks and model refusals are outcomes, not errors. The returned error is
// either fatal (see IsFatal) or a transient failure worth retrying.
func (e *Engine) Plan(ctx context.Context, tc *domain.TenantContext, task *domain.Task) (*Outcome, error) {
	now := e.Now()
	log := e.logger.With("task_id", task.ID, "tenant_id", task.TenantID)

	if d := e.checker.CheckTask(tc, task, now); !d.Allowed {
		log.InfoContext(ctx, "planning blocked by guardrail", "kind", d.Kind, "reason", d.Reason)
		e.journal.LogQuietly(ctx, e.stores.Activity, audit.Entry(task, domain.EventTaskBlocked, domain.SeverityWarning,
			"Task blocked by guardrail", d.Reason,
			map[string]any{"kind": d.Kind, "retry_at": d.RetryAt}, now))
		return &Outcome{Reasoning: d.Reason, Block: &d}, nil
	}

	if task.HasPlan() {
		return &Outcome{
			ShouldExecute:    true,
			Reasoning:        task.Reasoning,
			Confidence:       task.Confidence,
			EstimatedMinutes: task.EstimatedMinutes,
			Steps:            task.Plan,
			Reused:           true,
		}, nil
	}

	pc, err := e.BuildContext(ctx, tc, task)
	if err != nil {
		return nil, err
	}
	system, user, err := e.prompts.Render(generation.PromptPlan, pc.promptData())
	if err != nil {
		return nil, fmt.Errorf("failed to render plan prompt: %w", err)
	}

	req := generation.Ask(generation.PromptPlan, system, user)
	req.JSON = true
	raw, err := e.model.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, generation.ErrContentBlocked) {
			log.ErrorContext(ctx, "plan request refused by the model", "error", err)
		}
		return nil, fmt.Errorf("plan request failed: %w", err)
	}

	plan, err := generation.ParsePlan(raw)
	if err != nil {
		log.ErrorContext(ctx, "model returned a malformed plan",
			"error", err,
			"raw", generation.Snippet(raw, 2000))
		return nil, fmt.Errorf("%w: %w", ErrMalformedPlan, err)
	}

	out := &Outcome{
		ShouldExecute:    plan.ShouldExecute,
		Reasoning:        plan.Reasoning,
		Confidence:       plan.Confidence,
		EstimatedMinutes: plan.EstimatedMinutes,
	}
	out.Steps, out.DroppedSteps = enabledSteps(tc.Settings, plan.Steps)
	if out.ShouldExecute && len(out.Steps) == 0 {
		out.ShouldExecute = false
		out.Reasoning = strings.TrimSpace(out.Reasoning + " No executable steps remain for the enabled channels.")
	}
	out.Declined = !out.ShouldExecute
	if out.Declined {
		out.Steps = nil
	}

	log.InfoContext(ctx, "plan generated",
		"should_execute", out.ShouldExecute,
		"steps", len(out.Steps),
		"dropped_steps", out.DroppedSteps,
		"confidence", out.Confidence)
	e.journal.LogQuietly(ctx, e.stores.Activity, audit.Entry(task, domain.EventPlanGenerated, domain.SeverityInfo,
		planTitle(out), out.Reasoning,
		map[string]any{
			"should_execute":    out.ShouldExecute,
			"confidence":        out.Confidence,
			"estimated_minutes": out.EstimatedMinutes,
			"actions":           actions(out.Steps),
			"dropped_steps":     out.DroppedSteps,
		}, now))
	return out, nil
}

// Apply stores the plan and its explanation on task. The plan is only set
// once; a reused plan leaves the task untouched.
func (o *Outcome) Apply(task *domain.Task) {
	if o.Reused || !o.ShouldExecute {
		task.Reasoning = o.Reasoning
		task.Confidence = o.Confidence
		return
	}
	task.Plan = o.Steps
	task.Reasoning = o.Reasoning
	task.Confidence = o.Confidence
	task.EstimatedMinutes = o.EstimatedMinutes
	task.PausedAtStep = 0
}

// enabledSteps drops steps whose channel the tenant disabled and reindexes
// the rest.
func enabledSteps(s domain.AutonomySettings, steps []domain.Step) ([]domain.Step, int) {
	out := make([]domain.Step, 0, len(steps))
	for _, st := range steps {
		if !s.ChannelEnabled(st.Action.Channel()) {
			continue
		}
		st.Index = len(out)
		out = append(out, st)
	}
	return out, len(steps) - len(out)
}

func planTitle(o *Outcome) string {
	if !o.ShouldExecute {
		return "Model advised against running the task"
	}
	return fmt.Sprintf("Plan generated with %d steps", len(o.Steps))
}

func actions(steps []domain.Step) []domain.ActionKind {
	out := make([]domain.ActionKind, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Action)
	}
	return out
}
