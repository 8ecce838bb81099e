// Package autogen runs the autonomous generation cycle: for every tenant and
// enabled persona it asks the model for new tasks and feeds the proposals
// through the same intake as operator-created work.
package autogen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/generation"
	"github.com/phrazzld/cadence/internal/guardrail"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/lock"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/store"
)

// Config controls the generation cycle.
type Config struct {
	// Interval between cycles.
	Interval time.Duration
	// LockMax bounds one cycle.
	LockMax time.Duration
	// MaxContacts bounds the eligible contacts shown to the model.
	MaxContacts int
	// MaxTasks bounds the proposals accepted per persona and cycle.
	MaxTasks int
	// CompletedWithin excludes contacts with a task of the persona completed
	// this recently.
	CompletedWithin time.Duration
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Hour,
		LockMax:         30 * time.Minute,
		MaxContacts:     25,
		MaxTasks:        5,
		CompletedWithin: 24 * time.Hour,
	}
}

// Skip reasons
const (
	SkipAutonomyOff = "autonomy_off"
	SkipHours       = "outside_working_hours"
	SkipChannel     = "channel_disabled"
	SkipInterval    = "min_interval"
	SkipNoContacts  = "no_eligible_contacts"
)

// Report counts what one cycle did.
type Report struct {
	Tenants  int
	Personas int
	Skipped  int
	Failed   int
	Created  int
	Merged   int
	Rejected int
}

// PersonaReport is the result of one persona's run.
type PersonaReport struct {
	Role       string
	SkipReason string
	Proposed   int
	Dropped    int
	Created    int
	Merged     int
	Rejected   int
	Repaired   bool
}

// Cycle generates tasks for every tenant's enabled personas.
type Cycle struct {
	stores  store.Stores
	locks   *lock.Manager
	model   generation.Model
	prompts *generation.Catalog
	checker *guardrail.Checker
	intake  *intake.Intake
	journal *audit.Journal
	metrics *metrics.Metrics
	config  Config
	logger  *slog.Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// New creates a Cycle.
func New(
	s store.Stores,
	locks *lock.Manager,
	model generation.Model,
	prompts *generation.Catalog,
	checker *guardrail.Checker,
	in *intake.Intake,
	journal *audit.Journal,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Cycle {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LockMax <= 0 {
		cfg.LockMax = def.LockMax
	}
	if cfg.MaxContacts <= 0 {
		cfg.MaxContacts = def.MaxContacts
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	if cfg.CompletedWithin < 0 {
		cfg.CompletedWithin = 0
	}
	return &Cycle{
		stores:  s,
		locks:   locks,
		model:   model,
		prompts: prompts,
		checker: checker,
		intake:  in,
		journal: journal,
		metrics: m,
		config:  cfg,
		logger:  logger.With("component", "autogen"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run runs a cycle on every interval until ctx is cancelled.
func (c *Cycle) Run(ctx context.Context) error {
	c.logger.Info("starting generation cycle", "interval", c.config.Interval)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping generation cycle")
			return nil
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil {
				c.logger.Error("generation cycle failed", "error", err)
			}
		}
	}
}

// Tick runs one cycle if no other process holds the generation lock.
func (c *Cycle) Tick(ctx context.Context) (Report, error) {
	var rep Report
	acquired, err := c.locks.WithLock(ctx, lock.Generation, c.config.LockMax, func(ctx context.Context) error {
		var err error
		rep, err = c.cycle(ctx)
		return err
	})
	if acquired || err != nil {
		c.metrics.JobTick(lock.Generation, err == nil)
	}
	return rep, err
}

func (c *Cycle) cycle(ctx context.Context) (Report, error) {
	var rep Report
	tenants, err := c.stores.Settings.ListTenants(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to list tenants: %w", err)
	}
	now := c.Now()
	for _, s := range tenants {
		if !s.Active || len(s.Personas) == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		rep.Tenants++
		tc, err := guardrail.LoadTenantContext(ctx, c.stores, s.TenantID, now)
		if err != nil {
			c.logger.Error("failed to load tenant context", "tenant_id", s.TenantID, "error", err)
			continue
		}
		for _, p := range tc.Settings.Personas {
			if !p.Enabled {
				continue
			}
			rep.Personas++
			pr, err := c.RunPersona(ctx, tc, p)
			switch {
			case err != nil:
				rep.Failed++
			case pr.SkipReason != "":
				rep.Skipped++
			}
			rep.Created += pr.Created
			rep.Merged += pr.Merged
			rep.Rejected += pr.Rejected
		}
	}
	if rep.Personas > 0 {
		c.logger.Info("generation cycle finished",
			"tenants", rep.Tenants,
			"personas", rep.Personas,
			"skipped", rep.Skipped,
			"failed", rep.Failed,
			"created", rep.Created,
			"merged", rep.Merged,
			"rejected", rep.Rejected)
	}
	return rep, nil
}

// skipReason returns why p must not run now, or "".
func (c *Cycle) skipReason(s domain.AutonomySettings, p domain.Persona, now time.Time) string {
	switch {
	case s.LevelFor(p.Role) <= domain.AutonomyLevelOff:
		return SkipAutonomyOff
	case !c.checker.WithinHours(s, p.Role, now):
		return SkipHours
	case !s.ChannelEnabled(p.Channel):
		return SkipChannel
	case !p.DueForRun(now):
		return SkipInterval
	}
	return ""
}

// RunPersona runs one persona of the tenant. Output that cannot be parsed
// discards the persona's run; no task is ever made up from it.
func (c *Cycle) RunPersona(ctx context.Context, tc *domain.TenantContext, p domain.Persona) (PersonaReport, error) {
	now := c.Now()
	tenantID := tc.Settings.TenantID
	log := c.logger.With("tenant_id", tenantID, "role", p.Role)
	pr := PersonaReport{Role: p.Role}

	if reason := c.skipReason(tc.Settings, p, now); reason != "" {
		log.Debug("persona skipped", "reason", reason)
		pr.SkipReason = reason
		return pr, nil
	}

	in, err := c.gather(ctx, tc, p, now)
	if err != nil {
		log.Error("failed to gather generation context", "error", err)
		return pr, err
	}
	if len(in.Contacts) == 0 {
		log.Debug("persona skipped", "reason", SkipNoContacts)
		pr.SkipReason = SkipNoContacts
		return pr, nil
	}

	var list *generation.TaskList
	if tc.Settings.ReasoningMode == domain.ReasoningDeepThink {
		list, err = c.deepThink(ctx, in)
	} else {
		list, err = c.structured(ctx, in)
	}
	// The run counts even when it fails, so a persona with a broken prompt
	// waits its interval like any other.
	if rerr := c.stores.Settings.RecordPersonaRun(ctx, tenantID, p.Role, now); rerr != nil {
		log.Error("failed to record persona run", "error", rerr)
	}
	if err != nil {
		log.Error("generation discarded", "error", err)
		c.journal.LogQuietly(ctx, c.stores.Activity, tenantEntry(tenantID, domain.EventGenerationFailed, domain.SeverityError,
			fmt.Sprintf("Task generation failed for %s", p.Role), err.Error(), map[string]any{"role": p.Role}, now))
		return pr, err
	}

	pr.Repaired = list.Repaired
	pr.Dropped = list.Dropped
	proposals := list.Tasks
	if len(proposals) > c.config.MaxTasks {
		pr.Dropped += len(proposals) - c.config.MaxTasks
		proposals = proposals[:c.config.MaxTasks]
	}
	pr.Proposed = len(proposals)

	for _, prop := range proposals {
		c.submit(ctx, tc, p, in, prop, now, &pr)
	}

	c.journal.LogQuietly(ctx, c.stores.Activity, tenantEntry(tenantID, domain.EventGenerationCycle, domain.SeverityInfo,
		fmt.Sprintf("%s proposed %d tasks", p.Role, pr.Proposed),
		list.Reasoning.Summary,
		map[string]any{
			"role":     p.Role,
			"created":  pr.Created,
			"merged":   pr.Merged,
			"rejected": pr.Rejected,
			"dropped":  pr.Dropped,
			"repaired": pr.Repaired,
		}, now))
	log.Info("persona run finished",
		"proposed", pr.Proposed,
		"created", pr.Created,
		"merged", pr.Merged,
		"rejected", pr.Rejected,
		"dropped", pr.Dropped,
		"repaired", pr.Repaired)
	return pr, nil
}

// submit turns one proposal into a task and hands it to intake.
func (c *Cycle) submit(ctx context.Context, tc *domain.TenantContext, p domain.Persona, in *input, prop generation.TaskProposal, now time.Time, pr *PersonaReport) {
	log := c.logger.With("tenant_id", tc.Settings.TenantID, "role", p.Role)
	proposal, err := in.toProposal(tc.Settings, p, prop, now)
	if err != nil {
		log.Warn("dropping task proposal", "error", err, "instruction", generation.Snippet(prop.Instruction, 120))
		pr.Dropped++
		return
	}
	if !personaCategoryAllowed(p, proposal.Task.Category) {
		log.Info("proposal category not allowed for persona", "category", proposal.Task.Category)
		c.metrics.Proposal(string(intake.OutcomeRejected))
		pr.Rejected++
		return
	}

	res, err := c.intake.Submit(ctx, tc, proposal)
	if err != nil {
		log.Error("failed to submit task proposal", "error", err)
		pr.Dropped++
		return
	}
	switch res.Outcome {
	case intake.OutcomeCreated:
		pr.Created++
	case intake.OutcomeMerged:
		pr.Merged++
	default:
		pr.Rejected++
	}
}

func tenantEntry(tenantID uuid.UUID, typ domain.EventType, sev domain.Severity, title, description string, payload any, now time.Time) domain.ActivityLogEntry {
	e := audit.Entry(nil, typ, sev, title, description, payload, now)
	e.TenantID = tenantID
	return e
}
