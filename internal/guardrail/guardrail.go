// Package guardrail decides whether a tenant may act right now. A failed
// guardrail is not an error: it blocks execution with a human-readable reason
// and the earliest time the check is worth repeating.
package guardrail

import (
	"fmt"
	"time"

	"github.com/phrazzld/cadence/internal/domain"
)

// BlockKind identifies which guardrail blocked.
type BlockKind string

// Block kinds
const (
	BlockNone     BlockKind = ""
	BlockInactive BlockKind = "tenant_inactive"
	BlockAutonomy BlockKind = "autonomy_level"
	BlockHours    BlockKind = "outside_working_hours"
	BlockDailyCap BlockKind = "daily_cap"
	BlockChannel  BlockKind = "channel_disabled"
	BlockCooldown BlockKind = "outreach_cooldown"
)

// NeedsApproval reports whether a human must approve before the blocked work
// can run. Every other block clears on its own once conditions change.
func (k BlockKind) NeedsApproval() bool {
	return k == BlockAutonomy
}

// Decision is the outcome of a guardrail check.
type Decision struct {
	Allowed bool
	Kind    BlockKind
	Reason  string
	// RetryAt is when a paused task should be re-checked. Zero for allowed
	// decisions and approval blocks.
	RetryAt time.Time
}

// Allow is the allowed decision.
var Allow = Decision{Allowed: true}

func block(kind BlockKind, retryAt time.Time, format string, args ...any) Decision {
	return Decision{Kind: kind, Reason: fmt.Sprintf(format, args...), RetryAt: retryAt}
}

// Checker evaluates guardrails against a TenantContext.
type Checker struct {
	// OutreachCooldown is the minimum gap between two outreach actions to the
	// same contact. Zero disables the check.
	OutreachCooldown time.Duration
	// PauseRecheck is how long to wait before re-checking blocks that have no
	// natural expiry, such as an inactive tenant.
	PauseRecheck time.Duration
}

// NewChecker returns a Checker with the given cooldown and recheck interval.
func NewChecker(cooldown, recheck time.Duration) *Checker {
	if recheck <= 0 {
		recheck = 30 * time.Minute
	}
	return &Checker{OutreachCooldown: cooldown, PauseRecheck: recheck}
}

// CanExecute checks the tenant-wide conditions for role: the tenant is
// active, now is inside the role's working hours, and every daily counter is
// strictly below its cap.
func (c *Checker) CanExecute(tc *domain.TenantContext, role string, now time.Time) Decision {
	s := tc.Settings
	if !s.Active {
		return block(BlockInactive, now.Add(c.PauseRecheck), "tenant automation is inactive")
	}
	if d := c.checkHours(s, role, now); !d.Allowed {
		return d
	}
	return c.checkCaps(tc, now)
}

// CheckTask runs every guardrail that applies to task before planning:
// tenant active, role autonomy (unless an operator already approved the
// task), working hours, daily caps and the task's preferred channel.
func (c *Checker) CheckTask(tc *domain.TenantContext, task *domain.Task, now time.Time) Decision {
	s := tc.Settings
	if !s.Active {
		return block(BlockInactive, now.Add(c.PauseRecheck), "tenant automation is inactive")
	}
	if !task.ApprovalGranted {
		if level := s.LevelFor(task.Role); level < s.ExecutionThreshold {
			return block(BlockAutonomy, time.Time{},
				"autonomy level %d for role %q is below the execution threshold %d", level, roleName(task.Role), s.ExecutionThreshold)
		}
	}
	if d := c.checkHours(s, task.Role, now); !d.Allowed {
		return d
	}
	if d := c.checkCaps(tc, now); !d.Allowed {
		return d
	}
	if !s.ChannelEnabled(task.Channel) {
		return block(BlockChannel, now.Add(c.PauseRecheck), "channel %s is disabled for this tenant", task.Channel)
	}
	return Allow
}

// CheckStep is evaluated right before an outreach step runs, so counts
// consumed earlier in the same tick are honoured.
func (c *Checker) CheckStep(tc *domain.TenantContext, step domain.Step, contact *domain.Contact, now time.Time) Decision {
	ch := step.Action.Channel()
	if ch == domain.ChannelNone {
		if q, ok := domain.QuotaFor(step.Action); ok {
			return c.checkQuota(tc, q, now)
		}
		return Allow
	}
	if !tc.Settings.ChannelEnabled(ch) {
		return block(BlockChannel, now.Add(c.PauseRecheck), "channel %s is disabled for this tenant", ch)
	}
	if q, ok := domain.QuotaFor(step.Action); ok {
		if d := c.checkQuota(tc, q, now); !d.Allowed {
			return d
		}
	}
	return c.CheckCooldown(contact, now)
}

// CheckCooldown blocks outreach to a contact reached within the cooldown.
func (c *Checker) CheckCooldown(contact *domain.Contact, now time.Time) Decision {
	if c.OutreachCooldown <= 0 || contact == nil || contact.LastContactedAt == nil {
		return Allow
	}
	until := contact.LastContactedAt.Add(c.OutreachCooldown)
	if now.Before(until) {
		return block(BlockCooldown, until,
			"contact was reached %s ago; outreach cooldown is %s",
			now.Sub(*contact.LastContactedAt).Round(time.Minute), c.OutreachCooldown)
	}
	return Allow
}

// WithinHours reports whether role may act at now.
func (c *Checker) WithinHours(s domain.AutonomySettings, role string, now time.Time) bool {
	return s.WindowFor(role).Contains(now)
}

func (c *Checker) checkHours(s domain.AutonomySettings, role string, now time.Time) Decision {
	w := s.WindowFor(role)
	if w.Contains(now) {
		return Allow
	}
	retry := w.NextOpening(now)
	if retry.IsZero() {
		retry = now.Add(c.PauseRecheck)
	}
	return block(BlockHours, retry, "outside working hours (%s-%s %s)", w.Start, w.End, w.Timezone)
}

func (c *Checker) checkCaps(tc *domain.TenantContext, now time.Time) Decision {
	for _, q := range domain.Quotas {
		if d := c.checkQuota(tc, q, now); !d.Allowed {
			return d
		}
	}
	return Allow
}

func (c *Checker) checkQuota(tc *domain.TenantContext, q domain.Quota, now time.Time) Decision {
	limit := tc.Settings.Cap(q)
	if limit <= 0 {
		return Allow
	}
	if count := tc.Count(q); count >= limit {
		midnight := domain.NextMidnight(now, tc.Settings.Hours.Location())
		return block(BlockDailyCap, midnight, "daily %s cap reached (%d/%d)", q, count, limit)
	}
	return Allow
}

func roleName(role string) string {
	if role == "" {
		return "default"
	}
	return role
}
