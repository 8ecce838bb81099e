package domain

import "time"

// TenantContext is the per-tenant state loaded once per poller tick or
// generation cycle and passed explicitly to every operation that needs it.
type TenantContext struct {
	Settings AutonomySettings
	Counts   DailyActionCounts
	Blocks   []PermanentBlock
	LoadedAt time.Time
}

// Count returns today's count for q.
func (tc *TenantContext) Count(q Quota) int {
	if tc.Counts == nil {
		return 0
	}
	return tc.Counts[q]
}

// Record increments the in-memory count for q after an action succeeded, so
// later tasks in the same tick see the updated quota.
func (tc *TenantContext) Record(q Quota) {
	if tc.Counts == nil {
		tc.Counts = DailyActionCounts{}
	}
	tc.Counts[q]++
}
