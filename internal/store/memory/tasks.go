package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

// TaskStore implements store.TaskStore.
type TaskStore struct{ s *Store }

// Create inserts a new task.
func (ts *TaskStore) Create(_ context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	if _, ok := ts.s.st.tasks[t.ID]; ok {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
	}
	ts.s.st.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get returns a copy of the task.
func (ts *TaskStore) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.st.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// Update replaces the stored task if it is still in status expected.
func (ts *TaskStore) Update(_ context.Context, t *domain.Task, expected domain.TaskStatus) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	cur, ok := ts.s.st.tasks[t.ID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: task %s is %s, expected %s", store.ErrStatusConflict, t.ID, cur.Status, expected)
	}
	next := cloneTask(t)
	next.Notes, next.Priority = cur.Notes, cur.Priority
	ts.s.st.tasks[t.ID] = next
	return nil
}

// Merge folds entry and priority into a non-terminal task.
func (ts *TaskStore) Merge(_ context.Context, id uuid.UUID, entry string, priority int, at time.Time) (*domain.Task, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	cur, ok := ts.s.st.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if cur.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is %s", store.ErrStatusConflict, id, cur.Status)
	}
	cur.Notes = domain.JoinNotes(cur.Notes, entry)
	if priority > cur.Priority {
		cur.Priority = priority
	}
	if cur.Status != domain.TaskStatusInProgress {
		cur.UpdatedAt = at.UTC()
	}
	return cloneTask(cur), nil
}

func isDue(t *domain.Task, now time.Time) bool {
	if t.CurrentAttempt >= t.MaxAttempts {
		return false
	}
	switch t.Status {
	case domain.TaskStatusScheduled:
		return !t.ScheduledAt.After(now)
	case domain.TaskStatusRetryPending, domain.TaskStatusPaused, domain.TaskStatusWaitingInput:
		return t.NextRetryAt != nil && !t.NextRetryAt.After(now)
	}
	return false
}

// dueAt is the sort key of a claimable task.
func dueAt(t *domain.Task) time.Time {
	if t.Status == domain.TaskStatusScheduled || t.NextRetryAt == nil {
		return t.ScheduledAt
	}
	return *t.NextRetryAt
}

// sortByPriority orders tasks by priority descending, then due time.
func sortByPriority(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return dueAt(tasks[i]).Before(dueAt(tasks[j]))
	})
}

// ClaimDue moves due tasks to in_progress. The store mutex makes the claim
// atomic, so concurrent callers never receive the same task.
func (ts *TaskStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	var due []*domain.Task
	for _, t := range ts.s.st.tasks {
		if isDue(t, now) {
			due = append(due, t)
		}
	}
	sortByPriority(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	now = now.UTC()
	out := make([]*domain.Task, 0, len(due))
	for _, t := range due {
		t.Status = domain.TaskStatusInProgress
		t.NextRetryAt = nil
		t.UpdatedAt = now
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (ts *TaskStore) promote(now time.Time, from, to domain.TaskStatus, due func(*domain.Task) bool) []*domain.Task {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	var out []*domain.Task
	for _, t := range ts.s.st.tasks {
		if t.Status != from || !due(t) {
			continue
		}
		t.Status = to
		t.UpdatedAt = now.UTC()
		if to == domain.TaskStatusWaitingApproval {
			t.NextRetryAt = nil
		}
		out = append(out, cloneTask(t))
	}
	sortByPriority(out)
	return out
}

// PromoteApproved moves due approved tasks to scheduled.
func (ts *TaskStore) PromoteApproved(_ context.Context, now time.Time) ([]*domain.Task, error) {
	return ts.promote(now, domain.TaskStatusApproved, domain.TaskStatusScheduled, func(t *domain.Task) bool {
		return !t.ScheduledAt.After(now)
	}), nil
}

// PromoteDeferred moves due deferred tasks back to waiting_approval.
func (ts *TaskStore) PromoteDeferred(_ context.Context, now time.Time) ([]*domain.Task, error) {
	return ts.promote(now, domain.TaskStatusDeferred, domain.TaskStatusWaitingApproval, func(t *domain.Task) bool {
		return t.NextRetryAt != nil && !t.NextRetryAt.After(now)
	}), nil
}

func (ts *TaskStore) filter(keep func(*domain.Task) bool) []*domain.Task {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	var out []*domain.Task
	for _, t := range ts.s.st.tasks {
		if keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// ListStale returns in_progress tasks whose heartbeat is older than before.
func (ts *TaskStore) ListStale(_ context.Context, before time.Time) ([]*domain.Task, error) {
	out := ts.filter(func(t *domain.Task) bool {
		return t.Status == domain.TaskStatusInProgress && t.UpdatedAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ListActive returns the tenant's non-terminal tasks, oldest first.
func (ts *TaskStore) ListActive(_ context.Context, tenantID uuid.UUID, role string) ([]*domain.Task, error) {
	out := ts.filter(func(t *domain.Task) bool {
		return t.TenantID == tenantID && !t.Status.IsTerminal() &&
			(role == "" || strings.EqualFold(t.Role, role))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListForContact returns the newest tasks for a contact.
func (ts *TaskStore) ListForContact(_ context.Context, tenantID, contactID uuid.UUID, limit int) ([]*domain.Task, error) {
	out := ts.filter(func(t *domain.Task) bool {
		return t.TenantID == tenantID && t.ContactID != nil && *t.ContactID == contactID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListCompletedSince returns tasks completed at or after since.
func (ts *TaskStore) ListCompletedSince(_ context.Context, tenantID uuid.UUID, since time.Time) ([]*domain.Task, error) {
	out := ts.filter(func(t *domain.Task) bool {
		return t.TenantID == tenantID && t.Status == domain.TaskStatusCompleted &&
			t.CompletedAt != nil && !t.CompletedAt.Before(since)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(*out[j].CompletedAt) })
	return out, nil
}
