package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

// TaskSummary is the compact view of a related task shown to the model.
type TaskSummary struct {
	ID          uuid.UUID         `json:"id"`
	Instruction string            `json:"instruction"`
	Status      domain.TaskStatus `json:"status"`
	Result      string            `json:"result,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ActivitySummary is the compact view of an audit entry shown to the model.
type ActivitySummary struct {
	Type  domain.EventType `json:"type"`
	Title string           `json:"title"`
	At    time.Time        `json:"at"`
}

// PlanContext is everything the model sees when planning a task.
type PlanContext struct {
	Task           *domain.Task
	Contact        *domain.Contact
	RecentTasks    []TaskSummary
	RecentActivity []ActivitySummary
	Settings       domain.AutonomySettings
	Counts         domain.DailyActionCounts
}

// BuildContext resolves the contact, recent tasks for that contact and recent
// audit events. A contact that no longer exists is treated as absent.
func (e *Engine) BuildContext(ctx context.Context, tc *domain.TenantContext, task *domain.Task) (*PlanContext, error) {
	pc := &PlanContext{Task: task, Settings: tc.Settings, Counts: tc.Counts}

	filter := store.ActivityFilter{TaskID: &task.ID, Limit: e.RecentLimit * 2}
	if task.ContactID != nil {
		contact, err := e.stores.Contacts.Get(ctx, *task.ContactID)
		switch {
		case errors.Is(err, store.ErrContactNotFound):
			e.logger.WarnContext(ctx, "task references a missing contact",
				"task_id", task.ID,
				"contact_id", *task.ContactID)
		case err != nil:
			return nil, fmt.Errorf("failed to load contact: %w", err)
		default:
			pc.Contact = contact
		}

		related, err := e.stores.Tasks.ListForContact(ctx, task.TenantID, *task.ContactID, e.RecentLimit+1)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent tasks: %w", err)
		}
		for _, r := range related {
			if r.ID == task.ID || len(pc.RecentTasks) == e.RecentLimit {
				continue
			}
			pc.RecentTasks = append(pc.RecentTasks, TaskSummary{
				ID:          r.ID,
				Instruction: r.Instruction,
				Status:      r.Status,
				Result:      r.ResultSummary,
				CompletedAt: r.CompletedAt,
			})
		}
		filter = store.ActivityFilter{ContactID: task.ContactID, Limit: e.RecentLimit * 2}
	}

	entries, err := e.stores.Activity.List(ctx, task.TenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent activity: %w", err)
	}
	for _, a := range entries {
		pc.RecentActivity = append(pc.RecentActivity, ActivitySummary{Type: a.Type, Title: a.Title, At: a.CreatedAt})
	}
	return pc, nil
}

func (pc *PlanContext) promptData() map[string]any {
	channels := make([]domain.Channel, 0, len(pc.Settings.EnabledChannels))
	for _, c := range pc.Settings.EnabledChannels {
		if c != domain.ChannelNone {
			channels = append(channels, c)
		}
	}
	return map[string]any{
		"Task":            pc.Task,
		"Contact":         pc.Contact,
		"RecentTasks":     pc.RecentTasks,
		"RecentActivity":  pc.RecentActivity,
		"EnabledChannels": channels,
		"Counts":          pc.Counts,
		"Instructions":    pc.Settings.Instructions,
	}
}
