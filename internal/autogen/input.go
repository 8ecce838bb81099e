package autogen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/generation"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/store"
)

// historyLimit bounds the activity lines shown to the model.
const historyLimit = 15

// contactView is the compact contact shown to the model.
type contactView struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Company         string     `json:"company,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	HasPhone        bool       `json:"has_phone"`
	HasEmail        bool       `json:"has_email"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
}

// taskView is the compact task shown to the model.
type taskView struct {
	ID          uuid.UUID         `json:"id"`
	ContactID   *uuid.UUID        `json:"contact_id,omitempty"`
	Instruction string            `json:"instruction"`
	Category    string            `json:"category,omitempty"`
	Status      domain.TaskStatus `json:"status"`
	Result      string            `json:"result,omitempty"`
}

type blockView struct {
	ContactID *uuid.UUID `json:"contact_id,omitempty"`
	Category  string     `json:"category,omitempty"`
	Role      string     `json:"role,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// input is everything one persona run shows the model. Its exported fields
// are the prompt template data.
type input struct {
	Role           string
	Brief          string
	Instructions   string
	Channel        domain.Channel
	Categories     []string
	MaxTasks       int
	Now            string
	Contacts       []contactView
	ActiveTasks    []taskView
	CompletedTasks []taskView
	Blocks         []blockView
	History        string

	known    map[uuid.UUID]bool
	eligible map[uuid.UUID]bool
	active   map[uuid.UUID]bool
}

// gather loads the persona's eligible contacts and the surrounding work. A
// contact is eligible unless it has an active task of the persona or one the
// persona completed within the configured window.
func (c *Cycle) gather(ctx context.Context, tc *domain.TenantContext, p domain.Persona, now time.Time) (*input, error) {
	tenantID := tc.Settings.TenantID
	in := &input{
		Role:         p.Role,
		Brief:        p.Brief,
		Instructions: tc.Settings.Instructions,
		Channel:      p.Channel,
		Categories:   p.Categories,
		MaxTasks:     c.config.MaxTasks,
		Now:          now.Format(time.RFC3339),
		known:        map[uuid.UUID]bool{},
		eligible:     map[uuid.UUID]bool{},
		active:       map[uuid.UUID]bool{},
	}
	if len(in.Categories) == 0 {
		in.Categories = tc.Settings.AllowedCategories
	}

	busy := map[uuid.UUID]bool{}
	active, err := c.stores.Tasks.ListActive(ctx, tenantID, p.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to load active tasks: %w", err)
	}
	for _, t := range active {
		in.active[t.ID] = true
		in.ActiveTasks = append(in.ActiveTasks, viewOf(t))
		if t.ContactID != nil {
			busy[*t.ContactID] = true
		}
	}

	completed, err := c.stores.Tasks.ListCompletedSince(ctx, tenantID, now.Add(-c.config.CompletedWithin))
	if err != nil {
		return nil, fmt.Errorf("failed to load completed tasks: %w", err)
	}
	for _, t := range completed {
		if !strings.EqualFold(t.Role, p.Role) {
			continue
		}
		in.CompletedTasks = append(in.CompletedTasks, viewOf(t))
		if t.ContactID != nil {
			busy[*t.ContactID] = true
		}
	}

	contacts, err := c.stores.Contacts.List(ctx, tenantID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}
	for _, ct := range contacts {
		in.known[ct.ID] = true
		if busy[ct.ID] {
			continue
		}
		in.eligible[ct.ID] = true
		if len(in.Contacts) == c.config.MaxContacts {
			continue
		}
		in.Contacts = append(in.Contacts, contactView{
			ID:              ct.ID,
			Name:            ct.Name,
			Company:         ct.Company,
			Notes:           ct.Notes,
			HasPhone:        ct.Phone != "",
			HasEmail:        ct.Email != "",
			LastContactedAt: ct.LastContactedAt,
		})
	}

	for _, b := range tc.Blocks {
		in.Blocks = append(in.Blocks, blockView{ContactID: b.ContactID, Category: b.Category, Role: b.Role, Reason: b.Reason})
	}

	feed, err := c.stores.Activity.List(ctx, tenantID, store.ActivityFilter{Limit: historyLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to load recent activity: %w", err)
	}
	var lines []string
	for _, e := range feed {
		lines = append(lines, fmt.Sprintf("- %s %s", e.CreatedAt.Format("2006-01-02 15:04"), e.Title))
	}
	in.History = strings.Join(lines, "\n    ")
	return in, nil
}

func viewOf(t *domain.Task) taskView {
	return taskView{
		ID:          t.ID,
		ContactID:   t.ContactID,
		Instruction: t.Instruction,
		Category:    t.Category,
		Status:      t.Status,
		Result:      t.ResultSummary,
	}
}

// toProposal converts a validated model proposal. Proposals naming a contact
// the tenant does not have, or following up a task that is not active, are
// refused. A proposal for a contact that is not eligible may only merge into
// an active task.
func (in *input) toProposal(s domain.AutonomySettings, p domain.Persona, prop generation.TaskProposal, now time.Time) (intake.Proposal, error) {
	task, err := domain.NewTask(s.TenantID, prop.Instruction, now.Add(time.Duration(prop.ScheduleInMinutes)*time.Minute))
	if err != nil {
		return intake.Proposal{}, err
	}
	task.CreatedAt, task.UpdatedAt = now, now
	out := intake.Proposal{Task: task}

	if prop.ContactID != "" {
		id, err := uuid.Parse(prop.ContactID)
		if err != nil || !in.known[id] {
			return intake.Proposal{}, fmt.Errorf("%w: unknown contact %q", domain.ErrValidation, prop.ContactID)
		}
		task.ContactID = &id
		out.MergeOnly = !in.eligible[id]
	}

	if prop.FollowUpOf != "" {
		id, err := uuid.Parse(prop.FollowUpOf)
		if err != nil || !in.active[id] {
			return intake.Proposal{}, fmt.Errorf("%w: follow-up target %q is not an active task", domain.ErrValidation, prop.FollowUpOf)
		}
		out.FollowUpOf = &id
	}

	ch, err := domain.ParseChannel(prop.Channel)
	if err != nil {
		return intake.Proposal{}, err
	}
	if ch == domain.ChannelNone {
		ch = p.Channel
	}

	task.Role = p.Role
	task.Category = strings.TrimSpace(prop.Category)
	task.Channel = ch
	if prop.Priority != 0 {
		task.Priority = prop.Priority
	}
	task.Tone, task.Urgency = prop.Tone, prop.Urgency
	task.Timezone = s.WindowFor(p.Role).Timezone
	task.Source = domain.TaskSourceAutonomous
	task.Status = s.InitialStatus(p.Role)
	task.AppendNote(now, prop.Reasoning)
	return out, nil
}

func personaCategoryAllowed(p domain.Persona, category string) bool {
	if len(p.Categories) == 0 {
		return true
	}
	for _, c := range p.Categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}
