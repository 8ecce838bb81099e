package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// RecurrenceKind selects how a completed task repeats.
type RecurrenceKind string

// Recurrence kinds
const (
	RecurrenceNone   RecurrenceKind = "none"
	RecurrenceDaily  RecurrenceKind = "daily"
	RecurrenceWeekly RecurrenceKind = "weekly"
)

// Recurrence describes when a completed task spawns its successor. Weekly
// recurrences run on every weekday in Weekdays at the hour and minute of the
// original schedule.
type Recurrence struct {
	Kind     RecurrenceKind `json:"kind"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// IsRecurring reports whether a successor should be created on completion.
func (r Recurrence) IsRecurring() bool {
	return r.Kind == RecurrenceDaily || r.Kind == RecurrenceWeekly
}

// Validate checks the descriptor is well formed.
func (r Recurrence) Validate() error {
	switch r.Kind {
	case "", RecurrenceNone, RecurrenceDaily:
		return nil
	case RecurrenceWeekly:
		if len(r.Weekdays) == 0 {
			return fmt.Errorf("%w: weekly recurrence needs at least one weekday", ErrInvalidRecurrence)
		}
		for _, d := range r.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d", ErrInvalidRecurrence, d)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: kind %q", ErrInvalidRecurrence, r.Kind)
}

// cronSpec renders the recurrence as a standard cron expression anchored to
// the hour and minute of at, interpreted in tz.
func (r Recurrence) cronSpec(at time.Time, tz string) string {
	dow := "*"
	if r.Kind == RecurrenceWeekly {
		days := make([]int, 0, len(r.Weekdays))
		for _, d := range r.Weekdays {
			days = append(days, int(d))
		}
		sort.Ints(days)
		parts := make([]string, 0, len(days))
		for _, d := range days {
			parts = append(parts, fmt.Sprint(d))
		}
		dow = strings.Join(parts, ",")
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %s", tz, at.Minute(), at.Hour(), dow)
}

// Next returns the first occurrence strictly after after. anchor supplies the
// time of day; both are evaluated in the timezone tz.
func (r Recurrence) Next(anchor, after time.Time, tz string) (time.Time, error) {
	if !r.IsRecurring() {
		return time.Time{}, fmt.Errorf("%w: task does not recur", ErrInvalidRecurrence)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidRecurrence, tz)
	}
	sched, err := cron.ParseStandard(r.cronSpec(anchor.In(loc), tz))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// Successor builds the next occurrence of a completed recurring task. The
// successor starts with a fresh plan and attempt counter.
func (t *Task) Successor(now time.Time) (*Task, error) {
	next, err := t.Recurrence.Next(t.ScheduledAt, now, t.Timezone)
	if err != nil {
		return nil, err
	}
	parent := t.ID
	succ := &Task{
		ID:                uuid.New(),
		TenantID:          t.TenantID,
		ContactID:         t.ContactID,
		ParentTaskID:      &parent,
		Instruction:       t.Instruction,
		Category:          t.Category,
		Role:              t.Role,
		Channel:           t.Channel,
		Priority:          t.Priority,
		Tone:              t.Tone,
		Urgency:           t.Urgency,
		Source:            TaskSourceRecurrence,
		ExecutionMode:     t.ExecutionMode,
		ScheduledAt:       next,
		Timezone:          t.Timezone,
		Recurrence:        t.Recurrence,
		Status:            TaskStatusScheduled,
		MaxAttempts:       t.MaxAttempts,
		RetryDelayMinutes: t.RetryDelayMinutes,
		ApprovalGranted:   t.ApprovalGranted,
		StepResults:       map[string]json.RawMessage{},
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}
	return succ, nil
}
