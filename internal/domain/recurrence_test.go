package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecurrenceNextDaily(t *testing.T) {
	t.Parallel()

	r := Recurrence{Kind: RecurrenceDaily}
	anchor := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	next, err := r.Next(anchor, anchor.Add(time.Minute), "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC), next)
}

func TestRecurrenceNextWeekly(t *testing.T) {
	t.Parallel()

	r := Recurrence{Kind: RecurrenceWeekly, Weekdays: []time.Weekday{time.Friday, time.Monday}}
	// Monday 2026-03-02 09:00 UTC
	anchor := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	next, err := r.Next(anchor, anchor.Add(time.Hour), "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC), next)
}

func TestRecurrenceNextHonoursTimezone(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	r := Recurrence{Kind: RecurrenceDaily}
	anchor := time.Date(2026, 1, 10, 8, 0, 0, 0, loc)
	next, err := r.Next(anchor, anchor.Add(time.Minute), "Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 11, 8, 0, 0, 0, loc).UTC(), next)
}

func TestRecurrenceNone(t *testing.T) {
	t.Parallel()

	_, err := Recurrence{Kind: RecurrenceNone}.Next(time.Now(), time.Now(), "UTC")
	assert.ErrorIs(t, err, ErrInvalidRecurrence)
}

func TestSuccessor(t *testing.T) {
	t.Parallel()

	task := newTestTask(t)
	task.Recurrence = Recurrence{Kind: RecurrenceDaily}
	task.ScheduledAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task.Plan = []Step{{Index: 0, Action: ActionAnalyze, Status: StepStatusCompleted}}
	task.CurrentAttempt = 1
	task.Status = TaskStatusCompleted

	succ, err := task.Successor(time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.NotEqual(t, task.ID, succ.ID)
	require.NotNil(t, succ.ParentTaskID)
	assert.Equal(t, task.ID, *succ.ParentTaskID)
	assert.Equal(t, TaskStatusScheduled, succ.Status)
	assert.Equal(t, 0, succ.CurrentAttempt)
	assert.Empty(t, succ.Plan)
	assert.Equal(t, TaskSourceRecurrence, succ.Source)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), succ.ScheduledAt)
	assert.NoError(t, succ.Validate())
}
