package postgres

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func columns(list string) []string {
	parts := strings.Split(list, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func newTask(tenantID uuid.UUID, mutate ...func(*domain.Task)) *domain.Task {
	t := &domain.Task{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Instruction:       "Send Acme the quarterly report",
		Channel:           domain.ChannelNone,
		Priority:          domain.DefaultPriority,
		Source:            domain.TaskSourceOperator,
		ExecutionMode:     domain.ExecutionModeAutomatic,
		ScheduledAt:       now,
		Timezone:          "UTC",
		Recurrence:        domain.Recurrence{Kind: domain.RecurrenceNone},
		Status:            domain.TaskStatusScheduled,
		MaxAttempts:       domain.DefaultMaxAttempts,
		RetryDelayMinutes: domain.DefaultRetryDelayMinutes,
		StepResults:       map[string]json.RawMessage{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, m := range mutate {
		m(t)
	}
	return t
}

func nullable[T any](v *T) driver.Value {
	if v == nil {
		return nil
	}
	return *v
}

func nullableID(v *uuid.UUID) driver.Value {
	if v == nil {
		return nil
	}
	return v.String()
}

// taskRow renders t the way the driver returns it.
func taskRow(t *domain.Task) []driver.Value {
	recurrence, plan, results, err := taskDocuments(t)
	if err != nil {
		panic(err)
	}
	return []driver.Value{
		t.ID.String(), t.TenantID.String(), nullableID(t.ContactID), nullableID(t.ParentTaskID),
		t.Instruction, t.Category, t.Role, string(t.Channel),
		int64(t.Priority), t.Tone, t.Urgency, t.Notes, string(t.Source), string(t.ExecutionMode),
		t.ScheduledAt, t.Timezone, []byte(recurrence),
		nullable(t.NextRetryAt), string(t.Status), []byte(plan), int64(t.CurrentAttempt), int64(t.MaxAttempts),
		int64(t.RetryDelayMinutes), []byte(results),
		int64(t.PausedAtStep), t.ApprovalGranted, t.Reasoning, t.Confidence, int64(t.EstimatedMinutes), t.ResultSummary,
		t.ErrorMessage, t.CreatedAt, t.UpdatedAt, nullable(t.StartedAt), nullable(t.CompletedAt),
	}
}

func taskRows(tasks ...*domain.Task) *sqlmock.Rows {
	rows := sqlmock.NewRows(columns(taskColumns))
	for _, t := range tasks {
		rows.AddRow(taskRow(t)...)
	}
	return rows
}
