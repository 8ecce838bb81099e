package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	t.Parallel()

	m := New()
	m.TaskTransition("completed")
	m.TaskTransition("completed")
	m.LockAttempt("task_poller", false)
	m.ModelCall("plan", true)
	m.Proposal("merged")
	m.StepFinished("send_email", false, 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.taskTransitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockAttempts.WithLabelValues("task_poller", "contended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelCalls.WithLabelValues("plan", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proposals.WithLabelValues("merged")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskTransition("failed")
		m.StepFinished("analyze", true, time.Second)
		m.ModelCall("plan", false)
		m.ChannelDispatch("voice", true)
		m.LockAttempt("x", true)
		m.JobTick("poller", true)
		m.Proposal("created")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.JobTick("task_poller", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cadence_job_ticks_total"))
}
