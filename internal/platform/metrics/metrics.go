// Package metrics exposes the engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can be built without one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cadence"

// Metrics holds every collector registered by the engine.
type Metrics struct {
	registry *prometheus.Registry

	taskTransitions *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	modelCalls      *prometheus.CounterVec
	channelSends    *prometheus.CounterVec
	lockAttempts    *prometheus.CounterVec
	jobTicks        *prometheus.CounterVec
	proposals       *prometheus.CounterVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions by target status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Plan step execution time by action and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"action", "outcome"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Generative model requests by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		channelSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_dispatch_total",
			Help:      "Outbound channel dispatches by channel and outcome.",
		}, []string{"channel", "outcome"}),
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "Distributed lock acquisition attempts by lock name and result.",
		}, []string{"name", "result"}),
		jobTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_ticks_total",
			Help:      "Periodic job ticks by job and outcome.",
		}, []string{"job", "outcome"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_proposals_total",
			Help:      "Task proposals by intake outcome (created, merged, blocked, filtered).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.taskTransitions,
		m.stepDuration,
		m.modelCalls,
		m.channelSends,
		m.lockAttempts,
		m.jobTicks,
		m.proposals,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// TaskTransition counts a task entering status.
func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

// StepFinished observes one plan step.
func (m *Metrics) StepFinished(action string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(action, outcome(ok)).Observe(d.Seconds())
}

// ModelCall counts a model request.
func (m *Metrics) ModelCall(purpose string, ok bool) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(purpose, outcome(ok)).Inc()
}

// ChannelDispatch counts an outbound send or call.
func (m *Metrics) ChannelDispatch(channel string, ok bool) {
	if m == nil {
		return
	}
	m.channelSends.WithLabelValues(channel, outcome(ok)).Inc()
}

// LockAttempt counts a lock acquisition attempt.
func (m *Metrics) LockAttempt(name string, acquired bool) {
	if m == nil {
		return
	}
	result := "acquired"
	if !acquired {
		result = "contended"
	}
	m.lockAttempts.WithLabelValues(name, result).Inc()
}

// JobTick counts one tick of a periodic job.
func (m *Metrics) JobTick(job string, ok bool) {
	if m == nil {
		return
	}
	m.jobTicks.WithLabelValues(job, outcome(ok)).Inc()
}

// Proposal counts a task proposal by intake outcome.
func (m *Metrics) Proposal(result string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(result).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
