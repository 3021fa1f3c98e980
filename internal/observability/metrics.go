package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the streaming core's Prometheus series.
//
// A nil *Metrics is valid and records nothing, so components can be built in
// tests without a registry.
type Metrics struct {
	// TurnsStarted counts turns that reached generation.
	TurnsStarted prometheus.Counter

	// TurnsFinished counts finished turns.
	// Labels: outcome (completed|step-budget|canceled|timeout|error)
	TurnsFinished *prometheus.CounterVec

	// ActiveTurns is the number of generations currently running.
	ActiveTurns prometheus.Gauge

	// RegistryEntries mirrors the cancellation registry size.
	RegistryEntries prometheus.Gauge

	// RegistryEvictions counts handles removed by the sweep.
	// Labels: reason (age|capacity)
	RegistryEvictions *prometheus.CounterVec

	// EventsAppended counts events written to the durable log.
	EventsAppended prometheus.Counter

	// EventLogFailures counts durable appends that were given up on.
	EventLogFailures prometheus.Counter

	// ToolInvocations counts tool dispatches.
	// Labels: backend, status (ok|error)
	ToolInvocations *prometheus.CounterVec

	// ResumeRequests counts resume outcomes.
	// Labels: outcome (replay|restore|empty)
	ResumeRequests *prometheus.CounterVec
}

// NewMetrics registers the series on reg. Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TurnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_turns_started_total",
			Help: "Turns that started generation.",
		}),
		TurnsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_turns_finished_total",
			Help: "Turns that finished, by outcome.",
		}, []string{"outcome"}),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_turns",
			Help: "Generations currently in flight.",
		}),
		RegistryEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_cancellation_registry_entries",
			Help: "Live cancellation handles.",
		}),
		RegistryEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cancellation_registry_evictions_total",
			Help: "Handles evicted by the registry sweep.",
		}, []string{"reason"}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_eventlog_appends_total",
			Help: "Events appended to the durable log.",
		}),
		EventLogFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_eventlog_failures_total",
			Help: "Durable appends abandoned after retries.",
		}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_invocations_total",
			Help: "Tool dispatches by backend and status.",
		}, []string{"backend", "status"}),
		ResumeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_resume_requests_total",
			Help: "Resume requests by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.TurnsStarted.Inc()
	m.ActiveTurns.Inc()
}

func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.TurnsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RegistrySize(n int) {
	if m == nil {
		return
	}
	m.RegistryEntries.Set(float64(n))
}

func (m *Metrics) Evicted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RegistryEvictions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) EventAppended() {
	if m == nil {
		return
	}
	m.EventsAppended.Inc()
}

func (m *Metrics) EventLogFailed() {
	if m == nil {
		return
	}
	m.EventLogFailures.Inc()
}

func (m *Metrics) ToolInvoked(backend string, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.ToolInvocations.WithLabelValues(backend, status).Inc()
}

func (m *Metrics) Resumed(outcome string) {
	if m == nil {
		return
	}
	m.ResumeRequests.WithLabelValues(outcome).Inc()
}
