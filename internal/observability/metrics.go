package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the orchestration engine's Prometheus metrics.
//
// Tracked concerns:
//   - inbound channel messages and how each was disposed of
//   - agent turn counts, outcomes, and latency
//   - workflow executions by trigger and status, plus overlap skips
//   - permission request lifecycle transitions
//   - escalation runs
type Metrics struct {
	// InboundMessages counts inbound channel rows by disposition.
	// Labels: channel, disposition (dispatched|skipped_self|skipped_mention|failed)
	InboundMessages *prometheus.CounterVec

	// TurnsTotal counts agent turns by source and outcome.
	// Labels: source, outcome (done|script|workflow|needs_input|error)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures agent turn latency in seconds.
	// Labels: source
	TurnDuration *prometheus.HistogramVec

	// WorkflowRuns counts workflow executions.
	// Labels: trigger (cron|webhook|manual), status (success|failed)
	WorkflowRuns *prometheus.CounterVec

	// WorkflowOverlapSkips counts cron ticks skipped because the previous
	// run of the same workflow was still in flight.
	WorkflowOverlapSkips prometheus.Counter

	// PermissionTransitions counts permission request lifecycle events.
	// Labels: transition (requested|granted|declined|consumed)
	PermissionTransitions *prometheus.CounterVec

	// Escalations counts escalation runs started after workflow failures.
	Escalations prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "donna_inbound_messages_total",
				Help: "Inbound channel messages by disposition",
			},
			[]string{"channel", "disposition"},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "donna_turns_total",
				Help: "Agent turns by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "donna_turn_duration_seconds",
				Help:    "Agent turn latency in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source"},
		),
		WorkflowRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "donna_workflow_runs_total",
				Help: "Workflow executions by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		WorkflowOverlapSkips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "donna_workflow_overlap_skips_total",
				Help: "Cron ticks skipped because the workflow was still running",
			},
		),
		PermissionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "donna_permission_transitions_total",
				Help: "Permission request lifecycle transitions",
			},
			[]string{"transition"},
		),
		Escalations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "donna_escalations_total",
				Help: "Escalation runs started after workflow failures",
			},
		),
	}
}
