package observability

import "time"

// The methods below let Metrics satisfy the narrow observer interfaces the
// domain packages declare, so none of them import prometheus directly.

// PermissionTransition records a permission lifecycle event.
func (m *Metrics) PermissionTransition(transition string) {
	m.PermissionTransitions.WithLabelValues(transition).Inc()
}

// InboundMessage records the disposition of one inbound channel row.
func (m *Metrics) InboundMessage(channel, disposition string) {
	m.InboundMessages.WithLabelValues(channel, disposition).Inc()
}

// TurnCompleted records one finished agent turn.
func (m *Metrics) TurnCompleted(source, outcome string, elapsed time.Duration) {
	m.TurnsTotal.WithLabelValues(source, outcome).Inc()
	m.TurnDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// WorkflowRun records one terminated workflow execution.
func (m *Metrics) WorkflowRun(trigger, status string) {
	m.WorkflowRuns.WithLabelValues(trigger, status).Inc()
}

// WorkflowOverlapSkip records a cron tick skipped because the previous run
// was still in flight.
func (m *Metrics) WorkflowOverlapSkip() {
	m.WorkflowOverlapSkips.Inc()
}

// EscalationStarted records one escalation run.
func (m *Metrics) EscalationStarted() {
	m.Escalations.Inc()
}
