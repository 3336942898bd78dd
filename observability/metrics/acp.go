package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ACPMetrics aggregates the counters exported by the commerce and
// orchestration planes.
type ACPMetrics struct {
	escrowTransitions *prometheus.CounterVec
	oracleFetches     *prometheus.CounterVec
	taskTransitions   *prometheus.CounterVec
	busMessages       *prometheus.CounterVec
	agentsOnline      prometheus.Gauge
	pendingTasks      prometheus.Gauge
}

var (
	acpOnce     sync.Once
	acpRegistry *ACPMetrics
)

// ACP returns the process-wide metrics registry, registering collectors on
// first use.
func ACP() *ACPMetrics {
	acpOnce.Do(func() {
		acpRegistry = &ACPMetrics{
			escrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "acp_escrow_transitions_total",
				Help: "Count of escrow state machine transitions by target status.",
			}, []string{"status"}),
			oracleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "acp_oracle_fetches_total",
				Help: "Count of oracle value fetches by source and outcome.",
			}, []string{"source", "outcome"}),
			taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "acp_task_transitions_total",
				Help: "Count of task lifecycle transitions by target status.",
			}, []string{"status"}),
			busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "acp_bus_messages_total",
				Help: "Count of messages dispatched through the bus by type.",
			}, []string{"type"}),
			agentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "acp_agents_online",
				Help: "Number of orchestration agents currently not offline.",
			}),
			pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "acp_tasks_pending",
				Help: "Number of tasks waiting in the priority queue.",
			}),
		}
		prometheus.MustRegister(
			acpRegistry.escrowTransitions,
			acpRegistry.oracleFetches,
			acpRegistry.taskTransitions,
			acpRegistry.busMessages,
			acpRegistry.agentsOnline,
			acpRegistry.pendingTasks,
		)
	})
	return acpRegistry
}

// ObserveEscrowTransition records a transition into the given status.
func (m *ACPMetrics) ObserveEscrowTransition(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.escrowTransitions.WithLabelValues(status).Inc()
}

// ObserveOracleFetch records an oracle fetch attempt and its outcome.
func (m *ACPMetrics) ObserveOracleFetch(source string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.oracleFetches.WithLabelValues(source, outcome).Inc()
}

// ObserveTaskTransition records a task lifecycle transition.
func (m *ACPMetrics) ObserveTaskTransition(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

// ObserveBusMessage records a message dispatched through the bus.
func (m *ACPMetrics) ObserveBusMessage(msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.busMessages.WithLabelValues(msgType).Inc()
}

// SetAgentsOnline updates the online agent gauge.
func (m *ACPMetrics) SetAgentsOnline(n int) {
	if m == nil {
		return
	}
	m.agentsOnline.Set(float64(n))
}

// SetPendingTasks updates the pending task gauge.
func (m *ACPMetrics) SetPendingTasks(n int) {
	if m == nil {
		return
	}
	m.pendingTasks.Set(float64(n))
}
