package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pool's Prometheus collectors.
type Metrics struct {
	created    *prometheus.CounterVec
	terminated *prometheus.CounterVec
	acquires   *prometheus.CounterVec
	executions *prometheus.CounterVec
}

// NewMetrics registers the pool collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_created_total",
			Help: "Sandboxes created, by template.",
		}, []string{"template"}),
		terminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_terminated_total",
			Help: "Sandboxes terminated, by template and reason.",
		}, []string{"template", "reason"}),
		acquires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_acquires_total",
			Help: "Acquire calls, by template and whether a cold create was needed.",
		}, []string{"template", "cold"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_executions_total",
			Help: "Commands executed in sandboxes, by template and outcome.",
		}, []string{"template", "outcome"}),
	}
}

func (m *Metrics) RecordCreate(template string) {
	m.created.WithLabelValues(template).Inc()
}

func (m *Metrics) RecordTerminate(template, reason string) {
	m.terminated.WithLabelValues(template, reason).Inc()
}

func (m *Metrics) RecordAcquire(template string, cold bool) {
	label := "false"
	if cold {
		label = "true"
	}
	m.acquires.WithLabelValues(template, label).Inc()
}

func (m *Metrics) RecordExecution(template string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.executions.WithLabelValues(template, outcome).Inc()
}
