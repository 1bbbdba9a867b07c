package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the queue layer. One instance
// is shared by all queue families in a process.
type Metrics struct {
	enqueued    *prometheus.CounterVec
	dequeued    *prometheus.CounterVec
	retried     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
}

// NewMetrics registers the queue collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Jobs enqueued, by namespace and priority class.",
		}, []string{"namespace", "class"}),
		dequeued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_dequeued_total",
			Help: "Jobs dequeued into processing, by namespace.",
		}, []string{"namespace"}),
		retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_retried_total",
			Help: "Jobs scheduled for retry, by namespace.",
		}, []string{"namespace"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_dead_lettered_total",
			Help: "Jobs moved to the failed list, by namespace.",
		}, []string{"namespace"}),
		reconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_reconciled_total",
			Help: "Store rows re-enqueued by the reconciler, by namespace.",
		}, []string{"namespace"}),
	}
}

func (m *Metrics) RecordEnqueue(namespace string, highPriority bool) {
	class := "pending"
	if highPriority {
		class = "high_priority"
	}
	m.enqueued.WithLabelValues(namespace, class).Inc()
}

func (m *Metrics) RecordDequeue(namespace string)    { m.dequeued.WithLabelValues(namespace).Inc() }
func (m *Metrics) RecordRetry(namespace string)      { m.retried.WithLabelValues(namespace).Inc() }
func (m *Metrics) RecordDeadLetter(namespace string) { m.deadLetters.WithLabelValues(namespace).Inc() }
func (m *Metrics) RecordReconciled(namespace string) { m.reconciled.WithLabelValues(namespace).Inc() }
