package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the gateway.
type Metrics struct {
	connections  prometheus.Gauge
	messages     *prometheus.CounterVec
	applied      prometheus.Counter
	rejected     *prometheus.CounterVec
	relayInbound prometheus.Counter
	relayOutput  prometheus.Counter
}

// NewMetrics registers the gateway collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connections",
			Help: "Open WebSocket connections.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_messages_total",
			Help: "Client messages handled, by type.",
		}, []string{"type"}),
		applied: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_operations_applied_total",
			Help: "Operation batches accepted by the OT engine.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_rejections_total",
			Help: "Client messages rejected, by reason.",
		}, []string{"reason"}),
		relayInbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_relay_inbound_total",
			Help: "Frames received from other pods over the relay.",
		}),
		relayOutput: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_relay_published_total",
			Help: "Frames published to the relay.",
		}),
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Message(msgType string) {
	if m != nil {
		m.messages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) Applied() {
	if m != nil {
		m.applied.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RelayIn() {
	if m != nil {
		m.relayInbound.Inc()
	}
}

func (m *Metrics) RelayOut() {
	if m != nil {
		m.relayOutput.Inc()
	}
}
