package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the billing Prometheus collectors.
type Metrics struct {
	charges *prometheus.CounterVec
	mode    *prometheus.GaugeVec
}

// NewMetrics registers the billing collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		charges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_charges_total",
			Help: "Charge attempts by outcome.",
		}, []string{"outcome"}),
		mode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "billing_mode",
			Help: "Current operating mode, 1 for the active mode.",
		}, []string{"mode"}),
	}
}

// RecordCharge counts one charge attempt outcome.
func (m *Metrics) RecordCharge(outcome string) {
	m.charges.WithLabelValues(outcome).Inc()
}

// SetMode flips the mode gauge so exactly one mode label reads 1.
func (m *Metrics) SetMode(mode Mode) {
	for _, candidate := range []Mode{ModeNormal, ModeReadOnly, ModeDisabled} {
		v := 0.0
		if candidate == mode {
			v = 1.0
		}
		m.mode.WithLabelValues(string(candidate)).Set(v)
	}
}
