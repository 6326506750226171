package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// X402Metrics wraps collectors tracking the payment gate FSM, shaped after
// PayoutdMetrics: one counter vector per observable transition kind plus a
// lazy singleton registry so every caller in the process shares one set of
// collectors.
type X402Metrics struct {
	gateTransitions *prometheus.CounterVec
	escalations     prometheus.Counter
	windDowns       prometheus.Counter
}

var (
	x402MetricsOnce sync.Once
	x402Registry    *X402Metrics
)

// X402 returns the lazily-initialised x402 metrics registry.
func X402() *X402Metrics {
	x402MetricsOnce.Do(func() {
		x402Registry = &X402Metrics{
			gateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settld",
				Subsystem: "x402",
				Name:      "gate_transitions_total",
				Help:      "Count of x402 gate FSM transitions segmented by from/to state.",
			}, []string{"from", "to"}),
			escalations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settld",
				Subsystem: "x402",
				Name:      "escalations_total",
				Help:      "Count of wallet authorization decisions that required escalation.",
			}),
			windDowns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settld",
				Subsystem: "x402",
				Name:      "wind_downs_total",
				Help:      "Count of agent wind-down sweeps run.",
			}),
		}
		prometheus.MustRegister(x402Registry.gateTransitions, x402Registry.escalations, x402Registry.windDowns)
	})
	return x402Registry
}

// RecordGateTransition implements core/x402.Metrics.
func (m *X402Metrics) RecordGateTransition(from, to string) {
	m.gateTransitions.WithLabelValues(from, to).Inc()
}

// RecordEscalation implements core/x402.Metrics.
func (m *X402Metrics) RecordEscalation() { m.escalations.Inc() }

// RecordWindDown implements core/x402.Metrics.
func (m *X402Metrics) RecordWindDown() { m.windDowns.Inc() }

// OutboxMetrics wraps the delivery-outcome counter for the tick scheduler.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
}

var (
	outboxMetricsOnce sync.Once
	outboxRegistry    *OutboxMetrics
)

// Outbox returns the lazily-initialised outbox metrics registry.
func Outbox() *OutboxMetrics {
	outboxMetricsOnce.Do(func() {
		outboxRegistry = &OutboxMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settld",
				Subsystem: "outbox",
				Name:      "deliveries_total",
				Help:      "Count of outbox delivery attempts segmented by message type and outcome.",
			}, []string{"type", "outcome"}),
		}
		prometheus.MustRegister(outboxRegistry.deliveries)
	})
	return outboxRegistry
}

// RecordDelivery implements core/outbox.Metrics.
func (m *OutboxMetrics) RecordDelivery(msgType, outcome string) {
	m.deliveries.WithLabelValues(msgType, outcome).Inc()
}
