package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the entitlement services. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reconciliations *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
	anomalies       prometheus.Counter
	acknowledgeFail prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Name:      "reconciliations_total",
				Help:      "Reconciliation runs by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "entitlement",
				Name:      "authoritative_fetch_seconds",
				Help:      "Duration of the concurrent ledger and provider fetch",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 5},
			},
		),
		connectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "entitlement",
				Subsystem: "provider",
				Name:      "connection_state",
				Help:      "Provider connection state (0 disconnected, 1 connecting, 2 ready, 3 permanently failed)",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Subsystem: "provider",
				Name:      "reconnects_scheduled_total",
				Help:      "Reconnection attempts scheduled with backoff",
			},
		),
		anomalies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Name:      "anomalies_total",
				Help:      "Already-owned responses without a matching live purchase",
			},
		),
		acknowledgeFail: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entitlement",
				Name:      "acknowledge_failures_total",
				Help:      "Purchase acknowledgements rejected by the provider",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.reconciliations,
			m.fetchDuration,
			m.connectionState,
			m.reconnects,
			m.anomalies,
			m.acknowledgeFail,
		)
	}
	return m
}

func (m *Metrics) recordReconciliation(trigger Trigger, outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(string(trigger), outcome).Inc()
}

func (m *Metrics) observeFetch(seconds float64) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(seconds)
}

func (m *Metrics) setConnectionState(s ConnectionStatus) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}

func (m *Metrics) incReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) incAnomalies() {
	if m == nil {
		return
	}
	m.anomalies.Inc()
}

func (m *Metrics) incAcknowledgeFailures() {
	if m == nil {
		return
	}
	m.acknowledgeFail.Inc()
}
