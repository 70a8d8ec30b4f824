// Package metrics holds the Prometheus instrumentation for the decision
// pipeline: evaluation outcomes, kill-switch state, exposure, and
// microstructure gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide metric set. Constructed once at startup and
// passed down explicitly; there is no lazily-initialized global.
type Metrics struct {
	registry *prometheus.Registry

	Decisions        *prometheus.CounterVec
	EvaluateDuration prometheus.Histogram
	QualityScore     prometheus.Histogram

	KillSwitchState  prometheus.Gauge
	KillSwitchBlocks *prometheus.CounterVec
	EmergencyStops   prometheus.Counter

	OpenPositions    prometheus.Gauge
	TotalExposurePct prometheus.Gauge
	CircuitOpen      prometheus.Gauge

	VPIN *prometheus.GaugeVec

	OrdersPlaced   *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec

	JournalDropped prometheus.Counter
}

// New creates a metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantgate_decisions_total",
				Help: "Signal evaluation outcomes by result and reason code",
			},
			[]string{"outcome", "reason"},
		),
		EvaluateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quantgate_evaluate_duration_seconds",
				Help:    "Duration of a single signal evaluation",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		QualityScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quantgate_quality_score",
				Help:    "Distribution of computed quality scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		KillSwitchState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantgate_killswitch_state",
				Help: "Kill switch state ordinal (0=operational, higher=blocked)",
			},
		),
		KillSwitchBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantgate_killswitch_blocks_total",
				Help: "Order transmissions blocked by the kill switch, by layer",
			},
			[]string{"layer"},
		),
		EmergencyStops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantgate_emergency_stops_total",
				Help: "Emergency stop activations",
			},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantgate_open_positions",
				Help: "Open positions registered in the exposure ledger",
			},
		),
		TotalExposurePct: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantgate_total_exposure_pct",
				Help: "Sum of committed risk percent across open positions",
			},
		),
		CircuitOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantgate_circuit_open",
				Help: "1 when the statistical circuit breaker is open",
			},
		),

		VPIN: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantgate_vpin",
				Help: "Latest VPIN estimate per symbol",
			},
			[]string{"symbol"},
		),

		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantgate_orders_placed_total",
				Help: "Orders forwarded to the execution adapter, by mode",
			},
			[]string{"mode"},
		),
		OrdersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantgate_orders_rejected_total",
				Help: "Orders refused before transmission, by reason",
			},
			[]string{"reason"},
		),

		JournalDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantgate_journal_dropped_total",
				Help: "Journal events dropped because the write queue was full",
			},
		),
	}

	m.registry.MustRegister(
		m.Decisions, m.EvaluateDuration, m.QualityScore,
		m.KillSwitchState, m.KillSwitchBlocks, m.EmergencyStops,
		m.OpenPositions, m.TotalExposurePct, m.CircuitOpen,
		m.VPIN, m.OrdersPlaced, m.OrdersRejected, m.JournalDropped,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler and for
// gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
