package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signalk"

// Metrics contains the server-wide delta pipeline metrics.
type Metrics struct {
	DeltasReceived      *prometheus.CounterVec
	DeltasProcessed     *prometheus.CounterVec
	DeltaRate           *prometheus.GaugeVec
	ValuesRejected      *prometheus.CounterVec
	AvailablePaths      prometheus.Gauge
	ItemsFannedOut      prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	ProcessingDuration  *prometheus.HistogramVec

	BackpressureEpisodes prometheus.Counter
	BackpressureFlushed  prometheus.Counter

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metrics. They are registered by NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		DeltasReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deltas",
			Name:      "received_total",
			Help:      "Deltas handed to the server by providers",
		}, []string{"provider"}),

		DeltasProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deltas",
			Name:      "processed_total",
			Help:      "Deltas that completed the ingestion chain",
		}, []string{"chain"}),

		DeltaRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deltas",
			Name:      "rate",
			Help:      "Deltas per second over the last statistics interval",
		}, []string{"provider"}),

		ValuesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "priority",
			Name:      "rejected_total",
			Help:      "Path values dropped by source precedence",
		}, []string{"source"}),

		AvailablePaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "available_paths",
			Help:      "Distinct paths seen for the self vessel",
		}),

		ItemsFannedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "items_total",
			Help:      "Normalized delta items published on the bus",
		}),

		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Live bus subscriptions held by clients",
		}),

		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deltas",
			Name:      "processing_seconds",
			Help:      "Time spent handling one delta",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"version"}),

		BackpressureEpisodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backpressure",
			Name:      "episodes_total",
			Help:      "Times a client entered backpressure",
		}),

		BackpressureFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backpressure",
			Name:      "accumulated_total",
			Help:      "Distinct values coalesced during backpressure",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DeltasReceived,
		m.DeltasProcessed,
		m.DeltaRate,
		m.ValuesRejected,
		m.AvailablePaths,
		m.ItemsFannedOut,
		m.ActiveSubscriptions,
		m.ProcessingDuration,
		m.BackpressureEpisodes,
		m.BackpressureFlushed,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}

// RecordNATSStatus updates the NATS connection gauge.
func (m *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// RecordCircuitBreakerState records the circuit breaker state.
func (m *Metrics) RecordCircuitBreakerState(state int) {
	m.NATSCircuitBreaker.Set(float64(state))
}
