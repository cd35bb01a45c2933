package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SignalK/signalk-server-sub000/metric"
)

// exporter mirrors an LRU's activity into Prometheus. A nil exporter
// discards everything.
type exporter struct {
	hits, misses prometheus.Counter
	evictions    prometheus.Counter
	entries      prometheus.Gauge
}

func export(registry *metric.MetricsRegistry, name string) (*exporter, error) {
	labels := prometheus.Labels{"cache": name}
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "signalk",
		Subsystem:   "cache",
		Name:        "lookups_total",
		Help:        "Cache lookups by result.",
		ConstLabels: labels,
	}, []string{"result"})
	evictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "signalk",
		Subsystem:   "cache",
		Name:        "evictions_total",
		Help:        "Entries dropped to stay within capacity.",
		ConstLabels: labels,
	})
	entries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "signalk",
		Subsystem:   "cache",
		Name:        "entries",
		Help:        "Entries currently held.",
		ConstLabels: labels,
	})

	err := registry.RegisterAll("cache."+name, metric.Set{
		"lookups":   lookups,
		"evictions": evictions,
		"entries":   entries,
	})
	if err != nil {
		return nil, err
	}
	return &exporter{
		hits:      lookups.WithLabelValues("hit"),
		misses:    lookups.WithLabelValues("miss"),
		evictions: evictions,
		entries:   entries,
	}, nil
}

func (x *exporter) lookup(hit bool) {
	switch {
	case x == nil:
	case hit:
		x.hits.Inc()
	default:
		x.misses.Inc()
	}
}

func (x *exporter) evicted() {
	if x != nil {
		x.evictions.Inc()
	}
}

func (x *exporter) size(n int) {
	if x != nil {
		x.entries.Set(float64(n))
	}
}
