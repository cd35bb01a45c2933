// Package metric holds the Prometheus registry shared by all server
// components, the core Signal K metrics, and the HTTP endpoint that exposes them.
package metric

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/SignalK/signalk-server-sub000/errors"
)

// Registrar is what components need to publish their own collectors.
type Registrar interface {
	Register(owner, name string, c prometheus.Collector) error
	RegisterAll(owner string, set Set) error
	Unregister(owner, name string) bool
}

// Set names a group of collectors owned by one component.
type Set map[string]prometheus.Collector

// MetricsRegistry wraps a Prometheus registry and remembers which
// component registered what, so a component can take its collectors back
// when it goes away.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector
}

var _ Registrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry returns a registry that already serves the core
// metrics and the Go runtime and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		owned:   make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.Metrics.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry exposes the underlying registry for the HTTP handler
// and for tests that gather from it.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry { return r.prom }

// CoreMetrics returns the metrics every server records.
func (r *MetricsRegistry) CoreMetrics() *Metrics { return r.Metrics }

func ownedKey(owner, name string) string { return owner + "/" + name }

// Register adds c under owner/name. Registering the same name twice, or a
// collector whose descriptors clash with an existing one, is an invalid
// request.
func (r *MetricsRegistry) Register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(owner, name, c)
}

func (r *MetricsRegistry) registerLocked(owner, name string, c prometheus.Collector) error {
	key := ownedKey(owner, name)
	if _, dup := r.owned[key]; dup {
		return errors.WrapInvalid(fmt.Errorf("metric %q already registered by %q", name, owner),
			"MetricsRegistry", "Register", "duplicate registration")
	}

	err := r.prom.Register(c)
	var clash prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		r.owned[key] = c
		return nil
	case stderrors.As(err, &clash):
		return errors.WrapInvalid(err, "MetricsRegistry", "Register", "descriptor clash for "+key)
	default:
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+key)
	}
}

// RegisterAll registers every collector in set in name order. If one
// fails, the ones already added are removed again and the error returned.
func (r *MetricsRegistry) RegisterAll(owner string, set Set) error {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, name := range names {
		if err := r.registerLocked(owner, name, set[name]); err != nil {
			for _, done := range names[:i] {
				r.unregisterLocked(owner, done)
			}
			return err
		}
	}
	return nil
}

// Unregister removes owner/name. It reports whether anything was removed.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(owner, name)
}

func (r *MetricsRegistry) unregisterLocked(owner, name string) bool {
	key := ownedKey(owner, name)
	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
