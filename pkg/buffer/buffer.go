// Package buffer provides a bounded FIFO ring that sheds load instead of
// blocking its writer.
package buffer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
)

// Policy decides which item a full ring gives up.
type Policy int

const (
	// DropOldest makes room by discarding the item at the head.
	DropOldest Policy = iota
	// DropNewest discards the item being pushed.
	DropNewest
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	}
	return "unknown"
}

// Stats counts what went through a ring.
type Stats struct {
	Pushed  int64
	Drained int64
	Dropped int64
	// Peak is the highest length seen.
	Peak int
}

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithPolicy picks the overflow policy. The default is DropOldest.
func WithPolicy[T any](p Policy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// OnDrop is called, without the ring locked, with every item the policy
// discards.
func OnDrop[T any](fn func(T)) Option[T] {
	return func(r *Ring[T]) { r.onDrop = fn }
}

// WithMetrics exports the ring's length and drop count under name.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(r *Ring[T]) {
		r.registry = registry
		r.name = name
	}
}

// Ring is a fixed-capacity FIFO safe for concurrent use.
type Ring[T any] struct {
	policy   Policy
	onDrop   func(T)
	registry *metric.MetricsRegistry
	name     string
	length   prometheus.Gauge
	dropped  prometheus.Counter

	mu     sync.Mutex
	slots  []T
	head   int
	n      int
	closed bool
	stats  Stats
}

// New returns an empty ring with room for capacity items.
func New[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "buffer", "New", "capacity must be positive")
	}
	r := &Ring[T]{slots: make([]T, capacity)}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry != nil && r.name != "" {
		if err := r.export(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Ring[T]) export() error {
	labels := prometheus.Labels{"buffer": r.name}
	r.length = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalk", Subsystem: "buffer", Name: "length",
		Help: "Items waiting in the buffer.", ConstLabels: labels,
	})
	r.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "signalk", Subsystem: "buffer", Name: "dropped_total",
		Help: "Items discarded because the buffer was full.", ConstLabels: labels,
	})
	return r.registry.RegisterAll("buffer."+r.name, metric.Set{"length": r.length, "dropped": r.dropped})
}

// Push appends item. On a full ring the policy drops one item; Push only
// fails once the ring is closed.
func (r *Ring[T]) Push(item T) error {
	var (
		lost    T
		hasLost bool
	)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "buffer", "Push", "push to closed buffer")
	}
	switch {
	case r.n < len(r.slots):
		r.put(item)
	case r.policy == DropNewest:
		lost, hasLost = item, true
	default:
		lost, hasLost = r.take(), true
		r.put(item)
	}
	if hasLost {
		r.stats.Dropped++
	}
	n := r.n
	r.mu.Unlock()

	r.observe(n, hasLost)
	if hasLost && r.onDrop != nil {
		r.onDrop(lost)
	}
	return nil
}

// Drain removes up to limit items, oldest first. It returns nil when the
// ring is empty.
func (r *Ring[T]) Drain(limit int) []T {
	r.mu.Lock()
	k := min(limit, r.n)
	if k <= 0 {
		r.mu.Unlock()
		return nil
	}
	out := make([]T, k)
	for i := range out {
		out[i] = r.take()
	}
	r.stats.Drained += int64(k)
	n := r.n
	r.mu.Unlock()

	r.observe(n, false)
	return out
}

// Reset discards everything buffered without counting it as dropped.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	clear(r.slots)
	r.head, r.n = 0, 0
	r.mu.Unlock()
	r.observe(0, false)
}

// Close makes further pushes fail. Buffered items can still be drained.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring[T]) Cap() int { return len(r.slots) }

func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// put and take are called with mu held.
func (r *Ring[T]) put(item T) {
	r.slots[(r.head+r.n)%len(r.slots)] = item
	r.n++
	r.stats.Pushed++
	r.stats.Peak = max(r.stats.Peak, r.n)
}

func (r *Ring[T]) take() T {
	var zero T
	item := r.slots[r.head]
	r.slots[r.head] = zero
	r.head = (r.head + 1) % len(r.slots)
	r.n--
	return item
}

func (r *Ring[T]) observe(n int, dropped bool) {
	if r.length == nil {
		return
	}
	r.length.Set(float64(n))
	if dropped {
		r.dropped.Inc()
	}
}
