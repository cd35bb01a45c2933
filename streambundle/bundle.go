// Package streambundle fans normalized delta items out to per-path buses.
//
// Every item is published on the global bus and on the bus for its path.
// Buses are created on first use; creating one announces the new path key
// to key listeners before the first item is published, so a listener can
// attach to the new bus and receive that item. Items for the self context
// are mirrored to a parallel set of self buses and, for values, to
// value-only streams. Meta items also go to the meta buses.
package streambundle

import (
	"log/slog"
	"sync"

	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/metric"
)

// Bundle is the registry of buses keyed by path.
type Bundle struct {
	selfContext string
	logger      *slog.Logger
	metrics     *metric.Metrics

	mu             sync.RWMutex
	buses          map[string]*Bus[delta.NormalizedDelta]
	keyOrder       []string
	selfBuses      map[string]*Bus[delta.NormalizedDelta]
	selfStreams    map[string]*Bus[any]
	availablePaths map[string]struct{}
	pathOrder      []string

	all        *Bus[delta.NormalizedDelta]
	selfAll    *Bus[delta.NormalizedDelta]
	selfValues *Bus[any]
	meta       *Bus[delta.NormalizedDelta]
	selfMeta   *Bus[delta.NormalizedDelta]
	keys       *Bus[string]
}

// Option configures a Bundle.
type Option func(*Bundle)

// WithLogger sets the bundle logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bundle) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records fan-out counts.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bundle) { b.metrics = m }
}

// New creates a bundle for the given self context, e.g. "vessels.urn:mrn:...".
func New(selfContext string, opts ...Option) *Bundle {
	b := &Bundle{
		selfContext:    selfContext,
		logger:         slog.Default(),
		buses:          make(map[string]*Bus[delta.NormalizedDelta]),
		selfBuses:      make(map[string]*Bus[delta.NormalizedDelta]),
		selfStreams:    make(map[string]*Bus[any]),
		availablePaths: make(map[string]struct{}),
		all:            NewBus[delta.NormalizedDelta](),
		selfAll:        NewBus[delta.NormalizedDelta](),
		selfValues:     NewBus[any](),
		meta:           NewBus[delta.NormalizedDelta](),
		selfMeta:       NewBus[delta.NormalizedDelta](),
		keys:           NewBus[string](),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SelfContext returns the context treated as self.
func (b *Bundle) SelfContext() string {
	return b.selfContext
}

// PushDelta expands d into normalized items and publishes each of them.
func (b *Bundle) PushDelta(d *delta.Delta) {
	if d == nil {
		return
	}
	for _, item := range delta.Normalize(d) {
		b.Push(item)
	}
}

// Push publishes a single normalized item.
func (b *Bundle) Push(item delta.NormalizedDelta) {
	isSelf := item.Context == b.selfContext
	if item.IsMeta {
		b.meta.Push(item)
		if isSelf {
			b.selfMeta.Push(item)
		}
	}
	if isSelf {
		b.recordSelfPath(item.Path)
	}

	b.all.Push(item)
	b.Bus(item.Path).Push(item)
	if isSelf {
		b.selfAll.Push(item)
		b.SelfBus(item.Path).Push(item)
		if !item.IsMeta {
			b.selfValues.Push(item.Value)
			b.SelfStream(item.Path).Push(item.Value)
		}
	}

	if b.metrics != nil {
		b.metrics.ItemsFannedOut.Inc()
	}
}

func (b *Bundle) recordSelfPath(path string) {
	b.mu.Lock()
	_, seen := b.availablePaths[path]
	if !seen {
		b.availablePaths[path] = struct{}{}
		b.pathOrder = append(b.pathOrder, path)
	}
	count := len(b.pathOrder)
	b.mu.Unlock()

	if !seen && b.metrics != nil {
		b.metrics.AvailablePaths.Set(float64(count))
	}
}

// Bus returns the bus for path, creating it and announcing the key on first
// use.
func (b *Bundle) Bus(path string) *Bus[delta.NormalizedDelta] {
	b.mu.RLock()
	bus, ok := b.buses[path]
	b.mu.RUnlock()
	if ok {
		return bus
	}

	b.mu.Lock()
	if bus, ok = b.buses[path]; ok {
		b.mu.Unlock()
		return bus
	}
	bus = NewBus[delta.NormalizedDelta]()
	b.buses[path] = bus
	b.keyOrder = append(b.keyOrder, path)
	b.mu.Unlock()

	b.logger.Debug("new path key", "path", path)
	b.keys.Push(path)
	return bus
}

// AllBus carries every item.
func (b *Bundle) AllBus() *Bus[delta.NormalizedDelta] {
	return b.all
}

// SelfBus returns the self bus for path, creating it on first use.
func (b *Bundle) SelfBus(path string) *Bus[delta.NormalizedDelta] {
	b.mu.Lock()
	defer b.mu.Unlock()
	bus, ok := b.selfBuses[path]
	if !ok {
		bus = NewBus[delta.NormalizedDelta]()
		b.selfBuses[path] = bus
	}
	return bus
}

// SelfAllBus carries every self item.
func (b *Bundle) SelfAllBus() *Bus[delta.NormalizedDelta] {
	return b.selfAll
}

// SelfStream returns the value-only stream of self values at path.
func (b *Bundle) SelfStream(path string) *Bus[any] {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.selfStreams[path]
	if !ok {
		s = NewBus[any]()
		b.selfStreams[path] = s
	}
	return s
}

// SelfValues carries the value of every non-meta self item.
func (b *Bundle) SelfValues() *Bus[any] {
	return b.selfValues
}

// MetaBus carries every meta item.
func (b *Bundle) MetaBus() *Bus[delta.NormalizedDelta] {
	return b.meta
}

// SelfMetaBus carries meta items of the self context.
func (b *Bundle) SelfMetaBus() *Bus[delta.NormalizedDelta] {
	return b.selfMeta
}

// OnNewKey registers fn for every path key created after the call.
func (b *Bundle) OnNewKey(fn func(path string)) func() {
	return b.keys.Subscribe(fn)
}

// Keys returns the path keys created so far, in creation order.
func (b *Bundle) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.keyOrder))
	copy(out, b.keyOrder)
	return out
}

// AvailablePaths returns every path seen in the self context, in first-seen
// order. The set only grows.
func (b *Bundle) AvailablePaths() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.pathOrder))
	copy(out, b.pathOrder)
	return out
}
