// Package cache provides a bounded, thread-safe least-recently-used cache
// with hit statistics and optional Prometheus export.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
)

// Cache is a keyed store of values of type V.
type Cache[V any] interface {
	Get(key string) (V, bool)
	// Set stores value under key and reports whether the key is new.
	Set(key string, value V) (bool, error)
	// Delete removes key and reports whether it existed.
	Delete(key string) (bool, error)
	Clear() error
	Len() int
	Keys() []string
	Stats() Stats
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Len       int
	Peak      int
}

// HitRatio is Hits / (Hits + Misses), or 0 before the first lookup.
func (s Stats) HitRatio() float64 {
	if n := s.Hits + s.Misses; n > 0 {
		return float64(s.Hits) / float64(n)
	}
	return 0
}

// Option configures an LRU.
type Option[V any] func(*LRU[V])

// OnEvict registers fn for every entry that leaves the cache, whether it
// was pushed out by capacity, deleted or cleared. fn runs outside the lock.
func OnEvict[V any](fn func(key string, value V)) Option[V] {
	return func(c *LRU[V]) { c.onEvict = fn }
}

// WithMetrics exports lookups, evictions and size to registry under name.
func WithMetrics[V any](registry *metric.MetricsRegistry, name string) Option[V] {
	return func(c *LRU[V]) {
		c.registry = registry
		c.name = name
	}
}

type entry[V any] struct {
	key   string
	value V
}

// LRU drops the least recently read or written entry once it holds
// capacity entries.
type LRU[V any] struct {
	capacity int
	onEvict  func(string, V)
	registry *metric.MetricsRegistry
	name     string
	exported *exporter

	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
	peak  int

	hits, misses, evictions atomic.Int64
}

var _ Cache[int] = (*LRU[int])(nil)

// NewLRU returns an empty cache holding at most capacity entries.
func NewLRU[V any](capacity int, opts ...Option[V]) (*LRU[V], error) {
	if capacity < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "capacity must be positive")
	}
	c := &LRU[V]{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry != nil && c.name != "" {
		x, err := export(c.registry, c.name)
		if err != nil {
			return nil, err
		}
		c.exported = x
	}
	return c, nil
}

func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	el, ok := c.index[key]
	if ok {
		c.order.MoveToFront(el)
	}
	c.mu.Unlock()

	c.exported.lookup(ok)
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return el.Value.(*entry[V]).value, true
}

func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Set", "empty key")
	}
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		el.Value.(*entry[V]).value = value
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return false, nil
	}
	c.index[key] = c.order.PushFront(&entry[V]{key: key, value: value})
	var victim *entry[V]
	if c.order.Len() > c.capacity {
		victim = c.removeLocked(c.order.Back())
	}
	n := c.order.Len()
	c.peak = max(c.peak, n)
	c.mu.Unlock()

	c.exported.size(n)
	if victim != nil {
		c.evictions.Add(1)
		c.exported.evicted()
		c.evict(victim)
	}
	return true, nil
}

func (c *LRU[V]) Delete(key string) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Delete", "empty key")
	}
	c.mu.Lock()
	el, ok := c.index[key]
	var gone *entry[V]
	if ok {
		gone = c.removeLocked(el)
	}
	n := c.order.Len()
	c.mu.Unlock()

	if gone != nil {
		c.exported.size(n)
		c.evict(gone)
	}
	return ok, nil
}

func (c *LRU[V]) Clear() error {
	c.mu.Lock()
	old := c.order
	c.order = list.New()
	c.index = make(map[string]*list.Element, c.capacity)
	c.mu.Unlock()

	c.exported.size(0)
	for el := old.Back(); el != nil; el = el.Prev() {
		c.evict(el.Value.(*entry[V]))
	}
	return nil
}

func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys lists the keys from most to least recently used.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	n, peak := c.order.Len(), c.peak
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       n,
		Peak:      peak,
	}
}

func (c *LRU[V]) removeLocked(el *list.Element) *entry[V] {
	e := c.order.Remove(el).(*entry[V])
	delete(c.index, e.key)
	return e
}

func (c *LRU[V]) evict(e *entry[V]) {
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}
