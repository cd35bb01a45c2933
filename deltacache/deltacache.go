// Package deltacache keeps the latest item of every source for every
// context and path, independently of the document model. It feeds replay
// for new subscriptions and rebuilds full documents on demand.
package deltacache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/document"
	"github.com/SignalK/signalk-server-sub000/pkg/cache"
	"github.com/SignalK/signalk-server-sub000/pkg/timestamp"
	"github.com/SignalK/signalk-server-sub000/streambundle"
)

// DefaultMemoTTL is how often the context-parts memo is cleared.
const DefaultMemoTTL = 5 * time.Minute

// DefaultMemoSize bounds the number of contexts whose split is remembered.
const DefaultMemoSize = 4096

// ReadFilter restricts what a user may read.
type ReadFilter interface {
	ShouldFilterDeltas() bool
	FilterReadDelta(user string, d *delta.Delta) *delta.Delta
}

// ContextMatcher selects contexts for replay.
type ContextMatcher func(context string) bool

type cacheNode struct {
	children map[string]*cacheNode
	items    map[string]delta.NormalizedDelta
}

func newCacheNode() *cacheNode {
	return &cacheNode{children: make(map[string]*cacheNode)}
}

func (n *cacheNode) child(name string, create bool) *cacheNode {
	c, ok := n.children[name]
	if !ok && create {
		c = newCacheNode()
		n.children[name] = c
	}
	return c
}

func (n *cacheNode) put(sourceRef string, item delta.NormalizedDelta) {
	if n.items == nil {
		n.items = make(map[string]delta.NormalizedDelta)
	}
	n.items[sourceRef] = item
}

// Cache is the delta cache. It is safe for concurrent use.
type Cache struct {
	selfID   string
	selfType string
	live     *document.Document
	filter   ReadFilter
	logger   *slog.Logger
	now      func() time.Time
	memoTTL  time.Duration

	mu           sync.RWMutex
	root         *cacheNode
	lastModified map[string]time.Time
	sourceDeltas map[string]*delta.Delta
	sourceOrder  []string

	memo cache.Cache[[]string]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used for pruning.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMemoTTL overrides how often the context-parts memo is cleared.
func WithMemoTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.memoTTL = d
		}
	}
}

// WithMemo supplies the cache used to memoize context splitting, e.g. one
// created with metrics enabled.
func WithMemo(m cache.Cache[[]string]) Option {
	return func(c *Cache) {
		if m != nil {
			c.memo = m
		}
	}
}

// New creates a cache fed by every per-path bus of bundle. live is the
// server's document, used by SetSourceDelta and for the self identity of
// rebuilt documents.
func New(bundle *streambundle.Bundle, live *document.Document, filter ReadFilter, opts ...Option) (*Cache, error) {
	selfType, selfID, _ := strings.Cut(live.SelfContext(), ".")
	c := &Cache{
		selfID:       selfID,
		selfType:     selfType,
		live:         live,
		filter:       filter,
		logger:       slog.Default(),
		now:          time.Now,
		memoTTL:      DefaultMemoTTL,
		root:         newCacheNode(),
		lastModified: make(map[string]time.Time),
		sourceDeltas: make(map[string]*delta.Delta),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.memo == nil {
		memo, err := cache.NewLRU[[]string](DefaultMemoSize)
		if err != nil {
			return nil, err
		}
		c.memo = memo
	}

	var keysMu sync.Mutex
	attached := make(map[string]struct{})
	attach := func(path string) {
		keysMu.Lock()
		defer keysMu.Unlock()
		if _, ok := attached[path]; ok {
			return
		}
		attached[path] = struct{}{}
		bundle.Bus(path).Subscribe(c.OnValue)
	}
	bundle.OnNewKey(attach)
	for _, key := range bundle.Keys() {
		attach(key)
	}
	return c, nil
}

// Start clears the context-parts memo periodically until ctx is done or
// Stop is called.
func (c *Cache) Start(ctx context.Context) {
	c.stopOnce = sync.Once{}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.memoTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				_ = c.memo.Clear()
			}
		}
	}()
}

// Stop ends the memo clearing started by Start.
func (c *Cache) Stop() {
	if c.stop == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

func (c *Cache) contextParts(ctx string) []string {
	if parts, ok := c.memo.Get(ctx); ok {
		return parts
	}
	ctxType, id, found := strings.Cut(ctx, ".")
	parts := []string{ctxType}
	if found {
		parts = append(parts, id)
	}
	if ctx != "" {
		_, _ = c.memo.Set(ctx, parts)
	}
	return parts
}

// OnValue stores item as the latest value of its source. Meta items are
// ignored.
func (c *Cache) OnValue(item delta.NormalizedDelta) {
	if item.IsMeta {
		return
	}
	if item.SourceRef == "" {
		item.SourceRef = delta.SourceID(item.Source)
	}

	ctxParts := c.contextParts(item.Context)

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.root
	for _, p := range ctxParts {
		n = n.child(p, true)
	}
	if item.Path != "" {
		for _, p := range strings.Split(item.Path, ".") {
			n = n.child(p, true)
		}
		n.put(item.SourceRef, item)
	} else if obj, ok := item.Value.(map[string]any); ok {
		for key := range obj {
			n.child(key, true).put(item.SourceRef, item)
		}
	}
	c.lastModified[item.Context] = c.now()
}

// GetCachedDeltas returns the cached items of every context accepted by
// matches as single-update deltas, oldest first. With a path only the items
// stored exactly at that path are returned. A non-empty user filters the
// result through the read filter.
func (c *Cache) GetCachedDeltas(matches ContextMatcher, user string, path string) []*delta.Delta {
	var items []delta.NormalizedDelta

	c.mu.RLock()
	for _, ctxType := range sortedKeys(c.root.children) {
		byID := c.root.children[ctxType]
		for _, id := range sortedKeys(byID.children) {
			if matches != nil && !matches(ctxType+"."+id) {
				continue
			}
			ctxNode := byID.children[id]
			if path == "" {
				items = collect(ctxNode, items)
				continue
			}
			if n := lookup(ctxNode, strings.Split(path, "."), false); n != nil {
				items = appendItems(n, items)
			}
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		return timestamp.Compare(items[i].Timestamp, items[j].Timestamp) < 0
	})

	out := make([]*delta.Delta, 0, len(items))
	for _, item := range items {
		d := delta.ToDelta(item)
		if user != "" && c.filter != nil {
			if d = c.filter.FilterReadDelta(user, d); d == nil {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// BuildFull rebuilds a document from the cached items under pathParts, for
// example ["vessels", "urn:mrn:imo:mmsi:230099999", "navigation"]. When a
// part is missing the deepest existing branch is used. Source descriptions
// are included when pathParts is empty or starts with "sources".
func (c *Cache) BuildFull(user string, pathParts []string) map[string]any {
	includeSources := len(pathParts) == 0 || pathParts[0] == "sources"
	if len(pathParts) > 0 && pathParts[0] == "sources" {
		pathParts = nil
	}

	c.mu.RLock()
	var items []delta.NormalizedDelta
	if n := lookup(c.root, pathParts, true); n != nil {
		items = collect(n, nil)
	}
	c.mu.RUnlock()

	deltas := make([]*delta.Delta, 0, len(items))
	for _, item := range items {
		deltas = append(deltas, delta.ToDelta(item))
	}
	return c.BuildFullFromDeltas(user, deltas, includeSources)
}

// BuildFullFromDeltas builds a fresh document from deltas, optionally seeded
// with the recorded source descriptions, and returns its tree.
func (c *Cache) BuildFullFromDeltas(user string, deltas []*delta.Delta, includeSources bool) map[string]any {
	doc := document.New(c.selfID, c.selfType, document.WithLogger(c.logger))

	if includeSources {
		for _, d := range c.sourceDeltaList() {
			doc.AddDelta(d)
		}
	}

	filtering := c.filter != nil && c.filter.ShouldFilterDeltas()
	for _, d := range deltas {
		if filtering {
			if d = c.filter.FilterReadDelta(user, d); d == nil {
				continue
			}
		}
		doc.AddDelta(d)
	}
	return doc.Retrieve()
}

// SetSourceDelta records a delta describing a source under key and adds it
// to the live document.
func (c *Cache) SetSourceDelta(key string, d *delta.Delta) {
	c.mu.Lock()
	if _, exists := c.sourceDeltas[key]; !exists {
		c.sourceOrder = append(c.sourceOrder, key)
	}
	c.sourceDeltas[key] = d
	c.mu.Unlock()

	c.live.AddDelta(d)
}

func (c *Cache) sourceDeltaList() []*delta.Delta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*delta.Delta, 0, len(c.sourceOrder))
	for _, key := range c.sourceOrder {
		out = append(out, c.sourceDeltas[key])
	}
	return out
}

// GetSources returns the sources registry built from the recorded source
// descriptions.
func (c *Cache) GetSources() map[string]any {
	doc := document.New(c.selfID, c.selfType, document.WithLogger(c.logger))
	for _, d := range c.sourceDeltaList() {
		doc.AddDelta(d)
	}
	return doc.Sources()
}

// DeleteContext drops every cached item of a context.
func (c *Cache) DeleteContext(ctx string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteContext(ctx)
}

func (c *Cache) deleteContext(ctx string) {
	c.logger.Debug("deleting context", "context", ctx)
	ctxType, id, found := strings.Cut(ctx, ".")
	if !found {
		return
	}
	if byID, ok := c.root.children[ctxType]; ok {
		delete(byID.children, id)
	}
}

// PruneContexts deletes contexts not updated within the last ageSeconds.
func (c *Cache) PruneContexts(ageSeconds int64) []string {
	threshold := c.now().Add(-time.Duration(ageSeconds) * time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()

	var pruned []string
	for ctx, modified := range c.lastModified {
		if modified.Before(threshold) {
			c.deleteContext(ctx)
			delete(c.lastModified, ctx)
			pruned = append(pruned, ctx)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// lookup walks parts from n. With returnLast a missing part yields the
// deepest node reached instead of nil.
func lookup(n *cacheNode, parts []string, returnLast bool) *cacheNode {
	for _, p := range parts {
		next, ok := n.children[p]
		if !ok {
			if returnLast {
				return n
			}
			return nil
		}
		n = next
	}
	return n
}

func appendItems(n *cacheNode, acc []delta.NormalizedDelta) []delta.NormalizedDelta {
	for _, ref := range sortedKeys(n.items) {
		acc = append(acc, n.items[ref])
	}
	return acc
}

func collect(n *cacheNode, acc []delta.NormalizedDelta) []delta.NormalizedDelta {
	acc = appendItems(n, acc)
	for _, name := range sortedKeys(n.children) {
		acc = collect(n.children[name], acc)
	}
	return acc
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
