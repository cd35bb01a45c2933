// Package document maintains the canonical Signal K tree: every context's
// latest values, per-source alternatives, metadata, and the registry of
// sources that reported them.
package document

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SignalK/signalk-server-sub000/delta"
)

// DefaultVersion is reported in the root of the tree.
const DefaultVersion = "1.7.0"

const mmsiPrefix = "urn:mrn:imo:mmsi:"

type node struct {
	children map[string]*node
	fields   map[string]any
	leaf     *Leaf
	meta     map[string]any
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) child(name string) *node {
	c, ok := n.children[name]
	if !ok {
		c = newNode()
		n.children[name] = c
	}
	return c
}

// Document is the in-memory Signal K model. It is safe for concurrent use;
// delta listeners are called without the lock held.
type Document struct {
	selfID      string
	selfType    string
	selfContext string
	version     string
	logger      *slog.Logger
	now         func() time.Time

	mu           sync.RWMutex
	contexts     map[string]map[string]*node
	sources      map[string]any
	lastModified map[string]time.Time

	listenersMu sync.RWMutex
	listeners   []func(*delta.Delta)
}

// Option configures a Document.
type Option func(*Document)

// WithLogger sets the logger used for malformed input.
func WithLogger(l *slog.Logger) Option {
	return func(d *Document) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithVersion overrides the version reported in the root.
func WithVersion(v string) Option {
	return func(d *Document) { d.version = v }
}

// WithClock overrides the time source used for last-modified tracking.
func WithClock(now func() time.Time) Option {
	return func(d *Document) { d.now = now }
}

// New creates a document whose self vessel is <selfType>.<selfID>. An empty
// selfType means "vessels".
func New(selfID, selfType string, opts ...Option) *Document {
	if selfType == "" {
		selfType = "vessels"
	}
	d := &Document{
		selfID:       selfID,
		selfType:     selfType,
		selfContext:  selfType + "." + selfID,
		version:      DefaultVersion,
		logger:       slog.Default(),
		now:          time.Now,
		contexts:     make(map[string]map[string]*node),
		sources:      make(map[string]any),
		lastModified: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	if selfID != "" {
		d.findContext(selfType, selfID)
	}
	return d
}

// SelfContext returns the context of the self vessel.
func (d *Document) SelfContext() string {
	return d.selfContext
}

// OnDelta registers a listener called with every delta passed to AddDelta
// or Emit, before it is merged.
func (d *Document) OnDelta(fn func(*delta.Delta)) {
	d.listenersMu.Lock()
	d.listeners = append(d.listeners, fn)
	d.listenersMu.Unlock()
}

// Emit passes dl to the delta listeners without merging it.
func (d *Document) Emit(dl *delta.Delta) {
	d.listenersMu.RLock()
	listeners := d.listeners
	d.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(dl)
	}
}

// AddDelta emits dl to the listeners and merges it into the tree.
func (d *Document) AddDelta(dl *delta.Delta) {
	if dl == nil {
		return
	}
	d.Emit(dl)

	d.mu.Lock()
	defer d.mu.Unlock()

	ctxType, ctxID := splitContext(dl.Context)
	if ctxID == "" {
		d.logger.Warn("delta context has no identifier", "context", dl.Context)
		return
	}
	root := d.findContext(ctxType, ctxID)
	for i := range dl.Updates {
		d.addUpdate(root, &dl.Updates[i])
	}
	d.lastModified[dl.Context] = d.now()
}

func splitContext(ctx string) (string, string) {
	parts := strings.SplitN(ctx, ".", 2)
	if len(parts) < 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// findContext returns the root node for a context, creating it and filling
// its identity field on first use. Caller holds mu.
func (d *Document) findContext(ctxType, id string) *node {
	byID, ok := d.contexts[ctxType]
	if !ok {
		byID = make(map[string]*node)
		d.contexts[ctxType] = byID
	}
	n, ok := byID[id]
	if !ok {
		n = newNode()
		byID[id] = n
	}
	if n.fields == nil {
		n.fields = make(map[string]any)
	}
	switch {
	case strings.HasPrefix(id, mmsiPrefix):
		n.fields["mmsi"] = id[len(mmsiPrefix):]
	case strings.HasPrefix(id, "urn:mrn:signalk"):
		n.fields["uuid"] = id
	default:
		n.fields["url"] = id
	}
	return n
}

func (d *Document) addUpdate(root *node, u *delta.Update) {
	switch {
	case u.Source != nil:
		d.updateSource(u.Source, u.Timestamp)
	case u.SourceRef != "":
		d.updateDollarSource(u.SourceRef)
	default:
		d.logger.Warn("no source in delta update", "timestamp", u.Timestamp)
	}

	ref := delta.RefOf(u)
	for _, pv := range u.Values {
		d.addValue(root, u, ref, pv)
	}
	for _, pv := range u.Meta {
		d.addMeta(root, pv)
	}
}

func missingMessage(pv delta.PathValue) string {
	missingPath, missingValue := pv.Incomplete()
	switch {
	case missingPath && missingValue:
		return "path and value"
	case missingPath:
		return "path"
	case missingValue:
		return "value"
	}
	return ""
}

func (d *Document) addValue(root *node, u *delta.Update, ref string, pv delta.PathValue) {
	if missing := missingMessage(pv); missing != "" {
		d.logger.Error("delta is missing "+missing, "path", pv.Path, "source", ref)
		return
	}

	if pv.Path == "" {
		obj, ok := pv.Value.(map[string]any)
		if !ok {
			d.logger.Warn("root value is not an object", "source", ref)
			return
		}
		mergeInto(root.fields, obj)
		return
	}

	n := root
	for _, part := range strings.Split(pv.Path, ".") {
		n = n.child(part)
	}

	sv := SourceValue{Value: pv.Value, SourceRef: ref, Timestamp: u.Timestamp}
	if u.Source != nil {
		sv.PGN = u.Source.PGN
		sv.Sentence = u.Source.Sentence
	}
	if n.leaf == nil {
		n.leaf = newLeaf(sv)
		return
	}
	n.leaf.Write(sv)
}

func (d *Document) addMeta(root *node, pv delta.PathValue) {
	if missing := missingMessage(pv); missing != "" || pv.Path == "" {
		d.logger.Error("illegal meta in delta", "path", pv.Path)
		return
	}
	obj, ok := pv.Value.(map[string]any)
	if !ok {
		d.logger.Warn("meta value is not an object", "path", pv.Path)
		return
	}
	n := root
	for _, part := range strings.Split(pv.Path, ".") {
		n = n.child(part)
	}
	if n.meta == nil {
		n.meta = make(map[string]any)
	}
	for k, v := range obj {
		n.meta[k] = deepCopy(v)
	}
}

// childMap returns m[key] as an object, replacing whatever else is there.
// Entries registered by a bare $source start out empty, so a later source
// description has to fill in its sub-objects itself.
func childMap(m map[string]any, key string) map[string]any {
	next, ok := m[key].(map[string]any)
	if !ok {
		next = make(map[string]any)
		m[key] = next
	}
	return next
}

func (d *Document) updateDollarSource(ref string) {
	cursor := d.sources
	for _, part := range strings.Split(ref, ".") {
		cursor = childMap(cursor, part)
	}
}

func (d *Document) updateSource(s *delta.Source, ts string) {
	labelSource, ok := d.sources[s.Label].(map[string]any)
	if !ok {
		labelSource = map[string]any{"label": s.Label, "type": s.Type}
		d.sources[s.Label] = labelSource
	}

	switch {
	case s.Type == "NMEA2000" || s.Src != "":
		updateN2KSource(labelSource, s, ts)
	case s.Type == "NMEA0183" || s.Sentence != "":
		talker := s.Talker
		if talker == "" {
			talker = "II"
		}
		entry := childMap(labelSource, talker)
		if _, ok := entry["talker"]; !ok {
			entry["talker"] = talker
		}
		childMap(entry, "sentences")[s.Sentence] = ts
	default:
		labelSource["timestamp"] = ts
	}
}

func updateN2KSource(labelSource map[string]any, s *delta.Source, ts string) {
	device := childMap(labelSource, s.Src)
	n2k := childMap(device, "n2k")
	if s.Src != "" {
		n2k["src"] = s.Src
	}
	if s.CanName != "" {
		n2k["canName"] = s.CanName
	}
	if s.Talker != "" {
		n2k["talker"] = s.Talker
	}
	if s.Sentence != "" {
		n2k["sentence"] = s.Sentence
	}
	if s.Instance != nil {
		key := toKey(s.Instance)
		if _, exists := device[key]; !exists {
			device[key] = map[string]any{}
		}
	}
	childMap(n2k, "pgns")[strconv.Itoa(s.PGN)] = ts
}

func toKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

// DeleteContext removes a context from the tree.
func (d *Document) DeleteContext(ctx string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteContext(ctx)
}

func (d *Document) deleteContext(ctx string) {
	ctxType, id := splitContext(ctx)
	if byID, ok := d.contexts[ctxType]; ok {
		delete(byID, id)
	}
	delete(d.lastModified, ctx)
}

// PruneContexts removes contexts not modified within the last ageSeconds.
func (d *Document) PruneContexts(ageSeconds int64) []string {
	threshold := d.now().Add(-time.Duration(ageSeconds) * time.Second)

	d.mu.Lock()
	defer d.mu.Unlock()

	var pruned []string
	for ctx, modified := range d.lastModified {
		if modified.Before(threshold) {
			d.logger.Debug("pruning context", "context", ctx)
			d.deleteContext(ctx)
			pruned = append(pruned, ctx)
		}
	}
	return pruned
}
