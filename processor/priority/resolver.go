// Package priority decides, per context and path, whether a value from an
// incoming source supersedes the value last accepted from another source.
//
// Each path may carry an ordered list of sources, highest precedence first,
// each with a timeout in milliseconds. A value is accepted unless the current
// holder ranks strictly higher and has reported within the incoming source's
// timeout. A negative timeout disables the source for that path. Paths with
// no list fall back to the global source ranking; with neither, every value
// is accepted. Only deltas for the self context are filtered.
package priority

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
)

// DefaultUnknownSourceTimeout applies to sources absent from a path's list.
const DefaultUnknownSourceTimeout = 10 * time.Second

// Entry ranks one source. Timeout is in milliseconds.
type Entry struct {
	SourceRef string `json:"sourceRef" yaml:"sourceRef"`
	Timeout   int64  `json:"timeout" yaml:"timeout"`
}

// Config is the input to New.
type Config struct {
	// Paths maps a path to its ordered source list.
	Paths map[string][]Entry
	// Ranking is the fallback list for paths without their own entry.
	Ranking []Entry
	// UnknownSourceTimeout defaults to DefaultUnknownSourceTimeout.
	UnknownSourceTimeout time.Duration
	// AcceptUnknownSources ranks sources absent from a list highest instead
	// of lowest, so they are always accepted.
	AcceptUnknownSources bool
}

// IsEmpty reports whether the configuration ranks nothing.
func (c Config) IsEmpty() bool {
	return len(c.Paths) == 0 && len(c.Ranking) == 0
}

type precedence struct {
	rank    float64
	timeout int64
}

type latest struct {
	sourceRef string
	millis    int64
}

// Resolver filters delta values by source precedence. The zero value is not
// usable; use New or Identity.
type Resolver struct {
	paths   map[string]map[string]precedence
	ranking map[string]precedence
	highest precedence
	unknown precedence
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.Mutex
	latest map[string]map[string]latest
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for debug traces.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics counts rejected values.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// Identity returns a resolver that accepts every value.
func Identity() *Resolver {
	return &Resolver{logger: slog.Default()}
}

// New builds a resolver from cfg. Entries with an empty sourceRef or a
// sourceRef listed twice for the same path are rejected.
func New(cfg Config, opts ...Option) (*Resolver, error) {
	r := Identity()
	for _, opt := range opts {
		opt(r)
	}
	if cfg.IsEmpty() {
		r.logger.Debug("no source priorities or ranking configured")
		return r, nil
	}

	unknownTimeout := cfg.UnknownSourceTimeout
	if unknownTimeout == 0 {
		unknownTimeout = DefaultUnknownSourceTimeout
	}

	r.highest = precedence{rank: 0, timeout: 0}
	r.unknown = precedence{rank: math.Inf(1), timeout: unknownTimeout.Milliseconds()}
	if cfg.AcceptUnknownSources {
		r.unknown = r.highest
	}

	r.paths = make(map[string]map[string]precedence, len(cfg.Paths))
	for path, entries := range cfg.Paths {
		p, err := toPrecedences(entries)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: path %s: %v", errors.ErrInvalidPriorities, path, err),
				"Resolver", "New", "build path precedences")
		}
		r.paths[path] = p
	}

	if len(cfg.Ranking) > 0 {
		p, err := toPrecedences(cfg.Ranking)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: ranking: %v", errors.ErrInvalidPriorities, err),
				"Resolver", "New", "build source ranking")
		}
		r.ranking = p
	}

	r.latest = make(map[string]map[string]latest)
	return r, nil
}

func toPrecedences(entries []Entry) (map[string]precedence, error) {
	out := make(map[string]precedence, len(entries))
	for i, e := range entries {
		if e.SourceRef == "" {
			return nil, fmt.Errorf("entry %d has no sourceRef", i)
		}
		if _, dup := out[e.SourceRef]; dup {
			return nil, fmt.Errorf("sourceRef %s listed twice", e.SourceRef)
		}
		out[e.SourceRef] = precedence{rank: float64(i), timeout: e.Timeout}
	}
	return out, nil
}

// IsIdentity reports whether the resolver accepts every value.
func (r *Resolver) IsIdentity() bool {
	return r.latest == nil
}

// table returns the precedence table governing path, or nil.
func (r *Resolver) table(path string) map[string]precedence {
	if p, ok := r.paths[path]; ok {
		return p
	}
	return r.ranking
}

func (r *Resolver) precedenceOf(table map[string]precedence, sourceRef string, isHolder bool) precedence {
	if p, ok := table[sourceRef]; ok {
		return p
	}
	if isHolder {
		return r.highest
	}
	return r.unknown
}

func (r *Resolver) accept(path string, holder latest, sourceRef string, millis int64) bool {
	table := r.table(path)
	if table == nil {
		return true
	}

	current := r.precedenceOf(table, holder.sourceRef, true)
	incoming := r.precedenceOf(table, sourceRef, false)

	if incoming.timeout < 0 {
		return false
	}
	holderRanksHigher := current.rank < incoming.rank
	return !holderRanksHigher || millis-holder.millis > incoming.timeout
}

// Resolve drops values that lose to a higher-precedence source and records
// the accepting source for the rest. Only the Values of each update change.
func (r *Resolver) Resolve(d *delta.Delta, now time.Time, selfContext string) *delta.Delta {
	if d == nil || r.IsIdentity() || d.Context != selfContext {
		return d
	}
	millis := now.UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	paths := r.latest[d.Context]
	if paths == nil {
		paths = make(map[string]latest)
		r.latest[d.Context] = paths
	}

	for i := range d.Updates {
		u := &d.Updates[i]
		if u.Values == nil {
			continue
		}
		kept := u.Values[:0:0]
		for _, pv := range u.Values {
			if r.accept(pv.Path, paths[pv.Path], u.SourceRef, millis) {
				paths[pv.Path] = latest{sourceRef: u.SourceRef, millis: millis}
				kept = append(kept, pv)
				continue
			}
			r.logger.Debug("value rejected by source priority",
				"path", pv.Path, "source", u.SourceRef, "holder", paths[pv.Path].sourceRef)
			if r.metrics != nil {
				r.metrics.ValuesRejected.WithLabelValues(u.SourceRef).Inc()
			}
		}
		u.Values = kept
	}
	return d
}
