// Package subscription turns client subscribe requests into policy-shaped
// bus subscriptions plus a replay of cached values.
//
// Every row's path glob is matched against the known path keys and against
// keys created later. For each matching key the manager attaches to the
// key's bus, filters by context, applies the row's delivery policy and then
// replays the cached deltas for that key through the same callback.
package subscription

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/deltacache"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/streambundle"
)

// Replayer returns cached deltas for replay.
type Replayer interface {
	GetCachedDeltas(matches deltacache.ContextMatcher, user string, path string) []*delta.Delta
}

// Unsubscribes collects the teardown functions of one client's
// subscriptions.
type Unsubscribes struct {
	mu  sync.Mutex
	fns []func()
}

// Add appends fn.
func (u *Unsubscribes) Add(fn func()) {
	u.mu.Lock()
	u.fns = append(u.fns, fn)
	u.mu.Unlock()
}

// Len returns the number of registered teardown functions.
func (u *Unsubscribes) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.fns)
}

// RunAll calls and clears every registered function.
func (u *Unsubscribes) RunAll() {
	u.mu.Lock()
	fns := u.fns
	u.fns = nil
	u.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// guard serializes delivery for one subscribe request against its teardown.
// It owns the request's teardown functions. Once closed, nothing more is
// delivered and anything added later is torn down on the spot.
type guard struct {
	mu     sync.RWMutex
	closed bool

	tmu      sync.Mutex
	torn     bool
	teardown []func()
}

func (g *guard) run(fn func()) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.closed {
		fn()
	}
}

// add registers fn to run on close. It may be called from inside run.
func (g *guard) add(fn func()) {
	g.tmu.Lock()
	if g.torn {
		g.tmu.Unlock()
		fn()
		return
	}
	g.teardown = append(g.teardown, fn)
	g.tmu.Unlock()
}

// close waits for in-flight run calls, so teardowns they add are collected
// too.
func (g *guard) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.tmu.Lock()
	fns := g.teardown
	g.teardown = nil
	g.torn = true
	g.tmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type mode int

const (
	modeInstant mode = iota
	modeDebounce
	modeBuffer
)

type rowPlan struct {
	path   *regexp.Regexp
	mode   mode
	period time.Duration
}

// Manager creates subscriptions over a stream bundle.
type Manager struct {
	bundle      *streambundle.Bundle
	cache       Replayer
	positions   PositionLookup
	selfContext string
	logger      *slog.Logger
	metrics     *metric.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics tracks the number of live bus subscriptions.
func WithMetrics(mt *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a manager. positions is used by relative-position
// context selectors and may be nil.
func NewManager(bundle *streambundle.Bundle, cache Replayer, positions PositionLookup, opts ...Option) *Manager {
	m := &Manager{
		bundle:      bundle,
		cache:       cache,
		positions:   positions,
		selfContext: bundle.SelfContext(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe wires req for one client. Live deltas and replayed cached deltas
// go to onDelta; warnings about unsupported options go to onError. Teardown
// functions are added to unsubs. Callbacks must not call Unsubscribe.
func (m *Manager) Subscribe(req *Request, unsubs *Unsubscribes, onError func(string), onDelta func(*delta.Delta), user string) {
	if onError == nil {
		onError = func(string) {}
	}
	matches := m.contextMatcher(req.Context, onError)
	if len(req.Subscribe) == 0 {
		return
	}

	plans := make([]rowPlan, 0, len(req.Subscribe))
	for _, row := range req.Subscribe {
		if row.Path == "" {
			continue
		}
		plans = append(plans, planRow(row, onError))
	}

	g := &guard{}
	unsubs.Add(g.close)

	var wiredMu sync.Mutex
	wired := make(map[string]struct{})
	wire := func(key string) {
		wiredMu.Lock()
		if _, done := wired[key]; done {
			wiredMu.Unlock()
			return
		}
		wired[key] = struct{}{}
		wiredMu.Unlock()

		g.run(func() {
			m.wireKey(key, plans, matches, g, onDelta, user)
		})
	}

	g.add(m.bundle.OnNewKey(wire))
	for _, key := range m.bundle.Keys() {
		wire(key)
	}
}

func planRow(row Row, onError func(string)) rowPlan {
	p := rowPlan{path: compileGlob(row.Path)}

	switch {
	case row.MinPeriod > 0:
		if row.Policy != "" && row.Policy != PolicyInstant {
			onError(fmt.Sprintf("minPeriod assumes policy 'instant', ignoring policy %s", row.Policy))
		}
		p.mode = modeDebounce
		p.period = time.Duration(row.MinPeriod) * time.Millisecond
	case row.Period > 0 || row.Policy == PolicyFixed:
		if row.Policy != "" && row.Policy != PolicyFixed {
			onError(fmt.Sprintf("period assumes policy 'fixed', ignoring policy %s", row.Policy))
			break
		}
		period := row.Period
		if period <= 0 {
			period = DefaultPeriod
		}
		p.mode = modeBuffer
		p.period = time.Duration(period) * time.Millisecond
	}

	if row.Format != "" && row.Format != "delta" {
		onError("Only delta format supported, using it")
	}
	if row.Policy != "" && row.Policy != PolicyInstant && row.Policy != PolicyFixed {
		onError(fmt.Sprintf("Only 'instant' and 'fixed' policies supported, ignoring policy %s", row.Policy))
	}
	return p
}

// wireKey attaches every plan matching key. Caller holds the guard.
func (m *Manager) wireKey(key string, plans []rowPlan, matches func(string) bool, g *guard, onDelta func(*delta.Delta), user string) {
	emit := func(nd delta.NormalizedDelta) {
		d := delta.ToDelta(nd)
		g.run(func() { onDelta(d) })
	}

	for _, p := range plans {
		if !p.path.MatchString(key) {
			continue
		}
		m.logger.Debug("subscribing to key", "path", key)

		var op operator = passThrough{emit: emit}
		if key != "" {
			switch p.mode {
			case modeDebounce:
				op = newDebounceImmediate(p.period, emit)
			case modeBuffer:
				op = newBufferWindow(p.period, emit)
			}
		}

		unsubscribeBus := m.bundle.Bus(key).Subscribe(func(nd delta.NormalizedDelta) {
			if matches(nd.Context) {
				op.push(nd)
			}
		})
		if m.metrics != nil {
			m.metrics.ActiveSubscriptions.Inc()
		}
		g.add(func() {
			unsubscribeBus()
			op.stop()
			if m.metrics != nil {
				m.metrics.ActiveSubscriptions.Dec()
			}
		})

		if m.cache != nil {
			for _, d := range m.cache.GetCachedDeltas(matches, user, key) {
				onDelta(d)
			}
		}
	}
}

// Unsubscribe tears down every subscription in unsubs. Only the
// unsubscribe-all request is supported; anything else returns an error and
// leaves the subscriptions in place.
func (m *Manager) Unsubscribe(req *Request, unsubs *Unsubscribes) error {
	if !req.IsUnsubscribeAll() {
		received, _ := json.Marshal(req)
		return fmt.Errorf("%w, received %s", errors.ErrUnsupportedUnsubscribe, received)
	}
	m.logger.Debug("unsubscribe all")
	unsubs.RunAll()
	return nil
}
