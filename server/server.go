package server

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/deltacache"
	"github.com/SignalK/signalk-server-sub000/document"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/pkg/cache"
	"github.com/SignalK/signalk-server-sub000/pkg/timestamp"
	"github.com/SignalK/signalk-server-sub000/processor/deltachain"
	"github.com/SignalK/signalk-server-sub000/processor/priority"
	"github.com/SignalK/signalk-server-sub000/security"
	"github.com/SignalK/signalk-server-sub000/streambundle"
	"github.com/SignalK/signalk-server-sub000/subscription"
)

// Default schedule of the background loops.
const (
	DefaultPruneInterval = 60 * time.Second
	DefaultStatsInterval = 5 * time.Second
)

// Version selects the ingestion chain a delta goes through.
type Version int

// Signal K versions. V1 deltas are merged into the document; V2 deltas are
// only fanned out.
const (
	V1 Version = iota + 1
	V2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// Server owns the delta pipeline: precedence resolution, the two ingestion
// chains, the document, the bus, the cache and subscriptions.
type Server struct {
	name    string
	version string

	settingsMu sync.RWMutex
	settings   config.Settings

	selfContext string
	logger      *slog.Logger
	metrics     *metric.Metrics
	registry    *metric.MetricsRegistry
	now         func() time.Time
	strategy    security.Strategy

	doc     *document.Document
	bundle  *streambundle.Bundle
	cache   *deltacache.Cache
	subs    *subscription.Manager
	chainV1 *deltachain.Chain
	chainV2 *deltachain.Chain
	deltas  *streambundle.Bus[*delta.Delta]

	resolverMu sync.RWMutex
	resolver   *priority.Resolver

	// ingestion is serialized so that every subscriber sees one delta
	// completely before the next
	handleMu sync.Mutex

	stats         *statistics
	clientCounter atomic.Value // func() int

	pruneInterval time.Duration
	statsInterval time.Duration

	lifecycleMu sync.Mutex
	running     atomic.Bool
	cancel      func()
	wg          sync.WaitGroup
	startTime   time.Time
	errCount    atomic.Int64
	lastError   atomic.Value // string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsRegistry records pipeline metrics and also exports the state
// of the server's internal caches to r.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(s *Server) {
		if r != nil {
			s.registry = r
			s.metrics = r.CoreMetrics()
		}
	}
}

// WithSecurity sets the security strategy used for read filtering and
// write checks. The default allows everything.
func WithSecurity(strategy security.Strategy) Option {
	return func(s *Server) {
		if strategy != nil {
			s.strategy = strategy
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithIdentity sets the name and version reported in hello messages.
func WithIdentity(name, version string) Option {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// WithPruneInterval sets how often stale contexts are pruned.
func WithPruneInterval(d time.Duration) Option {
	return func(s *Server) { s.pruneInterval = d }
}

// WithStatsInterval sets how often delta rates are computed.
func WithStatsInterval(d time.Duration) Option {
	return func(s *Server) { s.statsInterval = d }
}

// New wires the pipeline for settings. Invalid source priorities are logged
// and leave precedence resolution disabled.
func New(settings config.Settings, opts ...Option) (*Server, error) {
	if settings.SelfID == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: selfId", errors.ErrMissingConfig),
			"Server", "New", "validate settings")
	}
	if settings.SelfType == "" {
		settings.SelfType = config.DefaultSelfType
	}

	s := &Server{
		name:          "signalk-server",
		settings:      settings,
		selfContext:   settings.SelfContext(),
		logger:        slog.Default(),
		now:           time.Now,
		strategy:      security.Dummy{},
		resolver:      priority.Identity(),
		pruneInterval: DefaultPruneInterval,
		statsInterval: DefaultStatsInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.stats = newStatistics()
	s.clientCounter.Store(func() int { return 0 })
	s.lastError.Store("")

	s.doc = document.New(settings.SelfID, settings.SelfType,
		document.WithLogger(s.logger),
		document.WithVersion(s.version),
		document.WithClock(s.now))
	s.bundle = streambundle.New(s.selfContext,
		streambundle.WithLogger(s.logger),
		streambundle.WithMetrics(s.metrics))
	s.doc.OnDelta(s.bundle.PushDelta)
	s.deltas = streambundle.NewBus[*delta.Delta]()
	s.doc.OnDelta(s.deltas.Push)

	cacheOpts := []deltacache.Option{deltacache.WithLogger(s.logger), deltacache.WithClock(s.now)}
	if s.registry != nil {
		memo, err := cache.NewLRU(deltacache.DefaultMemoSize, cache.WithMetrics[[]string](s.registry, "contexts"))
		if err != nil {
			return nil, errors.Wrap(err, "Server", "New", "create context memo")
		}
		cacheOpts = append(cacheOpts, deltacache.WithMemo(memo))
	}
	deltas, err := deltacache.New(s.bundle, s.doc, s.strategy, cacheOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "New", "create delta cache")
	}
	s.cache = deltas
	s.subs = subscription.NewManager(s.bundle, s.cache, s.doc,
		subscription.WithLogger(s.logger),
		subscription.WithMetrics(s.metrics))

	s.chainV1 = deltachain.New(s.dispatch(V1, s.doc.AddDelta))
	s.chainV2 = deltachain.New(s.dispatch(V2, s.doc.Emit))

	_ = s.ActivateSourcePriorities(settings.Settings)
	return s, nil
}

func (s *Server) dispatch(v Version, next func(*delta.Delta)) func(*delta.Delta) {
	label := v.String()
	return func(d *delta.Delta) {
		next(d)
		if s.metrics != nil {
			s.metrics.DeltasProcessed.WithLabelValues(label).Inc()
		}
	}
}

// HandleMessage is the entry point for deltas from providers. A missing or
// "vessels.self" context becomes the self context, every update gets a
// $source and a timestamp, updates without values or meta are dropped, and
// the result goes through source precedence and the chain for v.
func (s *Server) HandleMessage(providerID string, d *delta.Delta, v Version) {
	if d == nil || d.Updates == nil {
		return
	}
	start := time.Now()

	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("delta processing failed",
				"provider", providerID, "context", d.Context, "panic", r)
		}
	}()

	s.stats.incDelta(providerID)
	if s.metrics != nil {
		s.metrics.DeltasReceived.WithLabelValues(providerID).Inc()
	}

	if d.Context == "" || d.Context == "vessels.self" {
		d.Context = s.selfContext
	}

	now := s.now()
	overrideTimestamp := s.Settings().OverrideTimestampWithNow
	kept := d.Updates[:0]
	for _, u := range d.Updates {
		if u.Source != nil {
			u.Source.Label = providerID
			if u.SourceRef == "" {
				u.SourceRef = delta.SourceID(u.Source)
			}
		} else if u.SourceRef == "" {
			u.SourceRef = providerID
		}
		if u.Timestamp == "" || overrideTimestamp {
			u.Timestamp = timestamp.FormatTime(now)
		}
		if !u.HasContent() {
			s.logger.Debug("dropping update without values or meta",
				"provider", providerID, "context", d.Context)
			continue
		}
		kept = append(kept, u)
	}
	d.Updates = kept

	s.resolverMu.RLock()
	resolver := s.resolver
	s.resolverMu.RUnlock()
	preferred := resolver.Resolve(d, now, s.selfContext)

	switch v {
	case V2:
		s.chainV2.Process(preferred)
	default:
		s.chainV1.Process(preferred)
	}

	if s.metrics != nil {
		s.metrics.ProcessingDuration.WithLabelValues(v.String()).Observe(time.Since(start).Seconds())
	}
}

// RegisterDeltaInputHandler adds h to both ingestion chains. The returned
// function removes it from both.
func (s *Server) RegisterDeltaInputHandler(h deltachain.Handler) func() {
	unregisterV1 := s.chainV1.Register(h)
	unregisterV2 := s.chainV2.Register(h)
	return func() {
		unregisterV1()
		unregisterV2()
	}
}

// OnDelta calls fn with every delta leaving the ingestion chains, after it
// has been fanned out on the bus. The returned function removes fn.
func (s *Server) OnDelta(fn func(*delta.Delta)) func() {
	return s.deltas.Subscribe(fn)
}

// Hello is the greeting sent to streaming clients.
type Hello struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Self      string    `json:"self"`
	Roles     []string  `json:"roles"`
	Timestamp time.Time `json:"timestamp"`
}

// Hello returns the greeting for a new streaming client.
func (s *Server) Hello() Hello {
	return Hello{
		Name:      s.name,
		Version:   s.version,
		Self:      "vessels." + s.Settings().SelfID,
		Roles:     []string{"master", "main"},
		Timestamp: s.now().UTC(),
	}
}

// Settings returns the current settings.
func (s *Server) Settings() config.Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// SelfContext returns the context of the self vessel.
func (s *Server) SelfContext() string { return s.selfContext }

// Document returns the live document.
func (s *Server) Document() *document.Document { return s.doc }

// Bundle returns the bus.
func (s *Server) Bundle() *streambundle.Bundle { return s.bundle }

// Cache returns the delta cache.
func (s *Server) Cache() *deltacache.Cache { return s.cache }

// Subscriptions returns the subscription manager.
func (s *Server) Subscriptions() *subscription.Manager { return s.subs }

// Security returns the security strategy.
func (s *Server) Security() security.Strategy { return s.strategy }

// SetClientCounter installs the function reporting connected streaming
// clients for statistics.
func (s *Server) SetClientCounter(count func() int) {
	if count != nil {
		s.clientCounter.Store(count)
	}
}

// DeleteContext removes ctx from the document and the cache.
func (s *Server) DeleteContext(ctx string) {
	s.doc.DeleteContext(ctx)
	s.cache.DeleteContext(ctx)
}

// Prune removes contexts not updated within pruneContextsMinutes from the
// document and the cache.
func (s *Server) Prune() {
	age := int64(s.Settings().PruneContextsMinutes)
	if age <= 0 {
		age = config.DefaultPruneContextsMinutes
	}
	age *= 60
	pruned := s.doc.PruneContexts(age)
	pruned = append(pruned, s.cache.PruneContexts(age)...)
	if len(pruned) > 0 {
		s.logger.Info("pruned stale contexts", "count", len(pruned))
	}
}
