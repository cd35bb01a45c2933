// Package nats republishes the server's delta stream to a JetStream stream
// so that other services can replay what the server saw. Deltas land on
// <prefix>.<context type>, for example signalk.out.vessels.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SignalK/signalk-server-sub000/component"
	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/pkg/retry"
	"github.com/SignalK/signalk-server-sub000/pkg/worker"
)

// Publisher is the part of the NATS client the output uses.
type Publisher interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Source emits the deltas to republish. *server.Server implements it.
type Source interface {
	OnDelta(fn func(*delta.Delta)) func()
}

type Metrics struct {
	published *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "nats_output",
			Name:        "deltas_total",
			Help:        "Deltas handled by the JetStream output by outcome",
			ConstLabels: prometheus.Labels{"output": name},
		}, []string{"status"}),
	}
	if err := registry.Register(name, "deltas", m.published); err != nil {
		slog.Default().Warn("nats output metrics not registered", "error", err)
		return nil
	}
	return m
}

// OutputDeps holds runtime dependencies for the NATS output
type OutputDeps struct {
	Name            string
	Config          config.NATSOutputConfig
	Publisher       Publisher
	Source          Source
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	Retry           *retry.Config
}

// Output copies every delta the server emits to JetStream.
type Output struct {
	name      string
	stream    string
	prefix    string
	workers   int
	queueSize int
	publisher Publisher
	source    Source
	registry  *metric.MetricsRegistry
	retry     retry.Config
	logger    *slog.Logger
	metrics   *Metrics

	mu          sync.Mutex
	initialized bool
	running     atomic.Bool
	pool        atomic.Pointer[worker.Pool[*delta.Delta]]
	unsubscribe func()
	startTime   time.Time

	published    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	lastActivity atomic.Value // time.Time
	lastError    atomic.Value // string
}

var _ component.LifecycleComponent = (*Output)(nil)

// NewOutput creates a JetStream output.
func NewOutput(deps OutputDeps) *Output {
	cfg := deps.Config
	if cfg.Stream == "" {
		cfg.Stream = config.DefaultOutputStream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = config.DefaultOutputSubjectPrefix
	}
	name := deps.Name
	if name == "" {
		name = "nats-output"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rc := retry.DefaultConfig()
	if deps.Retry != nil {
		rc = *deps.Retry
	}

	o := &Output{
		name:      name,
		stream:    cfg.Stream,
		prefix:    strings.TrimSuffix(cfg.SubjectPrefix, "."),
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		publisher: deps.Publisher,
		source:    deps.Source,
		registry:  deps.MetricsRegistry,
		retry:     rc,
		logger:    logger.With("component", name, "stream", cfg.Stream),
		metrics:   newMetrics(deps.MetricsRegistry, name),
		startTime: time.Now(),
	}
	o.lastActivity.Store(time.Time{})
	o.lastError.Store("")
	return o
}

// Meta returns the component metadata
func (o *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        o.name,
		Kind:        component.KindOutput,
		Description: fmt.Sprintf("JetStream delta publisher on %s.>", o.prefix),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (o *Output) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    o.running.Load(),
		ErrorCount: int(o.failed.Load() + o.dropped.Load()),
		LastError:  o.lastError.Load().(string),
		Uptime:     time.Since(o.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (o *Output) DataFlow() component.FlowMetrics {
	published := o.published.Load()
	failed := o.failed.Load() + o.dropped.Load()

	var rate, errorRate float64
	if uptime := time.Since(o.startTime).Seconds(); uptime > 0 {
		rate = float64(published) / uptime
	}
	if total := published + failed; total > 0 {
		errorRate = float64(failed) / float64(total)
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errorRate,
		LastActivity:      o.lastActivity.Load().(time.Time),
	}
}

// Initialize validates the dependencies.
func (o *Output) Initialize() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.publisher == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: nats client", errors.ErrMissingConfig),
			"nats-output", "Initialize", "dependency validation")
	}
	if o.source == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: delta source", errors.ErrMissingConfig),
			"nats-output", "Initialize", "dependency validation")
	}
	o.initialized = true
	return nil
}

// Start makes sure the stream exists, then begins publishing.
func (o *Output) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "nats-output", "Start", "context check")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return errors.WrapInvalid(fmt.Errorf("output not initialized"), "nats-output", "Start", "state check")
	}
	if o.running.Load() {
		return nil
	}

	streamCfg := jetstream.StreamConfig{
		Name:        o.stream,
		Description: "Signal K deltas emitted by the server",
		Subjects:    []string{o.prefix + ".>"},
		MaxAge:      24 * time.Hour,
	}
	err := retry.Do(ctx, o.retry, func() error {
		_, err := o.publisher.EnsureStream(ctx, streamCfg)
		return err
	})
	if err != nil {
		o.lastError.Store(err.Error())
		return errors.WrapTransient(err, "nats-output", "Start", "ensure stream "+o.stream)
	}

	pool := worker.NewPool(o.workers, o.queueSize, o.publish,
		worker.WithMetrics[*delta.Delta](o.registry, o.name))
	if err := pool.Start(ctx); err != nil {
		return errors.Wrap(err, "nats-output", "Start", "start workers")
	}
	o.pool.Store(pool)
	o.unsubscribe = o.source.OnDelta(o.enqueue)
	o.startTime = time.Now()
	o.running.Store(true)
	o.logger.Info("nats output started", "subjects", streamCfg.Subjects)
	return nil
}

// Stop detaches from the server and drains queued deltas within timeout.
func (o *Output) Stop(timeout time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running.Load() {
		return nil
	}
	o.running.Store(false)
	o.unsubscribe()
	o.unsubscribe = nil

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := o.pool.Swap(nil).Stop(ctx)
	if err != nil {
		o.lastError.Store(err.Error())
		return errors.WrapTransient(err, "nats-output", "Stop", "drain workers")
	}
	o.logger.Info("nats output stopped")
	return nil
}

// Subject returns the subject a delta is published on.
func (o *Output) Subject(d *delta.Delta) string {
	contextType, _, _ := strings.Cut(d.Context, ".")
	if contextType == "" {
		contextType = "vessels"
	}
	return o.prefix + "." + contextType
}

// enqueue runs on the server's delivery path and must not block.
func (o *Output) enqueue(d *delta.Delta) {
	if !o.running.Load() {
		return
	}
	pool := o.pool.Load()
	if pool == nil {
		return
	}
	if err := pool.Submit(d); err != nil {
		if err == worker.ErrStopped {
			return
		}
		o.lastError.Store(err.Error())
		o.dropped.Add(1)
		o.count("dropped")
	}
}

func (o *Output) publish(ctx context.Context, d *delta.Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		o.failed.Add(1)
		o.count("failed")
		return err
	}
	if err := o.publisher.PublishToStream(ctx, o.Subject(d), data); err != nil {
		o.lastError.Store(err.Error())
		o.failed.Add(1)
		o.count("failed")
		o.logger.Debug("publish failed", "context", d.Context, "error", err)
		return err
	}
	o.published.Add(1)
	o.lastActivity.Store(time.Now())
	o.count("published")
	return nil
}

func (o *Output) count(status string) {
	if o.metrics != nil {
		o.metrics.published.WithLabelValues(status).Inc()
	}
}
