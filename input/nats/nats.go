// Package nats provides the NATS delta provider: deltas published on
// signalk.delta.<providerId> are validated and handed to the server.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SignalK/signalk-server-sub000/component"
	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/natsclient"
	"github.com/SignalK/signalk-server-sub000/server"
)

// DefaultProviderID is used when the subject carries no provider token.
const DefaultProviderID = "nats"

// Handler receives deltas from providers. *server.Server implements it.
type Handler interface {
	HandleMessage(providerID string, d *delta.Delta, v server.Version)
}

// Subscriber is the part of the NATS client the input uses.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, queue string, handler natsclient.MsgHandler) error
}

// Metrics holds Prometheus metrics for the NATS input
type Metrics struct {
	messagesReceived prometheus.Counter
	messagesRejected *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "nats_input",
			Name:        "messages_received_total",
			Help:        "Messages received on the delta subjects",
			ConstLabels: prometheus.Labels{"input": name},
		}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "nats_input",
			Name:        "messages_rejected_total",
			Help:        "Messages dropped before reaching the server",
			ConstLabels: prometheus.Labels{"input": name},
		}, []string{"reason"}),
	}
	err := registry.RegisterAll(name, metric.Set{
		"messages_received": m.messagesReceived,
		"messages_rejected": m.messagesRejected,
	})
	if err != nil {
		slog.Default().Warn("nats input metrics not registered", "error", err)
		return nil
	}
	return m
}

// InputDeps holds runtime dependencies for the NATS input
type InputDeps struct {
	Name            string
	Config          config.NATSInputConfig
	Subscriber      Subscriber
	Handler         Handler
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Input subscribes to the delta subjects and forwards valid deltas.
type Input struct {
	name       string
	subject    string
	queue      string
	prefix     string
	subscriber Subscriber
	handler    Handler
	validator  *delta.Validator
	logger     *slog.Logger
	metrics    *Metrics

	mu          sync.Mutex
	initialized bool
	running     atomic.Bool
	cancel      context.CancelFunc
	startTime   time.Time

	received     atomic.Int64
	rejected     atomic.Int64
	lastActivity atomic.Value // time.Time
	lastError    atomic.Value // string
}

var _ component.LifecycleComponent = (*Input)(nil)

// NewInput creates a NATS input.
func NewInput(deps InputDeps) *Input {
	subject := deps.Config.Subject
	if subject == "" {
		subject = config.DefaultInputSubject
	}
	name := deps.Name
	if name == "" {
		name = "nats-input"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	in := &Input{
		name:       name,
		subject:    subject,
		queue:      deps.Config.Queue,
		prefix:     strings.TrimSuffix(strings.TrimSuffix(subject, ">"), "*"),
		subscriber: deps.Subscriber,
		handler:    deps.Handler,
		logger:     logger.With("component", name, "subject", subject),
		metrics:    newMetrics(deps.MetricsRegistry, name),
		startTime:  time.Now(),
	}
	in.lastActivity.Store(time.Time{})
	in.lastError.Store("")
	return in
}

// Meta returns the component metadata
func (in *Input) Meta() component.Metadata {
	return component.Metadata{
		Name:        in.name,
		Kind:        component.KindInput,
		Description: fmt.Sprintf("NATS delta provider on %s", in.subject),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (in *Input) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    in.running.Load(),
		ErrorCount: int(in.rejected.Load()),
		LastError:  in.lastError.Load().(string),
		Uptime:     time.Since(in.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (in *Input) DataFlow() component.FlowMetrics {
	received := in.received.Load()
	rejected := in.rejected.Load()

	var rate, errorRate float64
	if uptime := time.Since(in.startTime).Seconds(); uptime > 0 {
		rate = float64(received) / uptime
	}
	if received > 0 {
		errorRate = float64(rejected) / float64(received)
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errorRate,
		LastActivity:      in.lastActivity.Load().(time.Time),
	}
}

// Initialize validates the dependencies and compiles the delta schema.
func (in *Input) Initialize() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.subscriber == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: nats client", errors.ErrMissingConfig),
			"nats-input", "Initialize", "dependency validation")
	}
	if in.handler == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: delta handler", errors.ErrMissingConfig),
			"nats-input", "Initialize", "dependency validation")
	}
	if in.validator == nil {
		v, err := delta.NewValidator()
		if err != nil {
			return err
		}
		in.validator = v
	}
	in.initialized = true
	return nil
}

// Start subscribes to the delta subjects.
func (in *Input) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "nats-input", "Start", "context check")
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.initialized {
		return errors.WrapInvalid(fmt.Errorf("input not initialized"), "nats-input", "Start", "state check")
	}
	if in.running.Load() {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	if err := in.subscriber.Subscribe(subCtx, in.subject, in.queue, in.handle); err != nil {
		cancel()
		in.lastError.Store(err.Error())
		return errors.WrapTransient(err, "nats-input", "Start", "subscribe "+in.subject)
	}
	in.cancel = cancel
	in.startTime = time.Now()
	in.running.Store(true)
	in.logger.Info("nats input started", "queue", in.queue)
	return nil
}

// Stop ends the subscription.
func (in *Input) Stop(_ time.Duration) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.running.Load() {
		return nil
	}
	in.running.Store(false)
	in.cancel()
	in.cancel = nil
	in.logger.Info("nats input stopped")
	return nil
}

// providerID extracts the provider token following the subject prefix.
func (in *Input) providerID(subject string) string {
	if in.prefix == "" || !strings.HasPrefix(subject, in.prefix) {
		return DefaultProviderID
	}
	id := strings.TrimPrefix(subject, in.prefix)
	if id == "" {
		return DefaultProviderID
	}
	return id
}

func (in *Input) handle(_ context.Context, subject string, data []byte) {
	if !in.running.Load() {
		return
	}
	in.received.Add(1)
	in.lastActivity.Store(time.Now())
	if in.metrics != nil {
		in.metrics.messagesReceived.Inc()
	}

	d, err := in.validator.ParseValid(data)
	if err != nil {
		in.reject("invalid", err)
		in.logger.Warn("dropping malformed delta", "nats_subject", subject, "error", err)
		return
	}
	in.handler.HandleMessage(in.providerID(subject), d, server.V1)
}

func (in *Input) reject(reason string, err error) {
	in.rejected.Add(1)
	in.lastError.Store(err.Error())
	if in.metrics != nil {
		in.metrics.messagesRejected.WithLabelValues(reason).Inc()
	}
}
