package udp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SignalK/signalk-server-sub000/component"
	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/pkg/buffer"
	"github.com/SignalK/signalk-server-sub000/pkg/retry"
	"github.com/SignalK/signalk-server-sub000/server"
)

const (
	maxDatagram      = 65536
	socketBufferSize = 2 * 1024 * 1024
	readPoll         = 100 * time.Millisecond
	batchSize        = 100
)

// Handler receives deltas from providers. *server.Server implements it.
type Handler interface {
	HandleMessage(providerID string, d *delta.Delta, v server.Version)
}

// Metrics holds Prometheus metrics for the UDP input
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  prometheus.Counter
	socketErrors    prometheus.Counter
	deltasRejected  *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"input": name}
	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "udp",
			Name:        "packets_received_total",
			Help:        "Total UDP datagrams received",
			ConstLabels: labels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "udp",
			Name:        "bytes_received_total",
			Help:        "Total bytes received from UDP",
			ConstLabels: labels,
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "udp",
			Name:        "packets_dropped_total",
			Help:        "Datagrams dropped because the buffer was full",
			ConstLabels: labels,
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "udp",
			Name:        "socket_errors_total",
			Help:        "Socket read errors encountered",
			ConstLabels: labels,
		}),
		deltasRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "udp",
			Name:        "deltas_rejected_total",
			Help:        "Deltas dropped before reaching the server",
			ConstLabels: labels,
		}, []string{"reason"}),
	}

	err := registry.RegisterAll(name, metric.Set{
		"packets_received": m.packetsReceived,
		"bytes_received":   m.bytesReceived,
		"packets_dropped":  m.packetsDropped,
		"socket_errors":    m.socketErrors,
		"deltas_rejected":  m.deltasRejected,
	})
	if err != nil {
		slog.Default().Warn("udp input metrics not registered", "error", err)
		return nil
	}
	return m
}

// InputDeps holds runtime dependencies for the UDP input
type InputDeps struct {
	Name            string
	Config          config.UDPInputConfig
	Handler         Handler
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	Retry           *retry.Config
}

// Input listens for datagrams of Signal K deltas and hands every valid
// delta to the server under one provider id.
type Input struct {
	name       string
	bind       string
	port       int
	providerID string
	bufferSize int
	handler    Handler
	validator  *delta.Validator
	logger     *slog.Logger
	metrics    *Metrics
	registry   *metric.MetricsRegistry
	retry      retry.Config

	mu          sync.RWMutex
	initialized bool
	running     atomic.Bool
	conn        *net.UDPConn
	buffer      *buffer.Ring[[]byte]
	notify      chan struct{}
	shutdown    chan struct{}
	wg          sync.WaitGroup
	startTime   time.Time

	packets      atomic.Int64
	bytes        atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Value // time.Time
	lastError    atomic.Value // string
}

var _ component.LifecycleComponent = (*Input)(nil)

// NewInput creates a UDP input.
func NewInput(deps InputDeps) *Input {
	cfg := deps.Config
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = config.DefaultUDPProviderID
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	name := deps.Name
	if name == "" {
		name = "udp-input"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryCfg := retry.DefaultConfig()
	if deps.Retry != nil {
		retryCfg = *deps.Retry
	}

	u := &Input{
		name:       name,
		bind:       cfg.Bind,
		port:       cfg.Port,
		providerID: cfg.ProviderID,
		bufferSize: cfg.BufferSize,
		handler:    deps.Handler,
		logger:     logger.With("component", name, "port", cfg.Port),
		metrics:    newMetrics(deps.MetricsRegistry, name),
		registry:   deps.MetricsRegistry,
		retry:      retryCfg,
		startTime:  time.Now(),
	}
	u.lastActivity.Store(time.Time{})
	u.lastError.Store("")
	return u
}

// Meta returns the component metadata
func (u *Input) Meta() component.Metadata {
	return component.Metadata{
		Name:        u.name,
		Kind:        component.KindInput,
		Description: fmt.Sprintf("UDP delta provider %s on %s:%d", u.providerID, u.bind, u.port),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (u *Input) Health() component.HealthStatus {
	u.mu.RLock()
	connected := u.conn != nil
	u.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    u.running.Load() && connected,
		ErrorCount: int(u.errors.Load()),
		LastError:  u.lastError.Load().(string),
		Uptime:     time.Since(u.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (u *Input) DataFlow() component.FlowMetrics {
	packets := u.packets.Load()
	bytesIn := u.bytes.Load()
	errs := u.errors.Load()

	var packetRate, byteRate, errorRate float64
	if uptime := time.Since(u.startTime).Seconds(); uptime > 0 {
		packetRate = float64(packets) / uptime
		byteRate = float64(bytesIn) / uptime
	}
	if packets > 0 {
		errorRate = float64(errs) / float64(packets)
	}
	return component.FlowMetrics{
		MessagesPerSecond: packetRate,
		BytesPerSecond:    byteRate,
		ErrorRate:         errorRate,
		LastActivity:      u.lastActivity.Load().(time.Time),
	}
}

// Initialize validates the configuration and compiles the delta schema.
func (u *Input) Initialize() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	// 0 lets the OS pick a port
	if u.port < 0 || u.port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", u.port),
			"udp-input", "Initialize", "port validation")
	}
	if u.handler == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: delta handler", errors.ErrMissingConfig),
			"udp-input", "Initialize", "dependency validation")
	}
	if u.validator == nil {
		v, err := delta.NewValidator()
		if err != nil {
			return err
		}
		u.validator = v
	}
	if u.buffer == nil {
		buf, err := buffer.New(u.bufferSize,
			buffer.WithPolicy[[]byte](buffer.DropOldest),
			buffer.WithMetrics[[]byte](u.registry, u.name),
			buffer.OnDrop(func([]byte) {
				if u.metrics != nil {
					u.metrics.packetsDropped.Inc()
				}
			}),
		)
		if err != nil {
			return errors.WrapInvalid(err, "udp-input", "Initialize", "create buffer")
		}
		u.buffer = buf
	}
	u.initialized = true
	return nil
}

// Start binds the socket and begins reading datagrams.
func (u *Input) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "udp-input", "Start", "context check")
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.initialized {
		return errors.WrapInvalid(fmt.Errorf("input not initialized"), "udp-input", "Start", "state check")
	}
	if u.running.Load() {
		return nil
	}

	if err := retry.Do(ctx, u.retry, u.bindSocket); err != nil {
		u.lastError.Store(err.Error())
		return errors.WrapTransient(err, "udp-input", "Start", "socket binding")
	}

	u.notify = make(chan struct{}, 1)
	u.shutdown = make(chan struct{})
	u.startTime = time.Now()
	u.running.Store(true)

	u.wg.Add(2)
	go u.readLoop(ctx, u.conn, u.shutdown)
	go u.processLoop(ctx, u.shutdown)

	u.logger.Info("udp input listening", "addr", u.conn.LocalAddr().String(), "provider", u.providerID)
	return nil
}

// bindSocket creates and binds the UDP socket. Caller holds mu.
func (u *Input) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(u.bind, fmt.Sprint(u.port)))
	if err != nil {
		return fmt.Errorf("resolve UDP address %s:%d: %w", u.bind, u.port, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on UDP port %d: %w", u.port, err)
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		// some systems cap the buffer size
		u.logger.Warn("could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}
	u.conn = conn
	return nil
}

// Stop closes the socket and waits for the loops to exit.
func (u *Input) Stop(timeout time.Duration) error {
	u.mu.Lock()
	if !u.running.Load() {
		u.mu.Unlock()
		return nil
	}
	u.running.Store(false)
	close(u.shutdown)
	_ = u.conn.Close()
	u.mu.Unlock()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"udp-input", "Stop", "graceful shutdown")
	}

	u.mu.Lock()
	u.conn = nil
	// datagrams not yet handled are discarded
	u.buffer.Reset()
	u.mu.Unlock()
	u.logger.Info("udp input stopped")
	return nil
}

// Addr returns the bound address while running.
func (u *Input) Addr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *Input) readLoop(ctx context.Context, conn *net.UDPConn, shutdown <-chan struct{}) {
	defer u.wg.Done()
	packet := make([]byte, maxDatagram)

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		default:
		}

		// the deadline lets the loop notice ctx cancellation
		_ = conn.SetReadDeadline(time.Now().Add(readPoll))
		n, _, err := conn.ReadFromUDP(packet)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-shutdown:
				return
			default:
			}
			u.errors.Add(1)
			u.lastError.Store(err.Error())
			if u.metrics != nil {
				u.metrics.socketErrors.Inc()
			}
			u.logger.Error("udp read failed", "error", err)
			return
		}

		u.packets.Add(1)
		u.bytes.Add(int64(n))
		u.lastActivity.Store(time.Now())
		if u.metrics != nil {
			u.metrics.packetsReceived.Inc()
			u.metrics.bytesReceived.Add(float64(n))
		}

		data := make([]byte, n)
		copy(data, packet[:n])
		if err := u.buffer.Push(data); err != nil {
			continue
		}
		select {
		case u.notify <- struct{}{}:
		default:
		}
	}
}

// processLoop hands buffered datagrams to the server so that a slow
// pipeline never stalls the socket.
func (u *Input) processLoop(ctx context.Context, shutdown <-chan struct{}) {
	defer u.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-u.notify:
		}
		for {
			batch := u.buffer.Drain(batchSize)
			if len(batch) == 0 {
				break
			}
			for _, data := range batch {
				u.handleDatagram(data)
			}
		}
	}
}

// handleDatagram parses each non-empty line of data as a delta.
func (u *Input) handleDatagram(data []byte) {
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		d, err := u.validator.ParseValid(line)
		if err != nil {
			u.reject("invalid", err)
			u.logger.Warn("dropping malformed delta", "error", err)
			continue
		}
		u.handler.HandleMessage(u.providerID, d, server.V1)
	}
}

func (u *Input) reject(reason string, err error) {
	u.errors.Add(1)
	u.lastError.Store(err.Error())
	if u.metrics != nil {
		u.metrics.deltasRejected.WithLabelValues(reason).Inc()
	}
}
