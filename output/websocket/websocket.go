package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SignalK/signalk-server-sub000/component"
	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/pkg/tlsutil"
	"github.com/SignalK/signalk-server-sub000/security"
	"github.com/SignalK/signalk-server-sub000/server"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	queueLength  = 8192
)

// Metrics holds Prometheus metrics for the stream interface
type Metrics struct {
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	messagesSent       prometheus.Counter
	bytesSent          prometheus.Counter
	messagesReceived   *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"interface": name}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "signalk",
			Subsystem:   "ws",
			Name:        "clients_connected",
			Help:        "Number of currently connected stream clients",
			ConstLabels: labels,
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "ws",
			Name:        "client_connections_total",
			Help:        "Total stream client connections",
			ConstLabels: labels,
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "ws",
			Name:        "client_disconnections_total",
			Help:        "Total stream client disconnections",
			ConstLabels: labels,
		}, []string{"disconnect_reason"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "ws",
			Name:        "messages_sent_total",
			Help:        "Messages written to stream clients",
			ConstLabels: labels,
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "ws",
			Name:        "bytes_sent_total",
			Help:        "Bytes written to stream clients",
			ConstLabels: labels,
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "ws",
			Name:        "messages_received_total",
			Help:        "Messages received from stream clients by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "signalk",
			Subsystem:   "ws",
			Name:        "errors_total",
			Help:        "Stream interface errors",
			ConstLabels: labels,
		}, []string{"error_type"}),
	}

	err := registry.RegisterAll(name, metric.Set{
		"clients_connected":     m.clientsConnected,
		"client_connections":    m.connectionTotal,
		"client_disconnections": m.disconnectionTotal,
		"messages_sent":         m.messagesSent,
		"bytes_sent":            m.bytesSent,
		"messages_received":     m.messagesReceived,
		"errors":                m.errorsTotal,
	})
	if err != nil {
		slog.Default().Warn("stream interface metrics not registered", "error", err)
		return nil
	}
	return m
}

// OutputDeps holds runtime dependencies for the stream interface
type OutputDeps struct {
	Name            string
	Config          config.WSConfig
	Server          *server.Server
	TLS             security.ServerTLSConfig
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	// Principal names the user behind a request for read filtering and write
	// checks. The default uses the verified client certificate common name.
	Principal func(*http.Request) string
}

// Output serves /signalk/v1/stream. Each client gets the hello message,
// optionally the cached values, then live deltas filtered by its subscribe
// mode and any subscriptions it sends.
type Output struct {
	name      string
	cfg       config.WSConfig
	srv       *server.Server
	tls       security.ServerTLSConfig
	principal func(*http.Request) string
	logger    *slog.Logger
	metrics   *Metrics
	core      *metric.Metrics
	validator *delta.Validator
	upgrader  websocket.Upgrader

	lifecycleMu sync.Mutex
	initialized bool
	running     atomic.Bool
	httpServer  *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	wg          sync.WaitGroup
	startTime   time.Time

	clientsMu sync.RWMutex
	clients   map[string]*client

	messagesSent atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Value // time.Time
	lastError    atomic.Value // string
}

var _ component.LifecycleComponent = (*Output)(nil)

// NewOutput creates the stream interface.
func NewOutput(deps OutputDeps) *Output {
	cfg := deps.Config
	if cfg.Path == "" {
		cfg.Path = config.DefaultWSPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxSendBufferTime <= 0 {
		cfg.MaxSendBufferTime = config.DefaultMaxSendBufferTime
	}
	name := deps.Name
	if name == "" {
		name = "ws"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	principal := deps.Principal
	if principal == nil {
		principal = func(r *http.Request) string { return tlsutil.PeerName(r.TLS) }
	}

	o := &Output{
		name:      name,
		cfg:       cfg,
		srv:       deps.Server,
		tls:       deps.TLS,
		principal: principal,
		logger:    logger.With("component", name),
		metrics:   newMetrics(deps.MetricsRegistry, name),
		upgrader: websocket.Upgrader{
			// browsers on the boat network connect from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:   make(map[string]*client),
		startTime: time.Now(),
	}
	if deps.MetricsRegistry != nil {
		o.core = deps.MetricsRegistry.CoreMetrics()
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
		Description: fmt.Sprintf("Signal K stream interface on :%d%s", o.cfg.Port, o.cfg.Path),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (o *Output) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    o.running.Load(),
		ErrorCount: int(o.errorCount.Load()),
		LastError:  o.lastError.Load().(string),
		Uptime:     time.Since(o.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (o *Output) DataFlow() component.FlowMetrics {
	sent := o.messagesSent.Load()
	errs := o.errorCount.Load()

	var rate, errorRate float64
	if uptime := time.Since(o.startTime).Seconds(); uptime > 0 {
		rate = float64(sent) / uptime
	}
	if sent > 0 {
		errorRate = float64(errs) / float64(sent)
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errorRate,
		LastActivity:      o.lastActivity.Load().(time.Time),
	}
}

// Initialize validates the configuration.
func (o *Output) Initialize() error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.srv == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: server", errors.ErrMissingConfig),
			"ws", "Initialize", "dependency validation")
	}
	if o.cfg.Port < 0 || o.cfg.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ws", "Initialize",
			fmt.Sprintf("invalid port %d", o.cfg.Port))
	}
	if o.cfg.Path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ws", "Initialize",
			fmt.Sprintf("path %q must start with /", o.cfg.Path))
	}
	if o.validator == nil {
		v, err := delta.NewValidator()
		if err != nil {
			return err
		}
		o.validator = v
	}
	o.initialized = true
	return nil
}

// Start binds the port and begins accepting clients.
func (o *Output) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "ws", "Start", "context check")
	}

	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if !o.initialized {
		return errors.WrapInvalid(fmt.Errorf("output not initialized"), "ws", "Start", "state check")
	}
	if o.running.Load() {
		return nil
	}

	tlsConfig, err := tlsutil.ServerConfig(o.tls)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", o.cfg.Port))
	if err != nil {
		o.recordError("listen", err)
		return errors.WrapTransient(err, "ws", "Start", fmt.Sprintf("listen on port %d", o.cfg.Port))
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	o.listener = ln
	o.httpServer = &http.Server{
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	o.shutdown = make(chan struct{})
	o.startTime = time.Now()
	o.running.Store(true)
	o.srv.SetClientCounter(o.ClientCount)

	o.wg.Add(2)
	go o.runServer(o.httpServer, ln)
	go o.maintainClients(ctx, o.shutdown)

	o.logger.Info("stream interface listening", "addr", ln.Addr().String(), "path", o.cfg.Path, "tls", tlsConfig != nil)
	return nil
}

// Stop closes the listener and every client.
func (o *Output) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if !o.running.Load() {
		return nil
	}
	o.clientsMu.Lock()
	o.running.Store(false)
	o.clientsMu.Unlock()
	close(o.shutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.httpServer.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("http server shutdown error", "error", err)
	}
	// hijacked connections are not closed by Shutdown
	o.closeAllClients("shutdown")

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		err := fmt.Errorf("stream interface goroutines did not exit within %v", timeout)
		o.recordError("stop_timeout", err)
		return errors.WrapTransient(err, "ws", "Stop", "wait for goroutines")
	}

	o.httpServer = nil
	o.listener = nil
	o.logger.Info("stream interface stopped")
	return nil
}

// Addr returns the bound address while running.
func (o *Output) Addr() net.Addr {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.listener == nil {
		return nil
	}
	return o.listener.Addr()
}

// Handler returns the HTTP handler serving the stream path.
func (o *Output) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(o.cfg.Path, o.handleWebSocket)
	return mux
}

// ClientCount returns the number of connected clients.
func (o *Output) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

func (o *Output) runServer(hs *http.Server, ln net.Listener) {
	defer o.wg.Done()
	if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
		o.recordError("serve", err)
		o.logger.Error("http server failed", "error", err)
	}
}

func (o *Output) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !o.running.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.recordError("connection_upgrade", err)
		return
	}

	c, err := newClient(o, conn, uuid.NewString(), o.principal(r), r.URL.Query())
	if err != nil {
		o.recordError("client_setup", err)
		_ = conn.Close()
		return
	}

	// registration and wg.Add are ordered against Stop by clientsMu
	o.clientsMu.Lock()
	if !o.running.Load() {
		o.clientsMu.Unlock()
		_ = conn.Close()
		return
	}
	o.clients[c.id] = c
	count := len(o.clients)
	o.wg.Add(2)
	o.clientsMu.Unlock()
	if o.metrics != nil {
		o.metrics.connectionTotal.Inc()
		o.metrics.clientsConnected.Set(float64(count))
	}
	c.logger.Debug("client connected", "remote", r.RemoteAddr, "subscribe", r.URL.Query().Get("subscribe"))

	// queued before the writer runs so the hello goes out first
	c.start()
	go func() {
		defer o.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer o.wg.Done()
		c.readLoop()
	}()
}

func (o *Output) removeClient(c *client, reason string) {
	o.clientsMu.Lock()
	_, ok := o.clients[c.id]
	delete(o.clients, c.id)
	count := len(o.clients)
	o.clientsMu.Unlock()
	if !ok {
		return
	}
	if o.metrics != nil {
		o.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
		o.metrics.clientsConnected.Set(float64(count))
	}
	c.logger.Debug("client disconnected", "reason", reason)
}

func (o *Output) snapshot() []*client {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	out := make([]*client, 0, len(o.clients))
	for _, c := range o.clients {
		out = append(out, c)
	}
	return out
}

func (o *Output) closeAllClients(reason string) {
	for _, c := range o.snapshot() {
		c.close(reason)
	}
}

// maintainClients pings clients and flushes backpressure accumulations
// that no later write would trigger.
func (o *Output) maintainClients(ctx context.Context, shutdown <-chan struct{}) {
	defer o.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			for _, c := range o.snapshot() {
				c.ping()
				c.drain()
			}
		}
	}
}

func (o *Output) recordSent(n int, isDelta bool) {
	o.messagesSent.Add(1)
	o.lastActivity.Store(time.Now())
	if isDelta {
		o.srv.IncWriteStatistics(o.name, 1)
	}
	if o.metrics != nil {
		o.metrics.messagesSent.Inc()
		o.metrics.bytesSent.Add(float64(n))
	}
}

func (o *Output) recordReceived(kind string) {
	if o.metrics != nil {
		o.metrics.messagesReceived.WithLabelValues(kind).Inc()
	}
}

func (o *Output) recordError(kind string, err error) {
	o.errorCount.Add(1)
	o.lastError.Store(err.Error())
	if o.metrics != nil {
		o.metrics.errorsTotal.WithLabelValues(kind).Inc()
	}
}
