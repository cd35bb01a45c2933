package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
)

// Sentinel errors returned before any I/O is attempted.
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

const drainTimeout = 30 * time.Second

// MsgHandler receives one core NATS message. ctx ends after the message
// timeout or when the subscription's context does.
type MsgHandler func(ctx context.Context, subject string, data []byte)

// Client is a NATS connection with a circuit breaker in front of its
// JetStream operations. It is safe for concurrent use.
type Client struct {
	url     string
	logger  *slog.Logger
	metrics *metric.Metrics
	streams *streamCollector
	breaker *breaker

	connOpts       []nats.Option
	maxReconnects  int
	reconnectWait  time.Duration
	timeout        time.Duration
	messageTimeout time.Duration
	healthInterval time.Duration

	status atomic.Int32
	closed atomic.Bool

	mu        sync.RWMutex
	conn      *nats.Conn
	connDone  chan struct{}
	js        jetstream.JetStream
	subs      []*nats.Subscription
	onHealth  func(bool)
	stopProbe context.CancelFunc
}

// NewClient prepares a client for url, a comma separated server list. It
// does not dial; call Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            url,
		logger:         slog.Default().With("component", "natsclient"),
		breaker:        newBreaker(5, time.Minute),
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		timeout:        5 * time.Second,
		messageTimeout: 30 * time.Second,
		healthInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	return c, nil
}

// URL returns the server list the client dials.
func (c *Client) URL() string { return c.url }

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsHealthy reports whether the client is connected.
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures returns the failures counted since the breaker last reset.
func (c *Client) Failures() int32 { return c.breaker.failures() }

// Backoff returns the wait the breaker will impose the next time it trips.
func (c *Client) Backoff() time.Duration { return c.breaker.currentBackoff() }

// Snapshot returns the connection status together with breaker state.
func (c *Client) Snapshot() Status {
	s := Status{
		Status:          c.Status(),
		FailureCount:    c.breaker.failures(),
		LastFailureTime: c.breaker.lastFailure(),
		Backoff:         c.breaker.currentBackoff(),
	}
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	c.recordStatus(s)
}

// swapStatus moves from one status to another only if nothing else
// changed it first.
func (c *Client) swapStatus(from, to ConnectionStatus) bool {
	if !c.status.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.recordStatus(to)
	return true
}

func (c *Client) recordStatus(s ConnectionStatus) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordNATSStatus(s == StatusConnected)
	if s == StatusCircuitOpen {
		c.metrics.RecordCircuitBreakerState(1)
	} else {
		c.metrics.RecordCircuitBreakerState(0)
	}
}

// recordFailure feeds the breaker. When it trips the client refuses
// operations until the backoff elapses, then lets the next one through.
func (c *Client) recordFailure() {
	tripped, wait := c.breaker.fail()
	if !tripped {
		return
	}
	if c.Status() == StatusCircuitOpen {
		c.logger.Warn("circuit breaker still open", "next_backoff", c.breaker.currentBackoff())
		return
	}
	c.setStatus(StatusCircuitOpen)
	c.logger.Warn("circuit breaker opened", "retry_in", wait)
	time.AfterFunc(wait, func() {
		if c.swapStatus(StatusCircuitOpen, StatusDisconnected) {
			c.logger.Debug("circuit breaker half-open")
		}
	})
}

func (c *Client) resetCircuit() {
	c.breaker.reset()
	c.swapStatus(StatusCircuitOpen, StatusDisconnected)
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for connection")
		case <-poll.C:
		}
	}
	return nil
}

type dialResult struct {
	conn *nats.Conn
	err  error
}

// Connect dials the servers. It fails fast with ErrCircuitOpen while the
// breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.closed.Store(false)
	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	done := make(chan struct{})
	var closeOnce sync.Once
	opts := append([]nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(func(*nats.Conn) {
			closeOnce.Do(func() { close(done) })
			c.handleClosed()
		}),
		nats.ErrorHandler(c.handleError),
	}, c.connOpts...)

	result := make(chan dialResult, 1)
	go func() {
		nc, err := nats.Connect(c.url, opts...)
		result <- dialResult{nc, err}
	}()

	var nc *nats.Conn
	select {
	case r := <-result:
		if r.err != nil {
			return c.connectFailed(errors.WrapTransient(r.err, "Client", "Connect", "establish connection"))
		}
		nc = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-result; r.conn != nil {
				r.conn.Close()
			}
		}()
		return c.connectFailed(errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled"))
	}

	js, err := jetstream.New(nc)
	if err != nil {
		c.logger.Warn("JetStream unavailable", "error", err)
	}

	c.mu.Lock()
	c.conn, c.connDone, c.js = nc, done, js
	c.mu.Unlock()

	c.breaker.reset()
	c.setStatus(StatusConnected)
	c.logger.Info("connected to NATS", "url", nc.ConnectedUrlRedacted())

	if c.healthInterval > 0 {
		c.startProbe()
	}
	c.notifyHealth(true)
	return nil
}

func (c *Client) connectFailed(err error) error {
	c.setStatus(StatusDisconnected)
	c.recordFailure()
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	return err
}

// Close unsubscribes everything and drains the connection, giving up when
// ctx ends. Calling it again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stopProbing()

	c.mu.Lock()
	conn, done, subs := c.conn, c.connDone, c.subs
	c.conn, c.connDone, c.js, c.subs = nil, nil, nil, nil
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe "+sub.Subject))
		}
	}

	if conn != nil {
		err := conn.Drain()
		switch {
		case err == nil:
			select {
			case <-done:
			case <-ctx.Done():
				errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain interrupted"))
			}
		case !stderrors.Is(err, nats.ErrConnectionClosed):
			errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
		}
		conn.Close()
	}

	c.setStatus(StatusDisconnected)
	c.notifyHealth(false)
	return stderrors.Join(errs...)
}

func (c *Client) connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil
	}
	return c.conn
}

// RTT measures a round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn := c.connection()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe delivers messages on subject to handler until ctx ends or the
// client closes. A non-empty queue shares the subject between every
// subscriber in that queue group.
func (c *Client) Subscribe(ctx context.Context, subject, queue string, handler MsgHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	deliver := func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, c.messageTimeout)
		defer cancel()
		handler(msgCtx, msg.Subject, msg.Data)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, deliver)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, deliver)
	}
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)

	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	return nil
}

// Publish sends data on a core NATS subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.connection()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// JetStream returns the JetStream handle of the current connection.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(stderrors.New("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// guarded runs a JetStream operation behind the breaker: it refuses while
// the circuit is open or the client is not connected, and records the
// outcome.
func (c *Client) guarded(op string, fn func(jetstream.JetStream) error) error {
	switch c.Status() {
	case StatusConnected:
	case StatusCircuitOpen:
		return ErrCircuitOpen
	default:
		return ErrNotConnected
	}
	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return err
	}
	if err := fn(js); err != nil {
		c.recordFailure()
		c.streams.failed(op)
		return err
	}
	c.resetCircuit()
	return nil
}

// EnsureStream creates the stream, or updates it in place if it exists.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	var stream jetstream.Stream
	err := c.guarded("ensure_stream", func(js jetstream.JetStream) error {
		s, err := js.CreateOrUpdateStream(ctx, cfg)
		if err != nil {
			return errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.streams.track(cfg.Name, stream)
	return stream, nil
}

// PublishToStream publishes to a subject bound to a stream and waits for
// the server's acknowledgement.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	return c.guarded("publish", func(js jetstream.JetStream) error {
		if _, err := js.Publish(ctx, subject, data); err != nil {
			return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
		}
		return nil
	})
}

// CreateKeyValueBucket returns the bucket named in cfg, creating it first
// if needed.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	var bucket jetstream.KeyValue
	err := c.guarded("create_bucket", func(js jetstream.JetStream) error {
		if kv, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
			bucket = kv
			return nil
		}
		kv, err := js.CreateKeyValue(ctx, cfg)
		if isAlreadyExistsError(err) {
			// another server created it between the lookup and the create
			kv, err = js.KeyValue(ctx, cfg.Bucket)
		} else if err == nil {
			c.logger.Info("created KV bucket", "bucket", cfg.Bucket)
		}
		if err != nil {
			return errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
		}
		bucket = kv
		return nil
	})
	return bucket, err
}

// GetKeyValueBucket returns an existing bucket. A missing bucket is an
// invalid-request error and does not count against the breaker.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	var (
		bucket  jetstream.KeyValue
		missing error
	)
	err := c.guarded("get_bucket", func(js jetstream.JetStream) error {
		kv, err := js.KeyValue(ctx, name)
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			missing = errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrBucketNotFound, name),
				"Client", "GetKeyValueBucket", "lookup bucket")
			return nil
		}
		bucket = kv
		return err
	})
	if missing != nil {
		return nil, missing
	}
	return bucket, err
}

// OnHealthChange registers fn to be called, on its own goroutine, whenever
// the connection becomes healthy or unhealthy.
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	c.onHealth = fn
	c.mu.Unlock()
}

func (c *Client) notifyHealth(healthy bool) {
	c.mu.RLock()
	fn := c.onHealth
	c.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Warn("disconnected from NATS", "error", err)
	}
	c.notifyHealth(false)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.breaker.reset()
	c.setStatus(StatusConnected)
	if c.metrics != nil {
		c.metrics.NATSReconnects.Inc()
	}
	c.logger.Info("reconnected to NATS")
	c.notifyHealth(true)
}

func (c *Client) handleClosed() {
	if c.Status() != StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
	c.notifyHealth(false)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}

// startProbe checks the connection with a round trip every health
// interval and corrects the status when the library missed a change.
func (c *Client) startProbe() {
	c.stopProbing()
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.stopProbe = cancel
	interval := c.healthInterval
	c.mu.Unlock()

	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		healthy := c.IsHealthy()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			_, err := c.RTT()
			now := err == nil
			switch {
			case now && c.Status() == StatusReconnecting:
				c.setStatus(StatusConnected)
			case !now && c.Status() == StatusConnected:
				c.setStatus(StatusReconnecting)
			}
			if now != healthy {
				c.notifyHealth(now)
				healthy = now
			}
		}
	}()
}

func (c *Client) stopProbing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopProbe != nil {
		c.stopProbe()
		c.stopProbe = nil
	}
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
