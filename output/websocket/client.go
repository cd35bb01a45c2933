package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/SignalK/signalk-server-sub000/backpressure"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/pkg/buffer"
	"github.com/SignalK/signalk-server-sub000/server"
	"github.com/SignalK/signalk-server-sub000/subscription"
)

// streamMode is the subscribe query parameter of a connection.
type streamMode int

const (
	modeSelf streamMode = iota
	modeAll
	modeNone
)

func parseMode(v string) streamMode {
	switch v {
	case "all":
		return modeAll
	case "none":
		return modeNone
	default:
		return modeSelf
	}
}

const bufferOverflowMessage = "Server outgoing buffer overflow, terminating connection"

// frame is one queued outgoing message. A final frame closes the
// connection once written.
type frame struct {
	data    []byte
	isDelta bool
	final   bool
}

type client struct {
	id       string
	provider string
	user     string
	mode     streamMode
	cached   bool

	out    *Output
	conn   *websocket.Conn
	logger *slog.Logger

	queue   *buffer.Ring[frame]
	queued  atomic.Int64
	notify  chan struct{}
	done    chan struct{}
	ctrl    *backpressure.Controller
	limiter *rate.Limiter

	unsubs subscription.Unsubscribes

	mu        sync.Mutex
	offDelta  func()
	overSince time.Time

	closeOnce sync.Once
	closed    atomic.Bool
	// ending is set once a final frame is queued; nothing else is queued
	// after it and the reader stops.
	ending atomic.Bool
	// overflow asks the writer to terminate the connection. Teardown cannot
	// run on the delivery path, which holds the subscription guards.
	overflow atomic.Bool
}

func newClient(o *Output, conn *websocket.Conn, id, user string, query url.Values) (*client, error) {
	c := &client{
		id:       id,
		provider: "ws." + strings.ReplaceAll(id, ".", "_"),
		user:     user,
		mode:     parseMode(query.Get("subscribe")),
		cached:   query.Get("sendCachedValues") != "false",
		out:      o,
		conn:     conn,
		logger:   o.logger.With("client", id),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	queue, err := buffer.New(queueLength,
		buffer.WithPolicy[frame](buffer.DropOldest),
		buffer.OnDrop(func(f frame) {
			c.queued.Add(-int64(len(f.data)))
			o.recordError("queue_overflow", fmt.Errorf("client %s queue full", id))
		}),
	)
	if err != nil {
		return nil, err
	}
	c.queue = queue
	c.ctrl = backpressure.NewController(o.cfg.BackpressureEnter, o.cfg.BackpressureExit,
		backpressure.WithLogger(c.logger), backpressure.WithMetrics(o.core))
	if o.cfg.RateLimit > 0 {
		burst := o.cfg.RateBurst
		if burst <= 0 {
			burst = int(o.cfg.RateLimit) + 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(o.cfg.RateLimit), burst)
	}
	if o.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(o.cfg.MaxMessageSize)
	}
	return c, nil
}

// start sends the hello, attaches the server-wide listener for the
// connection's subscribe mode and replays cached values.
func (c *client) start() {
	srv := c.out.srv
	c.enqueue(srv.Hello(), false)

	var matches func(string) bool
	switch c.mode {
	case modeSelf:
		self := srv.SelfContext()
		matches = func(ctx string) bool { return ctx == "" || ctx == self }
	case modeAll:
		matches = func(string) bool { return true }
	}
	if matches != nil {
		off := srv.OnDelta(func(d *delta.Delta) {
			if matches(d.Context) {
				c.deliver(d)
			}
		})
		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			off()
			return
		}
		c.offDelta = off
		c.mu.Unlock()
	}

	if c.cached && c.mode != modeNone {
		self := srv.SelfContext()
		replay := func(ctx string) bool { return c.mode == modeAll || ctx == self }
		for _, d := range srv.Cache().GetCachedDeltas(replay, c.user, "") {
			c.deliver(d)
		}
	}
}

// deliver applies read filtering and backpressure, then queues d. It runs
// on the server's delivery path and never blocks.
func (c *client) deliver(d *delta.Delta) {
	if c.closed.Load() || c.ending.Load() {
		return
	}
	filtered := c.out.srv.Security().FilterReadDelta(c.user, d)
	if filtered == nil {
		return
	}
	if c.ctrl.Offer(filtered, int(c.queued.Load())) {
		c.enqueue(filtered, true)
	}
	c.checkSendBuffer()
}

func (c *client) enqueue(v any, isDelta bool) {
	data, err := json.Marshal(v)
	if err != nil {
		c.out.recordError("marshal", err)
		return
	}
	c.push(frame{data: data, isDelta: isDelta})
}

func (c *client) push(f frame) {
	if c.closed.Load() || (c.ending.Load() && !f.final) {
		return
	}
	c.queued.Add(int64(len(f.data)))
	if err := c.queue.Push(f); err != nil {
		c.queued.Add(-int64(len(f.data)))
		return
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// sendText queues a plain string, the way errors are reported to clients.
func (c *client) sendText(msg string) {
	c.enqueue(msg, false)
}

// checkSendBuffer disconnects a client whose queue has stayed above the
// limit for too long.
func (c *client) checkSendBuffer() {
	limit := c.out.cfg.MaxSendBuffer
	if limit <= 0 {
		return
	}
	queued := c.queued.Load()

	c.mu.Lock()
	if queued <= int64(limit) {
		c.overSince = time.Time{}
		c.mu.Unlock()
		return
	}
	if c.overSince.IsZero() {
		c.overSince = time.Now()
		c.mu.Unlock()
		c.logger.Warn("outgoing buffer above limit", "queued", queued, "limit", limit)
		return
	}
	expired := time.Since(c.overSince) > c.out.cfg.MaxSendBufferTime
	c.mu.Unlock()

	if expired && c.overflow.CompareAndSwap(false, true) {
		c.logger.Error("send buffer overflow, terminating connection", "queued", queued)
		c.out.recordError("send_buffer_overflow", fmt.Errorf("client %s send buffer overflow", c.id))
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// writeLoop is the only writer of data frames on the connection.
func (c *client) writeLoop() {
	defer c.close("write_loop")
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		for {
			if c.overflow.Load() {
				c.terminate(websocket.CloseTryAgainLater, bufferOverflowMessage)
				return
			}
			batch := c.queue.Drain(64)
			if len(batch) == 0 {
				break
			}
			for _, f := range batch {
				if err := c.write(f.data); err != nil {
					c.logger.Debug("write failed", "error", err)
					c.out.recordError("write", err)
					return
				}
				c.queued.Add(-int64(len(f.data)))
				c.out.recordSent(len(f.data), f.isDelta)
				if f.final {
					return
				}
			}
			c.drain()
		}
	}
}

func (c *client) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.out.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// drain flushes the backpressure accumulation once the queue is low enough.
func (c *client) drain() {
	for _, d := range c.ctrl.Drained(int(c.queued.Load())) {
		c.enqueue(d, true)
	}
}

func (c *client) ping() {
	if c.closed.Load() {
		return
	}
	deadline := time.Now().Add(c.out.cfg.WriteTimeout)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.out.recordError("ping", err)
		c.close("ping_failed")
	}
}

func (c *client) readLoop() {
	defer func() {
		// an ending client is closed by the writer after the final frame
		if !c.ending.Load() {
			c.close("read_loop")
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if c.limiter != nil && !c.limiter.Allow() {
			c.out.recordReceived("rate_limited")
			continue
		}
		c.handleMessage(data)
		if c.closed.Load() || c.ending.Load() {
			return
		}
	}
}

// inbound holds the keys of a client message that select what it does.
// One message may carry several of them.
type inbound struct {
	Updates     json.RawMessage `json:"updates"`
	Subscribe   json.RawMessage `json:"subscribe"`
	Unsubscribe json.RawMessage `json:"unsubscribe"`
}

func (c *client) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.out.recordReceived("unparseable")
		c.logger.Debug("failed to parse message", "error", err)
		return
	}
	if len(msg.Updates) > 0 {
		c.handleUpdates(data)
	}
	if len(msg.Subscribe) > 0 || len(msg.Unsubscribe) > 0 {
		var req subscription.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.out.recordReceived("unparseable")
			c.sendText(err.Error())
			return
		}
		if len(msg.Subscribe) > 0 {
			c.handleSubscribe(&req)
		}
		if len(msg.Unsubscribe) > 0 {
			c.handleUnsubscribe(&req)
		}
	}
}

func (c *client) handleUpdates(data []byte) {
	c.out.recordReceived("updates")
	d, err := c.out.validator.ParseValid(data)
	if err != nil {
		c.out.recordError("invalid_delta", err)
		c.logger.Debug("dropping invalid delta", "error", err)
		return
	}
	if d.Context == "" || d.Context == "vessels.self" {
		d.Context = c.out.srv.SelfContext()
	}
	if !c.out.srv.Security().ShouldAllowWrite(c.user, d) {
		c.out.recordError("write_denied", fmt.Errorf("client %s needs authorization to write", c.id))
		c.logger.Debug("security disallowed update", "user", c.user)
		return
	}
	c.out.srv.HandleMessage(c.provider, d, server.V1)
}

func (c *client) handleSubscribe(req *subscription.Request) {
	c.out.recordReceived("subscribe")
	c.out.srv.Subscriptions().Subscribe(req, &c.unsubs, c.sendText, c.deliver, c.user)
}

// handleUnsubscribe tears down the client's subscriptions and the
// server-wide listener. An unsupported request ends the connection.
func (c *client) handleUnsubscribe(req *subscription.Request) {
	c.out.recordReceived("unsubscribe")
	if err := c.out.srv.Subscriptions().Unsubscribe(req, &c.unsubs); err != nil {
		c.logger.Debug("unsubscribe rejected", "error", err)
		data, _ := json.Marshal(err.Error())
		c.ending.Store(true)
		c.detach()
		c.push(frame{data: data, final: true})
		return
	}
	c.stopStream()
}

// stopStream removes the listener attached for the subscribe mode.
func (c *client) stopStream() {
	c.mu.Lock()
	off := c.offDelta
	c.offDelta = nil
	c.mu.Unlock()
	if off != nil {
		off()
	}
}

// detach removes every delta listener of the client.
func (c *client) detach() {
	c.stopStream()
	c.unsubs.RunAll()
}

func (c *client) terminate(code int, reason string) {
	deadline := time.Now().Add(c.out.cfg.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close("terminated")
}

func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.detach()
		_ = c.conn.Close()
		_ = c.queue.Close()
		c.out.removeClient(c, reason)
	})
}
