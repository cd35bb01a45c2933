package backpressure

import (
	"log/slog"
	"sync"
	"time"

	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/metric"
)

// Default thresholds in bytes of queued output.
const (
	DefaultEnterThreshold = 512 * 1024
	DefaultExitThreshold  = 1024
)

// Controller decides per delta whether a consumer is sent the delta or
// enters backpressure, and flushes the accumulated values once the consumer
// has drained.
type Controller struct {
	enter   int
	exit    int
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	mu     sync.Mutex
	active bool
	since  time.Time
	acc    *Accumulator
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics counts episodes and coalesced values.
func WithMetrics(m *metric.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source used for episode durations.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller. Non-positive thresholds use the
// defaults.
func NewController(enter, exit int, opts ...ControllerOption) *Controller {
	if enter <= 0 {
		enter = DefaultEnterThreshold
	}
	if exit <= 0 {
		exit = DefaultExitThreshold
	}
	c := &Controller{
		enter:  enter,
		exit:   exit,
		logger: slog.Default(),
		now:    time.Now,
		acc:    NewAccumulator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Offer reports whether d should be sent given queued bytes of pending
// output. Above the enter threshold d is accumulated instead and false is
// returned.
func (c *Controller) Offer(d *delta.Delta, queued int) bool {
	if queued <= c.enter {
		return true
	}
	c.mu.Lock()
	if !c.active {
		c.active = true
		c.since = c.now()
		c.logger.Debug("entering backpressure", "queued", queued)
		if c.metrics != nil {
			c.metrics.BackpressureEpisodes.Inc()
		}
	}
	c.mu.Unlock()
	c.acc.Accumulate(d)
	return false
}

// Drained returns the flush deltas when backpressure is active and queued
// has fallen to the exit threshold, ending the episode. Otherwise it returns
// nil.
func (c *Controller) Drained(queued int) []*delta.Delta {
	c.mu.Lock()
	if !c.active || queued > c.exit || c.acc.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	duration := c.now().Sub(c.since).Milliseconds()
	c.active = false
	c.since = time.Time{}
	c.mu.Unlock()

	out := c.acc.Flush(duration)
	if len(out) > 0 {
		n := out[0].Backpressure.Accumulated
		c.logger.Debug("flushed accumulated values", "count", n, "duration_ms", duration)
		if c.metrics != nil {
			c.metrics.BackpressureFlushed.Add(float64(n))
		}
	}
	return out
}

// Active reports whether the consumer is in backpressure.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
