// Package worker runs queued work items on a fixed set of goroutines.
// Submit never blocks: a full queue rejects the item with ErrQueueFull.
package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
)

var (
	ErrNotStarted     = stderrors.New("worker pool not started")
	ErrStopped        = stderrors.New("worker pool stopped")
	ErrAlreadyStarted = stderrors.New("worker pool already started")
	ErrQueueFull      = stderrors.New("worker pool queue full")
)

// Defaults for NewPool arguments that are not positive.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1000
)

type state int32

const (
	idle state = iota
	running
	stopped
)

// Stats is a snapshot of the pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics exports item outcomes, queue depth and processing time under
// name. Registration failures leave the pool without metrics.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		if registry != nil && name != "" {
			p.obs = newObserver(registry, name)
		}
	}
}

// Pool hands items of type T to process on a fixed number of goroutines.
type Pool[T any] struct {
	workers int
	process func(context.Context, T) error
	queue   chan T
	obs     *observer

	mu    sync.Mutex // guards state transitions and sends on queue
	state state
	group *errgroup.Group

	submitted, processed, failed, dropped atomic.Int64
}

// NewPool creates a pool that is idle until Start.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if process == nil {
		panic("worker: nil process function")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool[T]{workers: workers, process: process, queue: make(chan T, queueSize)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. They return once ctx ends or Stop has
// drained the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != idle {
		return ErrAlreadyStarted
	}
	p.group = &errgroup.Group{}
	for range p.workers {
		p.group.Go(func() error {
			p.run(ctx)
			return nil
		})
	}
	p.state = running
	return nil
}

// Submit queues item without blocking.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case idle:
		return ErrNotStarted
	case stopped:
		return ErrStopped
	}
	select {
	case p.queue <- item:
		p.submitted.Add(1)
		p.obs.count("submitted")
		p.obs.depth(len(p.queue))
		return nil
	default:
		p.dropped.Add(1)
		p.obs.count("dropped")
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers to finish what is queued.
// Stopping twice, or a pool never started, is a no-op.
func (p *Pool[T]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != running {
		p.mu.Unlock()
		return nil
	}
	p.state = stopped
	close(p.queue)
	g := p.group
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "worker", "Stop", "wait for workers")
	}
}

func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	for {
		var (
			item T
			ok   bool
		)
		select {
		case <-ctx.Done():
			return
		case item, ok = <-p.queue:
			if !ok {
				return
			}
		}

		start := time.Now()
		outcome := "processed"
		if err := p.process(ctx, item); err != nil {
			p.failed.Add(1)
			outcome = "failed"
		}
		p.processed.Add(1)
		p.obs.count(outcome)
		p.obs.took(outcome, time.Since(start))
		p.obs.depth(len(p.queue))
	}
}

type observer struct {
	items    *prometheus.CounterVec
	queued   prometheus.Gauge
	duration *prometheus.HistogramVec
}

func newObserver(registry *metric.MetricsRegistry, name string) *observer {
	labels := prometheus.Labels{"pool": name}
	o := &observer{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalk", Subsystem: "worker", Name: "items_total",
			Help: "Work items by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalk", Subsystem: "worker", Name: "queue_depth",
			Help: "Work items waiting for a worker.", ConstLabels: labels,
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signalk", Subsystem: "worker", Name: "processing_seconds",
			Help: "Time spent on one work item.", ConstLabels: labels,
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		}, []string{"outcome"}),
	}
	err := registry.RegisterAll("worker."+name, metric.Set{
		"items": o.items, "queue_depth": o.queued, "processing": o.duration,
	})
	if err != nil {
		return nil
	}
	return o
}

func (o *observer) count(outcome string) {
	if o != nil {
		o.items.WithLabelValues(outcome).Inc()
	}
}

func (o *observer) depth(n int) {
	if o != nil {
		o.queued.Set(float64(n))
	}
}

func (o *observer) took(outcome string, d time.Duration) {
	if o != nil {
		o.duration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}
