package subscription

import (
	"sync"
	"time"

	"github.com/SignalK/signalk-server-sub000/delta"
)

type emitFunc func(delta.NormalizedDelta)

// operator shapes the items of one bus subscription before delivery.
type operator interface {
	push(nd delta.NormalizedDelta)
	stop()
}

type passThrough struct {
	emit emitFunc
}

func (p passThrough) push(nd delta.NormalizedDelta) { p.emit(nd) }
func (p passThrough) stop()                         {}

// debounceImmediate emits an item at once and then drops items until
// period has passed since that emission. The first item after the quiet
// window goes out immediately and opens the next one.
type debounceImmediate struct {
	period time.Duration
	emit   emitFunc

	mu      sync.Mutex
	until   time.Time
	stopped bool
}

func newDebounceImmediate(period time.Duration, emit emitFunc) *debounceImmediate {
	return &debounceImmediate{period: period, emit: emit}
}

func (d *debounceImmediate) push(nd delta.NormalizedDelta) {
	d.mu.Lock()
	now := time.Now()
	if d.stopped || now.Before(d.until) {
		d.mu.Unlock()
		return
	}
	d.until = now.Add(d.period)
	d.mu.Unlock()
	d.emit(nd)
}

func (d *debounceImmediate) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// bufferWindow collects items for period after the first one arrives, then
// emits the latest item of every context:source:path key.
type bufferWindow struct {
	period time.Duration
	emit   emitFunc

	mu      sync.Mutex
	items   []delta.NormalizedDelta
	timer   *time.Timer
	stopped bool
}

func newBufferWindow(period time.Duration, emit emitFunc) *bufferWindow {
	return &bufferWindow{period: period, emit: emit}
}

func (b *bufferWindow) push(nd delta.NormalizedDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.items = append(b.items, nd)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.period, b.flush)
	}
}

func (b *bufferWindow) flush() {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.timer = nil
	stopped := b.stopped
	b.mu.Unlock()

	if stopped {
		return
	}
	for _, nd := range latestByKey(items) {
		b.emit(nd)
	}
}

func (b *bufferWindow) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.items = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// latestByKey keeps the last item of each context:source:path key, in the
// order the kept items arrived.
func latestByKey(items []delta.NormalizedDelta) []delta.NormalizedDelta {
	seen := make(map[string]struct{}, len(items))
	keep := make([]bool, len(items))
	kept := 0
	for i := len(items) - 1; i >= 0; i-- {
		key := items[i].Context + ":" + items[i].SourceRef + ":" + items[i].Path
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keep[i] = true
		kept++
	}
	out := make([]delta.NormalizedDelta, 0, kept)
	for i, nd := range items {
		if keep[i] {
			out = append(out, nd)
		}
	}
	return out
}
