// Package deltachain provides the ordered, mutable list of handlers every
// delta passes through before it reaches its terminal dispatch.
package deltachain

import (
	"sync"

	"github.com/SignalK/signalk-server-sub000/delta"
)

// Handler transforms a delta and passes it on by calling next. A handler
// that does not call next drops the delta.
type Handler func(d *delta.Delta, next func(*delta.Delta))

type registration struct {
	id      uint64
	handler Handler
}

// Chain runs registered handlers in registration order, then the dispatch
// function supplied to New.
type Chain struct {
	dispatch func(*delta.Delta)

	mu       sync.RWMutex
	handlers []registration
	nextID   uint64
	entry    func(*delta.Delta)
}

// New creates a chain that ends in dispatch.
func New(dispatch func(*delta.Delta)) *Chain {
	c := &Chain{dispatch: dispatch}
	c.rebuild()
	return c
}

// Register appends h and returns a function that removes it. Removal is
// idempotent.
func (c *Chain) Register(h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, registration{id: id, handler: h})
	c.rebuild()
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, r := range c.handlers {
				if r.id == id {
					c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
					break
				}
			}
			c.rebuild()
		})
	}
}

// Len returns the number of registered handlers.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Process runs d through the chain as it was when Process was called.
// Handlers registered or removed while d is in flight affect later deltas only.
func (c *Chain) Process(d *delta.Delta) {
	if d == nil {
		return
	}
	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()
	entry(d)
}

// rebuild composes the handler closures back to front. Caller holds mu.
func (c *Chain) rebuild() {
	next := c.dispatch
	for i := len(c.handlers) - 1; i >= 0; i-- {
		h := c.handlers[i].handler
		downstream := next
		next = func(d *delta.Delta) {
			h(d, downstream)
		}
	}
	c.entry = next
}
