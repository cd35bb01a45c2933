package streambundle

import "sync"

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Bus delivers every pushed item synchronously to the subscribers attached at
// the time of the push. It is safe for concurrent use; callbacks run without
// the bus lock held, so a callback may subscribe or unsubscribe.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   []subscriber[T]
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe attaches fn and returns a function that detaches it. The returned
// function is idempotent.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	next := make([]subscriber[T], len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs = next
}

// Push delivers v to the current subscribers in subscription order.
func (b *Bus[T]) Push(v T) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of attached subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
