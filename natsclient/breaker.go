package natsclient

import (
	"sync"
	"time"
)

const initialBackoff = time.Second

// breaker counts NATS failures. Every threshold failures it trips and
// hands back the wait before the next attempt; the wait doubles on each
// trip up to max and drops back to initialBackoff on reset.
type breaker struct {
	threshold int32
	max       time.Duration

	mu       sync.Mutex
	total    int32
	round    int32
	backoff  time.Duration
	lastFail time.Time
}

func newBreaker(threshold int32, max time.Duration) *breaker {
	return &breaker{threshold: threshold, max: max, backoff: initialBackoff}
}

// fail records one failure. tripped is true when this failure completed a
// round of threshold failures.
func (b *breaker) fail() (tripped bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.round++
	b.lastFail = time.Now()
	if b.round < b.threshold {
		return false, 0
	}

	b.round = 0
	wait = b.backoff
	b.backoff = min(2*b.backoff, b.max)
	return true, wait
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = 0
	b.round = 0
	b.backoff = initialBackoff
	b.lastFail = time.Time{}
}

func (b *breaker) failures() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *breaker) currentBackoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}

func (b *breaker) lastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFail
}
