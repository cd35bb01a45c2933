// Package retry repeats an operation with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config is a backoff schedule. Zero fields take the DefaultConfig values,
// except MaxAttempts which becomes a single attempt.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// AddJitter stretches each delay by up to a quarter at random.
	AddJitter bool
}

// DefaultConfig tries three times, waiting 100ms and then 200ms.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, AddJitter: true}
}

// Quick suits waiting for a dependency that is starting alongside us.
func Quick() Config {
	return Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 1.5, AddJitter: true}
}

func (c Config) check() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.New("retry: negative delay or multiplier")
	}
	def := DefaultConfig()
	c.MaxAttempts = max(c.MaxAttempts, 1)
	if c.InitialDelay == 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxDelay < c.InitialDelay {
		return c, fmt.Errorf("retry: max delay %v below initial delay %v", c.MaxDelay, c.InitialDelay)
	}
	return c, nil
}

// backoff yields the wait before each further attempt.
type backoff struct {
	cfg  Config
	next time.Duration
}

func (b *backoff) wait() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * min(b.cfg.Multiplier, 1000))
	if grown <= 0 || grown > b.cfg.MaxDelay {
		grown = b.cfg.MaxDelay
	}
	b.next = grown
	if b.cfg.AddJitter && d >= 4 {
		d += rand.N(d / 4)
	}
	return d
}

type stopError struct{ err error }

func (e *stopError) Error() string { return "non-retryable: " + e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// NonRetryable marks err so that Do gives up on it at once.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// IsNonRetryable reports whether err passed through NonRetryable.
func IsNonRetryable(err error) bool {
	var stop *stopError
	return errors.As(err, &stop)
}

// Do runs fn until it succeeds, returns a NonRetryable error, ctx ends or
// cfg.MaxAttempts calls have failed.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.check()
	if err != nil {
		return err
	}
	b := &backoff{cfg: cfg, next: cfg.InitialDelay}

	for attempt := 1; ; attempt++ {
		err = fn()
		switch {
		case err == nil:
			return nil
		case IsNonRetryable(err):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("retry: gave up after attempt %d: %w", attempt, ctx.Err())
		case attempt == cfg.MaxAttempts:
			return fmt.Errorf("retry: failed after %d attempts: %w", attempt, err)
		}

		t := time.NewTimer(b.wait())
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry: gave up waiting for attempt %d: %w", attempt+1, ctx.Err())
		case <-t.C:
		}
	}
}
