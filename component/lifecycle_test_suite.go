package component

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LifecycleFactory returns a fresh, unstarted component for each scenario.
type LifecycleFactory func() LifecycleComponent

const suiteTimeout = 5 * time.Second

// step is one lifecycle call made by a scenario.
type step func(t *testing.T, c LifecycleComponent)

func initOK(t *testing.T, c LifecycleComponent) {
	require.NoError(t, c.Initialize(), "Initialize")
}

func startOK(t *testing.T, c LifecycleComponent) {
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()
	require.NoError(t, c.Start(ctx), "Start")
}

func stopOK(t *testing.T, c LifecycleComponent) {
	assert.NoError(t, c.Stop(suiteTimeout), "Stop")
}

// startAgain tolerates either a no-op or an error from a second Start.
func startAgain(_ *testing.T, c LifecycleComponent) {
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()
	_ = c.Start(ctx)
}

// startUninitialized accepts an implicit Initialize or a "not initialized"
// refusal.
func startUninitialized(t *testing.T, c LifecycleComponent) {
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		assert.Contains(t, err.Error(), "not initialized")
	}
}

// restart starts a stopped component, re-initializing first if the
// component insists on it.
func restart(t *testing.T, c LifecycleComponent) {
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	defer cancel()
	if err := c.Start(ctx); err == nil {
		return
	}
	require.NoError(t, c.Initialize(), "re-Initialize after Stop")
	require.NoError(t, c.Start(ctx), "Start after re-Initialize")
}

func startFailsWith(ctx context.Context, words ...string) step {
	return func(t *testing.T, c LifecycleComponent) {
		err := c.Start(ctx)
		require.Error(t, err, "Start with a dead context")
		msg := err.Error()
		for _, w := range words {
			if strings.Contains(msg, w) {
				return
			}
		}
		t.Errorf("Start error %q mentions none of %v", msg, words)
	}
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func expiredContext() context.Context {
	// a past deadline fails the context at creation; cancel keeps DeadlineExceeded
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	cancel()
	return ctx
}

// StandardLifecycleTests checks that a component follows the lifecycle
// contract: idempotent Stop, restart after Stop, refusal of dead contexts
// and safety under concurrent Start/Stop.
func StandardLifecycleTests(t *testing.T, factory LifecycleFactory) {
	scenarios := []struct {
		name  string
		steps []step
	}{
		{"Initialize", []step{initOK}},
		{"StartStop", []step{initOK, startOK, stopOK}},
		{"StopFresh", []step{stopOK}},
		{"DoubleStart", []step{initOK, startOK, startAgain, stopOK}},
		{"DoubleStop", []step{initOK, startOK, stopOK, stopOK}},
		{"StartWithoutInit", []step{startUninitialized, stopOK}},
		{"InitializeAfterStop", []step{initOK, startOK, stopOK, initOK}},
		{"Restart", []step{initOK, startOK, stopOK, restart, stopOK}},
		{"CancelledContext", []step{initOK, startFailsWith(cancelledContext(), "context", "cancel"), stopOK}},
		{"ExpiredContext", []step{initOK, startFailsWith(expiredContext(), "context", "deadline", "timeout"), stopOK}},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			c := factory()
			require.NotNil(t, c, "factory returned nil")
			for _, s := range sc.steps {
				s(t, c)
			}
		})
	}

	t.Run("ConcurrentStartStop", func(t *testing.T) {
		concurrentStartStop(t, factory())
	})
}

func concurrentStartStop(t *testing.T, c LifecycleComponent) {
	require.NotNil(t, c, "factory returned nil")
	initOK(t, c)

	const n = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		starts int
		stops  int
	)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
			defer cancel()
			if c.Start(ctx) == nil {
				mu.Lock()
				starts++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			if c.Stop(suiteTimeout) == nil {
				mu.Lock()
				stops++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Positive(t, starts, "no Start succeeded")
	assert.Positive(t, stops, "no Stop succeeded")
	stopOK(t, c)
}
