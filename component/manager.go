package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/pkg/retry"
)

// Manager owns the server's components. Components start in registration
// order and stop in reverse, so producers registered after the server stop
// feeding it before it shuts down.
type Manager struct {
	logger *slog.Logger
	retry  retry.Config

	mu         sync.RWMutex
	components map[string]*entry
	order      []string

	startMu sync.Mutex
	started atomic.Bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStartRetry sets the retry schedule for component Start calls.
func WithStartRetry(cfg retry.Config) ManagerOption {
	return func(m *Manager) { m.retry = cfg }
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:     slog.Default().With("component", "component-manager"),
		retry:      retry.Config{MaxAttempts: 1},
		components: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds comp under name. Registration is closed once started.
func (m *Manager) Register(name string, comp LifecycleComponent) error {
	if m.started.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Register", "register "+name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.components[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("component %q already registered", name), "Manager", "Register", "register")
	}
	m.components[name] = &entry{comp: comp, state: StateCreated}
	m.order = append(m.order, name)
	return nil
}

// Initialize initializes every component concurrently.
func (m *Manager) Initialize() error {
	m.mu.RLock()
	managed := make(map[string]*entry, len(m.components))
	for name, mc := range m.components {
		managed[name] = mc
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for name, mc := range managed {
		g.Go(func() error {
			if err := mc.comp.Initialize(); err != nil {
				m.updateState(name, StateFailed, err)
				return errors.Wrap(err, "Manager", "Initialize", "initialize "+name)
			}
			m.updateState(name, StateInitialized, nil)
			return nil
		})
	}
	return g.Wait()
}

// Start starts each component in registration order with its own child
// context. A component that fails to start stops the ones already running.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started.Load() {
		return nil
	}

	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for i, name := range order {
		m.mu.Lock()
		mc := m.components[name]
		childCtx, cancel := context.WithCancel(ctx)
		mc.cancel = cancel
		m.mu.Unlock()

		m.logger.Info("starting component", "name", name, "kind", mc.comp.Meta().Kind)
		err := retry.Do(childCtx, m.retry, func() error {
			return mc.comp.Start(childCtx)
		})
		if err != nil {
			m.updateState(name, StateFailed, err)
			m.logger.Error("component failed to start", "name", name, "error", err)
			cancel()
			m.stopNames(reversed(order[:i]), 10*time.Second)
			return errors.Wrap(err, "Manager", "Start", "start "+name)
		}
		m.updateState(name, StateStarted, nil)
	}

	m.started.Store(true)
	return nil
}

// Stop stops the components in reverse start order, sharing timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.started.CompareAndSwap(true, false) {
		return nil
	}

	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	return m.stopNames(reversed(order), timeout)
}

func (m *Manager) stopNames(names []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var errs []error
	for _, name := range names {
		m.mu.RLock()
		mc := m.components[name]
		m.mu.RUnlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		err := mc.comp.Stop(remaining)
		if mc.cancel != nil {
			mc.cancel()
		}
		if err != nil {
			m.updateState(name, StateFailed, err)
			errs = append(errs, fmt.Errorf("component %q: %w", name, err))
			continue
		}
		m.updateState(name, StateStopped, nil)
		m.logger.Info("component stopped", "name", name)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to stop %d components: %v", len(errs), errs)
	}
	return nil
}

func (m *Manager) updateState(name string, state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.components[name]; ok {
		mc.state = state
		mc.lastErr = err
	}
}

// State returns the lifecycle state of name.
func (m *Manager) State(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.components[name]
	if !ok {
		return StateCreated, false
	}
	return mc.state, true
}

// Components returns the registered components by name.
func (m *Manager) Components() map[string]Discoverable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Discoverable, len(m.components))
	for name, mc := range m.components {
		out[name] = mc.comp
	}
	return out
}

// Health returns the health of every component.
func (m *Manager) Health() map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	for name, c := range m.Components() {
		out[name] = c.Health()
	}
	return out
}

func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}
