package health

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/SignalK/signalk-server-sub000/component"
)

// Monitor keeps the latest status of every component. It is safe for
// concurrent use.
type Monitor struct {
	mu   sync.RWMutex
	last map[string]Status
}

func NewMonitor() *Monitor {
	return &Monitor{last: make(map[string]Status)}
}

// Set records s as the status of name.
func (m *Monitor) Set(name string, s Status) {
	s.Component = name
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.last[name] = s
	m.mu.Unlock()
}

func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.last[name]
	return s, ok
}

func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.last, name)
	m.mu.Unlock()
}

// Overall aggregates every recorded status, ordered by component name.
func (m *Monitor) Overall(name string) Status {
	m.mu.RLock()
	all := make([]Status, 0, len(m.last))
	for _, s := range m.last {
		all = append(all, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(all, func(a, b Status) int { return strings.Compare(a.Component, b.Component) })
	return Aggregate(name, all)
}

// Collect records the current health of each component.
func (m *Monitor) Collect(components map[string]component.Discoverable) {
	for name, c := range components {
		m.Set(name, FromComponent(name, c.Health(), c.DataFlow()))
	}
}

// Watch collects from list right away and then every interval until ctx
// ends.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, list func() map[string]component.Discoverable) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		m.Collect(list())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Check is the probe behind /health. Degraded still counts as serving.
func (m *Monitor) Check(name string) func() (bool, string) {
	return func() (bool, string) {
		s := m.Overall(name)
		return s.State != Unhealthy, s.Message
	}
}
