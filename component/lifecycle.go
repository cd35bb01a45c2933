package component

import (
	"context"
	"time"
)

// LifecycleComponent is a Discoverable the Manager can run. Initialize
// validates configuration without doing I/O, Start returns once the
// component is serving, and Stop must be safe to call repeatedly.
type LifecycleComponent interface {
	Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// State is where a registered component sits in its lifecycle.
type State int

// Lifecycle states in the order a healthy component passes through them.
const (
	StateCreated State = iota
	StateInitialized
	StateStarted
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateCreated:     "created",
	StateInitialized: "initialized",
	StateStarted:     "started",
	StateStopped:     "stopped",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// entry is the manager's record of one registered component.
type entry struct {
	comp    LifecycleComponent
	state   State
	lastErr error
	// cancel ends the child context handed to Start.
	cancel context.CancelFunc
}
