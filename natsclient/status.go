package natsclient

import "time"

// ConnectionStatus is the client's view of its NATS connection.
type ConnectionStatus int

// Connection states. StatusCircuitOpen means the breaker is refusing
// operations until its backoff elapses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusCircuitOpen:  "circuit_open",
}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Status is a snapshot of the connection and its breaker.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Backoff         time.Duration
	RTT             time.Duration
}
