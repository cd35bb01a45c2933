package component

import "time"

// Discoverable is what the manager and /health need to report on a part
// of the server without knowing what it does.
type Discoverable interface {
	Meta() Metadata
	Health() HealthStatus
	DataFlow() FlowMetrics
}

// Kind says where a component sits in the delta pipeline.
type Kind string

const (
	KindServer Kind = "server"
	KindInput  Kind = "input"
	KindOutput Kind = "output"
)

type Metadata struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus is how the component sees itself right now. ErrorCount and
// Uptime count from the last Start.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	Uptime     time.Duration `json:"uptime"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
}

// FlowMetrics are averages over the component's uptime. ErrorRate is
// errors per message handled.
type FlowMetrics struct {
	MessagesPerSecond float64   `json:"messages_per_second"`
	BytesPerSecond    float64   `json:"bytes_per_second,omitempty"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}
