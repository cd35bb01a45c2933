package health

import (
	"fmt"
	"regexp"
	"time"

	"github.com/SignalK/signalk-server-sub000/component"
)

// State is how well something is doing. Larger is worse.
type State int

const (
	Healthy State = iota
	Degraded
	Unhealthy
)

var stateNames = [...]string{"healthy", "degraded", "unhealthy"}

func (s State) String() string {
	if s < Healthy || s > Unhealthy {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText writes the state by name in JSON reports.
func (s State) MarshalText() ([]byte, error) {
	if s < Healthy || s > Unhealthy {
		return nil, fmt.Errorf("health: no such state %d", int(s))
	}
	return []byte(s.String()), nil
}

// Status is the health of one component, or of the whole server with the
// component statuses nested in Components.
type Status struct {
	Component  string    `json:"component"`
	State      State     `json:"status"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Components []Status  `json:"components,omitempty"`
	Metrics    *Metrics  `json:"metrics,omitempty"`
}

// Metrics are the activity figures reported alongside a component status.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesPerSecond float64       `json:"messages_per_second,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// New returns a status stamped with the current time.
func New(name string, state State, message string) Status {
	return Status{Component: name, State: state, Message: message, Timestamp: time.Now()}
}

func (s Status) IsHealthy() bool   { return s.State == Healthy }
func (s Status) IsDegraded() bool  { return s.State == Degraded }
func (s Status) IsUnhealthy() bool { return s.State == Unhealthy }

var summaries = [...]string{
	Healthy:   "all components are healthy",
	Degraded:  "one or more components are degraded",
	Unhealthy: "one or more components are unhealthy",
}

// Aggregate rolls components up into one status that takes the worst of
// their states.
func Aggregate(name string, components []Status) Status {
	if len(components) == 0 {
		return New(name, Healthy, "no components registered")
	}
	worst := Healthy
	for _, c := range components {
		worst = max(worst, c.State)
	}
	out := New(name, worst, summaries[worst])
	out.Components = append([]Status(nil), components...)
	return out
}

// FromComponent reports a running component. A healthy component that has
// seen errors counts as degraded. Its last error becomes the message after
// redaction.
func FromComponent(name string, h component.HealthStatus, flow component.FlowMetrics) Status {
	var out Status
	switch {
	case !h.Healthy:
		out = New(name, Unhealthy, "component unhealthy")
	case h.ErrorCount > 0:
		out = New(name, Degraded, "component running with errors")
	default:
		out = New(name, Healthy, "component healthy")
	}
	if h.LastError != "" {
		out.Message = Redact(h.LastError)
	}
	out.Metrics = &Metrics{
		Uptime:            h.Uptime,
		ErrorCount:        h.ErrorCount,
		MessagesPerSecond: flow.MessagesPerSecond,
		LastActivity:      flow.LastActivity,
	}
	return out
}

// The /health endpoint is unauthenticated, so errors lose anything that
// describes the deployment. Rules apply in order.
var redactions = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\b(password|passwd|token|secret|credential|key)\b\s*[:=]\s*[^,\s}]+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`(?:https?|nats|wss?|tls)://\S+`), "[URL]"},
	{regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`), "[IP]"},
	{regexp.MustCompile(`(?:/[\w.-]+)+`), "[PATH]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// Redact masks credentials, URLs, addresses, paths and ports in msg.
func Redact(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.with)
	}
	return msg
}
