package subscription

import (
	"encoding/json"
	"fmt"
)

// Delivery policies.
const (
	PolicyInstant = "instant"
	PolicyFixed   = "fixed"
)

// DefaultPeriod is the buffer period used by the fixed policy when no period
// is given, in milliseconds.
const DefaultPeriod = 1000

// Position is a geographic point in decimal degrees.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RelativePosition selects vessels within Radius metres of Position.
type RelativePosition struct {
	Radius   float64   `json:"radius"`
	Position *Position `json:"position,omitempty"`
}

// ContextSelector is either a context glob such as "vessels.*" or a
// relative-position selector.
type ContextSelector struct {
	Pattern  string
	Relative *RelativePosition
}

// UnmarshalJSON accepts a string or an object.
func (c *ContextSelector) UnmarshalJSON(data []byte) error {
	*c = ContextSelector{}
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Pattern)
	}
	var rel RelativePosition
	if err := json.Unmarshal(data, &rel); err != nil {
		return fmt.Errorf("context selector: %w", err)
	}
	c.Relative = &rel
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c ContextSelector) MarshalJSON() ([]byte, error) {
	if c.Relative != nil {
		return json.Marshal(c.Relative)
	}
	return json.Marshal(c.Pattern)
}

// Row subscribes to the paths matching Path. Periods are in milliseconds.
type Row struct {
	Path      string `json:"path"`
	Period    int64  `json:"period,omitempty"`
	MinPeriod int64  `json:"minPeriod,omitempty"`
	Policy    string `json:"policy,omitempty"`
	Format    string `json:"format,omitempty"`
}

// UnsubscribeRow names the paths to unsubscribe from.
type UnsubscribeRow struct {
	Path string `json:"path"`
}

// Request is a subscribe or unsubscribe message.
type Request struct {
	Context     ContextSelector  `json:"context"`
	Subscribe   []Row            `json:"subscribe,omitempty"`
	Unsubscribe []UnsubscribeRow `json:"unsubscribe,omitempty"`
}

// IsUnsubscribeAll reports whether r is the one supported unsubscribe shape,
// {"context":"*","unsubscribe":[{"path":"*"}]}.
func (r *Request) IsUnsubscribeAll() bool {
	return r.Context.Relative == nil &&
		r.Context.Pattern == "*" &&
		len(r.Unsubscribe) == 1 &&
		r.Unsubscribe[0].Path == "*"
}
