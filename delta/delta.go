// Package delta defines the Signal K delta wire types shared by every stage
// of the pipeline, source identifiers, and the flattened items carried on
// the bus.
package delta

import (
	"encoding/json"
)

// Delta is the unit of ingestion and fan-out: a context plus the updates
// reported for it.
type Delta struct {
	Context      string            `json:"context,omitempty"`
	Updates      []Update          `json:"updates"`
	Backpressure *BackpressureInfo `json:"$backpressure,omitempty"`
}

// BackpressureInfo marks a delta produced by coalescing values queued for a
// slow consumer.
type BackpressureInfo struct {
	Accumulated int   `json:"accumulated"`
	Duration    int64 `json:"duration"`
}

// Update is one timestamped report from a single source.
type Update struct {
	Source    *Source     `json:"source,omitempty"`
	SourceRef string      `json:"$source,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
	Values    []PathValue `json:"values,omitempty"`
	Meta      []PathValue `json:"meta,omitempty"`
}

// HasContent reports whether the update carries values or meta.
func (u *Update) HasContent() bool {
	return len(u.Values) > 0 || len(u.Meta) > 0
}

// PathValue is a value at a dot-separated path. Decoding records whether the
// path or value keys were absent so that consumers can reject incomplete
// entries; a JSON null value is present.
type PathValue struct {
	Path  string
	Value any

	missingPath  bool
	missingValue bool
}

// Incomplete reports whether the decoded entry lacked a path or a value.
func (pv PathValue) Incomplete() (missingPath, missingValue bool) {
	return pv.missingPath, pv.missingValue
}

// UnmarshalJSON implements json.Unmarshaler.
func (pv *PathValue) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*pv = PathValue{}

	if p, ok := raw["path"]; ok {
		if err := json.Unmarshal(p, &pv.Path); err != nil {
			return err
		}
	} else {
		pv.missingPath = true
	}

	v, ok := raw["value"]
	if !ok {
		pv.missingValue = true
		return nil
	}
	return json.Unmarshal(v, &pv.Value)
}

// MarshalJSON implements json.Marshaler.
func (pv PathValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}{pv.Path, pv.Value})
}

// Source describes the transport that produced an update.
type Source struct {
	Label    string `json:"label,omitempty"`
	Type     string `json:"type,omitempty"`
	Src      string `json:"src,omitempty"`
	CanName  string `json:"canName,omitempty"`
	PGN      int    `json:"pgn,omitempty"`
	Instance any    `json:"instance,omitempty"`
	Talker   string `json:"talker,omitempty"`
	Sentence string `json:"sentence,omitempty"`
}

// SourceID derives the SourceRef for a source description.
func SourceID(s *Source) string {
	switch {
	case s == nil:
		return "no_source"
	case s.CanName != "":
		return s.Label + "." + s.CanName
	case s.Src != "":
		return s.Label + "." + s.Src
	case s.Talker != "":
		return s.Label + "." + s.Talker
	default:
		return s.Label + ".XX"
	}
}

// RefOf returns the SourceRef of an update, deriving it from the source
// description when $source is not set.
func RefOf(u *Update) string {
	if u.SourceRef != "" {
		return u.SourceRef
	}
	return SourceID(u.Source)
}

// Parse decodes a delta from JSON.
func Parse(data []byte) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// NormalizedDelta is a single path value flattened out of a delta, the item
// type carried on the bus.
type NormalizedDelta struct {
	Context   string  `json:"context"`
	Path      string  `json:"path"`
	Value     any     `json:"value"`
	Source    *Source `json:"source,omitempty"`
	SourceRef string  `json:"$source"`
	Timestamp string  `json:"timestamp"`
	IsMeta    bool    `json:"isMeta"`
}

// Normalize flattens d into one item per meta entry and value, meta first
// within each update.
func Normalize(d *Delta) []NormalizedDelta {
	var out []NormalizedDelta
	for i := range d.Updates {
		u := &d.Updates[i]
		for _, m := range u.Meta {
			out = append(out, NormalizedDelta{
				Context: d.Context, Path: m.Path, Value: m.Value,
				Source: u.Source, SourceRef: u.SourceRef, Timestamp: u.Timestamp,
				IsMeta: true,
			})
		}
		for _, v := range u.Values {
			out = append(out, NormalizedDelta{
				Context: d.Context, Path: v.Path, Value: v.Value,
				Source: u.Source, SourceRef: u.SourceRef, Timestamp: u.Timestamp,
			})
		}
	}
	return out
}

// ToDelta wraps a normalized item back into a single-update delta.
func ToDelta(nd NormalizedDelta) *Delta {
	u := Update{
		Source:    nd.Source,
		SourceRef: nd.SourceRef,
		Timestamp: nd.Timestamp,
	}
	pv := []PathValue{{Path: nd.Path, Value: nd.Value}}
	if nd.IsMeta {
		u.Meta = pv
	} else {
		u.Values = pv
	}
	return &Delta{Context: nd.Context, Updates: []Update{u}}
}
