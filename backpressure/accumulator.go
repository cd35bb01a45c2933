// Package backpressure coalesces deltas destined for a slow consumer. While
// a consumer is behind, only the latest value of every context, path and
// source is kept; when it catches up the survivors are flushed as one delta
// per context.
package backpressure

import (
	"sync"

	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/pkg/timestamp"
)

const unknownSource = "unknown"

type item struct {
	context   string
	path      string
	value     any
	sourceRef string
	timestamp string
}

// Accumulator keeps the latest value per context:path:sourceRef. A key keeps
// the position of its first appearance when its value is replaced.
type Accumulator struct {
	mu    sync.Mutex
	items map[string]*item
	order []string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{items: make(map[string]*item)}
}

func sourceKey(ref string) string {
	if ref == "" {
		return unknownSource
	}
	return ref
}

// Accumulate folds the values of d into the accumulator. Meta entries are
// not accumulated.
func (a *Accumulator) Accumulate(d *delta.Delta) {
	if d == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range d.Updates {
		for _, pv := range u.Values {
			key := d.Context + ":" + pv.Path + ":" + sourceKey(u.SourceRef)
			it := &item{
				context:   d.Context,
				path:      pv.Path,
				value:     pv.Value,
				sourceRef: u.SourceRef,
				timestamp: u.Timestamp,
			}
			if _, exists := a.items[key]; !exists {
				a.order = append(a.order, key)
			}
			a.items[key] = it
		}
	}
}

// Len returns the number of distinct keys held.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Flush empties the accumulator and returns one delta per context, each with
// one update per source carrying that source's latest timestamp. Every delta
// is tagged with the number of keys flushed and durationMillis.
func (a *Accumulator) Flush(durationMillis int64) []*delta.Delta {
	a.mu.Lock()
	items, order := a.items, a.order
	a.items = make(map[string]*item)
	a.order = nil
	a.mu.Unlock()

	if len(order) == 0 {
		return []*delta.Delta{}
	}
	info := &delta.BackpressureInfo{Accumulated: len(order), Duration: durationMillis}

	type group struct {
		d        *delta.Delta
		bySource map[string]int
	}
	groups := make(map[string]*group)
	var out []*delta.Delta

	for _, key := range order {
		it := items[key]
		g, ok := groups[it.context]
		if !ok {
			g = &group{
				d:        &delta.Delta{Context: it.context, Backpressure: info},
				bySource: make(map[string]int),
			}
			groups[it.context] = g
			out = append(out, g.d)
		}
		sk := sourceKey(it.sourceRef)
		idx, ok := g.bySource[sk]
		if !ok {
			idx = len(g.d.Updates)
			g.bySource[sk] = idx
			g.d.Updates = append(g.d.Updates, delta.Update{SourceRef: it.sourceRef, Timestamp: it.timestamp})
		}
		u := &g.d.Updates[idx]
		u.Values = append(u.Values, delta.PathValue{Path: it.path, Value: it.value})
		if it.timestamp != "" && (u.Timestamp == "" || timestamp.Compare(it.timestamp, u.Timestamp) > 0) {
			u.Timestamp = it.timestamp
		}
	}
	return out
}
