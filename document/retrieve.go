package document

import (
	"strings"
)

// Retrieve returns a copy of the full tree.
func (d *Document) Retrieve() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	root := map[string]any{
		"vessels": map[string]any{},
		"version": d.version,
		"sources": deepCopy(d.sources),
	}
	if d.selfID != "" {
		root["self"] = d.selfContext
	}
	for ctxType, byID := range d.contexts {
		rendered := make(map[string]any, len(byID))
		for id, n := range byID {
			rendered[id] = n.render()
		}
		root[ctxType] = rendered
	}
	return root
}

// Sources returns a copy of the source registry.
func (d *Document) Sources() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return deepCopy(d.sources).(map[string]any)
}

// Get returns the rendered subtree at a dot-separated path from the root,
// for example "vessels.urn:mrn:imo:mmsi:230099999.navigation".
func (d *Document) Get(path string) (any, bool) {
	var cur any = d.Retrieve()
	if path == "" {
		return cur, true
	}

	parts := strings.Split(path, ".")
	if len(parts) >= 2 {
		// context ids can contain dots; try the longest id first
		if byType, ok := cur.(map[string]any)[parts[0]].(map[string]any); ok {
			for i := len(parts); i > 1; i-- {
				id := strings.Join(parts[1:i], ".")
				if ctx, ok := byType[id]; ok {
					return walk(ctx, parts[i:])
				}
			}
		}
	}
	return walk(cur, parts)
}

func walk(cur any, parts []string) (any, bool) {
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Position returns the last known navigation.position of a context.
func (d *Document) Position(ctx string) (lat, lon float64, ok bool) {
	ctxType, id := splitContext(ctx)

	d.mu.RLock()
	defer d.mu.RUnlock()

	n, found := d.contexts[ctxType][id]
	if !found {
		return 0, 0, false
	}
	nav, found := n.children["navigation"]
	if !found {
		return 0, 0, false
	}
	pos, found := nav.children["position"]
	if !found || pos.leaf == nil {
		return 0, 0, false
	}
	v, isMap := pos.leaf.Current.Value.(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	lat, latOK := toFloat(v["latitude"])
	lon, lonOK := toFloat(v["longitude"])
	return lat, lon, latOK && lonOK
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func (n *node) render() map[string]any {
	out := make(map[string]any, len(n.children)+len(n.fields)+4)
	for name, c := range n.children {
		out[name] = c.render()
	}
	if n.leaf != nil {
		n.leaf.render(out)
	}
	if n.meta != nil {
		out["meta"] = deepCopy(n.meta)
	}
	mergeInto(out, n.fields)
	return out
}

// mergeInto deep-merges src into dst. Nested objects merge; anything else
// replaces.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sm, srcIsMap := v.(map[string]any)
		dm, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dm, sm)
			continue
		}
		dst[k] = deepCopy(v)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
