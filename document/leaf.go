package document

// LeafKind distinguishes a leaf reported by one source from one reported by
// several.
type LeafKind int

const (
	// Single holds one source's value.
	Single LeafKind = iota
	// Multi holds the latest value of every source plus the most recent write.
	Multi
)

func (k LeafKind) String() string {
	if k == Multi {
		return "multi"
	}
	return "single"
}

// SourceValue is a value as reported by one source.
type SourceValue struct {
	Value     any
	SourceRef string
	Timestamp string
	PGN       int
	Sentence  string
}

// Leaf is the value stored at a path. A leaf starts Single and becomes Multi
// when a second source writes to it; it never goes back.
type Leaf struct {
	Kind     LeafKind
	Current  SourceValue
	BySource map[string]SourceValue
}

func newLeaf(v SourceValue) *Leaf {
	return &Leaf{Kind: Single, Current: v}
}

// Write applies v. The top-level value always mirrors the most recent write.
func (l *Leaf) Write(v SourceValue) {
	switch {
	case l.Kind == Multi:
		l.BySource[v.SourceRef] = v
	case l.Current.SourceRef != v.SourceRef:
		l.Kind = Multi
		l.BySource = map[string]SourceValue{
			l.Current.SourceRef: l.Current,
			v.SourceRef:         v,
		}
	}
	l.Current = v
}

func (v SourceValue) render(withSource bool) map[string]any {
	out := map[string]any{
		"value":     deepCopy(v.Value),
		"timestamp": v.Timestamp,
	}
	if withSource {
		out["$source"] = v.SourceRef
	}
	switch {
	case v.PGN != 0:
		out["pgn"] = v.PGN
	case v.Sentence != "":
		out["sentence"] = v.Sentence
	}
	return out
}

func (l *Leaf) render(into map[string]any) {
	for k, v := range l.Current.render(true) {
		into[k] = v
	}
	if l.Kind != Multi {
		return
	}
	values := make(map[string]any, len(l.BySource))
	for ref, sv := range l.BySource {
		values[ref] = sv.render(false)
	}
	into["values"] = values
}
