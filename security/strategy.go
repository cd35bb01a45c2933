package security

import (
	"regexp"
	"strings"

	"github.com/SignalK/signalk-server-sub000/delta"
)

// Permissions granted by a rule.
const (
	PermissionNone      = "none"
	PermissionRead      = "read"
	PermissionReadWrite = "readwrite"
)

// AnyUser matches every user, including anonymous ones.
const AnyUser = "any"

// Strategy authorizes reads and writes of deltas.
type Strategy interface {
	// ShouldFilterDeltas reports whether FilterReadDelta can remove anything.
	ShouldFilterDeltas() bool
	// FilterReadDelta returns the part of d that user may read, or nil.
	FilterReadDelta(user string, d *delta.Delta) *delta.Delta
	// ShouldAllowWrite reports whether user may submit d.
	ShouldAllowWrite(user string, d *delta.Delta) bool
}

// Dummy allows everything.
type Dummy struct{}

// ShouldFilterDeltas implements Strategy.
func (Dummy) ShouldFilterDeltas() bool { return false }

// FilterReadDelta implements Strategy.
func (Dummy) FilterReadDelta(_ string, d *delta.Delta) *delta.Delta { return d }

// ShouldAllowWrite implements Strategy.
func (Dummy) ShouldAllowWrite(string, *delta.Delta) bool { return true }

// Rule grants Permission on the paths matching Path in the contexts matching
// Context. Context and Path are globs where "*" matches anything.
type Rule struct {
	User       string `json:"user" yaml:"user"`
	Context    string `json:"context" yaml:"context"`
	Path       string `json:"path" yaml:"path"`
	Permission string `json:"permission" yaml:"permission"`
}

type compiledRule struct {
	user       string
	context    *regexp.Regexp
	path       *regexp.Regexp
	permission string
}

// ACL evaluates an ordered rule list. The first rule matching user, context
// and path decides; with no match access is denied.
type ACL struct {
	selfContext string
	rules       []compiledRule
}

// NewACL compiles rules. "vessels.self" in a rule context refers to
// selfContext.
func NewACL(selfContext string, rules []Rule) *ACL {
	acl := &ACL{selfContext: selfContext}
	for _, r := range rules {
		ctx := r.Context
		if ctx == "vessels.self" {
			ctx = selfContext
		}
		acl.rules = append(acl.rules, compiledRule{
			user:       r.User,
			context:    glob(ctx),
			path:       glob(r.Path),
			permission: r.Permission,
		})
	}
	return acl
}

// NewStrategy returns an ACL strategy when rules are configured and Dummy
// otherwise.
func NewStrategy(selfContext string, rules []Rule) Strategy {
	if len(rules) == 0 {
		return Dummy{}
	}
	return NewACL(selfContext, rules)
}

func glob(pattern string) *regexp.Regexp {
	if pattern == "" {
		pattern = "*"
	}
	return regexp.MustCompile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$")
}

func (a *ACL) permission(user, context, path string) string {
	for _, r := range a.rules {
		if r.user != AnyUser && r.user != user {
			continue
		}
		if r.context.MatchString(context) && r.path.MatchString(path) {
			return r.permission
		}
	}
	return PermissionNone
}

// ShouldFilterDeltas implements Strategy.
func (a *ACL) ShouldFilterDeltas() bool { return true }

// FilterReadDelta implements Strategy. Values and meta the user may not read
// are removed; updates left empty are dropped and a delta left without
// updates yields nil.
func (a *ACL) FilterReadDelta(user string, d *delta.Delta) *delta.Delta {
	if d == nil {
		return nil
	}
	readable := func(path string) bool {
		p := a.permission(user, d.Context, path)
		return p == PermissionRead || p == PermissionReadWrite
	}

	out := &delta.Delta{Context: d.Context, Backpressure: d.Backpressure}
	for _, u := range d.Updates {
		fu := u
		fu.Values = filterPaths(u.Values, readable)
		fu.Meta = filterPaths(u.Meta, readable)
		if fu.HasContent() {
			out.Updates = append(out.Updates, fu)
		}
	}
	if len(out.Updates) == 0 {
		return nil
	}
	return out
}

func filterPaths(pvs []delta.PathValue, keep func(string) bool) []delta.PathValue {
	if len(pvs) == 0 {
		return nil
	}
	out := make([]delta.PathValue, 0, len(pvs))
	for _, pv := range pvs {
		if keep(pv.Path) {
			out = append(out, pv)
		}
	}
	return out
}

// ShouldAllowWrite implements Strategy. Every value and meta path of d must
// be writable.
func (a *ACL) ShouldAllowWrite(user string, d *delta.Delta) bool {
	if d == nil {
		return false
	}
	for _, u := range d.Updates {
		for _, pvs := range [][]delta.PathValue{u.Values, u.Meta} {
			for _, pv := range pvs {
				if a.permission(user, d.Context, pv.Path) != PermissionReadWrite {
					return false
				}
			}
		}
	}
	return true
}
