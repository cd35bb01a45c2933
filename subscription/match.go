package subscription

import (
	"math"
	"regexp"
	"strings"
)

// earthRadius is the WGS-84 equatorial radius in metres.
const earthRadius = 6378137.0

// compileGlob turns a dotted glob into an anchored matcher. Only "*" is
// special; it matches any run of characters, dots included.
func compileGlob(glob string) *regexp.Regexp {
	pattern := strings.ReplaceAll(regexp.QuoteMeta(glob), `\*`, ".*")
	return regexp.MustCompile("^" + pattern + "$")
}

// PositionLookup returns the last known position of a context.
type PositionLookup interface {
	Position(context string) (lat, lon float64, ok bool)
}

func (m *Manager) contextMatcher(sel ContextSelector, onError func(string)) func(string) bool {
	if sel.Relative != nil {
		rel := sel.Relative
		if rel.Radius <= 0 || rel.Position == nil {
			onError("Please specify a radius and position for relativePosition")
			return func(string) bool { return false }
		}
		return func(ctx string) bool {
			if m.positions == nil {
				return false
			}
			lat, lon, ok := m.positions.Position(ctx)
			if !ok {
				return false
			}
			return distance(lat, lon, rel.Position.Latitude, rel.Position.Longitude) <= rel.Radius
		}
	}

	if sel.Pattern == "" {
		return func(string) bool { return true }
	}
	re := compileGlob(sel.Pattern)
	selfAlias := sel.Pattern == "vessels.self" || sel.Pattern == "self"
	return func(ctx string) bool {
		return re.MatchString(ctx) || (selfAlias && ctx == m.selfContext)
	}
}

// distance returns the great-circle distance in metres.
func distance(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}
