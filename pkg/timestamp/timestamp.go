// Package timestamp converts between the ISO-8601 strings carried in deltas
// and Unix milliseconds used for precedence and pruning arithmetic.
package timestamp

import (
	"fmt"
	"time"
)

// ISOFormat is the layout used for timestamps written by the server.
const ISOFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// NowISO returns the current UTC time in ISOFormat.
func NowISO() string {
	return FormatTime(time.Now())
}

// FormatTime renders t in UTC using ISOFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(ISOFormat)
}

// Format renders Unix milliseconds using ISOFormat. Zero yields "".
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return FormatTime(time.UnixMilli(ms))
}

// ParseISO parses an RFC 3339 timestamp, with or without fractional seconds,
// and returns Unix milliseconds.
func ParseISO(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("timestamp: empty string")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("timestamp: parse %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

// Compare orders two delta timestamps. Parseable timestamps compare by
// instant; otherwise the strings compare lexically, which matches instant
// order for canonical UTC strings.
func Compare(a, b string) int {
	am, aerr := ParseISO(a)
	bm, berr := ParseISO(b)
	if aerr == nil && berr == nil {
		switch {
		case am < bm:
			return -1
		case am > bm:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Age returns how long ago ms was, relative to now.
func Age(ms int64, now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(ms))
}
