// Package stringutil holds small string and time formatting helpers.
package stringutil

import "time"

// FormatTime returns an RFC3339 representation, or "-" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// ParseTime parses an RFC3339 time string; "" and "-" parse to the zero
// time.
func ParseTime(val string) (time.Time, error) {
	if val == "" || val == "-" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, val)
}

// TruncString returns val truncated to at most max bytes.
func TruncString(val string, max int) string {
	if len(val) > max {
		return val[:max]
	}
	return val
}
