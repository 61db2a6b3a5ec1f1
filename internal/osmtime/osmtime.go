// Package osmtime parses the timestamp formats that appear in OSM
// changeset XML: ISO 8601 with a trailing "Z" treated as UTC, with a
// lenient fallback for the handful of non-conforming variants the
// upstream feed has been observed to emit.
package osmtime

import "time"

// Time wraps time.Time so DateRange bounds have a named, zero-value
// distinguishable type separate from the Changeset model's plain
// time.Time fields.
type Time struct {
	time.Time
}

// Parse attempts RFC3339 first (the documented OSM format, always
// UTC/"Z"-suffixed) and falls back to a lenient parser for malformed
// timestamps seen in the wild. ok is false if s is empty or unparsable
// by either path.
func Parse(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	t, err := lenientParse(s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
