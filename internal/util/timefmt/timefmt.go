package timefmt

import "time"

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation. A
// zero time.Time formats to the empty string rather than the year-one
// sentinel: a mount-device's lastEmit/lastRecord is zero until its
// first poll, and logging that as "0001-01-01T00:00:00.000Z" reads as
// a bogus timestamp rather than "never happened".
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(ISO8601)
}

// Parse is Format's inverse: the empty string parses back to the zero
// time.Time, anything else is parsed against ISO8601.
func Parse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(ISO8601, s)
}
