package sanitize

import (
	"strings"
	"unicode"
)

// Label sanitizes a human-facing label (a mount-device's mountDev name,
// a node's display name) by removing control characters and limiting
// the length. Field-reported strings from node daemons are otherwise
// untrusted input into logs and store documents.
func Label(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Mac normalizes a terminal MAC address to the stable uppercase form
// used as its storage identity (spec.md §3: "mac (stable uppercase
// string)").
func Mac(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
