// Package stringutil holds small string helpers shared across services.
package stringutil

import "strings"

// Truncate caps s at max runes. Multi-byte text is cut on a rune
// boundary, never mid-character.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// TruncateWithEllipsis caps s at max runes and marks the cut with "...".
// The result never exceeds max runes, so anything shorter than four
// runes is plain-truncated instead.
func TruncateWithEllipsis(s string, max int) string {
	if max < 4 {
		return Truncate(s, max)
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// FirstLine returns the first line of s with surrounding space trimmed.
func FirstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
