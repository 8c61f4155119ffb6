package utils

import (
	"strings"
	"unicode"
)

// SanitizeString drops control characters other than newline and tab, then
// trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// MaskSensitive keeps the first visible runes of a secret for log lines and
// replaces the rest with a fixed-width marker, so the length is not leaked.
func MaskSensitive(s string, visible int) string {
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if visible < 0 || len(runes) <= visible*2 {
		return "****"
	}
	return string(runes[:visible]) + "****"
}
