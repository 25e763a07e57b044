package shared

import (
	"strings"
	"unicode"
)

// Slug makes a filename-safe key from free text. It keeps the first limit
// runes, maps anything but letters, numbers, spaces and hyphens to '_', turns
// spaces into hyphens, lower-cases and trims hyphens. An empty result yields
// fallback.
func Slug(s string, limit int, fallback string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == limit {
			break
		}
		n++
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == ' ' || r == '-' {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.ReplaceAll(out, " ", "-")
	out = strings.Trim(out, "-")
	if out == "" {
		return fallback
	}
	return out
}
