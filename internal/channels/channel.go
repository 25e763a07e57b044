// Package channels connects chat platforms to session memory and the task
// engine.
package channels

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// SplitMessage cuts text into chunks of at most max runes, preferring to break
// after a newline.
func SplitMessage(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var out []string
	rest := text
	for rest != "" {
		if utf8.RuneCountInString(rest) <= max {
			out = append(out, rest)
			break
		}
		cut := byteOffset(rest, max)
		head := rest[:cut]
		if nl := strings.LastIndexByte(head, '\n'); nl > 0 {
			cut = nl + 1
		}
		out = append(out, rest[:cut])
		rest = rest[cut:]
	}
	return out
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for range n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}
