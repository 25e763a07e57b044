package taskstore

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/basket/go-beacon/internal/shared"
)

const (
	filePrefix = "task-"
	fileExt    = ".md"
	// stampLayout is the creation timestamp embedded in file names.
	stampLayout = "20060102-150405"
)

// statusFromName returns the status encoded in a task file name.
func statusFromName(name string) (Status, bool) {
	stem, ok := strings.CutSuffix(filepath.Base(name), fileExt)
	if !ok || !strings.HasPrefix(stem, filePrefix) {
		return "", false
	}
	i := strings.LastIndexByte(stem, '-')
	if i < 0 {
		return "", false
	}
	st := Status(stem[i+1:])
	return st, st.valid()
}

// baseStem strips the extension and the status suffix.
func baseStem(name string) string {
	stem := strings.TrimSuffix(filepath.Base(name), fileExt)
	for _, st := range allStatuses {
		if b, ok := strings.CutSuffix(stem, "-"+string(st)); ok {
			return b
		}
	}
	return stem
}

func fileName(stamp string, st Status) string {
	return filePrefix + stamp + "-" + string(st) + fileExt
}

// looksLikeFileName reports whether a topic was probably copied from an
// existing task file name.
func looksLikeFileName(topic string) bool {
	return strings.Contains(topic, fileExt) ||
		(strings.HasPrefix(topic, filePrefix) && strings.Count(topic, "-") >= 4)
}

// Slug derives the topic key used for duplicate detection and lookup: the
// first 60 characters, falling back to "task".
func Slug(topic string) string {
	return shared.Slug(topic, 60, "task")
}

// sanitizeID keeps the first 80 characters, drops quotes, slashes and line
// breaks, and maps anything but letters, digits, '-' and '_' to '_'.
func sanitizeID(id string) string {
	var b strings.Builder
	n := 0
	for _, r := range id {
		if n == 80 {
			break
		}
		n++
		switch r {
		case '"', '\'', '/', '\\', '\n', '\r':
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(strings.TrimSpace(b.String()), "_")
	if out == "" {
		return "1"
	}
	return out
}
