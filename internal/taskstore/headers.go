package taskstore

import (
	"strings"
	"time"
)

// In-file header lines.
const (
	headerAssigned    = "## Assigned:"
	headerTopic       = "## Topic:"
	headerID          = "## Id:"
	headerPausedUntil = "## Paused until:"
	headerDepends     = "## Depends:"
	headerSubTasks    = "## Sub-tasks:"
)

// headerValue returns the trimmed value of the first line starting with
// header.
func headerValue(content, header string) (string, bool) {
	for line := range strings.Lines(content) {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, header); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func headerList(content, header string) []string {
	v, ok := headerValue(content, header)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// withoutHeader drops every line starting with header.
func withoutHeader(content, header string) string {
	var b strings.Builder
	for line := range strings.Lines(content) {
		if strings.HasPrefix(strings.TrimSpace(line), header) {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

// pausedLayouts are accepted for "## Paused until:". Zone-less values are
// local time.
var pausedLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04"}

func parsePausedUntil(v string) (time.Time, bool) {
	for _, layout := range pausedLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
