package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("plugin executed", "plugin_id", "disk-usage")

	raw, err := os.ReadFile(filepath.Join(home, "logs", LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in %#v", key, entry)
		}
	}
	if entry["plugin_id"] != "disk-usage" {
		t.Fatalf("expected plugin_id propagation, got %#v", entry["plugin_id"])
	}
}

func TestNew_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")
	logger.Info("notify", "bot_token", "123456:abc", "detail", "Bearer abcdefghijklmnopqrstuvwx")

	out := buf.String()
	if strings.Contains(out, "123456:abc") {
		t.Fatalf("token key not redacted: %s", out)
	}
	if strings.Contains(out, "abcdefghijklmnopqrstuvwx") {
		t.Fatalf("bearer value not redacted: %s", out)
	}
}

func TestComponent_OverridesComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(New(&buf, "info"), "plugins").Info("x")
	if !strings.Contains(buf.String(), `"component":"plugins"`) {
		t.Fatalf("expected component=plugins, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
