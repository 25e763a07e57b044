package plugins_test

import (
	"testing"

	"github.com/basket/go-beacon/internal/plugins"
)

func TestParseOutput_Valid(t *testing.T) {
	out, err := plugins.ParseOutput(`
{"status":"warning","message":"slow","data":{"latency_ms":900},"metrics":{"cpu_usage":91.5},"timestamp":"2026-03-01T12:00:00Z"}
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Status != "warning" || out.Message != "slow" {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.Metrics["cpu_usage"] != 91.5 {
		t.Fatalf("metrics = %v", out.Metrics)
	}
	if out.Timestamp == nil || out.Timestamp.Year() != 2026 {
		t.Fatalf("timestamp = %v", out.Timestamp)
	}
	if string(out.Data) != `{"latency_ms":900}` {
		t.Fatalf("data = %s", out.Data)
	}
}

func TestParseOutput_Rejects(t *testing.T) {
	cases := map[string]string{
		"plain text":     "all good",
		"empty":          "",
		"missing status": `{"message":"x"}`,
		"unknown status": `{"status":"fine"}`,
		"non-num metric": `{"status":"ok","metrics":{"x":"high"}}`,
		"bad timestamp":  `{"status":"ok","timestamp":"yesterday"}`,
		"truncated json": `{"status":"ok"`,
	}
	for name, in := range cases {
		if _, err := plugins.ParseOutput(in); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
