package doctor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-beacon/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{HomeDir: home, DBPath: filepath.Join(home, "beacon.db")}
	cfg.Tasks.Dir = filepath.Join(home, "tasks")
	cfg.Sessions.Dir = filepath.Join(home, "sessions")
	return cfg
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatalf("nil config should fail")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("expected %s to skip, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckConfig_NeedsInitWarns(t *testing.T) {
	cfg := testConfig(t)
	cfg.NeedsInit = true
	if got := checkConfig(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("expected WARN, got %+v", got)
	}
}

func TestCheckPermissions_CreatesDirs(t *testing.T) {
	cfg := testConfig(t)
	if got := checkPermissions(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
	if _, err := os.Stat(cfg.Tasks.Dir); err != nil {
		t.Fatalf("tasks dir not created: %v", err)
	}
}

func TestCheckDatabase_OpensStore(t *testing.T) {
	cfg := testConfig(t)
	if got := checkDatabase(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckModel_Ollama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest"}]}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.LLM.Provider = "ollama"
	cfg.LLM.BaseURL = srv.URL
	cfg.LLM.Model = "llama3.2"
	if got := checkModel(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}

	cfg.LLM.Model = "qwen2.5"
	if got := checkModel(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("expected WARN for missing model, got %+v", got)
	}
}

func TestCheckModel_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	cfg := testConfig(t)
	cfg.LLM.BaseURL = srv.URL
	cfg.LLM.Model = "llama3.2"
	if got := checkModel(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckModel_HostedNeedsKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "openai"
	if got := checkModel(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("expected WARN without key, got %+v", got)
	}
	cfg.LLM.APIKey = "sk-test"
	if got := checkModel(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS with key, got %+v", got)
	}
}

func TestCheckPlugins_MissingScript(t *testing.T) {
	cfg := testConfig(t)
	script := filepath.Join(cfg.HomeDir, "cpu.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.Plugins = []config.PluginConfig{{ID: "cpu", Path: script}}
	if got := checkPlugins(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}

	cfg.Plugins = append(cfg.Plugins, config.PluginConfig{ID: "gone", Path: filepath.Join(cfg.HomeDir, "gone.sh")})
	got := checkPlugins(context.Background(), cfg)
	if got.Status != StatusFail || got.Detail == "" {
		t.Fatalf("expected FAIL with detail, got %+v", got)
	}
}

func TestCheckDocker_SkippedWithoutDockerPlugins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins = []config.PluginConfig{{ID: "cpu", Path: "/bin/true"}}
	if got := checkDocker(context.Background(), cfg); got.Status != StatusSkip {
		t.Fatalf("expected SKIP, got %+v", got)
	}
}

func TestCheckTelegram(t *testing.T) {
	cfg := testConfig(t)
	if got := checkTelegram(context.Background(), cfg); got.Status != StatusSkip {
		t.Fatalf("disabled channel should skip, got %+v", got)
	}
	cfg.Channels.Telegram.Enabled = true
	if got := checkTelegram(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("missing token should fail, got %+v", got)
	}
	cfg.Channels.Telegram.Token = "123:abc"
	cfg.Channels.Telegram.AllowedIDs = []int64{42}
	if got := checkTelegram(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
}
