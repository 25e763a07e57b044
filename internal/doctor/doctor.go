// Package doctor runs environment checks for the beacon daemon.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-beacon/internal/config"
	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/persistence"
	"github.com/basket/go-beacon/internal/plugins"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check returned FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkModel,
		checkPlugins,
		checkDocker,
		checkTelegram,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults",
			Detail: fmt.Sprintf("create %s", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.Tasks.Dir, cfg.Sessions.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(probe)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home, task and session directories writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListPluginRuns(ctx, "", 1); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: cfg.DBPath}
}

// checkModel probes a local Ollama server, or only checks for an API key on
// hosted providers.
func checkModel(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Model", Status: StatusSkip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider != "" && provider != "ollama" {
		if cfg.LLM.APIKey == "" {
			return CheckResult{Name: "Model", Status: StatusWarn, Message: fmt.Sprintf("No api_key for provider %q", provider),
				Detail: "set llm.api_key or OPENAI_API_KEY"}
		}
		return CheckResult{Name: "Model", Status: StatusPass, Message: fmt.Sprintf("Provider %q configured with model %s", provider, cfg.LLM.Model)}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	ok, err := engine.OllamaProbe{BaseURL: cfg.LLM.BaseURL}.HasModel(probeCtx, cfg.LLM.Model)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{Name: "Model", Status: StatusFail, Message: fmt.Sprintf("Ollama check failed: %v", err),
			Detail: fmt.Sprintf("base_url=%s, latency=%dms", cfg.LLM.BaseURL, latency.Milliseconds())}
	}
	if !ok {
		return CheckResult{Name: "Model", Status: StatusWarn, Message: fmt.Sprintf("Model %s not installed", cfg.LLM.Model),
			Detail: fmt.Sprintf("run: ollama pull %s", cfg.LLM.Model)}
	}
	return CheckResult{Name: "Model", Status: StatusPass, Message: fmt.Sprintf("Ollama serves %s (%dms)", cfg.LLM.Model, latency.Milliseconds())}
}

func checkPlugins(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Plugins", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Plugins) == 0 {
		return CheckResult{Name: "Plugins", Status: StatusWarn, Message: "No plugins configured"}
	}
	var missing []string
	for _, pc := range cfg.Plugins {
		p := pc.Plugin()
		if p.Runtime == plugins.RuntimeDocker {
			continue
		}
		if _, err := os.Stat(p.Path); err != nil {
			missing = append(missing, p.ID+": "+p.Path)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Plugins", Status: StatusFail, Message: fmt.Sprintf("%d of %d plugin scripts missing", len(missing), len(cfg.Plugins)),
			Detail: strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "Plugins", Status: StatusPass, Message: fmt.Sprintf("%d plugins found", len(cfg.Plugins))}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Docker", Status: StatusSkip, Message: "Config missing"}
	}
	needed := false
	for _, pc := range cfg.Plugins {
		if pc.Runtime == plugins.RuntimeDocker {
			needed = true
			break
		}
	}
	if !needed {
		return CheckResult{Name: "Docker", Status: StatusSkip, Message: "No docker plugins configured"}
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: "docker binary missing"}
	}
	infoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(infoCtx, "docker", "info").Run(); err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: fmt.Sprintf("daemon unreachable (%v)", err)}
	}
	return CheckResult{Name: "Docker", Status: StatusPass, Message: "daemon reachable"}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Channel disabled"}
	}
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled without a token", Detail: "set channels.telegram.token or TELEGRAM_TOKEN"}
	}
	if len(tg.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No allowed_ids, every message will be ignored"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("%d allowed users", len(tg.AllowedIDs))}
}
