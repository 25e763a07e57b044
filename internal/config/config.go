// Package config loads the daemon configuration from $BEACON_HOME/config.yaml
// with environment overrides, and watches it for changes.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-beacon/internal/alerts"
	"github.com/basket/go-beacon/internal/otel"
	"github.com/basket/go-beacon/internal/plugins"
)

const (
	DefaultBindAddr    = "127.0.0.1:18790"
	DefaultTickSeconds = 30
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultModel       = "llama3.2"
)

// PluginConfig is one entry under plugins:. Interval and timeout are seconds.
type PluginConfig struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Path            string   `yaml:"path"`
	Args            []string `yaml:"args"`
	IntervalSeconds int      `yaml:"interval_seconds"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	Enabled         *bool    `yaml:"enabled"`
	Runtime         string   `yaml:"runtime"`
	Image           string   `yaml:"image"`
}

// AlertConfig is one entry under alerts:.
type AlertConfig struct {
	ID              string          `yaml:"id"`
	Name            string          `yaml:"name"`
	Rule            alerts.RuleSpec `yaml:"rule"`
	Channels        []string        `yaml:"channels"`
	Enabled         *bool           `yaml:"enabled"`
	CooldownSeconds int             `yaml:"cooldown_seconds"`
}

type TelegramNotifierConfig struct {
	ChatID   int64  `yaml:"chat_id"`
	Endpoint string `yaml:"endpoint"`
}

type SlackNotifierConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type MastodonNotifierConfig struct {
	InstanceURL string `yaml:"instance_url"`
	Token       string `yaml:"token"`
}

type NotifiersConfig struct {
	Telegram TelegramNotifierConfig `yaml:"telegram"`
	Slack    SlackNotifierConfig    `yaml:"slack"`
	Mastodon MastodonNotifierConfig `yaml:"mastodon"`
}

type TasksConfig struct {
	Dir                   string   `yaml:"dir"`
	ReviewIntervalMinutes int      `yaml:"review_interval_minutes"`
	StaleMinutes          int      `yaml:"stale_minutes"`
	MaxTasksPerCycle      int      `yaml:"max_tasks_per_cycle"`
	MaxIterations         int      `yaml:"max_iterations"`
	Assignees             []string `yaml:"assignees"`
}

type SessionsConfig struct {
	Dir       string `yaml:"dir"`
	Threshold int    `yaml:"threshold"`
}

type LLMConfig struct {
	// Provider is the genkit model namespace, e.g. "ollama" or "openai".
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// Schedule actions.
const (
	ActionCreateTask = "create_task"
	ActionRunPlugin  = "run_plugin"
)

// ScheduleConfig fires Action on a cron expression.
type ScheduleConfig struct {
	ID       string `yaml:"id"`
	Cron     string `yaml:"cron"`
	Action   string `yaml:"action"`
	PluginID string `yaml:"plugin_id"`
	Topic    string `yaml:"topic"`
	Content  string `yaml:"content"`
	Assignee string `yaml:"assignee"`
}

type SandboxConfig struct {
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr      string `yaml:"bind_addr"`
	LogLevel      string `yaml:"log_level"`
	AuthToken     string `yaml:"auth_token"`
	TickSeconds   int    `yaml:"tick_seconds"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`

	// AllowOrigins lists browser origins accepted by the gateway.
	AllowOrigins []string `yaml:"allow_origins"`

	Plugins   []PluginConfig   `yaml:"plugins"`
	Alerts    []AlertConfig    `yaml:"alerts"`
	Notifiers NotifiersConfig  `yaml:"notifiers"`
	Tasks     TasksConfig      `yaml:"tasks"`
	Sessions  SessionsConfig   `yaml:"sessions"`
	LLM       LLMConfig        `yaml:"llm"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Sandbox   SandboxConfig    `yaml:"sandbox"`
	OTel      otel.Config      `yaml:"otel"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-"`
}

func (c Config) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

func (c Config) ReviewInterval() time.Duration {
	return time.Duration(c.Tasks.ReviewIntervalMinutes) * time.Minute
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Plugin converts the entry into a registry plugin. Zero interval or timeout
// falls back to the plugin defaults.
func (p PluginConfig) Plugin() plugins.Plugin {
	out := plugins.New(p.ID, p.Name, p.Path)
	if out.Name == "" {
		out.Name = p.ID
	}
	out.Args = p.Args
	if p.IntervalSeconds > 0 {
		out.Interval = time.Duration(p.IntervalSeconds) * time.Second
	}
	if p.TimeoutSeconds > 0 {
		out.Timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	out.Runtime = p.Runtime
	out.Image = p.Image
	return out
}

// Alert builds the typed rule and returns the manager alert.
func (a AlertConfig) Alert() (alerts.Alert, error) {
	rule, err := a.Rule.Build()
	if err != nil {
		return alerts.Alert{}, fmt.Errorf("alert %s: %w", a.ID, err)
	}
	name := a.Name
	if name == "" {
		name = a.ID
	}
	out := alerts.NewAlert(a.ID, name, rule)
	out.Channels = a.Channels
	if a.Enabled != nil {
		out.Enabled = *a.Enabled
	}
	if a.CooldownSeconds > 0 {
		out.Cooldown = time.Duration(a.CooldownSeconds) * time.Second
	}
	return out, nil
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that require a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tick=%d|db=%s|llm=%s/%s@%s|tg=%v",
		c.BindAddr, c.LogLevel, c.TickSeconds, c.DBPath,
		c.LLM.Provider, c.LLM.Model, c.LLM.BaseURL, c.Channels.Telegram.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:      DefaultBindAddr,
		LogLevel:      "info",
		TickSeconds:   DefaultTickSeconds,
		RetentionDays: 30,
		Tasks: TasksConfig{
			ReviewIntervalMinutes: 10,
			StaleMinutes:          30,
			MaxTasksPerCycle:      3,
			MaxIterations:         20,
		},
		Sessions: SessionsConfig{Threshold: 3},
		LLM: LLMConfig{
			Provider:       "ollama",
			BaseURL:        DefaultOllamaURL,
			Model:          DefaultModel,
			TimeoutSeconds: 120,
		},
		Sandbox: SandboxConfig{
			Image:    "python:3.12-slim",
			MemoryMB: 256,
			Network:  "none",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("BEACON_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".beacon")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, creating the directory if needed.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create beacon home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = DefaultTickSeconds
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "beacon.db")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if strings.TrimSpace(cfg.Tasks.Dir) == "" {
		cfg.Tasks.Dir = filepath.Join(cfg.HomeDir, "tasks")
	}
	if cfg.Tasks.ReviewIntervalMinutes <= 0 {
		cfg.Tasks.ReviewIntervalMinutes = 10
	}
	if cfg.Tasks.StaleMinutes <= 0 {
		cfg.Tasks.StaleMinutes = 30
	}
	if cfg.Tasks.MaxTasksPerCycle <= 0 {
		cfg.Tasks.MaxTasksPerCycle = 3
	}
	if cfg.Tasks.MaxIterations <= 0 {
		cfg.Tasks.MaxIterations = 20
	}
	if strings.TrimSpace(cfg.Sessions.Dir) == "" {
		cfg.Sessions.Dir = filepath.Join(cfg.HomeDir, "sessions")
	}
	if cfg.Sessions.Threshold <= 0 {
		cfg.Sessions.Threshold = 3
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "ollama"
	}
	if cfg.LLM.BaseURL == "" && cfg.LLM.Provider == "ollama" {
		cfg.LLM.BaseURL = DefaultOllamaURL
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 120
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].Action == "" {
			cfg.Schedules[i].Action = ActionCreateTask
		}
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		if p.ID == "" {
			return errors.New("plugins: entry with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("plugins: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
	}
	ids := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.ID == "" || s.Cron == "" {
			return errors.New("schedules: id and cron are required")
		}
		if ids[s.ID] {
			return fmt.Errorf("schedules: duplicate id %q", s.ID)
		}
		ids[s.ID] = true
		switch s.Action {
		case ActionCreateTask:
			if strings.TrimSpace(s.Topic) == "" {
				return fmt.Errorf("schedules: %s: create_task needs a topic", s.ID)
			}
		case ActionRunPlugin:
			if s.PluginID == "" {
				return fmt.Errorf("schedules: %s: run_plugin needs plugin_id", s.ID)
			}
		default:
			return fmt.Errorf("schedules: %s: unknown action %q", s.ID, s.Action)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BEACON_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("BEACON_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("BEACON_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BEACON_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TickSeconds = v
		}
	}
	if raw := os.Getenv("BEACON_OLLAMA_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("BEACON_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("SLACK_WEBHOOK_URL"); raw != "" {
		cfg.Notifiers.Slack.WebhookURL = raw
	}
	if raw := os.Getenv("MASTODON_TOKEN"); raw != "" {
		cfg.Notifiers.Mastodon.Token = raw
	}
}
