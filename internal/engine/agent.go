package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-beacon/internal/otel"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Agent answers one prompt. Implementations may take side effects on the
// task store through the actions they emit.
type Agent interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, prompt string) (string, error)

func (f AgentFunc) Invoke(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// Defaults for a local Ollama server exposing the OpenAI-compatible API.
const (
	DefaultOllamaURL = "http://localhost:11434"
	DefaultModel     = "llama3.2"
	defaultProvider  = "ollama"
)

// TaskSystemPrompt tells the model which action lines it may emit.
const TaskSystemPrompt = `You work on task files. To act, reply with one action per line:
TASK_APPEND: <task file name or id> <feedback>
TASK_STATUS: <task file name or id> wip|finished
TASK_CREATE: <topic> <id> <initial content>
Otherwise reply with a short summary.`

type GenkitConfig struct {
	// BaseURL is the server root (http://host:11434) or its /v1 endpoint.
	BaseURL string
	APIKey  string
	// Provider names the OpenAI-compatible plugin; models resolve as provider/model.
	Provider string
	Model    string
	System   string
	Timeout  time.Duration
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
}

// GenkitAgent calls a chat model through Genkit's OpenAI-compatible plugin.
type GenkitAgent struct {
	g         *genkit.Genkit
	modelName string
	model     string
	system    string
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
}

func NewGenkitAgent(ctx context.Context, cfg GenkitConfig) *GenkitAgent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Provider == "" {
		cfg.Provider = defaultProvider
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.APIKey == "" {
		// Ollama ignores the key but the client requires one.
		cfg.APIKey = "ollama"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	plugin := &compat_oai.OpenAICompatible{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey,
		BaseURL:  OpenAIBaseURL(cfg.BaseURL),
	}
	g := genkit.Init(ctx, genkit.WithPlugins(plugin))
	cfg.Logger.Info("genkit agent initialized", "provider", cfg.Provider, "model", cfg.Model, "base_url", plugin.BaseURL)
	return &GenkitAgent{
		g:         g,
		modelName: cfg.Provider + "/" + strings.TrimPrefix(cfg.Model, cfg.Provider+"/"),
		model:     cfg.Model,
		system:    cfg.System,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
	}
}

func (a *GenkitAgent) Invoke(ctx context.Context, prompt string) (string, error) {
	ctx, span := otel.StartClientSpan(ctx, a.tracer, "agent.invoke", otel.AttrModel.String(a.model))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	opts := []ai.GenerateOption{
		ai.WithModelName(a.modelName),
		ai.WithPrompt(prompt),
	}
	if a.system != "" {
		opts = append(opts, ai.WithSystem(a.system))
	}
	start := time.Now()
	resp, err := genkit.Generate(ctx, a.g, opts...)
	a.metrics.AgentCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrModel.String(a.model)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		a.logger.Error("agent generate failed", "model", a.model, "error", err)
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// OpenAIBaseURL turns an Ollama root URL into its OpenAI-compatible /v1 URL.
func OpenAIBaseURL(base string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultOllamaURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}
