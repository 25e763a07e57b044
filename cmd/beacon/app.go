package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-beacon/internal/alerts"
	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/config"
	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/memory"
	"github.com/basket/go-beacon/internal/otel"
	"github.com/basket/go-beacon/internal/persistence"
	"github.com/basket/go-beacon/internal/plugins"
	"github.com/basket/go-beacon/internal/sandbox/wasm"
	"github.com/basket/go-beacon/internal/taskstore"
	"github.com/basket/go-beacon/internal/telemetry"
)

// app is the set of wired components shared by serve and the one-shot
// subcommands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	otel    *otel.Provider
	metrics *otel.Metrics
	history *persistence.Store

	plugins  *plugins.Registry
	snapshot *alerts.Snapshotter
	alerts   *alerts.Manager
	tasks    *taskstore.Store
	agent    engine.Agent
	loop     *engine.Loop
	reviewer *engine.Reviewer
	memory   *memory.Buffer

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: bus.New()}

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.otel = provider
	a.closers = append(a.closers, provider.Shutdown)
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = otel.NoopMetrics()
	}
	a.metrics = metrics

	history, err := persistence.Open(cfg.DBPath)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.history = history
	a.closers = append(a.closers, func(context.Context) error { return history.Close() })

	runner := a.newDispatcher(ctx)

	a.snapshot = alerts.NewSnapshotter()
	a.plugins = plugins.NewRegistry(plugins.Config{
		Runner:   runner,
		Logger:   telemetry.Component(logger, "plugins"),
		Bus:      a.bus,
		Metrics:  metrics,
		Tracer:   provider.Tracer,
		OnResult: a.recordPluginRun,
	})
	syncPlugins(a.plugins, cfg.Plugins, logger)

	a.alerts = alerts.NewManager(alerts.Config{
		Logger:  telemetry.Component(logger, "alerts"),
		Bus:     a.bus,
		Metrics: metrics,
	})
	a.registerNotifiers()
	syncAlerts(a.alerts, cfg.Alerts, logger)

	a.tasks = taskstore.New(taskstore.Config{
		Dir:    cfg.Tasks.Dir,
		Logger: telemetry.Component(logger, "tasks"),
		Bus:    a.bus,
	})
	if err := a.tasks.EnsureDir(); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("task dir: %w", err)
	}

	model := engine.NewGenkitAgent(ctx, engine.GenkitConfig{
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		System:   engine.TaskSystemPrompt,
		Timeout:  time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		Logger:   telemetry.Component(logger, "llm"),
		Tracer:   provider.Tracer,
		Metrics:  metrics,
	})
	a.agent = &engine.TaskActionAgent{
		Model:    model,
		Store:    a.tasks,
		Assignee: "scheduler",
		Logger:   telemetry.Component(logger, "actions"),
	}
	a.loop = engine.NewLoop(engine.LoopConfig{
		Store:    a.tasks,
		Agent:    a.agent,
		Logger:   telemetry.Component(logger, "loop"),
		Bus:      a.bus,
		Metrics:  metrics,
		Tracer:   provider.Tracer,
		OnFinish: a.recordTaskRun,
	})
	a.reviewer = engine.NewReviewer(engine.ReviewConfig{
		Store:         a.tasks,
		Loop:          a.loop,
		Logger:        telemetry.Component(logger, "review"),
		StaleAfter:    time.Duration(cfg.Tasks.StaleMinutes) * time.Minute,
		MaxTasks:      cfg.Tasks.MaxTasksPerCycle,
		MaxIterations: cfg.Tasks.MaxIterations,
		Assignees:     cfg.Tasks.Assignees,
	})

	a.memory = memory.NewBuffer(memory.Config{
		Dir:       cfg.Sessions.Dir,
		Threshold: cfg.Sessions.Threshold,
		Logger:    telemetry.Component(logger, "memory"),
		Bus:       a.bus,
		Metrics:   metrics,
	})
	return a, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) registerNotifiers() {
	a.alerts.RegisterNotifier("log", alerts.LogNotifier{Logger: telemetry.Component(a.logger, "notify")})
	a.alerts.RegisterNotifier("signal", alerts.SignalNotifier{})

	n := a.cfg.Notifiers
	if token := a.cfg.Channels.Telegram.Token; token != "" && n.Telegram.ChatID != 0 {
		tg, err := alerts.NewTelegramNotifier(token, n.Telegram.Endpoint, n.Telegram.ChatID)
		if err != nil {
			a.logger.Warn("telegram notifier disabled", "error", err)
		} else {
			a.alerts.RegisterNotifier("telegram", tg)
		}
	}
	if n.Slack.WebhookURL != "" {
		a.alerts.RegisterNotifier("slack", &alerts.SlackNotifier{WebhookURL: n.Slack.WebhookURL})
	}
	if n.Mastodon.InstanceURL != "" && n.Mastodon.Token != "" {
		a.alerts.RegisterNotifier("mastodon", &alerts.MastodonNotifier{InstanceURL: n.Mastodon.InstanceURL, Token: n.Mastodon.Token})
	}
}

func (a *app) recordPluginRun(ctx context.Context, r plugins.Result) {
	run := persistence.PluginRun{
		PluginID: r.PluginID,
		Success:  r.Success,
		ExitCode: r.ExitCode,
		Output:   r.Output,
		Error:    r.Error,
		Duration: r.Duration,
		RanAt:    r.RanAt,
	}
	if err := a.history.RecordPluginRun(ctx, run); err != nil {
		a.logger.Warn("record plugin run failed", "plugin_id", r.PluginID, "error", err)
	}
}

func (a *app) recordTaskRun(ctx context.Context, r engine.LoopResult) {
	run := persistence.TaskRun{
		RunID:      r.RunID,
		Task:       r.Ref,
		FinalTask:  r.FinalRef,
		Iterations: r.Iterations,
		Outcome:    r.Outcome,
		Reply:      r.Reply,
		StartedAt:  r.StartedAt,
		Duration:   r.Duration,
	}
	if r.Err != nil {
		run.Error = r.Err.Error()
	}
	// The loop context may already be cancelled on shutdown.
	if err := a.history.RecordTaskRun(context.WithoutCancel(ctx), run); err != nil {
		a.logger.Warn("record task run failed", "run_id", r.RunID, "error", err)
	}
}

func (a *app) recordFirings(ctx context.Context, firings []alerts.Firing) {
	for _, f := range firings {
		err := a.history.RecordAlertFiring(ctx, persistence.AlertFiring{
			AlertID:  f.AlertID,
			Name:     f.Name,
			Message:  f.Message,
			Channels: f.Channels,
			Failed:   f.Failed,
			FiredAt:  f.At,
		})
		if err != nil {
			a.logger.Warn("record alert firing failed", "alert_id", f.AlertID, "error", err)
		}
	}
}

func needsRuntime(pcs []config.PluginConfig, runtime string) bool {
	for _, pc := range pcs {
		if strings.EqualFold(pc.Plugin().EffectiveRuntime(), runtime) {
			return true
		}
	}
	return false
}

// newDispatcher routes plugins to the host runner and to docker and wasm
// runners that start on first use, so a reload can add either runtime.
// Runtimes the configured plugins already need are started now.
func (a *app) newDispatcher(ctx context.Context) plugins.Dispatcher {
	cfg := a.cfg
	docker := &plugins.LazyRunner{Build: func(context.Context) (plugins.Runner, error) {
		r, err := plugins.NewDockerRunner(cfg.Sandbox.Image, cfg.Sandbox.MemoryMB, cfg.Sandbox.Network)
		if err != nil {
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
		a.logger.Info("docker runtime started", "image", cfg.Sandbox.Image)
		return r, nil
	}}
	sandbox := &plugins.LazyRunner{Build: func(ctx context.Context) (plugins.Runner, error) {
		r, err := wasm.NewRunner(context.WithoutCancel(ctx), wasm.Config{Logger: telemetry.Component(a.logger, "wasm")})
		if err != nil {
			return nil, fmt.Errorf("wasm runtime: %w", err)
		}
		a.logger.Info("wasm runtime started")
		return plugins.WasmRunner{Sandbox: r}, nil
	}}
	a.closers = append(a.closers, func(ctx context.Context) error {
		var errs []error
		if r, ok := docker.Built().(*plugins.DockerRunner); ok {
			errs = append(errs, r.Close())
		}
		if r, ok := sandbox.Built().(plugins.WasmRunner); ok && r.Sandbox != nil {
			errs = append(errs, r.Sandbox.Close(ctx))
		}
		return errors.Join(errs...)
	})

	for rt, lazy := range map[string]*plugins.LazyRunner{plugins.RuntimeDocker: docker, plugins.RuntimeWasm: sandbox} {
		if !needsRuntime(cfg.Plugins, rt) {
			continue
		}
		if _, err := lazy.Get(ctx); err != nil {
			a.logger.Warn("plugin runtime unavailable", "runtime", rt, "error", err)
		}
	}
	return plugins.Dispatcher{Host: plugins.HostRunner{}, Docker: docker, Wasm: sandbox}
}
