package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/channels"
	"github.com/basket/go-beacon/internal/config"
	"github.com/basket/go-beacon/internal/cron"
	"github.com/basket/go-beacon/internal/gateway"
	"github.com/basket/go-beacon/internal/telemetry"
)

// runServe starts the daemon and blocks until ctx is cancelled or the
// gateway fails.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_APP_INIT", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown: close failed", "error", err)
		}
	}()
	logger.Info("startup phase", "phase", "components_ready",
		"plugins", len(a.plugins.List()), "alerts", len(a.alerts.List()))

	sched, err := cron.NewScheduler(cron.Config{
		Plugins:        a.plugins,
		Alerts:         a.alerts,
		Snapshot:       a.snapshot,
		Reviewer:       a.reviewer,
		Tasks:          a.tasks,
		History:        a.history,
		Schedules:      schedulesFrom(cfg.Schedules),
		Logger:         telemetry.Component(logger, "scheduler"),
		Interval:       cfg.Tick(),
		ReviewInterval: cfg.ReviewInterval(),
		Retention:      cfg.Retention(),
	})
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_SCHEDULE_INVALID", "error", err)
		return 1
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "schedules", len(cfg.Schedules))

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken = readAuthToken(cfg.HomeDir)
	}
	gw := gateway.New(gateway.Config{
		Plugins:           a.plugins,
		Alerts:            a.alerts,
		Tasks:             a.tasks,
		History:           a.history,
		Bus:               a.bus,
		Logger:            telemetry.Component(logger, "gateway"),
		Snapshot:          sched.Snapshot,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_LISTENER_BIND", "error", err)
		return 1
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	chat := channels.NewChat(channels.ChatConfig{
		Memory: a.memory,
		Agent:  a.agent,
		Tasks:  a.tasks,
		Logger: telemetry.Component(logger, "chat"),
	})
	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			ch := channels.NewTelegramChannel(channels.TelegramConfig{
				Token:      tg.Token,
				AllowedIDs: tg.AllowedIDs,
				Chat:       chat,
				Bus:        a.bus,
				Logger:     telemetry.Component(logger, "telegram"),
			})
			go func() {
				if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, telemetry.Component(logger, "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go a.watchConfig(ctx, watcher, sched)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

// watchConfig applies plugin, alert and schedule edits from config.yaml
// without a restart. Other settings need one.
func (a *app) watchConfig(ctx context.Context, w *config.Watcher, sched *cron.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.Error("config reload failed; keeping previous config", "path", ev.Path, "error", err)
				continue
			}
			if next.Fingerprint() == a.cfg.Fingerprint() {
				continue
			}
			changed := syncPlugins(a.plugins, next.Plugins, a.logger)
			changed += syncAlerts(a.alerts, next.Alerts, a.logger)
			if err := sched.SetSchedules(schedulesFrom(next.Schedules)); err != nil {
				a.logger.Error("config reload: schedules rejected", "error", err)
			}
			a.cfg = next
			a.logger.Info("config reloaded", "fingerprint", next.Fingerprint(), "changed", changed)
			a.bus.Publish(bus.TopicConfigReloaded, bus.ConfigEvent{Fingerprint: next.Fingerprint(), Changed: changed})
		}
	}
}

func schedulesFrom(scs []config.ScheduleConfig) []cron.Schedule {
	out := make([]cron.Schedule, 0, len(scs))
	for _, sc := range scs {
		out = append(out, cron.Schedule{
			ID:       sc.ID,
			Expr:     sc.Cron,
			Action:   sc.Action,
			PluginID: sc.PluginID,
			Topic:    sc.Topic,
			Content:  sc.Content,
			Assignee: sc.Assignee,
		})
	}
	return out
}

// readAuthToken returns the token in <home>/auth.token, if any.
func readAuthToken(homeDir string) string {
	b, err := os.ReadFile(filepath.Join(homeDir, "auth.token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
