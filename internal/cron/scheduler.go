// Package cron drives the daemon: every tick it runs due plugins, folds their
// metrics into the alert snapshot and evaluates alerts. The task review cycle
// and cron-expression schedules run alongside.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-beacon/internal/alerts"
	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/persistence"
	"github.com/basket/go-beacon/internal/plugins"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// plus descriptors such as @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	ActionCreateTask = "create_task"
	ActionRunPlugin  = "run_plugin"
)

const pruneEvery = 24 * time.Hour

type PluginRunner interface {
	RunDue(ctx context.Context) []plugins.Result
	Execute(ctx context.Context, id string) (plugins.Result, error)
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, snap alerts.Context) []alerts.Firing
}

type Reviewer interface {
	RunOnce(ctx context.Context) engine.ReviewReport
}

type TaskCreator interface {
	Create(topic, id, content, assignee string) (string, error)
}

// Schedule fires Action whenever Expr comes due.
type Schedule struct {
	ID       string
	Expr     string
	Action   string
	PluginID string
	Topic    string
	Content  string
	Assignee string
}

// Config holds the dependencies for the scheduler. Any of Plugins, Alerts,
// Reviewer, Tasks and History may be nil; the matching work is skipped.
type Config struct {
	Plugins  PluginRunner
	Alerts   AlertEvaluator
	Snapshot *alerts.Snapshotter
	Reviewer Reviewer
	Tasks    TaskCreator
	History  *persistence.Store

	Schedules []Schedule

	Logger         *slog.Logger
	Interval       time.Duration // plugin/alert tick; defaults to 30s
	ReviewInterval time.Duration // task review cycle; defaults to 10m
	Retention      time.Duration // history retention; defaults to persistence.DefaultRetention
	Now            func() time.Time
}

type compiled struct {
	Schedule
	sched cronlib.Schedule
}

// Scheduler owns the daemon loops.
type Scheduler struct {
	plugins   PluginRunner
	alerts    AlertEvaluator
	snapshot  *alerts.Snapshotter
	reviewer  Reviewer
	tasks     TaskCreator
	history   *persistence.Store
	logger    *slog.Logger
	interval  time.Duration
	review    time.Duration
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	schedules []compiled
	lastFire  map[string]time.Time
	started   time.Time
	lastPrune time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every cron expression up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ReviewInterval <= 0 {
		cfg.ReviewInterval = engine.DefaultReviewInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = persistence.DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = alerts.NewSnapshotter()
	}
	s := &Scheduler{
		plugins:   cfg.Plugins,
		alerts:    cfg.Alerts,
		snapshot:  cfg.Snapshot,
		reviewer:  cfg.Reviewer,
		tasks:     cfg.Tasks,
		history:   cfg.History,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		review:    cfg.ReviewInterval,
		retention: cfg.Retention,
		now:       cfg.Now,
		lastFire:  make(map[string]time.Time),
	}
	if err := s.SetSchedules(cfg.Schedules); err != nil {
		return nil, err
	}
	s.started = s.now()
	return s, nil
}

// SetSchedules replaces the cron schedules, keeping fire times of ids that
// survive the swap.
func (s *Scheduler) SetSchedules(in []Schedule) error {
	out := make([]compiled, 0, len(in))
	for _, sc := range in {
		parsed, err := cronParser.Parse(sc.Expr)
		if err != nil {
			return fmt.Errorf("schedule %s: parse %q: %w", sc.ID, sc.Expr, err)
		}
		out = append(out, compiled{Schedule: sc, sched: parsed})
	}
	s.mu.Lock()
	s.schedules = out
	s.mu.Unlock()
	return nil
}

// Snapshot returns the current alert context assembled from plugin metrics.
func (s *Scheduler) Snapshot() alerts.Context {
	return s.snapshot.Snapshot()
}

// Start begins the tick and review loops. They run in background goroutines
// and stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx, s.interval, s.Tick)
	if s.reviewer != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.review, func(ctx context.Context) { s.reviewer.RunOnce(ctx) })
	}
	s.logger.Info("scheduler started", "interval", s.interval, "review_interval", s.review)
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Tick runs due plugins, evaluates alerts against the refreshed snapshot and
// fires due cron schedules.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.plugins != nil {
		for _, res := range s.plugins.RunDue(ctx) {
			s.Observe(res)
		}
	}
	if s.alerts != nil {
		for _, f := range s.alerts.Evaluate(ctx, s.snapshot.Snapshot()) {
			s.recordFiring(ctx, f)
		}
	}
	s.fireSchedules(ctx)
	s.prune(ctx)
}

// Observe feeds one plugin result's metrics into the alert snapshot.
func (s *Scheduler) Observe(res plugins.Result) {
	if !res.Success || res.Parsed == nil {
		return
	}
	s.snapshot.Observe(res.PluginID, res.Parsed.Metrics, res.RanAt)
}

func (s *Scheduler) recordFiring(ctx context.Context, f alerts.Firing) {
	if s.history == nil {
		return
	}
	err := s.history.RecordAlertFiring(ctx, persistence.AlertFiring{
		AlertID:  f.AlertID,
		Name:     f.Name,
		Message:  f.Message,
		Channels: f.Channels,
		Failed:   f.Failed,
		FiredAt:  f.At,
	})
	if err != nil {
		s.logger.Error("record alert firing failed", "alert_id", f.AlertID, "error", err)
	}
}

func (s *Scheduler) fireSchedules(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	schedules := s.schedules
	s.mu.Unlock()

	for _, sc := range schedules {
		last := s.lastFired(ctx, sc.ID)
		next := sc.sched.Next(last)
		if now.Before(next) {
			continue
		}
		s.fire(ctx, sc, now)
	}
}

// lastFired returns the reference time for a schedule: its last recorded
// fire, or the scheduler start when it has never fired.
func (s *Scheduler) lastFired(ctx context.Context, id string) time.Time {
	s.mu.Lock()
	last, ok := s.lastFire[id]
	s.mu.Unlock()
	if ok {
		return last
	}
	if s.history != nil {
		at, found, err := s.history.LastScheduleFire(ctx, id)
		if err != nil {
			s.logger.Error("read schedule fire failed", "schedule_id", id, "error", err)
		} else if found {
			last = at
		}
	}
	if last.IsZero() {
		last = s.started
	}
	s.mu.Lock()
	s.lastFire[id] = last
	s.mu.Unlock()
	return last
}

// fire performs the schedule's action and records the fire time. A failed
// action still counts as fired so it is not retried every tick.
func (s *Scheduler) fire(ctx context.Context, sc compiled, now time.Time) {
	s.mu.Lock()
	s.lastFire[sc.ID] = now
	s.mu.Unlock()
	if s.history != nil {
		if err := s.history.RecordScheduleFire(ctx, sc.ID, now); err != nil {
			s.logger.Error("record schedule fire failed", "schedule_id", sc.ID, "error", err)
		}
	}

	switch sc.Action {
	case ActionRunPlugin:
		if s.plugins == nil {
			s.logger.Warn("schedule skipped: no plugin runner", "schedule_id", sc.ID)
			return
		}
		res, err := s.plugins.Execute(ctx, sc.PluginID)
		if err != nil {
			s.logger.Error("schedule fire failed", "schedule_id", sc.ID, "plugin_id", sc.PluginID, "error", err)
			return
		}
		s.Observe(res)
		s.logger.Info("schedule fired", "schedule_id", sc.ID, "plugin_id", sc.PluginID, "success", res.Success)
	default:
		if s.tasks == nil {
			s.logger.Warn("schedule skipped: no task store", "schedule_id", sc.ID)
			return
		}
		assignee := sc.Assignee
		if assignee == "" {
			assignee = "scheduler"
		}
		// One task per fire: the id carries the fire minute.
		id := sc.ID + "-" + now.Format("20060102-1504")
		ref, err := s.tasks.Create(sc.Topic, id, sc.Content, assignee)
		if err != nil {
			s.logger.Error("schedule fire failed", "schedule_id", sc.ID, "topic", sc.Topic, "error", err)
			return
		}
		s.logger.Info("schedule fired", "schedule_id", sc.ID, "task", ref, "next_run_at", sc.sched.Next(now))
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	if s.history == nil {
		return
	}
	now := s.now()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneEvery {
		return
	}
	s.lastPrune = now
	n, err := s.history.Prune(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Error("prune history failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("history pruned", "rows", n)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
