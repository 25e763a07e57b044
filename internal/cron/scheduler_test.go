package cron_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-beacon/internal/alerts"
	"github.com/basket/go-beacon/internal/cron"
	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/persistence"
	"github.com/basket/go-beacon/internal/plugins"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "beacon.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePlugins struct {
	mu       sync.Mutex
	due      []plugins.Result
	executed []string
	runs     int
}

func (f *fakePlugins) RunDue(context.Context) []plugins.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.due
}

func (f *fakePlugins) Execute(_ context.Context, id string) (plugins.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, id)
	return plugins.Result{PluginID: id, Success: true}, nil
}

func (f *fakePlugins) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeAlerts struct {
	snaps []alerts.Context
	fire  []alerts.Firing
}

func (f *fakeAlerts) Evaluate(_ context.Context, snap alerts.Context) []alerts.Firing {
	f.snaps = append(f.snaps, snap)
	return f.fire
}

type fakeTasks struct {
	mu      sync.Mutex
	created []string
}

func (f *fakeTasks) Create(topic, id, _, assignee string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, fmt.Sprintf("%s|%s|%s", topic, id, assignee))
	return "/tasks/" + id, nil
}

type countingReviewer struct {
	mu sync.Mutex
	n  int
}

func (r *countingReviewer) RunOnce(context.Context) engine.ReviewReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return engine.ReviewReport{}
}

func (r *countingReviewer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func cpuResult(pct float64, at time.Time) plugins.Result {
	return plugins.Result{
		PluginID: "cpu",
		Success:  true,
		RanAt:    at,
		Parsed:   &plugins.Output{Status: "ok", Metrics: map[string]float64{alerts.MetricCPUUsage: pct}},
	}
}

func TestTick_FeedsMetricsIntoAlertSnapshot(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fp := &fakePlugins{due: []plugins.Result{
		cpuResult(97, t0),
		{PluginID: "broken", Success: false, Error: "timeout"},
	}}
	fa := &fakeAlerts{}
	s, err := cron.NewScheduler(cron.Config{Plugins: fp, Alerts: fa, Now: func() time.Time { return t0 }})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Tick(context.Background())

	if len(fa.snaps) != 1 {
		t.Fatalf("expected one evaluation, got %d", len(fa.snaps))
	}
	snap := fa.snaps[0]
	if snap.System == nil || snap.System.CPUUsage != 97 {
		t.Fatalf("cpu usage not in snapshot: %+v", snap)
	}
	if s.Snapshot().System.CPUUsage != 97 {
		t.Fatalf("Snapshot should expose the same context")
	}
}

func TestTick_RecordsAlertFirings(t *testing.T) {
	store := openTestStore(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fa := &fakeAlerts{fire: []alerts.Firing{{AlertID: "cpu-high", Name: "CPU", Message: "cpu 97", At: t0, Channels: []string{"log"}}}}
	s, err := cron.NewScheduler(cron.Config{Alerts: fa, History: store, Now: func() time.Time { return t0 }})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Tick(context.Background())

	got, err := store.ListAlertFirings(context.Background(), 10)
	if err != nil {
		t.Fatalf("list firings: %v", err)
	}
	if len(got) != 1 || got[0].AlertID != "cpu-high" {
		t.Fatalf("unexpected firings: %+v", got)
	}
}

func TestNewScheduler_RejectsBadCron(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{Schedules: []cron.Schedule{{ID: "bad", Expr: "not a cron"}}})
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTick_FiresScheduleOncePerSlot(t *testing.T) {
	store := openTestStore(t)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)}
	tasks := &fakeTasks{}
	s, err := cron.NewScheduler(cron.Config{
		Tasks:   tasks,
		History: store,
		Now:     clk.Now,
		Schedules: []cron.Schedule{
			{ID: "standup", Expr: "*/5 * * * *", Action: cron.ActionCreateTask, Topic: "daily standup"},
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	s.Tick(ctx)
	if len(tasks.created) != 0 {
		t.Fatalf("schedule should not fire before its first slot: %v", tasks.created)
	}

	clk.Advance(5 * time.Minute)
	s.Tick(ctx)
	s.Tick(ctx)
	if len(tasks.created) != 1 {
		t.Fatalf("expected exactly one task, got %v", tasks.created)
	}
	if tasks.created[0] != "daily standup|standup-20260301-1205|scheduler" {
		t.Fatalf("unexpected create call: %q", tasks.created[0])
	}

	at, ok, err := store.LastScheduleFire(ctx, "standup")
	if err != nil || !ok || !at.Equal(clk.Now()) {
		t.Fatalf("fire not recorded: at=%v ok=%v err=%v", at, ok, err)
	}

	clk.Advance(5 * time.Minute)
	s.Tick(ctx)
	if len(tasks.created) != 2 {
		t.Fatalf("expected second fire, got %v", tasks.created)
	}
}

func TestTick_ScheduleRunsPlugin(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fp := &fakePlugins{}
	s, err := cron.NewScheduler(cron.Config{
		Plugins:   fp,
		Now:       clk.Now,
		Schedules: []cron.Schedule{{ID: "hourly-backup", Expr: "@hourly", Action: cron.ActionRunPlugin, PluginID: "backup"}},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	clk.Advance(time.Hour)
	s.Tick(context.Background())
	if len(fp.executed) != 1 || fp.executed[0] != "backup" {
		t.Fatalf("expected backup plugin executed, got %v", fp.executed)
	}
}

func TestTick_ResumesFromRecordedFire(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	// Last fired yesterday at 02:00; today's 02:00 slot was missed while down.
	if err := store.RecordScheduleFire(ctx, "nightly", now.Add(-31*time.Hour)); err != nil {
		t.Fatalf("seed fire: %v", err)
	}
	tasks := &fakeTasks{}
	s, err := cron.NewScheduler(cron.Config{
		Tasks:     tasks,
		History:   store,
		Now:       func() time.Time { return now },
		Schedules: []cron.Schedule{{ID: "nightly", Expr: "0 2 * * *", Action: cron.ActionCreateTask, Topic: "nightly report"}},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Tick(ctx)
	if len(tasks.created) != 1 {
		t.Fatalf("missed slot should fire once on startup, got %v", tasks.created)
	}
}

func TestStart_RunsTickAndReview(t *testing.T) {
	fp := &fakePlugins{}
	rev := &countingReviewer{}
	s, err := cron.NewScheduler(cron.Config{
		Plugins:        fp,
		Reviewer:       rev,
		Interval:       20 * time.Millisecond,
		ReviewInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return fp.Runs() >= 2 && rev.Count() >= 2 })
	s.Stop()

	runs := fp.Runs()
	time.Sleep(60 * time.Millisecond)
	if fp.Runs() != runs {
		t.Fatalf("tick loop kept running after Stop")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
	if _, err := cron.NextRunTime("bogus", after); err == nil {
		t.Fatalf("expected error for bogus expression")
	}
}
