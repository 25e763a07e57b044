package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-beacon/internal/taskstore"
)

// Review defaults.
const (
	DefaultReviewInterval       = 10 * time.Minute
	DefaultStaleAfter           = 30 * time.Minute
	DefaultMaxTasksPerCycle     = 3
	DefaultMaxIterationsPerTask = 20
)

const noteStaleWIP = "Closed as unsuccessful (30 min timeout)."

// DefaultReviewAssignees are the assignees the review cycle works for.
var DefaultReviewAssignees = []string{"scheduler", "default"}

type ReviewConfig struct {
	Store  *taskstore.Store
	Loop   *Loop
	Logger *slog.Logger
	Now    func() time.Time

	StaleAfter    time.Duration
	MaxTasks      int
	MaxIterations int
	Assignees     []string
}

// ReviewReport lists what one cycle did, by task file name.
type ReviewReport struct {
	Closed  []string `json:"closed,omitempty"`
	Resumed []string `json:"resumed,omitempty"`
	Worked  []string `json:"worked,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// Reviewer is the periodic task housekeeping and work cycle.
type Reviewer struct {
	store         *taskstore.Store
	loop          *Loop
	logger        *slog.Logger
	now           func() time.Time
	staleAfter    time.Duration
	maxTasks      int
	maxIterations int
	assignees     []string
}

func NewReviewer(cfg ReviewConfig) *Reviewer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasksPerCycle
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterationsPerTask
	}
	if len(cfg.Assignees) == 0 {
		cfg.Assignees = DefaultReviewAssignees
	}
	return &Reviewer{
		store:         cfg.Store,
		loop:          cfg.Loop,
		logger:        cfg.Logger,
		now:           cfg.Now,
		staleAfter:    cfg.StaleAfter,
		maxTasks:      cfg.MaxTasks,
		maxIterations: cfg.MaxIterations,
		assignees:     slices.Clone(cfg.Assignees),
	}
}

// RunOnce closes stale WIP tasks, resumes paused tasks whose time has come,
// then works on up to MaxTasks ready open tasks. Per-task failures are
// logged and reported; the cycle itself never fails.
func (r *Reviewer) RunOnce(ctx context.Context) ReviewReport {
	var rep ReviewReport
	r.closeStale(&rep)
	r.resumePaused(&rep)

	picked := make(map[string]bool)
	for len(rep.Worked)+len(rep.Failed) < r.maxTasks {
		if ctx.Err() != nil {
			break
		}
		task, ok := r.pick(picked)
		if !ok {
			break
		}
		picked[task.Name] = true
		r.logger.Info("review working on task", "task", task.Name, "slot", len(picked), "max", r.maxTasks)
		reply, err := r.loop.RunUntilFinished(ctx, task.Path, r.maxIterations)
		if err != nil {
			r.logger.Error("review task run failed", "task", task.Name, "error", err)
			rep.Failed = append(rep.Failed, task.Name)
			continue
		}
		r.logger.Info("review task run completed", "task", task.Name, "reply_chars", len(reply))
		rep.Worked = append(rep.Worked, task.Name)
	}
	return rep
}

func (r *Reviewer) closeStale(rep *ReviewReport) {
	wips, err := r.store.ListByStatus(taskstore.StatusWIP)
	if err != nil {
		r.logger.Warn("review list wip failed", "error", err)
		return
	}
	now := r.now()
	for _, t := range wips {
		idle := now.Sub(t.ModTime)
		if idle < r.staleAfter {
			continue
		}
		r.logger.Info("closing stale wip task", "task", t.Name, "idle_minutes", int(idle.Minutes()))
		closed, err := r.store.SetStatus(t.Path, taskstore.StatusUnsuccessful)
		if err != nil {
			r.logger.Warn("close stale wip failed", "task", t.Name, "error", err)
			continue
		}
		if _, err := r.store.Append(closed, noteStaleWIP); err != nil {
			r.logger.Warn("append stale note failed", "task", t.Name, "error", err)
		}
		rep.Closed = append(rep.Closed, filepath.Base(closed))
	}
}

func (r *Reviewer) resumePaused(rep *ReviewReport) {
	paused, err := r.store.ListByStatus(taskstore.StatusPaused)
	if err != nil {
		r.logger.Warn("review list paused failed", "error", err)
		return
	}
	now := r.now()
	for _, t := range paused {
		until, ok, err := r.store.PausedUntil(t.Path)
		if err != nil || !ok || now.Before(until) {
			continue
		}
		open, err := r.store.SetStatus(t.Path, taskstore.StatusOpen)
		if err != nil {
			r.logger.Warn("resume paused task failed", "task", t.Name, "error", err)
			continue
		}
		if err := r.store.ClearPausedUntil(open); err != nil {
			r.logger.Warn("clear paused line failed", "task", t.Name, "error", err)
		}
		r.logger.Info("resumed paused task", "task", filepath.Base(open), "until", until)
		rep.Resumed = append(rep.Resumed, filepath.Base(open))
	}
}

// pick returns the oldest open, ready task for a review assignee that has
// not been picked this cycle.
func (r *Reviewer) pick(picked map[string]bool) (taskstore.Task, bool) {
	open, err := r.store.ListByStatus(taskstore.StatusOpen)
	if err != nil {
		r.logger.Warn("review list open failed", "error", err)
		return taskstore.Task{}, false
	}
	for _, t := range open {
		if picked[t.Name] || !slices.ContainsFunc(r.assignees, func(a string) bool { return strings.EqualFold(a, t.Assignee) }) {
			continue
		}
		ready, err := r.store.IsReady(t.Path)
		if err != nil || !ready {
			continue
		}
		return t, true
	}
	return taskstore.Task{}, false
}
