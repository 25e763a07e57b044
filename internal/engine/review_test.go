package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/taskstore"
)

type reviewFixture struct {
	store *taskstore.Store
	now   time.Time
	mu    sync.Mutex
	seen  []string
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	f := &reviewFixture{now: time.Now()}
	f.store = taskstore.New(taskstore.Config{Dir: t.TempDir()})
	return f
}

func (f *reviewFixture) write(t *testing.T, name, body string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(f.store.Dir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
	return path
}

// reviewer finishes every task it is given and records which ones.
func (f *reviewFixture) reviewer(maxTasks int) *engine.Reviewer {
	model := engine.AgentFunc(func(_ context.Context, prompt string) (string, error) {
		id := ""
		for line := range strings.Lines(prompt) {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "## Id:"); ok {
				id = strings.TrimSpace(v)
				break
			}
		}
		f.mu.Lock()
		f.seen = append(f.seen, id)
		f.mu.Unlock()
		return "TASK_STATUS: " + id + " finished", nil
	})
	loop := engine.NewLoop(engine.LoopConfig{
		Store: f.store,
		Agent: &engine.TaskActionAgent{Model: model, Store: f.store},
	})
	return engine.NewReviewer(engine.ReviewConfig{
		Store:    f.store,
		Loop:     loop,
		Now:      func() time.Time { return f.now },
		MaxTasks: maxTasks,
	})
}

func TestReviewer_ClosesStaleWIP(t *testing.T) {
	f := newReviewFixture(t)
	f.write(t, "task-20260301-100000-wip.md", "## Id: old\n\nbody", f.now.Add(-31*time.Minute))
	f.write(t, "task-20260301-110000-wip.md", "## Id: fresh\n\nbody", f.now.Add(-5*time.Minute))

	rep := f.reviewer(3).RunOnce(context.Background())
	if len(rep.Closed) != 1 || rep.Closed[0] != "task-20260301-100000-unsuccessful.md" {
		t.Fatalf("closed = %v", rep.Closed)
	}
	content, err := f.store.Read(filepath.Join(f.store.Dir(), rep.Closed[0]))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "Closed as unsuccessful (30 min timeout).") {
		t.Fatalf("note missing: %q", content)
	}
	if _, ok := f.store.StatusOf(filepath.Join(f.store.Dir(), "task-20260301-110000-wip.md")); !ok {
		t.Fatal("fresh wip should stay")
	}
}

func TestReviewer_ResumesPausedTasks(t *testing.T) {
	f := newReviewFixture(t)
	past := f.now.Add(-time.Hour).Format(time.RFC3339)
	future := f.now.Add(time.Hour).Format(time.RFC3339)
	f.write(t, "task-20260301-100000-paused.md", "## Paused until: "+past+"\n\n## Assigned: someone\n## Id: p1\n\nbody", f.now)
	f.write(t, "task-20260301-110000-paused.md", "## Paused until: "+future+"\n\n## Id: p2\n\nbody", f.now)

	rep := f.reviewer(3).RunOnce(context.Background())
	if len(rep.Resumed) != 1 || rep.Resumed[0] != "task-20260301-100000-open.md" {
		t.Fatalf("resumed = %v", rep.Resumed)
	}
	content, _ := f.store.Read(filepath.Join(f.store.Dir(), "task-20260301-100000-open.md"))
	if strings.Contains(content, "Paused until") {
		t.Fatalf("paused line kept: %q", content)
	}
	if len(rep.Worked) != 0 {
		t.Fatalf("task for another assignee was worked: %v", rep.Worked)
	}
}

func TestReviewer_WorksReadyTasksUpToLimit(t *testing.T) {
	f := newReviewFixture(t)
	f.write(t, "task-20260301-090000-open.md", "## Assigned: default\n## Id: a\n\nbody", f.now)
	f.write(t, "task-20260301-090100-open.md", "## Assigned: scheduler\n## Id: b\n\nbody", f.now)
	f.write(t, "task-20260301-090200-open.md", "## Assigned: alice\n## Id: c\n\nbody", f.now)
	f.write(t, "task-20260301-090300-open.md", "## Id: d\n## Depends: zzz\n\nbody", f.now)
	f.write(t, "task-20260301-090400-open.md", "## Id: e\n\nbody", f.now)
	f.write(t, "task-20260301-090500-open.md", "## Id: f\n\nbody", f.now)

	rep := f.reviewer(3).RunOnce(context.Background())
	if len(rep.Worked) != 3 {
		t.Fatalf("worked = %v", rep.Worked)
	}
	if strings.Join(f.seen, ",") != "a,b,e" {
		t.Fatalf("picked %v", f.seen)
	}
	counts, _ := f.store.Counts()
	if counts[taskstore.StatusFinished] != 3 || counts[taskstore.StatusOpen] != 3 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestReviewer_FailedTaskNotRepicked(t *testing.T) {
	f := newReviewFixture(t)
	f.write(t, "task-20260301-090000-open.md", "## Id: a\n\nbody", f.now)
	calls := 0
	loop := engine.NewLoop(engine.LoopConfig{
		Store: f.store,
		Agent: engine.AgentFunc(func(context.Context, string) (string, error) {
			calls++
			return "", os.ErrDeadlineExceeded
		}),
	})
	r := engine.NewReviewer(engine.ReviewConfig{Store: f.store, Loop: loop, Now: func() time.Time { return f.now }})
	rep := r.RunOnce(context.Background())
	if calls != 1 || len(rep.Failed) != 1 {
		t.Fatalf("calls=%d report=%+v", calls, rep)
	}
}
