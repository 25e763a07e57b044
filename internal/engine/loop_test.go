package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/taskstore"
)

// memStore is an in-memory TaskStore whose refs are "<name>@<status>".
type memStore struct {
	mu       sync.Mutex
	content  map[string]string
	status   map[string]taskstore.Status
	readErr  error
	appended []string
}

func newMemStore(name string, st taskstore.Status, body string) (*memStore, string) {
	s := &memStore{
		content: map[string]string{name: body},
		status:  map[string]taskstore.Status{name: st},
	}
	return s, name + "@" + string(st)
}

func split(ref string) (string, taskstore.Status) {
	name, st, _ := strings.Cut(ref, "@")
	return name, taskstore.Status(st)
}

func (s *memStore) Read(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return "", s.readErr
	}
	name, st := split(ref)
	if s.status[name] != st {
		return "", taskstore.ErrNotFound
	}
	return s.content[name], nil
}

func (s *memStore) Append(ref, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, _ := split(ref)
	s.content[name] += "\n" + text
	s.appended = append(s.appended, text)
	return ref, nil
}

func (s *memStore) SetStatus(ref string, st taskstore.Status) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, _ := split(ref)
	s.status[name] = st
	return name + "@" + string(st), nil
}

func (s *memStore) StatusOf(ref string) (taskstore.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, st := split(ref)
	if cur, ok := s.status[name]; ok && cur == st {
		return st, true
	}
	return "", false
}

func (s *memStore) ResolveCurrent(ref string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, _ := split(ref)
	st, ok := s.status[name]
	if !ok {
		return "", false
	}
	return name + "@" + string(st), true
}

func (s *memStore) set(name string, st taskstore.Status) {
	s.mu.Lock()
	s.status[name] = st
	s.mu.Unlock()
}

type scriptedAgent struct {
	calls   int
	prompts []string
	step    func(call int) (string, error)
}

func (a *scriptedAgent) Invoke(_ context.Context, prompt string) (string, error) {
	a.calls++
	a.prompts = append(a.prompts, prompt)
	if a.step != nil {
		return a.step(a.calls)
	}
	return "thinking", nil
}

func TestRunUntilFinished_AlreadyTerminal(t *testing.T) {
	cases := map[taskstore.Status]string{
		taskstore.StatusFinished:     "Task already finished.",
		taskstore.StatusUnsuccessful: "Task already closed as unsuccessful.",
	}
	for st, want := range cases {
		store, ref := newMemStore("t", st, "body")
		agent := &scriptedAgent{}
		loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent})
		got, err := loop.RunUntilFinished(context.Background(), ref, 5)
		if err != nil || got != want {
			t.Fatalf("%s: got %q, %v", st, got, err)
		}
		if agent.calls != 0 {
			t.Fatalf("%s: agent called %d times", st, agent.calls)
		}
	}
}

func TestRunUntilFinished_FinishesAfterRollover(t *testing.T) {
	store, ref := newMemStore("t", taskstore.StatusOpen, "fix the printer")
	agent := &scriptedAgent{}
	agent.step = func(call int) (string, error) {
		switch call {
		case 1:
			store.set("t", taskstore.StatusWIP)
			return "started", nil
		default:
			store.set("t", taskstore.StatusFinished)
			return "all done", nil
		}
	}
	loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent})
	got, err := loop.RunUntilFinished(context.Background(), ref, 5)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "all done" || agent.calls != 2 {
		t.Fatalf("got %q after %d calls", got, agent.calls)
	}
	// The second read must have followed the rename to the wip file.
	if !strings.Contains(agent.prompts[1], "fix the printer") {
		t.Fatalf("second prompt missing content: %q", agent.prompts[1])
	}
}

func TestRunUntilFinished_DirectiveEmbedsContent(t *testing.T) {
	store, ref := newMemStore("t", taskstore.StatusOpen, "BODY")
	agent := &scriptedAgent{step: func(int) (string, error) {
		store.set("t", taskstore.StatusFinished)
		return "ok", nil
	}}
	loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent})
	if _, err := loop.RunUntilFinished(context.Background(), ref, 1); err != nil {
		t.Fatal(err)
	}
	want := "Current task file content:\n\nBODY\n\nDecide the next step. Use TASK_APPEND to add feedback and TASK_STATUS to set wip or finished when done. Reply with your action (TASK_APPEND, TASK_STATUS, or a final summary)."
	if agent.prompts[0] != want {
		t.Fatalf("directive = %q", agent.prompts[0])
	}
}

func TestRunUntilFinished_ExhaustionClosesTask(t *testing.T) {
	store, ref := newMemStore("t", taskstore.StatusOpen, "body")
	long := strings.Repeat("é", 600)
	agent := &scriptedAgent{step: func(int) (string, error) { return long, nil }}
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskLoopFinished)
	defer b.Unsubscribe(sub)

	var finished engine.LoopResult
	loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent, Bus: b,
		OnFinish: func(_ context.Context, r engine.LoopResult) { finished = r }})
	got, err := loop.RunUntilFinished(context.Background(), ref, 3)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if agent.calls != 3 {
		t.Fatalf("expected exactly 3 agent calls, got %d", agent.calls)
	}
	want := "Max iterations (3) reached. Last reply: " + strings.Repeat("é", 500)
	if got != want {
		t.Fatalf("summary has %d runes", len([]rune(got)))
	}
	if st, _ := store.StatusOf("t@unsuccessful"); st != taskstore.StatusUnsuccessful {
		t.Fatal("task not force-closed")
	}
	if len(store.appended) != 1 || store.appended[0] != "Max iterations reached; closed as unsuccessful." {
		t.Fatalf("appended = %v", store.appended)
	}
	if finished.Outcome != engine.OutcomeExhausted || finished.Iterations != 3 || finished.FinalRef != "t@unsuccessful" {
		t.Fatalf("result = %+v", finished)
	}
	ev := <-sub.Ch()
	if ev.Payload.(bus.TaskLoopEvent).Outcome != engine.OutcomeExhausted {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRunUntilFinished_ExhaustionKeepsAgentClosedTask(t *testing.T) {
	store, ref := newMemStore("t", taskstore.StatusOpen, "body")
	agent := &scriptedAgent{step: func(int) (string, error) {
		store.set("t", taskstore.StatusUnsuccessful)
		return "giving up", nil
	}}
	loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent})
	got, err := loop.RunUntilFinished(context.Background(), ref, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "Max iterations (2) reached.") {
		t.Fatalf("got %q", got)
	}
	if len(store.appended) != 0 {
		t.Fatalf("closed task should not get the exhaustion note: %v", store.appended)
	}
}

func TestRunUntilFinished_ZeroIterations(t *testing.T) {
	store, ref := newMemStore("t", taskstore.StatusOpen, "body")
	agent := &scriptedAgent{}
	loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent})
	got, err := loop.RunUntilFinished(context.Background(), ref, 0)
	if err != nil || got != "Max iterations (0) reached. Last reply: " {
		t.Fatalf("got %q, %v", got, err)
	}
	if agent.calls != 0 {
		t.Fatal("agent must not be called")
	}
}

func TestRunUntilFinished_AgentErrorPropagates(t *testing.T) {
	store, ref := newMemStore("t", taskstore.StatusOpen, "body")
	boom := errors.New("model offline")
	agent := &scriptedAgent{step: func(int) (string, error) { return "", boom }}
	loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent})
	_, err := loop.RunUntilFinished(context.Background(), ref, 5)
	if !errors.Is(err, boom) {
		t.Fatalf("expected agent error, got %v", err)
	}
	if agent.calls != 1 {
		t.Fatalf("no retry expected, got %d calls", agent.calls)
	}
	if st, ok := store.StatusOf(ref); !ok || st != taskstore.StatusOpen {
		t.Fatal("failed run must not change status")
	}
}

func TestRunUntilFinished_ReadErrorPropagates(t *testing.T) {
	store, ref := newMemStore("t", taskstore.StatusOpen, "body")
	store.readErr = errors.New("disk gone")
	agent := &scriptedAgent{}
	loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent})
	if _, err := loop.RunUntilFinished(context.Background(), ref, 5); err == nil {
		t.Fatal("expected read error")
	}
	if agent.calls != 0 {
		t.Fatal("agent called after failed read")
	}
}

func TestRunUntilFinished_Cancelled(t *testing.T) {
	store, ref := newMemStore("t", taskstore.StatusOpen, "body")
	ctx, cancel := context.WithCancel(context.Background())
	agent := &scriptedAgent{step: func(int) (string, error) {
		cancel()
		return "x", nil
	}}
	loop := engine.NewLoop(engine.LoopConfig{Store: store, Agent: agent})
	if _, err := loop.RunUntilFinished(ctx, ref, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if agent.calls != 1 {
		t.Fatalf("calls = %d", agent.calls)
	}
}
