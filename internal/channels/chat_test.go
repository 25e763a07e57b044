package channels_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/basket/go-beacon/internal/channels"
	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/memory"
)

type recordingAgent struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
}

func (a *recordingAgent) Invoke(_ context.Context, prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
	return a.reply, a.err
}

type fakeTasks struct {
	topic, content, assignee string
}

func (f *fakeTasks) Create(topic, _, content, assignee string) (string, error) {
	f.topic, f.content, f.assignee = topic, content, assignee
	return "/tmp/tasks/task-20260301-120000-open.md", nil
}

func newChat(t *testing.T, agent engine.Agent, tasks channels.TaskCreator) (*channels.Chat, *memory.Buffer) {
	t.Helper()
	buf := memory.NewBuffer(memory.Config{Dir: t.TempDir(), Threshold: 100})
	return channels.NewChat(channels.ChatConfig{Memory: buf, Agent: agent, Tasks: tasks}), buf
}

func TestChat_ReplyRecordsBothTurns(t *testing.T) {
	agent := &recordingAgent{reply: "pong"}
	chat, buf := newChat(t, agent, nil)

	got := chat.Reply(context.Background(), "telegram", "42", "ping")
	if got != "pong" {
		t.Fatalf("reply = %q", got)
	}
	msgs := buf.Messages("telegram", "42")
	if len(msgs) != 2 || msgs[0].Role != memory.RoleUser || msgs[1].Content != "pong" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if agent.prompts[0] != "ping" {
		t.Fatalf("first prompt should be the bare question, got %q", agent.prompts[0])
	}
}

func TestChat_PromptCarriesHistory(t *testing.T) {
	agent := &recordingAgent{reply: "ok"}
	chat, _ := newChat(t, agent, nil)
	ctx := context.Background()

	chat.Reply(ctx, "telegram", "42", "my name is Sam")
	chat.Reply(ctx, "telegram", "42", "what is my name?")

	p := agent.prompts[1]
	if !strings.Contains(p, "User: my name is Sam") || !strings.Contains(p, "Assistant: ok") {
		t.Fatalf("history missing from prompt: %q", p)
	}
	if !strings.HasSuffix(p, "User: what is my name?") {
		t.Fatalf("question should end the prompt: %q", p)
	}
}

func TestChat_AgentErrorStillAnswers(t *testing.T) {
	agent := &recordingAgent{err: errors.New("connection refused")}
	chat, buf := newChat(t, agent, nil)

	got := chat.Reply(context.Background(), "telegram", "1", "hello")
	if !strings.Contains(got, "connection refused") {
		t.Fatalf("error reply should carry the cause: %q", got)
	}
	if n := len(buf.Messages("telegram", "1")); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
}

func TestChat_NewSessionClearsHistory(t *testing.T) {
	agent := &recordingAgent{reply: "ok"}
	chat, buf := newChat(t, agent, nil)
	ctx := context.Background()

	chat.Reply(ctx, "telegram", "7", "first topic")
	chat.Reply(ctx, "telegram", "7", "New session: second topic")

	msgs := buf.Messages("telegram", "7")
	if len(msgs) != 2 || msgs[0].Content != "second topic" {
		t.Fatalf("expected fresh history, got %+v", msgs)
	}
	if last := agent.prompts[len(agent.prompts)-1]; last != "second topic" {
		t.Fatalf("fresh session should not replay history: %q", last)
	}

	if got := chat.Reply(ctx, "telegram", "7", "/new"); got != "Started a new session." {
		t.Fatalf("bare /new reply = %q", got)
	}
	if buf.Messages("telegram", "7") != nil {
		t.Fatalf("history should be empty after /new")
	}
}

func TestChat_ResumesFromTranscript(t *testing.T) {
	dir := t.TempDir()
	agent := &recordingAgent{reply: "noted"}
	first := memory.NewBuffer(memory.Config{Dir: dir, Threshold: 1})
	channels.NewChat(channels.ChatConfig{Memory: first, Agent: agent}).
		Reply(context.Background(), "telegram", "9", "remember the blue door")

	// A new buffer simulates a restart.
	second := memory.NewBuffer(memory.Config{Dir: dir, Threshold: 1})
	channels.NewChat(channels.ChatConfig{Memory: second, Agent: agent}).
		Reply(context.Background(), "telegram", "9", "which door?")

	p := agent.prompts[len(agent.prompts)-1]
	if !strings.Contains(p, "remember the blue door") {
		t.Fatalf("restart should resume from transcript: %q", p)
	}
}

func TestChat_TaskCommand(t *testing.T) {
	tasks := &fakeTasks{}
	chat, _ := newChat(t, &recordingAgent{}, tasks)

	got := chat.Reply(context.Background(), "telegram", "1", "/task fix login: users get 500 on submit")
	if got != "Created task task-20260301-120000-open.md" {
		t.Fatalf("reply = %q", got)
	}
	if tasks.topic != "fix login" || tasks.content != "users get 500 on submit" || tasks.assignee != "scheduler" {
		t.Fatalf("unexpected create: %+v", tasks)
	}

	if got := chat.Reply(context.Background(), "telegram", "1", "/task  : nothing"); !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("expected usage, got %q", got)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := channels.SplitMessage("", 10); got != nil {
		t.Fatalf("empty text should give no chunks, got %q", got)
	}
	if got := channels.SplitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected chunks %q", got)
	}

	got := channels.SplitMessage("line one\nline two\nline three", 12)
	if strings.Join(got, "") != "line one\nline two\nline three" {
		t.Fatalf("chunks lost text: %q", got)
	}
	if got[0] != "line one\n" {
		t.Fatalf("expected break after newline, got %q", got[0])
	}
	for _, c := range got {
		if len([]rune(c)) > 12 {
			t.Fatalf("chunk too long: %q", c)
		}
	}

	runes := channels.SplitMessage(strings.Repeat("é", 25), 10)
	if len(runes) != 3 || len([]rune(runes[2])) != 5 {
		t.Fatalf("unexpected rune split: %q", runes)
	}
}
