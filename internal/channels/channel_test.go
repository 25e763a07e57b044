package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/memory"
)

// Compile-time interface check: TelegramChannel must implement Channel.
var _ Channel = (*TelegramChannel)(nil)

type sentMessage struct {
	ChatID string
	Text   string
}

// fakeBotAPI answers the handful of Bot API methods the channel uses.
type fakeBotAPI struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"beacon","username":"beacon_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendChatAction"):
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.mu.Lock()
		f.sent = append(f.sent, sentMessage{ChatID: r.FormValue("chat_id"), Text: r.FormValue("text")})
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"not found"}`))
	}
}

func (f *fakeBotAPI) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestChannel(t *testing.T, agent engine.Agent, eventBus *bus.Bus) (*TelegramChannel, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	chat := NewChat(ChatConfig{
		Memory: memory.NewBuffer(memory.Config{Dir: t.TempDir()}),
		Agent:  agent,
	})
	ch := NewTelegramChannel(TelegramConfig{
		Token:      "test-token",
		AllowedIDs: []int64{100},
		Endpoint:   srv.URL + "/bot%s/%s",
		Chat:       chat,
		Bus:        eventBus,
	})
	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return ch, api
}

func TestTelegramChannel_Name(t *testing.T) {
	ch := NewTelegramChannel(TelegramConfig{Token: "fake-token"})
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_ConnectRequiresToken(t *testing.T) {
	ch := NewTelegramChannel(TelegramConfig{})
	if err := ch.Connect(); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestTelegramChannel_RepliesToAllowedUser(t *testing.T) {
	agent := engine.AgentFunc(func(_ context.Context, prompt string) (string, error) {
		return "echo: " + prompt, nil
	})
	ch, api := newTestChannel(t, agent, nil)

	ch.handleMessage(context.Background(), 42, 100, "hello")

	sent := api.Sent()
	if len(sent) != 1 || sent[0].ChatID != "42" || sent[0].Text != "echo: hello" {
		t.Fatalf("unexpected sends: %+v", sent)
	}
}

func TestTelegramChannel_IgnoresUnknownUser(t *testing.T) {
	called := false
	agent := engine.AgentFunc(func(context.Context, string) (string, error) {
		called = true
		return "x", nil
	})
	ch, api := newTestChannel(t, agent, nil)

	ch.handleMessage(context.Background(), 42, 999, "hello")

	if called || len(api.Sent()) != 0 {
		t.Fatalf("unknown users must be ignored")
	}
}

func TestTelegramChannel_SplitsLongReplies(t *testing.T) {
	long := strings.Repeat("a", TelegramMaxMessage+10)
	agent := engine.AgentFunc(func(context.Context, string) (string, error) { return long, nil })
	ch, api := newTestChannel(t, agent, nil)

	ch.handleMessage(context.Background(), 42, 100, "go")

	sent := api.Sent()
	if len(sent) != 2 || len(sent[1].Text) != 10 {
		t.Fatalf("expected two parts, got %d", len(sent))
	}
}

func TestTelegramChannel_ForwardsLoopEvents(t *testing.T) {
	eventBus := bus.New()
	ch, api := newTestChannel(t, engine.AgentFunc(func(context.Context, string) (string, error) { return "", nil }), eventBus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := eventBus.Subscribe(bus.TopicTaskLoopFinished)
	go ch.forwardLoopEvents(ctx, sub)

	eventBus.Publish(bus.TopicTaskLoopFinished, bus.TaskLoopEvent{Path: "/t/task-a-open.md", Outcome: engine.OutcomeAlreadyClosed})
	eventBus.Publish(bus.TopicTaskLoopFinished, bus.TaskLoopEvent{Path: "/t/task-b-finished.md", Iterations: 2, Outcome: engine.OutcomeFinished})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(api.Sent()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	sent := api.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one notice, got %+v", sent)
	}
	if sent[0].ChatID != "100" || sent[0].Text != "Task task-b-finished.md: finished after 2 iteration(s)" {
		t.Fatalf("unexpected notice: %+v", sent[0])
	}
}

func TestFormatLoopEvent_IncludesError(t *testing.T) {
	got := FormatLoopEvent(bus.TaskLoopEvent{Path: "task-x.md", Iterations: 1, Outcome: "error", Error: "agent invoke: boom"})
	if got != "Task task-x.md: error after 1 iteration(s) (agent invoke: boom)" {
		t.Fatalf("unexpected format: %q", got)
	}
}
