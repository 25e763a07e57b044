package channels

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/basket/go-beacon/internal/engine"
	"github.com/basket/go-beacon/internal/memory"
)

const (
	defaultMaxHistory = 20
	logPreview        = 500
)

// TaskCreator is the part of the task store chat commands use.
type TaskCreator interface {
	Create(topic, id, content, assignee string) (string, error)
}

type ChatConfig struct {
	Memory *memory.Buffer
	Agent  engine.Agent
	Tasks  TaskCreator
	Logger *slog.Logger
	// MaxHistory bounds how many prior messages go into the prompt.
	MaxHistory int
}

// Chat turns one incoming message into a model reply, keeping the exchange in
// session memory. It is platform independent.
type Chat struct {
	memory     *memory.Buffer
	agent      engine.Agent
	tasks      TaskCreator
	logger     *slog.Logger
	maxHistory int
}

func NewChat(cfg ChatConfig) *Chat {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	return &Chat{
		memory:     cfg.Memory,
		agent:      cfg.Agent,
		tasks:      cfg.Tasks,
		logger:     cfg.Logger,
		maxHistory: cfg.MaxHistory,
	}
}

// Reply handles one message from sessionID on source. Commands:
//
//	new session: <text>   clear the history, then answer <text>
//	/new                  clear the history
//	/task <topic>: <body> create an open task
func (c *Chat) Reply(ctx context.Context, source, sessionID, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	logger := c.logger.With("source", source, "session_id", sessionID)

	fresh := false
	if rest, ok := newSessionPrefix(text); ok {
		c.memory.Clear(source, sessionID)
		fresh = true
		logger.Info("new session requested")
		if rest == "" {
			return "Started a new session."
		}
		text = rest
	}
	if rest, ok := strings.CutPrefix(text, "/task "); ok {
		return c.createTask(logger, rest)
	}

	prior := c.memory.Messages(source, sessionID)
	// A cleared conversation must not be resumed from its own transcript.
	if len(prior) == 0 && !fresh {
		loaded, err := c.memory.LoadLatest(source, sessionID)
		if err != nil {
			logger.Warn("load previous session failed", "error", err)
		}
		prior = loaded
	}
	c.memory.AddMessage(source, sessionID, memory.RoleUser, text)

	logger.Info("chat request", "chars", len([]rune(text)), "history", len(prior))
	reply, err := c.agent.Invoke(ctx, c.prompt(prior, text))
	if err != nil {
		logger.Error("chat reply failed", "error", err)
		reply = fmt.Sprintf("Sorry, I couldn't generate a reply: %v. (Is the model configured?)", err)
	}
	logger.Info("chat reply", "chars", len([]rune(reply)), "preview", preview(reply))

	c.memory.AddMessage(source, sessionID, memory.RoleAssistant, reply)
	return reply
}

func (c *Chat) createTask(logger *slog.Logger, arg string) string {
	if c.tasks == nil {
		return "Tasks are not enabled."
	}
	topic, content, _ := strings.Cut(arg, ":")
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "Usage: /task <topic>: <description>"
	}
	ref, err := c.tasks.Create(topic, "", strings.TrimSpace(content), "scheduler")
	if err != nil {
		logger.Error("chat task create failed", "topic", topic, "error", err)
		return fmt.Sprintf("Could not create task: %v", err)
	}
	return "Created task " + filepath.Base(ref)
}

func (c *Chat) prompt(prior []memory.Message, question string) string {
	if len(prior) > c.maxHistory {
		prior = prior[len(prior)-c.maxHistory:]
	}
	if len(prior) == 0 {
		return question
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n\n")
	for _, m := range prior {
		role := "User"
		if m.Role == memory.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, m.Content)
	}
	b.WriteString("User: ")
	b.WriteString(question)
	return b.String()
}

// newSessionPrefix recognises "new session:", "new session <text>" and "/new".
func newSessionPrefix(text string) (string, bool) {
	lower := strings.ToLower(text)
	switch {
	case lower == "/new" || lower == "new session":
		return "", true
	case strings.HasPrefix(lower, "new session:"):
		return strings.TrimSpace(text[len("new session:"):]), true
	case strings.HasPrefix(lower, "new session "):
		return strings.TrimSpace(text[len("new session "):]), true
	case strings.HasPrefix(lower, "/new "):
		return strings.TrimSpace(text[len("/new "):]), true
	}
	return "", false
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= logPreview {
		return s
	}
	return string(r[:logPreview]) + "..."
}
