// Package memory keeps short-term chat history per conversation and writes
// it to a Markdown transcript once a conversation grows past a threshold.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/otel"
	"github.com/basket/go-beacon/internal/shared"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultThreshold is the message count that must be exceeded before a
	// transcript is written.
	DefaultThreshold = 3
	fallbackTopic    = "chat"
	topicRunes       = 40
	stampLayout      = "20060102-150405"
)

// Roles. Anything other than RoleUser is rendered as the assistant.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type session struct {
	messages  []Message
	topic     string
	createdAt time.Time
}

type Config struct {
	Dir       string
	Threshold int
	Logger    *slog.Logger
	Bus       *bus.Bus
	Metrics   *otel.Metrics
	Now       func() time.Time
}

// Buffer holds every conversation behind one lock. Entries are never
// evicted; Clear is the only way to drop one.
type Buffer struct {
	dir       string
	threshold int
	logger    *slog.Logger
	bus       *bus.Bus
	metrics   *otel.Metrics
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	seq      uint64

	// writeMu orders transcript writes; written holds the last snapshot
	// sequence stored per path so an older snapshot never replaces a newer one.
	writeMu sync.Mutex
	written map[string]uint64
}

func NewBuffer(cfg Config) *Buffer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Buffer{
		dir:       cfg.Dir,
		threshold: cfg.Threshold,
		logger:    cfg.Logger,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		sessions:  make(map[string]*session),
		written:   make(map[string]uint64),
	}
}

// Key is the map key for a conversation.
func Key(source, sessionID string) string {
	return source + "-" + sessionID
}

// TopicSlug derives the transcript topic from the first user message.
func TopicSlug(content string) string {
	return shared.Slug(content, topicRunes, fallbackTopic)
}

// AddMessage appends to the conversation, creating it on first use. The
// first user message fixes the topic. Once the conversation holds more than
// the threshold, the full transcript is written; write failures are logged.
func (b *Buffer) AddMessage(source, sessionID, role, content string) {
	key := Key(source, sessionID)

	b.mu.Lock()
	s, ok := b.sessions[key]
	if !ok {
		s = &session{createdAt: b.now()}
		b.sessions[key] = s
	}
	if role == RoleUser && s.topic == "" {
		s.topic = TopicSlug(content)
	}
	s.messages = append(s.messages, Message{Role: role, Content: content})
	var snap transcript
	persist := len(s.messages) > b.threshold
	if persist {
		snap = s.snapshot(sessionID)
		b.seq++
		snap.seq = b.seq
	}
	b.mu.Unlock()

	if persist {
		b.write(key, snap)
	}
}

// Messages returns a copy of the in-memory history.
func (b *Buffer) Messages(source, sessionID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[Key(source, sessionID)]; ok {
		return slices.Clone(s.messages)
	}
	return nil
}

// Clear writes any buffered messages, then forgets the conversation.
func (b *Buffer) Clear(source, sessionID string) {
	key := Key(source, sessionID)
	b.mu.Lock()
	s, ok := b.sessions[key]
	var snap transcript
	if ok && len(s.messages) > 0 {
		snap = s.snapshot(sessionID)
		b.seq++
		snap.seq = b.seq
	}
	b.mu.Unlock()

	if len(snap.messages) > 0 {
		b.write(key, snap)
	}
	b.mu.Lock()
	delete(b.sessions, key)
	b.mu.Unlock()
	b.logger.Debug("session cleared", "session", key)
}

// Len returns the number of conversations held in memory.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// PathFor returns the transcript path a conversation writes to, or "" if
// the conversation is unknown.
func (b *Buffer) PathFor(source, sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[Key(source, sessionID)]
	if !ok {
		return ""
	}
	return filepath.Join(b.dir, s.snapshot(sessionID).fileName())
}

type transcript struct {
	seq       uint64
	topic     string
	sessionID string
	createdAt time.Time
	messages  []Message
}

func (s *session) snapshot(sessionID string) transcript {
	topic := s.topic
	if topic == "" {
		topic = fallbackTopic
	}
	return transcript{
		topic:     topic,
		sessionID: sessionID,
		createdAt: s.createdAt,
		messages:  slices.Clone(s.messages),
	}
}

func (t transcript) fileName() string {
	return fmt.Sprintf("session-memory-%s-%s-%s.md", t.topic, fileSafeID(t.sessionID), t.createdAt.Format(stampLayout))
}

func (b *Buffer) write(key string, t transcript) {
	path := filepath.Join(b.dir, t.fileName())
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if t.seq != 0 && t.seq <= b.written[path] {
		b.logger.Debug("stale session snapshot skipped", "session", key, "seq", t.seq)
		return
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		b.logger.Warn("session persist failed", "session", key, "error", err)
		return
	}
	if err := os.WriteFile(path, []byte(Render(t.messages)), 0o644); err != nil {
		b.logger.Warn("session persist failed", "session", key, "error", err)
		return
	}
	b.written[path] = t.seq
	b.metrics.SessionsPersisted.Add(context.Background(), 1,
		metric.WithAttributes(otel.AttrSessionKey.String(key)))
	b.logger.Debug("session persisted", "session", key, "path", path, "messages", len(t.messages))
	b.bus.Publish(bus.TopicSessionPersisted, bus.SessionEvent{Key: key, Path: path, Messages: len(t.messages)})
}

// fileSafeID keeps session ids from escaping the session directory.
func fileSafeID(id string) string {
	out := []rune(id)
	for i, r := range out {
		if r == '/' || r == '\\' || r == os.PathSeparator || r < 0x20 {
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "0"
	}
	return string(out)
}
