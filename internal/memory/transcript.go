package memory

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	headingUser      = "User"
	headingAssistant = "Assistant"
)

// Render formats messages as "## User" / "## Assistant" sections.
func Render(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		heading := headingAssistant
		if m.Role == RoleUser {
			heading = headingUser
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", heading, m.Content)
	}
	return b.String()
}

var parser = goldmark.New().Parser()

// Parse reads a transcript back into messages. Only level-2 headings titled
// User or Assistant start a new message, so headings and fenced code inside
// a message body stay part of it. Empty bodies are dropped.
func Parse(src []byte) []Message {
	doc := parser.Parse(text.NewReader(src))

	type mark struct {
		role       string
		lineStart  int
		contentPos int
	}
	var marks []mark
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 2 || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		var role string
		switch strings.TrimSpace(string(seg.Value(src))) {
		case headingUser:
			role = RoleUser
		case headingAssistant:
			role = RoleAssistant
		default:
			continue
		}
		lineStart := bytes.LastIndexByte(src[:seg.Start], '\n') + 1
		contentPos := len(src)
		if i := bytes.IndexByte(src[seg.Stop:], '\n'); i >= 0 {
			contentPos = seg.Stop + i + 1
		}
		marks = append(marks, mark{role: role, lineStart: lineStart, contentPos: contentPos})
	}

	var out []Message
	for i, m := range marks {
		end := len(src)
		if i+1 < len(marks) {
			end = marks[i+1].lineStart
		}
		if m.contentPos > end {
			continue
		}
		body := strings.TrimSpace(string(src[m.contentPos:end]))
		if body != "" {
			out = append(out, Message{Role: m.role, Content: body})
		}
	}
	return out
}

// LoadLatest parses the most recently written transcript of a conversation,
// for resuming after a restart. It returns nil when none exists.
func (b *Buffer) LoadLatest(source, sessionID string) ([]Message, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	pattern := regexp.MustCompile(`^session-memory-.+-` + regexp.QuoteMeta(fileSafeID(sessionID)) + `-\d{8}-\d{6}\.md$`)

	var newest fs.FileInfo
	for _, e := range entries {
		if e.IsDir() || !pattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == nil || info.ModTime().After(newest.ModTime()) ||
			(info.ModTime().Equal(newest.ModTime()) && info.Name() > newest.Name()) {
			newest = info
		}
	}
	if newest == nil {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(b.dir, newest.Name()))
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	b.logger.Debug("session transcript loaded", "session", Key(source, sessionID), "file", newest.Name())
	return Parse(data), nil
}
