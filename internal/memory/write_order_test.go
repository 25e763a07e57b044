package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWrite_OlderSnapshotDoesNotReplaceNewer(t *testing.T) {
	dir := t.TempDir()
	b := NewBuffer(Config{Dir: dir})
	at := time.Date(2026, 3, 1, 9, 30, 15, 0, time.Local)
	older := transcript{seq: 1, topic: "disk", sessionID: "9", createdAt: at,
		messages: []Message{{Role: RoleUser, Content: "one"}}}
	newer := older
	newer.seq = 2
	newer.messages = []Message{{Role: RoleUser, Content: "one"}, {Role: RoleAssistant, Content: "two"}}

	b.write("telegram-9", newer)
	b.write("telegram-9", older)

	data, err := os.ReadFile(filepath.Join(dir, newer.fileName()))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), "two") {
		t.Fatalf("older snapshot overwrote the transcript:\n%s", data)
	}
}

func TestAddMessage_SnapshotsAreSequenced(t *testing.T) {
	b := NewBuffer(Config{Dir: t.TempDir(), Threshold: 1})
	b.AddMessage("telegram", "9", RoleUser, "a")
	b.AddMessage("telegram", "9", RoleUser, "b")
	b.AddMessage("telegram", "9", RoleUser, "c")
	if b.seq != 2 {
		t.Fatalf("seq = %d, want 2", b.seq)
	}
	path := b.PathFor("telegram", "9")
	if got := b.written[path]; got != 2 {
		t.Fatalf("written seq = %d, want 2", got)
	}
}
