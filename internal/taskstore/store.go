// Package taskstore keeps tasks as Markdown files in one directory. The file
// name carries the creation time and status (task-20060102-150405-open.md);
// topic, id, assignee and scheduling hints are header lines inside the file.
// Nothing is cached: every call reads the directory or file again.
package taskstore

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-beacon/internal/bus"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrDuplicateTask = errors.New("task with this topic and id already exists")
	ErrInvalidStatus = errors.New("invalid task status")
	ErrNotTaskFile   = errors.New("not a task file")
)

// DefaultAssignee is used when a task has no "## Assigned:" header.
const DefaultAssignee = "default"

type Config struct {
	Dir    string
	Logger *slog.Logger
	Bus    *bus.Bus
	Now    func() time.Time
}

// Store is the file-backed task store. Refs are absolute file paths.
type Store struct {
	dir    string
	logger *slog.Logger
	bus    *bus.Bus
	now    func() time.Time

	// createMu serialises Create so two tasks never claim the same file name.
	createMu sync.Mutex
}

// Task is one listed task file.
type Task struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	ModTime  time.Time `json:"mod_time"`
	Topic    string    `json:"topic,omitempty"`
	ID       string    `json:"id,omitempty"`
	Assignee string    `json:"assignee"`
}

func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{dir: cfg.Dir, logger: cfg.Logger, bus: cfg.Bus, now: cfg.Now}
}

func (s *Store) Dir() string { return s.dir }

// EnsureDir creates the task directory.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	return nil
}

// Read returns the full file content.
func (s *Store) Read(ref string) (string, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("read task: %w", err)
	}
	return string(data), nil
}

// Append adds a timestamped feedback block and returns the ref, which does
// not change.
func (s *Store) Append(ref, text string) (string, error) {
	content, err := s.Read(ref)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	content += fmt.Sprintf("\n\n## Feedback %s\n\n%s\n", s.now().Format(time.DateTime), text)
	if err := writeFile(ref, content); err != nil {
		return "", err
	}
	s.logger.Debug("task appended", "task", filepath.Base(ref), "chars", len(text))
	return ref, nil
}

// SetStatus renames the file to carry st and returns the new path.
func (s *Store) SetStatus(ref string, st Status) (string, error) {
	if !st.valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, st)
	}
	old, ok := statusFromName(ref)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotTaskFile, filepath.Base(ref))
	}
	next := filepath.Join(filepath.Dir(ref), baseStem(ref)+"-"+string(st)+fileExt)
	if next == ref {
		if _, err := os.Stat(ref); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return ref, nil
	}
	if err := os.Rename(ref, next); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("rename task: %w", err)
	}
	s.logger.Info("task status changed", "task", filepath.Base(next), "from", old, "to", st)
	s.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusEvent{
		Path:      next,
		OldStatus: string(old),
		NewStatus: string(st),
	})
	return next, nil
}

// StatusOf returns the status of an existing task file.
func (s *Store) StatusOf(ref string) (Status, bool) {
	st, ok := statusFromName(ref)
	if !ok {
		return "", false
	}
	if _, err := os.Stat(ref); err != nil {
		return "", false
	}
	return st, true
}

// ResolveCurrent follows a status rename: it returns the existing file that
// shares ref's base name, trying every status.
func (s *Store) ResolveCurrent(ref string) (string, bool) {
	if _, ok := statusFromName(ref); !ok {
		return "", false
	}
	dir, base := filepath.Dir(ref), baseStem(ref)
	if _, err := os.Stat(ref); err == nil {
		return ref, true
	}
	for _, st := range allStatuses {
		p := filepath.Join(dir, base+"-"+string(st)+fileExt)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// Create writes a new open task and returns its path. Topics that look like
// task file names and duplicate topic/id pairs are rejected.
func (s *Store) Create(topic, id, content, assignee string) (string, error) {
	if looksLikeFileName(topic) {
		return "", fmt.Errorf("topic %q looks like an existing task file name; append to that task instead or use a short topic and id", topic)
	}
	if err := s.EnsureDir(); err != nil {
		return "", err
	}
	slug := Slug(topic)
	safeID := sanitizeID(id)

	s.createMu.Lock()
	defer s.createMu.Unlock()

	tasks, err := s.List()
	if err != nil {
		return "", err
	}
	for _, t := range tasks {
		if t.Topic != "" && Slug(t.Topic) == slug && t.ID == safeID {
			return "", fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
	}

	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		assignee = DefaultAssignee
	}
	body := fmt.Sprintf("%s %s\n%s %s\n%s %s\n\n%s", headerAssigned, assignee, headerTopic, strings.TrimSpace(topic), headerID, safeID, strings.TrimSpace(content))

	// Two creates in the same second must not share a file name.
	at := s.now()
	path := ""
	for range 120 {
		candidate := filepath.Join(s.dir, fileName(at.Format(stampLayout), StatusOpen))
		if !s.stampTaken(at.Format(stampLayout)) {
			path = candidate
			break
		}
		at = at.Add(time.Second)
	}
	if path == "" {
		return "", fmt.Errorf("create task: no free file name near %s", s.now().Format(stampLayout))
	}
	if err := writeFile(path, body); err != nil {
		return "", err
	}
	s.logger.Info("task created", "task", filepath.Base(path), "topic", slug, "id", safeID, "assignee", assignee)
	return path, nil
}

func (s *Store) stampTaken(stamp string) bool {
	for _, st := range allStatuses {
		if _, err := os.Stat(filepath.Join(s.dir, fileName(stamp, st))); err == nil {
			return true
		}
	}
	return false
}

// List returns every task file, oldest name first.
func (s *Store) List() ([]Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task dir: %w", err)
	}
	var out []Task
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		st, ok := statusFromName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		t := Task{Path: path, Name: e.Name(), Status: st, Assignee: DefaultAssignee}
		if info, err := e.Info(); err == nil {
			t.ModTime = info.ModTime()
		}
		if data, err := os.ReadFile(path); err == nil {
			content := string(data)
			if v, ok := headerValue(content, headerTopic); ok {
				t.Topic = cmp.Or(v, "task")
			}
			if v, ok := headerValue(content, headerID); ok {
				t.ID = cmp.Or(v, "1")
			}
			if v, ok := headerValue(content, headerAssigned); ok && v != "" {
				t.Assignee = v
			}
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Task) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// ListByStatus filters List to the given statuses.
func (s *Store) ListByStatus(statuses ...Status) ([]Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(t Task) bool { return !slices.Contains(statuses, t.Status) }), nil
}

// Counts returns the number of task files per status.
func (s *Store) Counts() (map[Status]int, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, len(allStatuses))
	for _, t := range all {
		out[t.Status]++
	}
	return out, nil
}

// Resolve maps user or agent input to a task path. It tries, in order: a
// path inside the task dir, an exact file name (with or without .md), the
// in-file id, the topic (slug or raw) and finally a file name substring.
// Ties prefer open, then wip.
func (s *Store) Resolve(pathOrID string) (string, error) {
	in := strings.TrimSpace(pathOrID)
	if in == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	if strings.ContainsRune(in, filepath.Separator) || strings.HasPrefix(in, "~") {
		return s.resolvePath(in)
	}

	tasks, err := s.List()
	if err != nil {
		return "", err
	}
	for _, t := range tasks {
		if t.Name == in || strings.TrimSuffix(t.Name, fileExt) == in {
			return t.Path, nil
		}
	}
	matchers := []func(Task) bool{
		func(t Task) bool { return t.ID == in },
		func(t Task) bool { return t.Topic != "" && (Slug(t.Topic) == in || t.Topic == in) },
		func(t Task) bool { return strings.Contains(t.Name, in) },
	}
	for _, match := range matchers {
		var hits []Task
		for _, t := range tasks {
			if match(t) {
				hits = append(hits, t)
			}
		}
		if len(hits) == 0 {
			continue
		}
		slices.SortStableFunc(hits, func(a, b Task) int { return statusRank(a.Status) - statusRank(b.Status) })
		return hits[0].Path, nil
	}
	return "", fmt.Errorf("%w: no task file for %q", ErrNotFound, in)
}

func (s *Store) resolvePath(in string) (string, error) {
	if rest, ok := strings.CutPrefix(in, "~"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			in = home + rest
		}
	}
	abs, err := filepath.Abs(in)
	if err != nil {
		return "", fmt.Errorf("resolve task path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, in)
	}
	base, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		base = s.dir
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path must be under %s", ErrNotTaskFile, s.dir)
	}
	if _, ok := statusFromName(resolved); !ok {
		return "", fmt.Errorf("%w: %s", ErrNotTaskFile, filepath.Base(resolved))
	}
	return resolved, nil
}

// Assignee returns the "## Assigned:" value, DefaultAssignee when absent.
func (s *Store) Assignee(ref string) (string, error) {
	content, err := s.Read(ref)
	if err != nil {
		return "", err
	}
	if v, ok := headerValue(content, headerAssigned); ok && v != "" {
		return v, nil
	}
	return DefaultAssignee, nil
}

// PausedUntil returns the resume time of a paused task. ok is false when the
// header is missing or unparseable.
func (s *Store) PausedUntil(ref string) (until time.Time, ok bool, err error) {
	content, err := s.Read(ref)
	if err != nil {
		return time.Time{}, false, err
	}
	v, found := headerValue(content, headerPausedUntil)
	if !found || v == "" {
		return time.Time{}, false, nil
	}
	until, ok = parsePausedUntil(v)
	return until, ok, nil
}

// Pause records the resume time as the first line and renames the task to
// paused. It returns the new path.
func (s *Store) Pause(ref string, until time.Time) (string, error) {
	content, err := s.Read(ref)
	if err != nil {
		return "", err
	}
	content = withoutHeader(content, headerPausedUntil)
	content = fmt.Sprintf("%s %s\n\n%s", headerPausedUntil, until.Format(time.RFC3339), strings.TrimLeft(content, "\n"))
	if err := writeFile(ref, strings.TrimRight(content, "\n")); err != nil {
		return "", err
	}
	return s.SetStatus(ref, StatusPaused)
}

// ClearPausedUntil removes the "## Paused until:" line.
func (s *Store) ClearPausedUntil(ref string) error {
	content, err := s.Read(ref)
	if err != nil {
		return err
	}
	content = strings.TrimLeft(withoutHeader(content, headerPausedUntil), "\n")
	return writeFile(ref, strings.TrimRight(content, "\n"))
}

// Dependencies returns the ids listed in "## Depends:".
func (s *Store) Dependencies(ref string) ([]string, error) {
	content, err := s.Read(ref)
	if err != nil {
		return nil, err
	}
	return headerList(content, headerDepends), nil
}

// SubTasks returns the ids listed in "## Sub-tasks:".
func (s *Store) SubTasks(ref string) ([]string, error) {
	content, err := s.Read(ref)
	if err != nil {
		return nil, err
	}
	return headerList(content, headerSubTasks), nil
}

// IsReady reports whether every dependency exists and is closed. A
// dependency matches a task by in-file id or by file name substring.
func (s *Store) IsReady(ref string) (bool, error) {
	deps, err := s.Dependencies(ref)
	if err != nil {
		return false, err
	}
	if len(deps) == 0 {
		return true, nil
	}
	tasks, err := s.List()
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		i := slices.IndexFunc(tasks, func(t Task) bool {
			return t.Path != ref && (t.ID == dep || strings.Contains(t.Name, dep))
		})
		if i < 0 || !tasks[i].Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// Delete removes every status variant of the referenced task and returns the
// number of files removed.
func (s *Store) Delete(pathOrID string) (int, error) {
	ref, err := s.Resolve(pathOrID)
	if err != nil {
		return 0, err
	}
	dir, base := filepath.Dir(ref), baseStem(ref)
	removed := 0
	for _, st := range allStatuses {
		p := filepath.Join(dir, base+"-"+string(st)+fileExt)
		if err := os.Remove(p); err == nil {
			removed++
		} else if !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	if removed == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, pathOrID)
	}
	s.logger.Info("task deleted", "task", base, "files", removed)
	return removed, nil
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	return nil
}
