package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/basket/go-beacon/internal/taskstore"
)

// ActionStore is what TaskActionAgent needs to apply task actions.
type ActionStore interface {
	Resolve(pathOrID string) (string, error)
	Append(ref, text string) (string, error)
	SetStatus(ref string, st taskstore.Status) (string, error)
	Create(topic, id, content, assignee string) (string, error)
}

// Action line prefixes.
const (
	actionAppend = "TASK_APPEND"
	actionStatus = "TASK_STATUS"
	actionCreate = "TASK_CREATE"
)

// Action is one parsed action line.
type Action struct {
	Kind string
	Arg  string
}

// ParseActions extracts TASK_APPEND, TASK_STATUS and TASK_CREATE lines from a
// model reply. Prefixes match case-insensitively and may follow "RECOMMEND: ".
func ParseActions(reply string) []Action {
	var out []Action
	for line := range strings.Lines(reply) {
		line = strings.TrimSpace(line)
		if len(line) > 11 && strings.EqualFold(line[:11], "RECOMMEND: ") {
			line = strings.TrimSpace(line[11:])
		}
		for _, kind := range []string{actionAppend, actionStatus, actionCreate} {
			prefix := kind + ":"
			if len(line) < len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
				continue
			}
			if arg := strings.TrimSpace(line[len(prefix):]); arg != "" {
				out = append(out, Action{Kind: kind, Arg: arg})
			}
			break
		}
	}
	return out
}

// TaskActionAgent wraps a model agent and applies the task actions found in
// its replies. Action results are appended to the reply so the caller sees
// what happened.
type TaskActionAgent struct {
	Model    Agent
	Store    ActionStore
	Assignee string
	Logger   *slog.Logger
}

func (a *TaskActionAgent) Invoke(ctx context.Context, prompt string) (string, error) {
	reply, err := a.Model.Invoke(ctx, prompt)
	if err != nil {
		return "", err
	}
	actions := ParseActions(reply)
	if len(actions) == 0 {
		return reply, nil
	}
	results := make([]string, 0, len(actions))
	for _, act := range actions {
		results = append(results, a.Apply(act))
	}
	return reply + "\n\n" + strings.Join(results, "\n"), nil
}

// Apply executes one action and returns a human-readable result line.
// Failures are reported in the text, not as errors.
func (a *TaskActionAgent) Apply(act Action) string {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var msg string
	switch act.Kind {
	case actionAppend:
		msg = a.applyAppend(act.Arg)
	case actionStatus:
		msg = a.applyStatus(act.Arg)
	case actionCreate:
		msg = a.applyCreate(act.Arg)
	default:
		msg = fmt.Sprintf("Unknown action %s.", act.Kind)
	}
	logger.Info("task action applied", "action", act.Kind, "result", msg)
	return msg
}

func (a *TaskActionAgent) applyAppend(arg string) string {
	ref, content, ok := strings.Cut(arg, " ")
	content = strings.TrimSpace(content)
	if !ok || content == "" {
		return "TASK_APPEND requires: TASK_APPEND: <path or task id> <content>."
	}
	path, err := a.Store.Resolve(ref)
	if err != nil {
		return fmt.Sprintf("TASK_APPEND failed: %v.", err)
	}
	if _, err := a.Store.Append(path, content); err != nil {
		return fmt.Sprintf("TASK_APPEND failed: %v.", err)
	}
	return fmt.Sprintf("Appended to task file %s.", filepath.Base(path))
}

func (a *TaskActionAgent) applyStatus(arg string) string {
	fields := strings.Fields(arg)
	if len(fields) < 2 {
		return "TASK_STATUS requires: TASK_STATUS: <path or task id> wip|finished."
	}
	ref := strings.Join(fields[:len(fields)-1], " ")
	st := taskstore.Status(strings.ToLower(fields[len(fields)-1]))
	if st != taskstore.StatusWIP && st != taskstore.StatusFinished {
		return "TASK_STATUS status must be wip or finished."
	}
	path, err := a.Store.Resolve(ref)
	if err != nil {
		return fmt.Sprintf("TASK_STATUS failed: %v.", err)
	}
	next, err := a.Store.SetStatus(path, st)
	if err != nil {
		return fmt.Sprintf("TASK_STATUS failed: %v.", err)
	}
	return fmt.Sprintf("Task status set to %s (file: %s).", st, filepath.Base(next))
}

func (a *TaskActionAgent) applyCreate(arg string) string {
	parts := strings.SplitN(arg, " ", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		return "TASK_CREATE requires: TASK_CREATE: <topic> <id> <initial content>."
	}
	path, err := a.Store.Create(parts[0], parts[1], parts[2], a.Assignee)
	if err != nil {
		return fmt.Sprintf("TASK_CREATE failed: %v.", err)
	}
	return fmt.Sprintf("Task created: %s. Use TASK_APPEND and TASK_STATUS to update.", filepath.Base(path))
}
