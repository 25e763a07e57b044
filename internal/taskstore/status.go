package taskstore

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state encoded as the last filename segment.
type Status string

const (
	StatusOpen         Status = "open"
	StatusWIP          Status = "wip"
	StatusFinished     Status = "finished"
	StatusUnsuccessful Status = "unsuccessful"
	StatusPaused       Status = "paused"
)

var allStatuses = []Status{StatusOpen, StatusWIP, StatusFinished, StatusUnsuccessful, StatusPaused}

// Terminal reports whether the task is closed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusUnsuccessful
}

func (s Status) valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStatus accepts a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.valid() {
		return "", fmt.Errorf("%w: %q (allowed: open, wip, finished, unsuccessful, paused)", ErrInvalidStatus, s)
	}
	return st, nil
}

// statusRank orders candidates when a reference matches several files.
func statusRank(s Status) int {
	switch s {
	case StatusOpen:
		return 0
	case StatusWIP:
		return 1
	default:
		return 2
	}
}
