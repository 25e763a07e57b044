package bus

import "time"

const (
	TopicPluginExecuted = "plugin.executed"
	TopicPluginFailed   = "plugin.failed"

	TopicAlertFired = "alert.fired"

	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskLoopFinished  = "task.loop_finished"

	TopicSessionPersisted = "session.persisted"

	TopicConfigReloaded = "config.reloaded"
)

// PluginEvent describes one plugin execution.
type PluginEvent struct {
	PluginID string        `json:"plugin_id"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// AlertEvent is published when an alert passes its rule and cooldown.
type AlertEvent struct {
	AlertID  string   `json:"alert_id"`
	Name     string   `json:"name"`
	Message  string   `json:"message"`
	Channels []string `json:"channels,omitempty"`
}

// TaskStatusEvent is published whenever a task file is renamed to a new status.
type TaskStatusEvent struct {
	Path      string `json:"path"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// TaskLoopEvent is published when a convergence loop returns.
type TaskLoopEvent struct {
	Path       string `json:"path"`
	Iterations int    `json:"iterations"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// SessionEvent is published after a transcript was written to disk.
type SessionEvent struct {
	Key      string `json:"key"`
	Path     string `json:"path"`
	Messages int    `json:"messages"`
}

// ConfigEvent is published after config.yaml was reloaded. Changed counts
// plugins and alerts added, replaced or removed.
type ConfigEvent struct {
	Fingerprint string `json:"fingerprint"`
	Changed     int    `json:"changed"`
}
