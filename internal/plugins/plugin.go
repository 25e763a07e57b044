// Package plugins schedules and executes user-defined plugin scripts. Each
// execution is an external process (or container, or WASI module) bounded by
// a hard timeout.
package plugins

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultInterval = 300 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// Runtimes a plugin can execute under.
const (
	RuntimeHost   = "host"
	RuntimeDocker = "docker"
	RuntimeWasm   = "wasm"
)

// ErrTimeout is the Result.Error text of a plugin killed by its timeout.
const ErrTimeout = "timeout"

var (
	ErrNotFound      = errors.New("plugin not found")
	ErrDuplicateID   = errors.New("plugin id already registered")
	ErrInvalidPlugin = errors.New("invalid plugin")
)

// Plugin is a registered script and its schedule.
type Plugin struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Args     []string      `json:"args,omitempty"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
	Enabled  bool          `json:"enabled"`
	Runtime  string        `json:"runtime,omitempty"`
	Image    string        `json:"image,omitempty"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
}

// New returns an enabled host plugin with the default interval and timeout.
func New(id, name, path string) Plugin {
	return Plugin{
		ID:       id,
		Name:     name,
		Path:     path,
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Enabled:  true,
	}
}

func (p Plugin) validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: empty id", ErrInvalidPlugin)
	case strings.TrimSpace(p.Path) == "":
		return fmt.Errorf("%w: %s: empty path", ErrInvalidPlugin, p.ID)
	case p.Interval <= 0:
		return fmt.Errorf("%w: %s: interval must be positive", ErrInvalidPlugin, p.ID)
	case p.Timeout <= 0:
		return fmt.Errorf("%w: %s: timeout must be positive", ErrInvalidPlugin, p.ID)
	}
	switch p.EffectiveRuntime() {
	case RuntimeHost, RuntimeDocker, RuntimeWasm:
	default:
		return fmt.Errorf("%w: %s: unknown runtime %q", ErrInvalidPlugin, p.ID, p.Runtime)
	}
	return nil
}

// EffectiveRuntime resolves the runtime; .wasm files default to wasm.
func (p Plugin) EffectiveRuntime() string {
	if p.Runtime != "" {
		return p.Runtime
	}
	if strings.EqualFold(filepath.Ext(p.Path), ".wasm") {
		return RuntimeWasm
	}
	return RuntimeHost
}

// due reports whether the plugin should run at now.
func (p Plugin) due(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	return p.LastRun == nil || now.Sub(*p.LastRun) >= p.Interval
}

// Result is the immutable record of one execution.
type Result struct {
	PluginID string        `json:"plugin_id"`
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	RanAt    time.Time     `json:"ran_at"`
	Duration time.Duration `json:"duration"`
	// Parsed is set when stdout matched the plugin output contract.
	Parsed *Output `json:"parsed,omitempty"`
}

// TimedOut reports whether the execution was killed by its timeout.
func (r Result) TimedOut() bool { return r.Error == ErrTimeout }

// Command returns the interpreter invocation for a script path: python3 for
// .py, bash for .sh and .bash, otherwise the file itself.
func Command(path string) (string, []string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python3", []string{path}
	case ".sh", ".bash":
		return "bash", []string{path}
	default:
		return path, nil
	}
}
