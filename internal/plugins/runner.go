package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-beacon/internal/sandbox/wasm"
)

// maxOutputBytes caps captured stdout/stderr per stream.
const maxOutputBytes = 64 * 1024

// Exec is the raw outcome of running a plugin process.
type Exec struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes one plugin. Implementations must stop the process when ctx
// is done and return ctx.Err() in that case.
type Runner interface {
	Run(ctx context.Context, p Plugin) (Exec, error)
}

// HostRunner runs plugins as local processes in their own directory.
type HostRunner struct {
	// WaitDelay bounds how long pipes may stay open after the process is killed.
	WaitDelay time.Duration
}

func (h HostRunner) Run(ctx context.Context, p Plugin) (Exec, error) {
	name, args := Command(p.Path)
	args = append(args, p.Args...)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = filepath.Dir(p.Path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = h.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	setProcessGroup(cmd)

	err := cmd.Run()
	out := Exec{
		Stdout:   truncateOutput(stdout.String()),
		Stderr:   truncateOutput(stderr.String()),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("start %s: %w", name, err)
	}
	return out, nil
}

// WasmRunner runs .wasm plugins in the wazero sandbox.
type WasmRunner struct {
	Sandbox *wasm.Runner
}

func (w WasmRunner) Run(ctx context.Context, p Plugin) (Exec, error) {
	if w.Sandbox == nil {
		return Exec{ExitCode: -1}, errors.New("wasm runtime not configured")
	}
	res, err := w.Sandbox.Run(ctx, p.Path, p.Args)
	return Exec{
		Stdout:   truncateOutput(res.Stdout),
		Stderr:   truncateOutput(res.Stderr),
		ExitCode: res.ExitCode,
	}, err
}

// Dispatcher routes each plugin to the runner for its runtime.
type Dispatcher struct {
	Host   Runner
	Docker Runner
	Wasm   Runner
}

func (d Dispatcher) Run(ctx context.Context, p Plugin) (Exec, error) {
	var r Runner
	switch p.EffectiveRuntime() {
	case RuntimeDocker:
		r = d.Docker
	case RuntimeWasm:
		r = d.Wasm
	default:
		r = d.Host
		if r == nil {
			r = HostRunner{}
		}
	}
	if r == nil {
		return Exec{ExitCode: -1}, fmt.Errorf("runtime %q not configured", p.EffectiveRuntime())
	}
	return r.Run(ctx, p)
}

// LazyRunner builds its runner on first use so a runtime added by a config
// reload does not need a restart. A failed build is retried on the next run.
type LazyRunner struct {
	Build func(ctx context.Context) (Runner, error)

	mu    sync.Mutex
	built Runner
}

func (l *LazyRunner) Run(ctx context.Context, p Plugin) (Exec, error) {
	r, err := l.Get(ctx)
	if err != nil {
		return Exec{ExitCode: -1}, err
	}
	return r.Run(ctx, p)
}

// Get returns the runner, building it if needed.
func (l *LazyRunner) Get(ctx context.Context) (Runner, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.built != nil {
		return l.built, nil
	}
	if l.Build == nil {
		return nil, errors.New("runtime not configured")
	}
	r, err := l.Build(ctx)
	if err != nil {
		return nil, err
	}
	l.built = r
	return r, nil
}

// Built returns the runner if one has been built, nil otherwise.
func (l *LazyRunner) Built() Runner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.built
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[truncated]"
}
