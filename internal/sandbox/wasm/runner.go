// Package wasm executes WASI plugin modules under wazero with a memory cap and
// context-driven termination.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

type Config struct {
	Logger *slog.Logger
	// MemoryLimitPages caps linear memory per instance. 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
}

type compiledEntry struct {
	modTime time.Time
	size    int64
	module  wazero.CompiledModule
}

// Runner compiles .wasm files once (recompiling when the file changes) and
// instantiates a fresh module per run.
type Runner struct {
	logger  *slog.Logger
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]compiledEntry
}

// Result is the captured outcome of one module run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pages := cfg.MemoryLimitPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &Runner{
		logger:   cfg.Logger,
		runtime:  rt,
		compiled: make(map[string]compiledEntry),
	}, nil
}

// Run executes the module at path. The module's _start runs during
// instantiation; a proc_exit code is reported as ExitCode. When ctx ends the
// module is closed and ctx.Err() returned.
func (r *Runner) Run(ctx context.Context, path string, args []string) (Result, error) {
	compiled, err := r.compile(ctx, path)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{filepath.Base(path)}, args...)...).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime()

	res := Result{}
	mod, err := r.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = int(exitErr.ExitCode())
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", filepath.Base(path), err)
	}
	return res, nil
}

func (r *Runner) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat module: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.compiled[path]; ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		return e.module, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	mod, err := r.runtime.CompileModule(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", filepath.Base(path), err)
	}
	if old, ok := r.compiled[path]; ok {
		_ = old.module.Close(ctx)
	}
	r.compiled[path] = compiledEntry{modTime: info.ModTime(), size: info.Size(), module: mod}
	r.logger.Debug("wasm module compiled", "path", path, "bytes", len(raw))
	return mod, nil
}

// Close releases every compiled module and the runtime.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	clear(r.compiled)
	r.mu.Unlock()
	return r.runtime.Close(ctx)
}
