package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-beacon/internal/config"
)

// startModule is a WASI module whose _start returns immediately.
var startModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func newTestApp(t *testing.T, pcs []config.PluginConfig) *app {
	t.Helper()
	home := t.TempDir()
	t.Setenv("BEACON_HOME", home)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Plugins = pcs
	a, err := newApp(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func writeWasmPlugin(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status.wasm")
	if err := os.WriteFile(path, startModule, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return path
}

func assertRanInSandbox(t *testing.T, a *app, id string) {
	t.Helper()
	res, err := a.plugins.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute %s: %v", id, err)
	}
	if strings.Contains(res.Error, "not configured") {
		t.Fatalf("%s was not routed to the wasm runtime: %q", id, res.Error)
	}
	if res.ExitCode != 0 {
		t.Fatalf("%s exit = %d (error %q)", id, res.ExitCode, res.Error)
	}
}

func TestNewApp_WasmByExtension(t *testing.T) {
	path := writeWasmPlugin(t)
	a := newTestApp(t, []config.PluginConfig{{ID: "w", Path: path}})
	assertRanInSandbox(t, a, "w")
}

func TestNewApp_ReloadAddsWasmRuntime(t *testing.T) {
	a := newTestApp(t, nil)
	path := writeWasmPlugin(t)
	if n := syncPlugins(a.plugins, []config.PluginConfig{{ID: "late", Path: path}}, quietLogger()); n != 1 {
		t.Fatalf("sync changed %d, want 1", n)
	}
	assertRanInSandbox(t, a, "late")
}
