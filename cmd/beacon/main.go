package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-beacon/internal/config"
	"github.com/basket/go-beacon/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: beacon [command]

COMMANDS:
  serve                       Run the daemon (default): plugins, alerts, tasks, gateway
  status                      Show daemon health (/healthz)
  doctor [-json]              Run diagnostic checks
  plugin list                 List configured plugins
  plugin run <id>             Run one plugin now and print its result
  alerts list                 List configured alerts
  alerts eval                 Run every plugin once and evaluate alerts
  task list [-status s]       List task files
  task create <topic> <id> [content...]
                              Create an open task file
  task run [-max n] <ref>     Drive one task to a terminal status
  task review                 Run one review cycle
  version                     Print the version

ENVIRONMENT VARIABLES:
  BEACON_HOME                 Data directory (default: ~/.beacon)
  BEACON_LOG_LEVEL            debug, info, warn or error
  BEACON_NO_COLOR             Set to disable styled output
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code: 0 on
// success, 1 on failure, 2 on bad usage.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	out := newPrinter(stdout)
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, "beacon", Version)
		return 0
	case "status":
		return runStatusCommand(ctx, args, out, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args, out, stderr)
	case "serve", "daemon":
		if len(args) != 0 {
			fmt.Fprintln(stderr, "usage: beacon serve")
			return 2
		}
		cfg, logger, closer, code := loadForCommand(stderr, false)
		if closer == nil {
			return code
		}
		defer closer.Close()
		return runServe(ctx, cfg, logger)
	case "plugin", "plugins":
		return withApp(ctx, stderr, func(a *app) int { return runPluginCommand(ctx, a, args, out, stderr) })
	case "alerts", "alert":
		return withApp(ctx, stderr, func(a *app) int { return runAlertsCommand(ctx, a, args, out, stderr) })
	case "task", "tasks":
		return withApp(ctx, stderr, func(a *app) int { return runTaskCommand(ctx, a, args, out, stderr) })
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 2
	}
}

// loadForCommand loads config and opens the log file. Logs go to stdout as
// well unless quiet. closer is nil when loading failed.
func loadForCommand(stderr io.Writer, quiet bool) (config.Config, *slog.Logger, io.Closer, int) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(stderr, "E_CONFIG_LOAD", err)
		return cfg, nil, nil, 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(stderr, "E_LOGGER_INIT", err)
		return cfg, nil, nil, 1
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, 0
}

// withApp wires the components for a one-shot subcommand. Logs go to the
// log file only so command output stays clean.
func withApp(ctx context.Context, stderr io.Writer, fn func(*app) int) int {
	cfg, logger, closer, code := loadForCommand(stderr, true)
	if closer == nil {
		return code
	}
	defer closer.Close()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	defer a.Close(context.Background())
	return fn(a)
}

func fatalStartup(stderr io.Writer, reasonCode string, err error) {
	fmt.Fprintf(stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano), reasonCode, err.Error())
}

// colorEnabled reports whether w is a terminal that should get styled output.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("BEACON_NO_COLOR") != "" || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	fs.SetOutput(stderr)
	return fs.Parse(args) == nil
}
