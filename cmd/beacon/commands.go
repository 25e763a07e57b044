package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-beacon/internal/alerts"
	"github.com/basket/go-beacon/internal/config"
	"github.com/basket/go-beacon/internal/cron"
	"github.com/basket/go-beacon/internal/doctor"
	"github.com/basket/go-beacon/internal/plugins"
	"github.com/basket/go-beacon/internal/taskstore"
)

func runDoctorCommand(ctx context.Context, args []string, out *printer, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if !parseFlags(fs, args, stderr) {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		// Diagnose anyway; the config check reports what it can.
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
	}
	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOutput {
		enc := json.NewEncoder(out.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		out.Title("Beacon Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339))
		out.Dim("System: %s/%s (%s) %s", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
		for _, res := range diag.Results {
			out.Status(res.Status, res.Name, res.Message)
			if res.Detail != "" {
				out.Dim("    %s", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func runStatusCommand(ctx context.Context, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: beacon status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		out.Status("FAIL", "daemon", fmt.Sprintf("not reachable at %s", cfg.BindAddr))
		return 1
	}
	defer resp.Body.Close()

	var health struct {
		Healthy     bool   `json:"healthy"`
		Version     string `json:"version"`
		Uptime      int64  `json:"uptime_seconds"`
		Fingerprint string `json:"config_fingerprint"`
		Plugins     int    `json:"plugins"`
		Alerts      int    `json:"alerts"`
		WSClients   int    `json:"ws_clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(stderr, "decode /healthz: %v\n", err)
		return 1
	}
	status := "PASS"
	if !health.Healthy || resp.StatusCode != http.StatusOK {
		status = "FAIL"
	}
	out.Status(status, "daemon", fmt.Sprintf("%s up %s", health.Version, time.Duration(health.Uptime)*time.Second))
	out.Box(fmt.Sprintf("plugins  %d\nalerts   %d\nclients  %d\nconfig   %s",
		health.Plugins, health.Alerts, health.WSClients, health.Fingerprint))
	if status != "PASS" {
		return 1
	}
	return 0
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func runPluginCommand(ctx context.Context, a *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: beacon plugin list | run <id>")
		return 2
	}
	switch args[0] {
	case "list":
		list := a.plugins.List()
		if len(list) == 0 {
			out.Dim("no plugins configured")
			return 0
		}
		for _, p := range list {
			state := "PASS"
			if !p.Enabled {
				state = "SKIP"
			}
			out.Status(state, p.ID, fmt.Sprintf("%s every %s (%s)", p.Path, p.Interval, runtimeName(p)))
		}
		return 0
	case "run":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "usage: beacon plugin run <id>")
			return 2
		}
		res, err := a.plugins.Execute(ctx, args[1])
		if errors.Is(err, plugins.ErrNotFound) {
			fmt.Fprintf(stderr, "unknown plugin %q\n", args[1])
			return 1
		}
		if err != nil {
			fmt.Fprintf(stderr, "run: %v\n", err)
			return 1
		}
		printResult(out, res)
		if !res.Success {
			return 1
		}
		return 0
	default:
		fmt.Fprintf(stderr, "unknown plugin action %q\n", args[0])
		return 2
	}
}

func runtimeName(p plugins.Plugin) string {
	if p.Runtime == "" {
		return plugins.RuntimeHost
	}
	return p.Runtime
}

func printResult(out *printer, res plugins.Result) {
	status := "PASS"
	msg := fmt.Sprintf("exit %d in %s", res.ExitCode, res.Duration.Round(time.Millisecond))
	if !res.Success {
		status = "FAIL"
		if res.Error != "" {
			msg += ": " + res.Error
		}
	}
	out.Status(status, res.PluginID, msg)
	if res.Parsed != nil {
		out.Line("  status:  %s", res.Parsed.Status)
		if res.Parsed.Message != "" {
			out.Line("  message: %s", res.Parsed.Message)
		}
		for k, v := range res.Parsed.Metrics {
			out.Line("  %s = %g", k, v)
		}
		return
	}
	if s := strings.TrimSpace(res.Output); s != "" {
		out.Dim("%s", s)
	}
}

func runAlertsCommand(ctx context.Context, a *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: beacon alerts list | eval")
		return 2
	}
	switch args[0] {
	case "list":
		list := a.alerts.List()
		if len(list) == 0 {
			out.Dim("no alerts configured")
			return 0
		}
		for _, al := range list {
			state := "PASS"
			if !al.Enabled {
				state = "SKIP"
			}
			spec := alerts.SpecOf(al.Rule)
			out.Status(state, al.ID, fmt.Sprintf("%s (%s) -> %s", al.Name, spec.Type, strings.Join(al.Channels, ", ")))
		}
		return 0
	case "eval":
		// One pass: run every plugin so the snapshot is fresh, then evaluate.
		sched, err := cron.NewScheduler(cron.Config{Snapshot: a.snapshot, Logger: a.logger})
		if err != nil {
			fmt.Fprintf(stderr, "eval: %v\n", err)
			return 1
		}
		for _, p := range a.plugins.List() {
			res, err := a.plugins.Execute(ctx, p.ID)
			if err != nil {
				out.Status("FAIL", p.ID, err.Error())
				continue
			}
			sched.Observe(res)
		}
		firings := a.alerts.Evaluate(ctx, a.snapshot.Snapshot())
		a.recordFirings(ctx, firings)
		if len(firings) == 0 {
			out.Status("PASS", "alerts", "nothing fired")
			return 0
		}
		for _, f := range firings {
			msg := f.Message
			if len(f.Failed) > 0 {
				msg += fmt.Sprintf(" (delivery failed: %s)", strings.Join(f.Failed, ", "))
			}
			out.Status("WARN", f.AlertID, msg)
		}
		return 0
	default:
		fmt.Fprintf(stderr, "unknown alerts action %q\n", args[0])
		return 2
	}
}

func runTaskCommand(ctx context.Context, a *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: beacon task list | create | run | review")
		return 2
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("task list", flag.ContinueOnError)
		status := fs.String("status", "", "only list tasks with this status")
		if !parseFlags(fs, args[1:], stderr) {
			return 2
		}
		var (
			tasks []taskstore.Task
			err   error
		)
		if *status != "" {
			st, perr := taskstore.ParseStatus(*status)
			if perr != nil {
				fmt.Fprintln(stderr, perr)
				return 2
			}
			tasks, err = a.tasks.ListByStatus(st)
		} else {
			tasks, err = a.tasks.List()
		}
		if err != nil {
			fmt.Fprintf(stderr, "list: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			out.Line("%-13s %-10s %s", t.Status, t.Assignee, t.Name)
		}
		out.Dim("%d task(s) in %s", len(tasks), a.tasks.Dir())
		return 0
	case "create":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "usage: beacon task create <topic> <id> [content...]")
			return 2
		}
		path, err := a.tasks.Create(args[1], args[2], strings.Join(args[3:], " "), "")
		if err != nil {
			fmt.Fprintf(stderr, "create: %v\n", err)
			return 1
		}
		out.Status("PASS", "created", path)
		return 0
	case "run":
		fs := flag.NewFlagSet("task run", flag.ContinueOnError)
		maxIter := fs.Int("max", a.cfg.Tasks.MaxIterations, "maximum agent iterations")
		if !parseFlags(fs, args[1:], stderr) {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: beacon task run [-max n] <ref>")
			return 2
		}
		path, err := a.tasks.Resolve(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "resolve: %v\n", err)
			return 1
		}
		reply, err := a.loop.RunUntilFinished(ctx, path, *maxIter)
		if err != nil {
			out.Status("FAIL", "task", err.Error())
			return 1
		}
		out.Status("PASS", "task", "finished")
		if reply != "" {
			out.Box(reply)
		}
		return 0
	case "review":
		rep := a.reviewer.RunOnce(ctx)
		out.Status("PASS", "review", fmt.Sprintf("closed %d, resumed %d, worked %d, failed %d",
			len(rep.Closed), len(rep.Resumed), len(rep.Worked), len(rep.Failed)))
		for _, name := range rep.Failed {
			out.Status("FAIL", "", name)
		}
		if len(rep.Failed) > 0 {
			return 1
		}
		return 0
	default:
		fmt.Fprintf(stderr, "unknown task action %q\n", args[0])
		return 2
	}
}
