package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	Runner  Runner
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
	// OnResult is called after every execution, successful or not.
	OnResult func(ctx context.Context, r Result)
}

// Registry holds plugins and runs them. Its lock covers metadata only;
// processes are started after it is released.
type Registry struct {
	runner   Runner
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	onResult func(ctx context.Context, r Result)

	mu      sync.Mutex
	plugins map[string]*Plugin
	order   []string
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Runner == nil {
		cfg.Runner = Dispatcher{Host: HostRunner{}}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		runner:   cfg.Runner,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      cfg.Now,
		onResult: cfg.OnResult,
		plugins:  make(map[string]*Plugin),
	}
}

// Add registers p with no LastRun. A duplicate id leaves the registry unchanged.
func (r *Registry) Add(p Plugin) error {
	if err := p.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	stored := p
	stored.Args = slices.Clone(p.Args)
	stored.LastRun = nil
	r.plugins[p.ID] = &stored
	r.order = append(r.order, p.ID)
	return nil
}

// Remove deletes the plugin; unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[id]; !ok {
		return
	}
	delete(r.plugins, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
}

// Get returns a copy of the plugin.
func (r *Registry) Get(id string) (Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	if !ok {
		return Plugin{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyPlugin(p), nil
}

// List returns plugins in registration order.
func (r *Registry) List() []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Plugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyPlugin(r.plugins[id]))
	}
	return out
}

// Execute runs the plugin once, regardless of schedule or Enabled. LastRun is
// set to the start time whatever the outcome.
func (r *Registry) Execute(ctx context.Context, id string) (Result, error) {
	r.mu.Lock()
	p, ok := r.plugins[id]
	if !ok {
		r.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	start := r.now()
	p.LastRun = &start
	snapshot := copyPlugin(p)
	r.mu.Unlock()

	return r.run(ctx, snapshot, start), nil
}

// RunDue executes every enabled plugin whose interval has elapsed, in
// parallel, and returns the successful results in registration order.
func (r *Registry) RunDue(ctx context.Context) []Result {
	now := r.now()
	var due []Plugin
	r.mu.Lock()
	for _, id := range r.order {
		p := r.plugins[id]
		if !p.due(now) {
			continue
		}
		started := now
		p.LastRun = &started
		due = append(due, copyPlugin(p))
	}
	r.mu.Unlock()

	results := make([]Result, len(due))
	var wg sync.WaitGroup
	for i, p := range due {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.run(ctx, p, now)
		}()
	}
	wg.Wait()

	ok := results[:0]
	for _, res := range results {
		if res.Success {
			ok = append(ok, res)
			continue
		}
		r.logger.Warn("plugin run failed", "plugin_id", res.PluginID, "error", res.Error, "exit_code", res.ExitCode)
	}
	return ok
}

func (r *Registry) run(ctx context.Context, p Plugin, ranAt time.Time) Result {
	ctx, span := otel.StartSpan(ctx, r.tracer, "plugin.execute", otel.AttrPluginID.String(p.ID))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	began := time.Now()
	out, err := r.runner.Run(runCtx, p)
	res := Result{
		PluginID: p.ID,
		Output:   out.Stdout,
		ExitCode: out.ExitCode,
		RanAt:    ranAt,
		Duration: time.Since(began),
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		res.Error = ErrTimeout
		r.metrics.PluginTimeouts.Add(ctx, 1, metric.WithAttributes(otel.AttrPluginID.String(p.ID)))
	case err != nil:
		res.Error = err.Error()
	case out.ExitCode != 0:
		res.Error = exitError(out)
	default:
		res.Success = true
	}
	if res.Success {
		if parsed, perr := ParseOutput(out.Stdout); perr == nil {
			res.Parsed = parsed
		}
	}

	span.SetAttributes(otel.AttrPluginOK.Bool(res.Success))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	attrs := metric.WithAttributes(otel.AttrPluginID.String(p.ID), otel.AttrPluginOK.Bool(res.Success))
	r.metrics.PluginRuns.Add(ctx, 1, attrs)
	r.metrics.PluginDuration.Record(ctx, res.Duration.Seconds(), attrs)

	r.logger.Debug("plugin executed", "plugin_id", p.ID, "success", res.Success, "duration_ms", res.Duration.Milliseconds())
	topic := bus.TopicPluginExecuted
	if !res.Success {
		topic = bus.TopicPluginFailed
	}
	r.bus.Publish(topic, bus.PluginEvent{
		PluginID: p.ID,
		Success:  res.Success,
		Error:    res.Error,
		Duration: res.Duration,
	})
	if r.onResult != nil {
		r.onResult(ctx, res)
	}
	return res
}

func exitError(out Exec) string {
	msg := fmt.Sprintf("exit status %d", out.ExitCode)
	if s := strings.TrimSpace(out.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	return msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func copyPlugin(p *Plugin) Plugin {
	out := *p
	out.Args = slices.Clone(p.Args)
	if p.LastRun != nil {
		t := *p.LastRun
		out.LastRun = &t
	}
	return out
}
