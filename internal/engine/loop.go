package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/otel"
	"github.com/basket/go-beacon/internal/shared"
	"github.com/basket/go-beacon/internal/taskstore"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TaskStore is the subset of the task store the loop drives.
type TaskStore interface {
	Read(ref string) (string, error)
	Append(ref, text string) (string, error)
	SetStatus(ref string, st taskstore.Status) (string, error)
	StatusOf(ref string) (taskstore.Status, bool)
	ResolveCurrent(ref string) (string, bool)
}

// Loop outcomes.
const (
	OutcomeAlreadyClosed = "already_closed"
	OutcomeFinished      = "finished"
	OutcomeExhausted     = "exhausted"
	OutcomeError         = "error"
)

const (
	msgAlreadyFinished     = "Task already finished."
	msgAlreadyUnsuccessful = "Task already closed as unsuccessful."
	noteMaxIterations      = "Max iterations reached; closed as unsuccessful."
	replyPreviewChars      = 500
)

// LoopResult describes one finished RunUntilFinished call.
type LoopResult struct {
	RunID      string
	Ref        string
	FinalRef   string
	Iterations int
	Outcome    string
	Reply      string
	Err        error
	StartedAt  time.Time
	Duration   time.Duration
}

type LoopConfig struct {
	Store   TaskStore
	Agent   Agent
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	// OnFinish is called once per run, including failed runs.
	OnFinish func(ctx context.Context, r LoopResult)
}

// Loop drives a task file to a terminal status through repeated agent calls.
type Loop struct {
	store    TaskStore
	agent    Agent
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	tracer   trace.Tracer
	onFinish func(ctx context.Context, r LoopResult)
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Loop{
		store:    cfg.Store,
		agent:    cfg.Agent,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		onFinish: cfg.OnFinish,
	}
}

// Directive is the prompt sent to the agent for one iteration.
func Directive(content string) string {
	return "Current task file content:\n\n" + content +
		"\n\nDecide the next step. Use TASK_APPEND to add feedback and TASK_STATUS to set wip or finished when done. Reply with your action (TASK_APPEND, TASK_STATUS, or a final summary)."
}

// RunUntilFinished asks the agent for the next step until the task file is
// finished or maxIterations calls were made. The task is re-read every
// iteration and the reference re-resolved after every call, since the agent
// may have renamed it. Read and agent errors abort the run. When iterations
// run out, a still-open task is closed as unsuccessful.
func (l *Loop) RunUntilFinished(ctx context.Context, ref string, maxIterations int) (string, error) {
	ctx, runID := shared.EnsureRunID(ctx)
	ctx, span := otel.StartSpan(ctx, l.tracer, "task.run_until_finished", otel.AttrTaskPath.String(filepath.Base(ref)))
	defer span.End()

	res := LoopResult{RunID: runID, Ref: ref, FinalRef: ref, StartedAt: time.Now()}
	logger := l.logger.With("run_id", runID, "task", filepath.Base(ref))

	reply, err := l.run(ctx, logger, &res, maxIterations)
	res.Reply, res.Err, res.Duration = reply, err, time.Since(res.StartedAt)
	if err != nil {
		res.Outcome = OutcomeError
		span.SetStatus(codes.Error, err.Error())
		logger.Error("task loop failed", "iterations", res.Iterations, "error", err)
	}
	span.SetAttributes(otel.AttrOutcome.String(res.Outcome), otel.AttrIteration.Int(res.Iterations))
	l.metrics.TaskLoopDuration.Record(ctx, res.Duration.Seconds(),
		metric.WithAttributes(otel.AttrOutcome.String(res.Outcome)))

	ev := bus.TaskLoopEvent{Path: res.FinalRef, Iterations: res.Iterations, Outcome: res.Outcome}
	if err != nil {
		ev.Error = err.Error()
	}
	l.bus.Publish(bus.TopicTaskLoopFinished, ev)
	if l.onFinish != nil {
		l.onFinish(ctx, res)
	}
	return reply, err
}

func (l *Loop) run(ctx context.Context, logger *slog.Logger, res *LoopResult, maxIterations int) (string, error) {
	switch st, _ := l.store.StatusOf(res.Ref); st {
	case taskstore.StatusFinished:
		res.Outcome = OutcomeAlreadyClosed
		return msgAlreadyFinished, nil
	case taskstore.StatusUnsuccessful:
		res.Outcome = OutcomeAlreadyClosed
		return msgAlreadyUnsuccessful, nil
	}

	current := res.Ref
	lastReply := ""
	for i := 0; i < maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		content, err := l.store.Read(current)
		if err != nil {
			return "", fmt.Errorf("read task: %w", err)
		}
		logger.Info("task loop iteration", "iteration", i+1, "max", maxIterations)
		res.Iterations++
		l.metrics.TaskIterations.Add(ctx, 1)
		lastReply, err = l.agent.Invoke(ctx, Directive(content))
		if err != nil {
			return "", fmt.Errorf("agent invoke: %w", err)
		}
		if next, ok := l.store.ResolveCurrent(current); ok {
			current = next
			res.FinalRef = next
		}
		if st, _ := l.store.StatusOf(current); st == taskstore.StatusFinished {
			logger.Info("task finished", "iterations", res.Iterations)
			res.Outcome = OutcomeFinished
			return lastReply, nil
		}
	}

	logger.Warn("task loop exhausted", "max", maxIterations)
	res.Outcome = OutcomeExhausted
	if next, ok := l.store.ResolveCurrent(current); ok {
		res.FinalRef = next
		if st, _ := l.store.StatusOf(next); !st.Terminal() {
			closed, err := l.store.SetStatus(next, taskstore.StatusUnsuccessful)
			if err != nil {
				logger.Warn("close exhausted task failed", "error", err)
			} else {
				res.FinalRef = closed
				if _, err := l.store.Append(closed, noteMaxIterations); err != nil {
					logger.Warn("append exhaustion note failed", "error", err)
				}
			}
		}
	}
	return fmt.Sprintf("Max iterations (%d) reached. Last reply: %s", maxIterations, truncateRunes(lastReply, replyPreviewChars)), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
