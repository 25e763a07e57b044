package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the daemon's instruments.
type Metrics struct {
	PluginRuns        metric.Int64Counter
	PluginDuration    metric.Float64Histogram
	PluginTimeouts    metric.Int64Counter
	AlertsFired       metric.Int64Counter
	NotifyErrors      metric.Int64Counter
	TaskIterations    metric.Int64Counter
	TaskLoopDuration  metric.Float64Histogram
	AgentCallDuration metric.Float64Histogram
	SessionsPersisted metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.PluginRuns, err = meter.Int64Counter("beacon.plugin.runs",
		metric.WithDescription("Plugin executions, labelled by plugin and outcome")); err != nil {
		return nil, err
	}
	if m.PluginDuration, err = meter.Float64Histogram("beacon.plugin.duration",
		metric.WithDescription("Plugin execution wall time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.PluginTimeouts, err = meter.Int64Counter("beacon.plugin.timeouts",
		metric.WithDescription("Plugin executions killed by their timeout")); err != nil {
		return nil, err
	}
	if m.AlertsFired, err = meter.Int64Counter("beacon.alert.fired",
		metric.WithDescription("Alerts whose rule matched outside cooldown")); err != nil {
		return nil, err
	}
	if m.NotifyErrors, err = meter.Int64Counter("beacon.alert.notify_errors",
		metric.WithDescription("Failed alert deliveries")); err != nil {
		return nil, err
	}
	if m.TaskIterations, err = meter.Int64Counter("beacon.task.iterations",
		metric.WithDescription("Agent invocations made by the convergence loop")); err != nil {
		return nil, err
	}
	if m.TaskLoopDuration, err = meter.Float64Histogram("beacon.task.loop_duration",
		metric.WithDescription("Convergence loop wall time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.AgentCallDuration, err = meter.Float64Histogram("beacon.agent.duration",
		metric.WithDescription("Agent call wall time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.SessionsPersisted, err = meter.Int64Counter("beacon.session.persisted",
		metric.WithDescription("Session transcripts written to disk")); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}
