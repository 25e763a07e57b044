package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrPluginID   = attribute.Key("beacon.plugin.id")
	AttrPluginOK   = attribute.Key("beacon.plugin.success")
	AttrAlertID    = attribute.Key("beacon.alert.id")
	AttrTaskPath   = attribute.Key("beacon.task.path")
	AttrIteration  = attribute.Key("beacon.task.iteration")
	AttrOutcome    = attribute.Key("beacon.outcome")
	AttrModel      = attribute.Key("beacon.agent.model")
	AttrSessionKey = attribute.Key("beacon.session.key")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent, notifier).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
