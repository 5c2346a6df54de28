package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanRun        = "run"
	SpanLoad       = "load"
	SpanJobExecute = "job.execute"
)

// Attribute keys.
const (
	AttrRunID        = "run.id"
	AttrRunRequested = "run.requested"
	AttrDispatched   = "run.dispatched"
	AttrPeak         = "run.peak"
	AttrCancelled    = "run.cancelled"
	AttrTestID       = "test.id"
	AttrJobKind      = "job.kind"
	AttrJobState     = "job.state"
	AttrRoot         = "tree.root"
	AttrTests        = "tree.tests"
)

// Event names.
const (
	EventCancelRequested = "cancel.requested"
	EventJobRunning      = "job.running"
)

// StartRun opens the span covering one pool drain.
func StartRun(ctx context.Context, tracer trace.Tracer, runID string, requested []string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanRun,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.StringSlice(AttrRunRequested, requested),
		),
	)
}

// StartJob opens a child span for one job execution.
func StartJob(ctx context.Context, tracer trace.Tracer, id, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanJobExecute,
		trace.WithAttributes(
			attribute.String(AttrTestID, id),
			attribute.String(AttrJobKind, kind),
		),
	)
}

// EndJob records the terminal state on span and ends it. Errored and failed
// states mark the span as an error.
func EndJob(span trace.Span, state, message string) {
	span.SetAttributes(attribute.String(AttrJobState, state))
	switch state {
	case "errored", "failed":
		span.SetStatus(codes.Error, message)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
