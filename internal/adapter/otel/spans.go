package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "conductor"

// StartWorkflowSpan starts a span for a workflow engine operation on a task.
func StartWorkflowSpan(ctx context.Context, op, workflowID, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow."+op,
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("task.id", taskID),
		),
	)
}

// StartDispatchSpan starts a span for handing a dispatch to the sink.
func StartDispatchSpan(ctx context.Context, dispatchID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("dispatch.id", dispatchID),
			attribute.String("agent.id", agentID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartPublishSpan starts a span for routing an inbound message.
func StartPublishSpan(ctx context.Context, msgID, msgType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "publish",
		trace.WithAttributes(
			attribute.String("message.id", msgID),
			attribute.String("message.type", msgType),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
