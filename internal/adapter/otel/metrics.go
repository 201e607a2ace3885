package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "conductor"

// Metrics holds all Conductor metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	MessagesAppended   metric.Int64Counter
	MessagesDuplicate  metric.Int64Counter
	SubscribersDropped metric.Int64Counter
	RoutingFailures    metric.Int64Counter
	Dispatches         metric.Int64Counter
	DispatchFailures   metric.Int64Counter
	WorkflowEvents     metric.Int64Counter
	WorkflowDuration   metric.Float64Histogram
	AgentsSwept        metric.Int64Counter
	BudgetViolations   metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.MessagesAppended, err = meter.Int64Counter("conductor.messages.appended",
		metric.WithDescription("Number of messages newly stored"))
	if err != nil {
		return nil, err
	}

	m.MessagesDuplicate, err = meter.Int64Counter("conductor.messages.duplicate",
		metric.WithDescription("Number of appends resolved to an existing message"))
	if err != nil {
		return nil, err
	}

	m.SubscribersDropped, err = meter.Int64Counter("conductor.subscribers.dropped",
		metric.WithDescription("Number of subscriptions dropped for lagging"))
	if err != nil {
		return nil, err
	}

	m.RoutingFailures, err = meter.Int64Counter("conductor.routing.failures",
		metric.WithDescription("Number of tasks no agent could be found for"))
	if err != nil {
		return nil, err
	}

	m.Dispatches, err = meter.Int64Counter("conductor.dispatches",
		metric.WithDescription("Number of dispatch records sent to agent runtimes"))
	if err != nil {
		return nil, err
	}

	m.DispatchFailures, err = meter.Int64Counter("conductor.dispatches.failed",
		metric.WithDescription("Number of dispatch records the sink rejected"))
	if err != nil {
		return nil, err
	}

	m.WorkflowEvents, err = meter.Int64Counter("conductor.workflow.events",
		metric.WithDescription("Number of workflow lifecycle events by kind"))
	if err != nil {
		return nil, err
	}

	m.WorkflowDuration, err = meter.Float64Histogram("conductor.workflow.duration_seconds",
		metric.WithDescription("Time from workflow start to completion in seconds"))
	if err != nil {
		return nil, err
	}

	m.AgentsSwept, err = meter.Int64Counter("conductor.agents.swept",
		metric.WithDescription("Number of agents marked offline for stale heartbeats"))
	if err != nil {
		return nil, err
	}

	m.BudgetViolations, err = meter.Int64Counter("conductor.agents.budget_violations",
		metric.WithDescription("Number of task results that exceeded an agent limit, by limit"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Appended records a newly stored message.
func (m *Metrics) Appended(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.MessagesAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("message.type", msgType)))
}

// Duplicate records an append that hit an existing message.
func (m *Metrics) Duplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.MessagesDuplicate.Add(ctx, 1)
}

// SubscriberDropped records a lagging subscriber being cut off.
func (m *Metrics) SubscriberDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.SubscribersDropped.Add(ctx, 1)
}

// RoutingFailed records a task that could not be routed.
func (m *Metrics) RoutingFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RoutingFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Dispatched records a dispatch attempt and whether the sink accepted it.
func (m *Metrics) Dispatched(ctx context.Context, workflowID string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("workflow.id", workflowID))
	if err != nil {
		m.DispatchFailures.Add(ctx, 1, attrs)
		return
	}
	m.Dispatches.Add(ctx, 1, attrs)
}

// WorkflowEvent records a workflow lifecycle event.
func (m *Metrics) WorkflowEvent(ctx context.Context, workflowID, kind string) {
	if m == nil {
		return
	}
	m.WorkflowEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("event.kind", kind),
	))
}

// WorkflowCompleted records the duration of a finished workflow.
func (m *Metrics) WorkflowCompleted(ctx context.Context, workflowID string, seconds float64) {
	if m == nil {
		return
	}
	m.WorkflowDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("workflow.id", workflowID)))
}

// Swept records agents marked offline by the heartbeat sweep.
func (m *Metrics) Swept(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AgentsSwept.Add(ctx, int64(n))
}

// BudgetExceeded records one violated limit of an agent's card.
func (m *Metrics) BudgetExceeded(ctx context.Context, agentID, limit string) {
	if m == nil {
		return
	}
	m.BudgetViolations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("limit", limit),
	))
}
