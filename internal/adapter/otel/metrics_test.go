package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/Conductor/internal/config"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.Appended(ctx, "task.request")
	m.Dispatched(ctx, "wf", nil)
	m.Dispatched(ctx, "wf", errors.New("boom"))
	m.WorkflowEvent(ctx, "wf", "step_started")
	m.WorkflowCompleted(ctx, "wf", 1.5)
	m.Swept(ctx, 2)
	m.BudgetExceeded(ctx, "a1", "maxCost")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Appended(ctx, "x")
	m.Duplicate(ctx)
	m.SubscriberDropped(ctx)
	m.RoutingFailed(ctx, "none")
	m.Dispatched(ctx, "wf", nil)
	m.WorkflowEvent(ctx, "wf", "k")
	m.WorkflowCompleted(ctx, "wf", 1)
	m.Swept(ctx, 1)
	m.BudgetExceeded(ctx, "a", "maxTokens")
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OTEL{ServiceName: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
