package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/Conductor/internal/domain/workflow"
	"github.com/Strob0t/Conductor/internal/port/dispatch"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
	"github.com/Strob0t/Conductor/internal/resilience"
)

var _ dispatch.Sink = (*Dispatcher)(nil)

// CancelOrder tells an agent runtime to stop working on a task.
type CancelOrder struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Dispatcher publishes dispatch records to <dispatchPrefix>.<agent_id> and
// cancel orders to <cancelPrefix>.<agent_id>, behind a circuit breaker.
type Dispatcher struct {
	queue          messagequeue.Queue
	breaker        *resilience.Breaker
	dispatchPrefix string
	cancelPrefix   string
	now            func() time.Time
}

func NewDispatcher(queue messagequeue.Queue, breaker *resilience.Breaker, dispatchPrefix, cancelPrefix string) *Dispatcher {
	return &Dispatcher{
		queue:          queue,
		breaker:        breaker,
		dispatchPrefix: dispatchPrefix,
		cancelPrefix:   cancelPrefix,
		now:            time.Now,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, rec *workflow.Dispatch) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dispatch %s: %w", rec.ID, err)
	}
	return d.publish(ctx, messagequeue.Subject(d.dispatchPrefix, rec.AgentID), data)
}

func (d *Dispatcher) Cancel(ctx context.Context, taskID, agentID, reason string) error {
	data, err := json.Marshal(CancelOrder{TaskID: taskID, AgentID: agentID, Reason: reason, CreatedAt: d.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal cancel for %s: %w", taskID, err)
	}
	return d.publish(ctx, messagequeue.Subject(d.cancelPrefix, agentID), data)
}

func (d *Dispatcher) publish(ctx context.Context, subject string, data []byte) error {
	return d.breaker.Execute(func() error {
		return d.queue.Publish(ctx, subject, data)
	})
}
