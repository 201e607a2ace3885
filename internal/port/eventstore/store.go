// Package eventstore defines the port interfaces for the append-only
// message log and its durable journal.
package eventstore

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/Strob0t/Conductor/internal/domain/message"
)

// Order selects the direction of a query.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// QueryOptions narrows and pages an index query. Zero Limit means no limit.
// After and Before are exclusive bounds on createdAt.
type QueryOptions struct {
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
	After  *time.Time     `json:"after,omitempty"`
	Before *time.Time     `json:"before,omitempty"`
	Types  []message.Type `json:"types,omitempty"`
	Order  Order          `json:"order,omitempty"`
}

// Filter selects messages for subscriptions and counts. Empty fields match
// everything.
type Filter struct {
	RunID    string         `json:"run_id,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
	AgentID  string         `json:"agent_id,omitempty"`
	Types    []message.Type `json:"types,omitempty"`
	Domains  []string       `json:"domains,omitempty"`
}

// Match reports whether m passes the filter.
func (f *Filter) Match(m *message.Message) bool {
	if f.RunID != "" && m.RunID != f.RunID {
		return false
	}
	if f.ThreadID != "" && m.ThreadID != f.ThreadID {
		return false
	}
	if f.TaskID != "" && m.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != "" && m.From.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, m.Type) {
		return false
	}
	if len(f.Domains) > 0 && !slices.Contains(f.Domains, m.Domain) {
		return false
	}
	return true
}

// Subscription delivers live messages until closed.
type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan message.Stored
	// Err reports why the subscription ended, nil after a normal Close.
	Err() error
	Close()
}

// Appender records messages. Components that only emit events depend on this.
type Appender interface {
	// Append stores msg. A message whose id is already stored is not stored
	// again; the existing copy is returned unchanged.
	Append(ctx context.Context, msg message.Message) (message.Stored, error)
}

// Store is the port interface for the indexed message log.
type Store interface {
	Appender

	// Insert is Append that also reports whether msg was newly stored.
	Insert(ctx context.Context, msg message.Message) (message.Stored, bool, error)

	// AppendBatch appends msgs in order and stops at the first error.
	AppendBatch(ctx context.Context, msgs []message.Message) ([]message.Stored, error)

	Get(ctx context.Context, id string) (message.Stored, error)
	Exists(ctx context.Context, id string) bool

	// IsDuplicate reports whether id was already seen within runID.
	IsDuplicate(ctx context.Context, runID, id string) bool

	ByRun(ctx context.Context, runID string, opts QueryOptions) ([]message.Stored, error)
	ByThread(ctx context.Context, threadID string, opts QueryOptions) ([]message.Stored, error)
	ByTask(ctx context.Context, taskID string, opts QueryOptions) ([]message.Stored, error)
	ByAgent(ctx context.Context, agentID string, opts QueryOptions) ([]message.Stored, error)
	ByType(ctx context.Context, t message.Type, opts QueryOptions) ([]message.Stored, error)

	// ReplayRun yields the run's messages oldest first. Each iteration
	// starts from the beginning.
	ReplayRun(ctx context.Context, runID string) iter.Seq2[message.Stored, error]

	// Subscribe delivers messages appended after the call that match f.
	Subscribe(ctx context.Context, f Filter) (Subscription, error)

	Count(ctx context.Context, f Filter) int
}

// Journal is the durable backing of the store. Writes must be idempotent
// on message id.
type Journal interface {
	Write(ctx context.Context, msg *message.Message) error
	// Load calls fn for every journaled message in write order.
	Load(ctx context.Context, fn func(message.Message) error) error
}
