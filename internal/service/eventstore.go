package service

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	cfotel "github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when
// none is configured.
const DefaultSubscriberBuffer = 256

// EventStore is the in-memory indexed message log. Every new message is
// written to the journal (when one is set) before it becomes visible.
type EventStore struct {
	journal eventstore.Journal
	metrics *cfotel.Metrics
	bufSize int
	now     func() time.Time

	mu       sync.RWMutex
	seq      int64
	byID     map[string]*message.Stored
	byIdem   map[string]*message.Stored
	byRun    map[string][]*message.Stored
	byThread map[string][]*message.Stored
	byTask   map[string][]*message.Stored
	byAgent  map[string][]*message.Stored
	byType   map[message.Type][]*message.Stored
	subs     map[uint64]*subscription
	nextSub  uint64
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates an empty store. bufSize bounds each subscriber's
// channel; a subscriber whose channel is full when a message arrives is
// dropped with domain.ErrSubscriberLagged.
func NewEventStore(bufSize int) *EventStore {
	if bufSize < 1 {
		bufSize = DefaultSubscriberBuffer
	}
	return &EventStore{
		bufSize:  bufSize,
		now:      time.Now,
		byID:     make(map[string]*message.Stored),
		byIdem:   make(map[string]*message.Stored),
		byRun:    make(map[string][]*message.Stored),
		byThread: make(map[string][]*message.Stored),
		byTask:   make(map[string][]*message.Stored),
		byAgent:  make(map[string][]*message.Stored),
		byType:   make(map[message.Type][]*message.Stored),
		subs:     make(map[uint64]*subscription),
	}
}

// SetJournal attaches durable storage. Call before the store is used.
func (s *EventStore) SetJournal(j eventstore.Journal) {
	s.journal = j
}

// SetMetrics attaches metric instruments.
func (s *EventStore) SetMetrics(m *cfotel.Metrics) {
	s.metrics = m
}

// Load indexes every journaled message. Subscribers are not notified.
func (s *EventStore) Load(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	n := 0
	err := s.journal.Load(ctx, func(m message.Message) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.lookupLocked(&m); ok {
			return nil
		}
		s.indexLocked(cloneMessage(m))
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("load journal: %w", err)
	}
	slog.Info("event store loaded", "messages", n)
	return n, nil
}

// Append stores msg and returns the stored copy. A message whose id (or
// run-scoped idempotency key) is already stored is returned unchanged.
func (s *EventStore) Append(ctx context.Context, msg message.Message) (message.Stored, error) {
	stored, _, err := s.Insert(ctx, msg)
	return stored, err
}

// Insert is Append that also reports whether msg was newly stored.
func (s *EventStore) Insert(ctx context.Context, msg message.Message) (message.Stored, bool, error) {
	if err := msg.Validate(); err != nil {
		return message.Stored{}, false, err
	}

	s.mu.RLock()
	existing, ok := s.lookupLocked(&msg)
	s.mu.RUnlock()
	if ok {
		s.metrics.Duplicate(ctx)
		return *existing, false, nil
	}

	msg = cloneMessage(msg)
	if s.journal != nil {
		if err := s.journal.Write(ctx, &msg); err != nil {
			return message.Stored{}, false, fmt.Errorf("journal message %s: %w", msg.ID, err)
		}
	}

	s.mu.Lock()
	if existing, ok := s.lookupLocked(&msg); ok {
		s.mu.Unlock()
		s.metrics.Duplicate(ctx)
		return *existing, false, nil
	}
	stored := s.indexLocked(msg)
	dropped := s.fanoutLocked(stored)
	out := *stored
	s.mu.Unlock()

	s.metrics.Appended(ctx, string(out.Type))
	for range dropped {
		s.metrics.SubscriberDropped(ctx)
	}
	return out, true, nil
}

// AppendBatch appends msgs in order. It stops at the first error and
// returns the copies stored before it.
func (s *EventStore) AppendBatch(ctx context.Context, msgs []message.Message) ([]message.Stored, error) {
	out := make([]message.Stored, 0, len(msgs))
	for i := range msgs {
		stored, err := s.Append(ctx, msgs[i])
		if err != nil {
			return out, fmt.Errorf("batch item %d: %w", i, err)
		}
		out = append(out, stored)
	}
	return out, nil
}

// Get returns the stored message with the given id.
func (s *EventStore) Get(_ context.Context, id string) (message.Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return message.Stored{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return *m, nil
}

// Exists reports whether a message with the given id is stored.
func (s *EventStore) Exists(_ context.Context, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// IsDuplicate reports whether id was already stored within runID. The same
// id seen in another run is not a duplicate of this one.
func (s *EventStore) IsDuplicate(_ context.Context, runID, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return ok && m.RunID == runID
}

func (s *EventStore) ByRun(_ context.Context, runID string, opts eventstore.QueryOptions) ([]message.Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return query(s.byRun[runID], opts), nil
}

func (s *EventStore) ByThread(_ context.Context, threadID string, opts eventstore.QueryOptions) ([]message.Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return query(s.byThread[threadID], opts), nil
}

func (s *EventStore) ByTask(_ context.Context, taskID string, opts eventstore.QueryOptions) ([]message.Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return query(s.byTask[taskID], opts), nil
}

// ByAgent returns messages sent by agentID.
func (s *EventStore) ByAgent(_ context.Context, agentID string, opts eventstore.QueryOptions) ([]message.Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return query(s.byAgent[agentID], opts), nil
}

func (s *EventStore) ByType(_ context.Context, t message.Type, opts eventstore.QueryOptions) ([]message.Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return query(s.byType[t], opts), nil
}

// ReplayRun yields every message of the run oldest first. The run is
// snapshotted when iteration starts; ranging again starts over.
func (s *EventStore) ReplayRun(ctx context.Context, runID string) iter.Seq2[message.Stored, error] {
	return func(yield func(message.Stored, error) bool) {
		s.mu.RLock()
		snapshot := slices.Clone(s.byRun[runID])
		s.mu.RUnlock()

		for _, m := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(message.Stored{}, err)
				return
			}
			if !yield(*m, nil) {
				return
			}
		}
	}
}

// Count returns the number of stored messages matching f.
func (s *EventStore) Count(_ context.Context, f eventstore.Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*message.Stored
	switch {
	case f.TaskID != "":
		candidates = s.byTask[f.TaskID]
	case f.RunID != "":
		candidates = s.byRun[f.RunID]
	case f.ThreadID != "":
		candidates = s.byThread[f.ThreadID]
	case f.AgentID != "":
		candidates = s.byAgent[f.AgentID]
	case len(f.Types) == 1:
		candidates = s.byType[f.Types[0]]
	default:
		n := 0
		for _, m := range s.byID {
			if f.Match(&m.Message) {
				n++
			}
		}
		return n
	}

	n := 0
	for _, m := range candidates {
		if f.Match(&m.Message) {
			n++
		}
	}
	return n
}

// lookupLocked finds an existing copy by id or run-scoped idempotency key.
// s.mu must be held.
func (s *EventStore) lookupLocked(m *message.Message) (*message.Stored, bool) {
	if existing, ok := s.byID[m.ID]; ok {
		return existing, true
	}
	if m.IdempotencyKey != "" {
		if existing, ok := s.byIdem[idemKey(m.RunID, m.IdempotencyKey)]; ok {
			return existing, true
		}
	}
	return nil, false
}

// indexLocked stores m and adds it to every index. s.mu must be held for writing.
func (s *EventStore) indexLocked(m message.Message) *message.Stored {
	s.seq++
	stored := &message.Stored{Message: m, Seq: s.seq, StoredAt: s.now().UTC()}

	s.byID[m.ID] = stored
	if m.IdempotencyKey != "" {
		s.byIdem[idemKey(m.RunID, m.IdempotencyKey)] = stored
	}
	if m.RunID != "" {
		s.byRun[m.RunID] = insertOrdered(s.byRun[m.RunID], stored)
	}
	if m.ThreadID != "" {
		s.byThread[m.ThreadID] = insertOrdered(s.byThread[m.ThreadID], stored)
	}
	if m.TaskID != "" {
		s.byTask[m.TaskID] = insertOrdered(s.byTask[m.TaskID], stored)
	}
	s.byAgent[m.From.AgentID] = insertOrdered(s.byAgent[m.From.AgentID], stored)
	s.byType[m.Type] = insertOrdered(s.byType[m.Type], stored)
	return stored
}

// insertOrdered keeps list sorted by (createdAt, seq). Appends arrive with
// increasing seq, so a new entry goes after every entry not newer than it.
func insertOrdered(list []*message.Stored, m *message.Stored) []*message.Stored {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(m.CreatedAt)
	})
	return slices.Insert(list, i, m)
}

func query(list []*message.Stored, opts eventstore.QueryOptions) []message.Stored {
	capacity := len(list)
	if opts.Limit > 0 {
		capacity = min(capacity, opts.Limit)
	}
	out := make([]message.Stored, 0, capacity)
	skipped := 0
	emit := func(m *message.Stored) bool {
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, m.Type) {
			return true
		}
		if opts.After != nil && !m.CreatedAt.After(*opts.After) {
			return true
		}
		if opts.Before != nil && !m.CreatedAt.Before(*opts.Before) {
			return true
		}
		if skipped < opts.Offset {
			skipped++
			return true
		}
		out = append(out, *m)
		return opts.Limit <= 0 || len(out) < opts.Limit
	}

	if opts.Order == eventstore.OrderDesc {
		for i := len(list) - 1; i >= 0; i-- {
			if !emit(list[i]) {
				break
			}
		}
		return out
	}
	for _, m := range list {
		if !emit(m) {
			break
		}
	}
	return out
}

func idemKey(runID, key string) string {
	return runID + "\x00" + key
}

// cloneMessage copies the slices of m so later caller mutations cannot
// reach the stored copy.
func cloneMessage(m message.Message) message.Message {
	m.To = slices.Clone(m.To)
	m.Payload = slices.Clone(m.Payload)
	m.Attachments = slices.Clone(m.Attachments)
	m.Requires = slices.Clone(m.Requires)
	m.Prefers = slices.Clone(m.Prefers)
	return m
}
