package service

import (
	"context"
	"log/slog"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
)

// subscription is a live feed registered with an EventStore. Its channel
// and err are guarded by the store's mutex.
type subscription struct {
	id     uint64
	store  *EventStore
	filter eventstore.Filter
	ch     chan message.Stored
	err    error
	stop   func() bool
}

var _ eventstore.Subscription = (*subscription)(nil)

// Subscribe registers a live feed of messages matching f that are appended
// after the call returns. The feed ends when Close is called, ctx is done,
// or the subscriber falls behind by more than the buffer size.
func (s *EventStore) Subscribe(ctx context.Context, f eventstore.Filter) (eventstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nextSub++
	sub := &subscription{
		id:     s.nextSub,
		store:  s,
		filter: f,
		ch:     make(chan message.Stored, s.bufSize),
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	sub.stop = context.AfterFunc(ctx, func() {
		s.unsubscribe(sub.id, ctx.Err())
	})
	return sub, nil
}

func (sub *subscription) Messages() <-chan message.Stored { return sub.ch }

func (sub *subscription) Err() error {
	sub.store.mu.RLock()
	defer sub.store.mu.RUnlock()
	return sub.err
}

func (sub *subscription) Close() {
	sub.stop()
	sub.store.unsubscribe(sub.id, nil)
}

func (s *EventStore) unsubscribe(id uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		sub.err = err
		close(sub.ch)
	}
}

// fanoutLocked offers m to every matching subscriber without blocking.
// Subscribers with a full buffer are dropped. s.mu must be held for writing,
// which also keeps per-subscriber delivery in append order.
func (s *EventStore) fanoutLocked(m *message.Stored) int {
	dropped := 0
	for id, sub := range s.subs {
		if !sub.filter.Match(&m.Message) {
			continue
		}
		select {
		case sub.ch <- *m:
		default:
			delete(s.subs, id)
			sub.err = domain.ErrSubscriberLagged
			close(sub.ch)
			dropped++
			slog.Warn("subscriber dropped", "subscription", id, "buffer", s.bufSize)
		}
	}
	return dropped
}
