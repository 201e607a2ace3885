package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
)

// Relay forwards newly stored messages of selected types to the queue,
// one subject per type under prefix.
type Relay struct {
	store  eventstore.Store
	queue  messagequeue.Queue
	prefix string
	types  []message.Type
}

func NewRelay(store eventstore.Store, queue messagequeue.Queue, prefix string, types []message.Type) *Relay {
	return &Relay{store: store, queue: queue, prefix: prefix, types: types}
}

// Run relays until ctx is done. A relay that falls behind the store is
// resubscribed; messages dropped in between are not replayed.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.relay(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, domain.ErrSubscriberLagged) {
			return err
		}
		slog.Warn("relay lagged, resubscribing", "prefix", r.prefix)
	}
}

func (r *Relay) relay(ctx context.Context) error {
	sub, err := r.store.Subscribe(ctx, eventstore.Filter{Types: r.types})
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	defer sub.Close()
	slog.Info("relay started", "prefix", r.prefix, "types", r.types)

	for m := range sub.Messages() {
		if err := r.forward(ctx, &m.Message); err != nil {
			slog.Error("relay publish", "message_id", m.ID, "type", m.Type, "error", err)
		}
	}
	return sub.Err()
}

func (r *Relay) forward(ctx context.Context, m *message.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return r.queue.Publish(ctx, messagequeue.Subject(r.prefix, string(m.Type)), data)
}
