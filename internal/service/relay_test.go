package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
	"github.com/Strob0t/Conductor/internal/service"
)

type published struct {
	subject string
	data    []byte
}

// fakeQueue captures published messages.
type fakeQueue struct {
	mu  sync.Mutex
	out []published
	got chan struct{}
}

var _ messagequeue.Queue = (*fakeQueue)(nil)

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	q.out = append(q.out, published{subject, data})
	q.mu.Unlock()
	q.got <- struct{}{}
	return nil
}

func (q *fakeQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func TestRelayForwardsSelectedTypes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	es := service.NewEventStore(16)
	q := &fakeQueue{got: make(chan struct{}, 4)}
	relay := service.NewRelay(es, q, "conductor.events", []message.Type{message.TypeTaskRequest})

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	// Wait until the relay has subscribed.
	deadline := time.Now().Add(time.Second)
	for i := 0; ; i++ {
		_, _ = es.Append(ctx, taskMsg(fmt.Sprintf("warmup-%d", i), "r0", "t0", t0))
		select {
		case <-q.got:
		case <-time.After(10 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("relay never subscribed")
			}
			continue
		}
		break
	}

	chat := message.New(message.TypeChatMessage, message.AgentRef{AgentID: "u"}, message.AgentRef{AgentID: "a"})
	_, _ = es.Append(ctx, chat)
	_, _ = es.Append(ctx, taskMsg("m1", "r1", "t1", t0))

	select {
	case <-q.got:
	case <-time.After(time.Second):
		t.Fatal("task.request was not relayed")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("relay returned %v", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	last := q.out[len(q.out)-1]
	if last.subject != "conductor.events.task.request" {
		t.Errorf("unexpected subject %s", last.subject)
	}
	var m message.Message
	if err := json.Unmarshal(last.data, &m); err != nil || m.ID != "m1" {
		t.Errorf("expected m1 on the wire, got %s (%v)", m.ID, err)
	}
	for _, p := range q.out {
		if p.subject == "conductor.events.chat.message" {
			t.Error("chat messages are not relayed")
		}
	}
}
