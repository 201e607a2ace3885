package postgres_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Conductor/internal/adapter/postgres"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/contract"
	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/domain/task"
)

// setupPool connects to DATABASE_URL and runs all migrations. The pool is
// closed via t.Cleanup.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if _, err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	cfg := config.Defaults().Postgres
	cfg.DSN = dsn
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestJournalWriteIdempotentAndOrdered(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	j := postgres.NewJournal(pool)

	runID := "run-" + uuid.NewString()
	first := message.New(message.TypeChatMessage, message.AgentRef{AgentID: "u"}, message.AgentRef{AgentID: "a"})
	first.RunID = runID
	second := message.New(message.TypeChatMessage, message.AgentRef{AgentID: "a"}, message.AgentRef{AgentID: "u"})
	second.RunID = runID

	for _, m := range []message.Message{first, second, first} {
		if err := j.Write(ctx, &m); err != nil {
			t.Fatalf("write %s: %v", m.ID, err)
		}
	}

	var got []string
	err := j.Load(ctx, func(m message.Message) error {
		if m.RunID == runID {
			got = append(got, m.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != first.ID || got[1] != second.ID {
		t.Errorf("expected [%s %s], got %v", first.ID, second.ID, got)
	}
}

func TestJournalKeepsPayloadBytes(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	j := postgres.NewJournal(pool)

	m := message.New(message.TypeChatMessage, message.AgentRef{AgentID: "u"}, message.AgentRef{AgentID: "a"})
	m.PayloadType = contract.ChatText
	m.Payload = json.RawMessage(`{"text":"hi",  "b":1,"a":2}`)
	if err := j.Write(ctx, &m); err != nil {
		t.Fatal(err)
	}

	var got json.RawMessage
	err := j.Load(ctx, func(loaded message.Message) error {
		if loaded.ID == m.ID {
			got = loaded.Payload
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, m.Payload) {
		t.Errorf("payload changed across the journal:\nwant %s\ngot  %s", m.Payload, got)
	}
}

func TestTaskStore(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	s := postgres.NewTaskStore(pool)

	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	tk := &task.Task{
		ID: uuid.NewString(), RunID: "r1", Title: "write docs", State: task.StateAssigned, AssigneeID: "coder",
		WorkflowID: "review", WorkflowStepID: "write", WorkflowVersion: 2, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatal(err)
	}

	tk.State = task.StateFailed
	tk.AssigneeID = ""
	tk.Error = &task.ErrorInfo{Code: task.CodeStepFailed, Message: "boom", Retryable: true}
	if err := s.Save(ctx, tk); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateFailed || got.AssigneeID != "" || got.Error == nil || got.Error.Message != "boom" {
		t.Errorf("unexpected task %+v", got)
	}
	if got.WorkflowVersion != 2 {
		t.Errorf("expected workflow version 2, got %d", got.WorkflowVersion)
	}

	failed, err := s.ListByStates(ctx, task.StateFailed)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range failed {
		found = found || f.ID == tk.ID
	}
	if !found {
		t.Error("failed task not listed")
	}
}
