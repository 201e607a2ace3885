package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
)

var _ taskstore.Store = (*TaskStore)(nil)

// TaskStore implements taskstore.Store on the tasks table.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `id, run_id, thread_id, title, state, assignee_id, workflow_id, workflow_step_id, workflow_version, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t                    task.Task
		state, errJS         string
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.RunID, &t.ThreadID, &t.Title, &state, &t.AssigneeID,
		&t.WorkflowID, &t.WorkflowStepID, &t.WorkflowVersion, &errJS, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.State = task.State(state)
	if errJS != "" {
		t.Error = &task.ErrorInfo{}
		if err := json.Unmarshal([]byte(errJS), t.Error); err != nil {
			return nil, fmt.Errorf("decode task error: %w", err)
		}
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *TaskStore) Save(ctx context.Context, t *task.Task) error {
	var errJS string
	if t.Error != nil {
		b, err := json.Marshal(t.Error)
		if err != nil {
			return fmt.Errorf("encode task error: %w", err)
		}
		errJS = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.ThreadID, t.Title, string(t.State), t.AssigneeID, t.WorkflowID, t.WorkflowStepID,
		t.WorkflowVersion, errJS, t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TaskStore) ListByStates(ctx context.Context, states ...task.State) ([]task.Task, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
