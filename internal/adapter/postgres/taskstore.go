package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
)

var _ taskstore.Store = (*TaskStore)(nil)

// TaskStore implements taskstore.Store on the tasks table.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `id, run_id, thread_id, title, state, assignee_id, workflow_id, workflow_step_id, workflow_version, error, created_at, updated_at`

func scanTask(row scannable) (*task.Task, error) {
	var (
		t     task.Task
		state string
		errJS []byte
	)
	if err := row.Scan(&t.ID, &t.RunID, &t.ThreadID, &t.Title, &state, &t.AssigneeID,
		&t.WorkflowID, &t.WorkflowStepID, &t.WorkflowVersion, &errJS, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.State = task.State(state)
	if len(errJS) > 0 {
		t.Error = &task.ErrorInfo{}
		if err := json.Unmarshal(errJS, t.Error); err != nil {
			return nil, fmt.Errorf("decode task error: %w", err)
		}
	}
	return &t, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return t, nil
}

func (s *TaskStore) Save(ctx context.Context, t *task.Task) error {
	errJS, err := errorJSON(t.Error)
	if err != nil {
		return fmt.Errorf("encode task error: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   run_id = EXCLUDED.run_id, thread_id = EXCLUDED.thread_id, title = EXCLUDED.title,
		   state = EXCLUDED.state, assignee_id = EXCLUDED.assignee_id,
		   workflow_id = EXCLUDED.workflow_id, workflow_step_id = EXCLUDED.workflow_step_id,
		   workflow_version = EXCLUDED.workflow_version,
		   error = EXCLUDED.error, updated_at = EXCLUDED.updated_at`,
		t.ID, t.RunID, t.ThreadID, t.Title, string(t.State), t.AssigneeID,
		t.WorkflowID, t.WorkflowStepID, t.WorkflowVersion, errJS, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TaskStore) ListByStates(ctx context.Context, states ...task.State) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state = ANY($1) ORDER BY created_at ASC, id ASC`,
		stateStrings(states))
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
