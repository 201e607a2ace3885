// Package memory provides an in-process task store for the memory storage
// driver and for tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
)

// TaskStore keeps task projections in a map.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

var _ taskstore.Store = (*TaskStore)(nil)

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]task.Task)}
}

func (s *TaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return cloneTask(t), nil
}

func (s *TaskStore) Save(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = *cloneTask(*t)
	return nil
}

// ListByStates returns matching tasks ordered by creation time.
func (s *TaskStore) ListByStates(_ context.Context, states ...task.State) ([]task.Task, error) {
	s.mu.RLock()
	var out []task.Task
	for _, t := range s.tasks {
		if slices.Contains(states, t.State) {
			out = append(out, *cloneTask(t))
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b task.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func cloneTask(t task.Task) *task.Task {
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	return &t
}
