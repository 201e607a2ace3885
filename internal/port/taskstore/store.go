// Package taskstore defines the port interface for the task projection.
package taskstore

import (
	"context"

	"github.com/Strob0t/Conductor/internal/domain/task"
)

// Store persists task projections.
type Store interface {
	// Get returns domain.ErrNotFound when the task does not exist.
	Get(ctx context.Context, id string) (*task.Task, error)
	// Save inserts or replaces the task.
	Save(ctx context.Context, t *task.Task) error
	// ListByStates returns tasks in any of the given states.
	ListByStates(ctx context.Context, states ...task.State) ([]task.Task, error)
}
