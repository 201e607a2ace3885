// Package taskcache decorates a task store with a read-through cache.
package taskcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/cache"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
)

var _ taskstore.Store = (*Store)(nil)

// Store serves Get from the cache and writes through to the backing store.
// Listing always reads the backing store.
type Store struct {
	next  taskstore.Store
	cache cache.Cache
	ttl   time.Duration
}

func New(next taskstore.Store, c cache.Cache, ttl time.Duration) *Store {
	return &Store{next: next, cache: c, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	key := cache.TaskKey(id)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var t task.Task
		if err := json.Unmarshal(data, &t); err == nil {
			return &t, nil
		}
		slog.Warn("dropping undecodable cached task", "task_id", id)
		_ = s.cache.Delete(ctx, key)
	}

	t, err := s.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, t)
	return t, nil
}

// Save writes the backing store first. The cache entry is refreshed after a
// successful write and evicted when the refresh fails.
func (s *Store) Save(ctx context.Context, t *task.Task) error {
	if err := s.next.Save(ctx, t); err != nil {
		return err
	}
	s.fill(ctx, t)
	return nil
}

func (s *Store) ListByStates(ctx context.Context, states ...task.State) ([]task.Task, error) {
	return s.next.ListByStates(ctx, states...)
}

func (s *Store) fill(ctx context.Context, t *task.Task) {
	key := cache.TaskKey(t.ID)
	data, err := json.Marshal(t)
	if err == nil {
		err = s.cache.Set(ctx, key, data, s.ttl)
	}
	if err != nil {
		slog.Warn("task cache refresh failed", "task_id", t.ID, "error", err)
		if derr := s.cache.Delete(ctx, key); derr != nil {
			slog.Error("task cache evict failed", "task_id", t.ID, "error", fmt.Errorf("%w; refresh: %w", derr, err))
		}
	}
}
