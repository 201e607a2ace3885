// Package cache defines the port interface for byte-level caches in front
// of the task projection.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. A miss is reported by
// ok == false, never by an error.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	// Set stores value for ttl. Backends may apply their own expiry instead.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete succeeds when the key is absent.
	Delete(ctx context.Context, key string) error
}

// TaskKey returns the cache key for a task projection.
func TaskKey(taskID string) string {
	return "task." + taskID
}
