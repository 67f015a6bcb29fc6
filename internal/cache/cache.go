// Package cache backs the relay's derived read surfaces: rendered model
// listings ("models:<service>") and the /healthz status snapshot
// ("status:snapshot"). Values are small pre-marshaled JSON bodies with short
// TTLs; the cache only ever saves recomputation, so every backend degrades to
// a miss rather than an error.
//
// Two backends are available:
//   - ExactCache  — Redis-backed, shared across replicas.
//   - MemoryCache — in-process TTL map for single-instance deployments.
package cache

import (
	"context"
	"time"
)

// Cache is the snapshot store contract. A miss and a backend failure look the
// same to callers: (nil, false) from Get, nil from Set.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
