package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per-operation deadline. A slow Redis must never hold up a relay request
// that only wanted a cached model listing.
const redisOpTimeout = 500 * time.Millisecond

// ExactCache stores snapshots in Redis so all relay replicas serve the same
// listing and status bodies.
//
// Degradation contract:
//   - Get returns (nil, false) on any error; the caller recomputes.
//   - Set returns nil even on error so request handling is never aborted.
//   - Delete returns the underlying error for callers that want to log it.
type ExactCache struct {
	client  *redis.Client
	timeout time.Duration
}

// NewExactCacheFromClient wraps an existing Redis client. The caller owns the
// client lifecycle; Close here closes it.
func NewExactCacheFromClient(redisCli *redis.Client) *ExactCache {
	return &ExactCache{client: redisCli, timeout: redisOpTimeout}
}

// NewExactCacheFromURL dials redisURL and verifies the connection with a PING
// before returning, so a bad address fails at startup rather than as a
// permanent stream of misses.
func NewExactCacheFromURL(ctx context.Context, redisURL string) (*ExactCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &ExactCache{client: cli, timeout: redisOpTimeout}, nil
}

// Get returns (body, true) on a hit and (nil, false) on a miss or any Redis
// error. Errors other than a plain miss are logged at WARN.
func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL. Redis errors are logged and
// swallowed; a snapshot that failed to cache is just recomputed next time.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key from Redis.
func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *ExactCache) Close() error {
	return c.client.Close()
}
