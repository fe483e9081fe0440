package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces limiter keys.
const DefaultRedisPrefix = "flowroute:ratelimit:"

// RedisBackend shares windows across processes. Each window has its own
// key so INCR alone decides admission.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend returns a backend using client.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Admit increments the window counter. Denied requests still bump the
// counter, which never changes who is admitted: exactly the first limit
// increments see a value at or below limit.
func (r *RedisBackend) Admit(ctx context.Context, key string, windowStart time.Time, window time.Duration, limit int) (int, bool, error) {
	k := r.prefix + key + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("ratelimit incr: %w", err)
	}

	count := int(incr.Val())
	if count > limit {
		return limit, false, nil
	}
	return count, true, nil
}
