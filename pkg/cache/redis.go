package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache keys.
const DefaultRedisPrefix = "flowroute:cache:"

// hitScript increments the use count and returns the stored fields only
// when the key exists, so a hit never recreates an evicted key without TTL.
var hitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local uses = redis.call('HINCRBY', KEYS[1], 'uses', 1)
local fields = redis.call('HMGET', KEYS[1], 'payload', 'created_at', 'expires_at')
return {fields[1], fields[2], fields[3], tostring(uses)}
`)

// RedisBackend stores entries as hashes with a native expiry.
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

func (r *RedisBackend) key(fingerprint string) string {
	return r.prefix + fingerprint
}

// Get returns the entry if redis still holds it and it is live at now.
func (r *RedisBackend) Get(ctx context.Context, fingerprint string, now time.Time) (Entry, bool, error) {
	res, err := hitScript.Run(ctx, r.client, []string{r.key(fingerprint)}).StringSlice()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache hit script: %w", err)
	}
	if len(res) != 4 {
		return Entry{}, false, fmt.Errorf("cache hit script: unexpected reply length %d", len(res))
	}

	var payload Payload
	if err := json.Unmarshal([]byte(res[0]), &payload); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached payload: %w", err)
	}
	created, _ := strconv.ParseInt(res[1], 10, 64)
	expires, _ := strconv.ParseInt(res[2], 10, 64)
	uses, _ := strconv.ParseInt(res[3], 10, 64)

	entry := Entry{
		Fingerprint: fingerprint,
		Payload:     payload,
		CreatedAt:   time.UnixMilli(created),
		ExpiresAt:   time.UnixMilli(expires),
		Uses:        uses,
	}
	if entry.Expired(now) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Put writes the entry and sets its expiry in one transaction.
func (r *RedisBackend) Put(ctx context.Context, fingerprint string, payload Payload, now time.Time, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	key := r.key(fingerprint)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"payload", data,
		"created_at", now.UnixMilli(),
		"expires_at", now.Add(ttl).UnixMilli(),
	)
	pipe.HSetNX(ctx, key, "uses", 0)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Sweep is a no-op; redis expires keys itself.
func (r *RedisBackend) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
