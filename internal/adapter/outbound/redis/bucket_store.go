package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

const incrementLua = `
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`

const decrementLua = `
	if redis.call("EXISTS", KEYS[1]) == 1 then
		local current = redis.call("DECR", KEYS[1])
		if tonumber(current) < 0 then
			redis.call("SET", KEYS[1], 0, "KEEPTTL")
		end
	end
	return 0
`

// BucketStore implements ratelimit.BucketStore with Lua scripts so each
// increment and its expiry are applied atomically.
type BucketStore struct {
	client          goredis.UniversalClient
	prefix          string
	incrementScript *goredis.Script
	decrementScript *goredis.Script
}

// NewBucketStore creates a bucket store.
func NewBucketStore(client goredis.UniversalClient, keyPrefix string) *BucketStore {
	return &BucketStore{
		client:          client,
		prefix:          keyPrefix,
		incrementScript: goredis.NewScript(incrementLua),
		decrementScript: goredis.NewScript(decrementLua),
	}
}

// Increment atomically increments key, setting its expiry on creation.
func (s *BucketStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := namespaced(s.prefix, key)
	n, err := s.incrementScript.Run(ctx, s.client, []string{k}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("incr", k, err)
	}
	return n, nil
}

// Decrement atomically decrements an existing key, never below zero.
func (s *BucketStore) Decrement(ctx context.Context, key string) error {
	k := namespaced(s.prefix, key)
	if err := s.decrementScript.Run(ctx, s.client, []string{k}).Err(); err != nil {
		return unavailable("decr", k, err)
	}
	return nil
}

// Compile-time interface verification.
var _ ratelimit.BucketStore = (*BucketStore)(nil)
