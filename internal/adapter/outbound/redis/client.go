// Package redis provides Redis-backed implementations of the rate limit
// storage ports, shared by every process enforcing the same quotas.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// Config holds the connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "govnext" gives
	// "govnext:rate_limit:user:alice:minute". Empty means no namespace.
	KeyPrefix string
}

// NewClient creates a client and verifies the connection with PING.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func namespaced(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

// unavailable wraps a client error so the engine fails open.
func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: redis %s %s: %w", ratelimit.ErrStoreUnavailable, op, key, err)
}
