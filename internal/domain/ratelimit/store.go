package ratelimit

import (
	"context"
	"time"
)

// DefaultMaxEntries caps the length of a history series.
const DefaultMaxEntries = 1000

// DefaultSeriesTTL covers the longest tier (24h) with slack.
const DefaultSeriesTTL = 25 * time.Hour

// HistoryStore is the bounded, expiring append-only log of request timestamps
// per counting key. It is the only component that touches shared state.
//
// Implementations must be safe for concurrent use. Counting on top of a
// HistoryStore is best-effort: two callers may both read count=N for the same
// key, both decide to allow and both append, overshooting a limit by the
// number of concurrent writers. Use FixedBucketCounter for exact enforcement.
type HistoryStore interface {
	// Record appends at to the series for key. When the series exceeds its
	// cap the oldest entries are evicted first. The series TTL is refreshed.
	Record(ctx context.Context, key CountingKey, at time.Time) error

	// ReadInRange returns the timestamps t of key's series with start <= t <= end
	// in ascending order. It has no side effects.
	ReadInRange(ctx context.Context, key CountingKey, start, end time.Time) ([]time.Time, error)
}

// BucketStore keeps atomically incremented counters with a TTL.
// It backs the exact fixed-bucket counting mode.
type BucketStore interface {
	// Increment atomically adds one to the counter at key and returns the new
	// value. A counter created by this call expires after ttl.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decrement atomically removes one from the counter at key.
	Decrement(ctx context.Context, key string) error
}
