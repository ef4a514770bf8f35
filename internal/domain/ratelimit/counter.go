package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Counter answers how many events of a key fall within a window and records
// accepted events.
//
// Check must not count the current request for sliding implementations.
// Implementations that reserve a slot during Check (fixed buckets) release it
// in Rollback and treat Commit as a no-op.
type Counter interface {
	// Check reports the occupancy of key within the window ending at now.
	Check(ctx context.Context, key CountingKey, window time.Duration, limit int64, now time.Time) (WindowResult, error)

	// Commit records an accepted request at now.
	Commit(ctx context.Context, key CountingKey, window time.Duration, now time.Time) error

	// Rollback undoes whatever Check reserved for a request that was denied later.
	Rollback(ctx context.Context, key CountingKey, window time.Duration, now time.Time) error
}

// SlidingWindowCounter counts events in the trailing window [now-window, now]
// using a HistoryStore.
type SlidingWindowCounter struct {
	store HistoryStore
}

// NewSlidingWindowCounter creates a counter over store.
func NewSlidingWindowCounter(store HistoryStore) *SlidingWindowCounter {
	return &SlidingWindowCounter{store: store}
}

// Check reads the window and computes occupancy. It never writes.
// ResetAt is when the oldest entry leaves the window, or now+window when
// the window is empty.
func (c *SlidingWindowCounter) Check(ctx context.Context, key CountingKey, window time.Duration, limit int64, now time.Time) (WindowResult, error) {
	entries, err := c.store.ReadInRange(ctx, key, now.Add(-window), now)
	if err != nil {
		return WindowResult{}, err
	}

	count := int64(len(entries))
	resetAt := now.Add(window)
	if count > 0 {
		oldest := entries[0]
		for _, e := range entries[1:] {
			if e.Before(oldest) {
				oldest = e
			}
		}
		resetAt = oldest.Add(window)
	}

	return WindowResult{
		Allowed:   count < limit,
		Count:     count,
		Limit:     limit,
		Remaining: remainingFor(limit, count),
		ResetAt:   resetAt,
	}, nil
}

// Commit appends now to the key's history.
func (c *SlidingWindowCounter) Commit(ctx context.Context, key CountingKey, _ time.Duration, now time.Time) error {
	return c.store.Record(ctx, key, now)
}

// Rollback is a no-op: Check reserves nothing.
func (c *SlidingWindowCounter) Rollback(context.Context, CountingKey, time.Duration, time.Time) error {
	return nil
}

// FixedBucketCounter enforces limits exactly with one atomically incremented
// counter per calendar-aligned bucket (whole minute, hour or day in UTC).
// Check reserves a slot; a denied reservation is released immediately.
type FixedBucketCounter struct {
	store BucketStore
}

// NewFixedBucketCounter creates a counter over store.
func NewFixedBucketCounter(store BucketStore) *FixedBucketCounter {
	return &FixedBucketCounter{store: store}
}

// bucketTTLSlack keeps a bucket alive slightly past its end.
const bucketTTLSlack = time.Minute

func bucketKey(key CountingKey, window time.Duration, now time.Time) (string, time.Time) {
	start := now.UTC().Truncate(window)
	return fmt.Sprintf("%s:%d", key.String(), start.Unix()), start.Add(window)
}

// Check increments the current bucket. Count excludes the reservation so
// Remaining matches the sliding counter's pre-record semantics.
func (c *FixedBucketCounter) Check(ctx context.Context, key CountingKey, window time.Duration, limit int64, now time.Time) (WindowResult, error) {
	bk, end := bucketKey(key, window, now)
	n, err := c.store.Increment(ctx, bk, window+bucketTTLSlack)
	if err != nil {
		return WindowResult{}, err
	}
	count := n - 1

	if n > limit {
		if err := c.store.Decrement(context.WithoutCancel(ctx), bk); err != nil {
			return WindowResult{}, err
		}
		return WindowResult{
			Allowed: false,
			Count:   count,
			Limit:   limit,
			ResetAt: end,
		}, nil
	}

	return WindowResult{
		Allowed:   true,
		Count:     count,
		Limit:     limit,
		Remaining: remainingFor(limit, count),
		ResetAt:   end,
	}, nil
}

// Commit is a no-op: the slot was reserved by Check.
func (c *FixedBucketCounter) Commit(context.Context, CountingKey, time.Duration, time.Time) error {
	return nil
}

// Rollback releases the slot reserved by Check.
func (c *FixedBucketCounter) Rollback(ctx context.Context, key CountingKey, window time.Duration, now time.Time) error {
	bk, _ := bucketKey(key, window, now)
	return c.store.Decrement(ctx, bk)
}

// Compile-time interface verification.
var (
	_ Counter = (*SlidingWindowCounter)(nil)
	_ Counter = (*FixedBucketCounter)(nil)
)
