package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

type bucket struct {
	n         int64
	expiresAt time.Time
}

// BucketStore implements ratelimit.BucketStore with a mutex-guarded map.
type BucketStore struct {
	*sweeper

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewBucketStore creates an in-memory bucket store swept every
// cleanupInterval (DefaultCleanupInterval when zero).
func NewBucketStore(cleanupInterval time.Duration) *BucketStore {
	s := &BucketStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	s.sweeper = newSweeper(cleanupInterval, s.cleanup)
	return s
}

// Increment adds one to key and returns the new value. A bucket created or
// revived by this call expires after ttl.
func (s *BucketStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, abandoned("increment", err)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.expiresAt) {
		b = &bucket{expiresAt: now.Add(ttl)}
		s.buckets[key] = b
	}
	b.n++
	return b.n, nil
}

// Decrement removes one from key. Missing or empty buckets are left alone.
func (s *BucketStore) Decrement(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[key]; ok && b.n > 0 {
		b.n--
	}
	return nil
}

func (s *BucketStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for k, b := range s.buckets {
		if !now.Before(b.expiresAt) {
			delete(s.buckets, k)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("bucket store cleanup completed",
			"cleaned_buckets", cleaned,
			"remaining_buckets", len(s.buckets))
	}
}

// Size returns the number of live buckets.
func (s *BucketStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Compile-time interface verification.
var _ ratelimit.BucketStore = (*BucketStore)(nil)
