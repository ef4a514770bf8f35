package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

type series struct {
	entries   []time.Time // ascending
	expiresAt time.Time
}

// HistoryStore implements ratelimit.HistoryStore with an in-memory map of
// bounded, expiring series. Thread-safe for concurrent access. Suitable for
// single-process deployments and tests.
type HistoryStore struct {
	*sweeper

	mu         sync.RWMutex
	series     map[string]*series
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// HistoryOption configures a HistoryStore.
type HistoryOption func(*HistoryStore)

// WithMaxEntries caps the length of every series.
func WithMaxEntries(n int) HistoryOption {
	return func(s *HistoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithTTL sets how long an untouched series is kept.
func WithTTL(ttl time.Duration) HistoryOption {
	return func(s *HistoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithCleanupInterval sets the background sweep interval.
func WithCleanupInterval(d time.Duration) HistoryOption {
	return func(s *HistoryStore) {
		s.sweeper = newSweeper(d, s.cleanup)
	}
}

// WithClock overrides the wall clock used for TTL bookkeeping.
func WithClock(now func() time.Time) HistoryOption {
	return func(s *HistoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewHistoryStore creates an in-memory history store with the default cap
// (1000 entries) and TTL (25h).
func NewHistoryStore(opts ...HistoryOption) *HistoryStore {
	s := &HistoryStore{
		series:     make(map[string]*series),
		maxEntries: ratelimit.DefaultMaxEntries,
		ttl:        ratelimit.DefaultSeriesTTL,
		now:        time.Now,
	}
	s.sweeper = newSweeper(DefaultCleanupInterval, s.cleanup)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends at to the series, evicting the oldest entries beyond the cap,
// and refreshes the series TTL.
func (s *HistoryStore) Record(ctx context.Context, key ratelimit.CountingKey, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return abandoned("record", err)
	}
	k := key.String()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[k]
	if !ok || !now.Before(ser.expiresAt) {
		ser = &series{}
		s.series[k] = ser
	}

	// Keep ascending order; out-of-order arrivals are rare.
	n := len(ser.entries)
	if n == 0 || !at.Before(ser.entries[n-1]) {
		ser.entries = append(ser.entries, at)
	} else {
		i := sort.Search(n, func(i int) bool { return ser.entries[i].After(at) })
		ser.entries = append(ser.entries, time.Time{})
		copy(ser.entries[i+1:], ser.entries[i:])
		ser.entries[i] = at
	}

	if excess := len(ser.entries) - s.maxEntries; excess > 0 {
		copy(ser.entries, ser.entries[excess:])
		ser.entries = ser.entries[:s.maxEntries]
	}
	ser.expiresAt = now.Add(s.ttl)
	return nil
}

// ReadInRange returns the entries t with start <= t <= end in ascending order.
func (s *HistoryStore) ReadInRange(ctx context.Context, key ratelimit.CountingKey, start, end time.Time) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, abandoned("read", err)
	}
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[key.String()]
	if !ok || !now.Before(ser.expiresAt) {
		return nil, nil
	}

	lo := sort.Search(len(ser.entries), func(i int) bool { return !ser.entries[i].Before(start) })
	hi := sort.Search(len(ser.entries), func(i int) bool { return ser.entries[i].After(end) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]time.Time, hi-lo)
	copy(out, ser.entries[lo:hi])
	return out, nil
}

// cleanup removes expired series.
func (s *HistoryStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for k, ser := range s.series {
		if !now.Before(ser.expiresAt) {
			delete(s.series, k)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("history store cleanup completed",
			"cleaned_series", cleaned,
			"remaining_series", len(s.series))
	}
}

// Size returns the number of tracked series.
func (s *HistoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

// SeriesLen returns the number of entries stored for key.
func (s *HistoryStore) SeriesLen(key ratelimit.CountingKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ser, ok := s.series[key.String()]; ok {
		return len(ser.entries)
	}
	return 0
}

// Compile-time interface verification.
var _ ratelimit.HistoryStore = (*HistoryStore)(nil)
