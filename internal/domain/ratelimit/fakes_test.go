package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errBackendDown = errors.New("connection refused")

// fakeHistoryStore is an unbounded in-test HistoryStore.
type fakeHistoryStore struct {
	mu      sync.Mutex
	series  map[string][]time.Time
	failAll bool
	failRec bool
	delay   time.Duration
	// stubborn makes the delay ignore cancellation, like a backend that
	// does not honour deadlines.
	stubborn bool
	reads    int
	records  int
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{series: make(map[string][]time.Time)}
}

func (f *fakeHistoryStore) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	if f.stubborn {
		time.Sleep(f.delay)
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeHistoryStore) Record(ctx context.Context, key CountingKey, at time.Time) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
	if f.failAll || f.failRec {
		return errors.Join(ErrStoreUnavailable, errBackendDown)
	}
	s := append(f.series[key.String()], at)
	sort.Slice(s, func(i, j int) bool { return s[i].Before(s[j]) })
	f.series[key.String()] = s
	return nil
}

func (f *fakeHistoryStore) ReadInRange(ctx context.Context, key CountingKey, start, end time.Time) ([]time.Time, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failAll {
		return nil, errors.Join(ErrStoreUnavailable, errBackendDown)
	}
	var out []time.Time
	for _, t := range f.series[key.String()] {
		if !t.Before(start) && !t.After(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeHistoryStore) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records
}

func (f *fakeHistoryStore) len(key CountingKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.series[key.String()])
}

// fakeBucketStore is an in-test BucketStore ignoring TTLs. Increments
// sleep for delay without watching the context.
type fakeBucketStore struct {
	mu       sync.Mutex
	counters map[string]int64
	delay    time.Duration
}

func newFakeBucketStore() *fakeBucketStore {
	return &fakeBucketStore{counters: make(map[string]int64)}
}

func (f *fakeBucketStore) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeBucketStore) Decrement(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]--
	return nil
}

func (f *fakeBucketStore) total() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, v := range f.counters {
		n += v
	}
	return n
}

// fixedClock returns a clock at base plus a settable offset.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var testEpoch = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return testEpoch.Add(time.Duration(seconds * float64(time.Second)))
}
