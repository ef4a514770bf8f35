// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// StatsService tracks decision statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple goroutines.
type StatsService struct {
	allowed  atomic.Int64
	denied   atomic.Int64
	degraded atomic.Int64

	// Per-period and per-reason counters (mutex-protected maps).
	mu               sync.Mutex
	deniedByPeriod   map[ratelimit.Period]int64
	degradedByReason map[string]int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		deniedByPeriod:   make(map[ratelimit.Period]int64),
		degradedByReason: make(map[string]int64),
	}
}

// Record counts one decision.
func (s *StatsService) Record(d ratelimit.Decision) {
	if d.Allowed {
		s.allowed.Add(1)
	} else {
		s.denied.Add(1)
	}
	if !d.Allowed && d.LimitingPeriod != "" {
		s.mu.Lock()
		s.deniedByPeriod[d.LimitingPeriod]++
		s.mu.Unlock()
	}
	if d.Degraded {
		s.degraded.Add(1)
		s.mu.Lock()
		s.degradedByReason[d.DegradedReason]++
		s.mu.Unlock()
	}
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed          int64                      `json:"allowed"`
	Denied           int64                      `json:"denied"`
	Degraded         int64                      `json:"degraded"`
	DeniedByPeriod   map[ratelimit.Period]int64 `json:"denied_by_period"`
	DegradedByReason map[string]int64           `json:"degraded_by_reason"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	dp := make(map[ratelimit.Period]int64, len(s.deniedByPeriod))
	for k, v := range s.deniedByPeriod {
		dp[k] = v
	}
	dr := make(map[string]int64, len(s.degradedByReason))
	for k, v := range s.degradedByReason {
		dr[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:          s.allowed.Load(),
		Denied:           s.denied.Load(),
		Degraded:         s.degraded.Load(),
		DeniedByPeriod:   dp,
		DegradedByReason: dr,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.denied.Store(0)
	s.degraded.Store(0)

	s.mu.Lock()
	s.deniedByPeriod = make(map[ratelimit.Period]int64)
	s.degradedByReason = make(map[string]int64)
	s.mu.Unlock()
}
