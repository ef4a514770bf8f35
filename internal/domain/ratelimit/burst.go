package ratelimit

import (
	"context"
	"time"
)

// BurstGuard rejects rapid-fire requests from one actor regardless of the
// headroom left in the longer tiers. It is keyed per actor, never per
// endpoint, and always uses the fixed BurstWindow.
type BurstGuard struct {
	counter Counter
}

// NewBurstGuard creates a burst guard on top of counter.
func NewBurstGuard(counter Counter) *BurstGuard {
	return &BurstGuard{counter: counter}
}

// Check reports whether identifier has made fewer than burstLimit requests
// within the last 60 seconds.
func (g *BurstGuard) Check(ctx context.Context, identifier string, burstLimit int64, now time.Time) (WindowResult, error) {
	key, err := BurstKey(identifier)
	if err != nil {
		return WindowResult{}, err
	}
	return g.counter.Check(ctx, key, BurstWindow, burstLimit, now)
}

// Commit records an accepted request on the burst key.
func (g *BurstGuard) Commit(ctx context.Context, identifier string, now time.Time) error {
	key, err := BurstKey(identifier)
	if err != nil {
		return err
	}
	return g.counter.Commit(ctx, key, BurstWindow, now)
}

// Rollback releases a reservation made by Check.
func (g *BurstGuard) Rollback(ctx context.Context, identifier string, now time.Time) error {
	key, err := BurstKey(identifier)
	if err != nil {
		return err
	}
	return g.counter.Rollback(ctx, key, BurstWindow, now)
}
