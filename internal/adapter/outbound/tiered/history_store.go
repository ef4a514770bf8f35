// Package tiered composes a fast and a slow history store behind the single
// ratelimit.HistoryStore port so the decision engine is unaware of the split.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// HistoryStore reads from the fast tier first and falls back to the slow tier
// when the fast tier fails or has no entries for the range. Writes go to both.
type HistoryStore struct {
	fast   ratelimit.HistoryStore
	slow   ratelimit.HistoryStore
	logger *slog.Logger
}

// NewHistoryStore creates a tiered store. slow may be nil.
func NewHistoryStore(fast, slow ratelimit.HistoryStore, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{fast: fast, slow: slow, logger: logger}
}

// Record writes to every tier. It fails only when every tier failed.
func (s *HistoryStore) Record(ctx context.Context, key ratelimit.CountingKey, at time.Time) error {
	fastErr := s.fast.Record(ctx, key, at)
	if s.slow == nil {
		return fastErr
	}
	slowErr := s.slow.Record(ctx, key, at)

	switch {
	case fastErr != nil && slowErr != nil:
		return fmt.Errorf("%w: all tiers failed: %w", ratelimit.ErrStoreUnavailable, errors.Join(fastErr, slowErr))
	case fastErr != nil:
		s.logger.Warn("fast tier record failed", "key", key.String(), "op", "record", "error", fastErr)
	case slowErr != nil:
		s.logger.Warn("slow tier record failed", "key", key.String(), "op", "record", "error", slowErr)
	}
	return nil
}

// ReadInRange consults the fast tier, then the slow tier.
func (s *HistoryStore) ReadInRange(ctx context.Context, key ratelimit.CountingKey, start, end time.Time) ([]time.Time, error) {
	entries, fastErr := s.fast.ReadInRange(ctx, key, start, end)
	if fastErr == nil && (len(entries) > 0 || s.slow == nil) {
		return entries, nil
	}
	if s.slow == nil {
		return nil, fastErr
	}

	if fastErr != nil {
		s.logger.Warn("fast tier read failed, using slow tier", "key", key.String(), "op", "read", "error", fastErr)
	}
	slowEntries, slowErr := s.slow.ReadInRange(ctx, key, start, end)
	if slowErr != nil {
		if fastErr == nil {
			// The fast tier answered with an empty range; trust it.
			s.logger.Warn("slow tier read failed", "key", key.String(), "op", "read", "error", slowErr)
			return entries, nil
		}
		return nil, fmt.Errorf("%w: all tiers failed: %w", ratelimit.ErrStoreUnavailable, errors.Join(fastErr, slowErr))
	}
	return slowEntries, nil
}

// Compile-time interface verification.
var _ ratelimit.HistoryStore = (*HistoryStore)(nil)
