// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// DefaultCleanupInterval is how often expired series and buckets are swept.
const DefaultCleanupInterval = 5 * time.Minute

// sweeper runs a cleanup function periodically in the background.
type sweeper struct {
	interval time.Duration
	cleanup  func()
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once // Prevent double-close panic on Stop()
}

func newSweeper(interval time.Duration, cleanup func()) *sweeper {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &sweeper{
		interval: interval,
		cleanup:  cleanup,
		stopChan: make(chan struct{}),
	}
}

// StartCleanup starts the background cleanup goroutine.
// It stops when ctx is cancelled or Stop() is called.
func (s *sweeper) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *sweeper) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// abandoned reports a call whose context ended before the store was touched.
func abandoned(op string, err error) error {
	return fmt.Errorf("%w: memory %s: %w", ratelimit.ErrStoreUnavailable, op, err)
}
