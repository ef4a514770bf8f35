package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// HistoryStore implements ratelimit.HistoryStore with one sorted set per
// counting key. Scores are unix microseconds; members carry the exact unix
// nanoseconds plus a random suffix so equal timestamps never collide.
type HistoryStore struct {
	client     goredis.UniversalClient
	prefix     string
	maxEntries int
	ttl        time.Duration
}

// NewHistoryStore creates a history store. Non-positive maxEntries and ttl
// select the defaults (1000 entries, 25h).
func NewHistoryStore(client goredis.UniversalClient, keyPrefix string, maxEntries int, ttl time.Duration) *HistoryStore {
	if maxEntries <= 0 {
		maxEntries = ratelimit.DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = ratelimit.DefaultSeriesTTL
	}
	return &HistoryStore{
		client:     client,
		prefix:     keyPrefix,
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Record adds at to the sorted set, trims it to the newest maxEntries and
// refreshes the TTL in a single transaction.
func (s *HistoryStore) Record(ctx context.Context, key ratelimit.CountingKey, at time.Time) error {
	k := namespaced(s.prefix, key.String())
	member := fmt.Sprintf("%d:%s", at.UnixNano(), uuid.NewString())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, k, goredis.Z{Score: float64(at.UnixMicro()), Member: member})
	pipe.ZRemRangeByRank(ctx, k, 0, int64(-(s.maxEntries + 1)))
	pipe.PExpire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("record", k, err)
	}
	return nil
}

// ReadInRange returns the timestamps t with start <= t <= end in ascending order.
func (s *HistoryStore) ReadInRange(ctx context.Context, key ratelimit.CountingKey, start, end time.Time) ([]time.Time, error) {
	k := namespaced(s.prefix, key.String())

	members, err := s.client.ZRangeByScore(ctx, k, &goredis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMicro(), 10),
		Max: strconv.FormatInt(end.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("read", k, err)
	}

	out := make([]time.Time, 0, len(members))
	for _, m := range members {
		t, ok := parseMember(m)
		if !ok {
			continue
		}
		if t.Before(start) || t.After(end) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func parseMember(m string) (time.Time, bool) {
	nanos, _, found := strings.Cut(m, ":")
	if !found {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}

// Compile-time interface verification.
var _ ratelimit.HistoryStore = (*HistoryStore)(nil)
