// Package sqlite provides the persistent request log used as the slow tier
// of the history store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// DefaultRetention is how long log rows are kept by Prune.
const DefaultRetention = 7 * 24 * time.Hour

const createRequestLogSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cache_key TEXT NOT NULL,
    request_time INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_limit_log_key_time ON rate_limit_log(cache_key, request_time);
CREATE INDEX IF NOT EXISTS idx_rate_limit_log_time ON rate_limit_log(request_time);
`

// RequestLog implements ratelimit.HistoryStore on an append-only SQLite table.
// Reads return at most maxRows of the most recent rows in range.
type RequestLog struct {
	db      *sql.DB
	maxRows int
	logger  *slog.Logger
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(ctx context.Context, path string, maxRows int, logger *slog.Logger) (*RequestLog, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	log, err := New(ctx, db, maxRows, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

// New wraps an existing connection and initializes the schema.
func New(ctx context.Context, db *sql.DB, maxRows int, logger *slog.Logger) (*RequestLog, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if maxRows <= 0 {
		maxRows = ratelimit.DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createRequestLogSQL); err != nil {
		return nil, fmt.Errorf("failed to create rate_limit_log table: %w", err)
	}

	return &RequestLog{db: db, maxRows: maxRows, logger: logger}, nil
}

// Record appends one row.
func (l *RequestLog) Record(ctx context.Context, key ratelimit.CountingKey, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO rate_limit_log (cache_key, request_time, created_at) VALUES (?, ?, ?)`,
		key.String(), at.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: sqlite insert: %w", ratelimit.ErrStoreUnavailable, err)
	}
	return nil
}

// ReadInRange returns the timestamps t with start <= t <= end in ascending
// order. At most maxRows are returned: when the range holds more, the result
// is the oldest timestamp followed by the newest maxRows-1, so the window
// start stays exact while the count is capped.
func (l *RequestLog) ReadInRange(ctx context.Context, key ratelimit.CountingKey, start, end time.Time) ([]time.Time, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT request_time FROM rate_limit_log
		 WHERE cache_key = ? AND request_time >= ? AND request_time <= ?
		 ORDER BY request_time DESC LIMIT ?`,
		key.String(), start.UnixNano(), end.UnixNano(), l.maxRows)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite query: %w", ratelimit.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var nanos int64
		if err := rows.Scan(&nanos); err != nil {
			return nil, fmt.Errorf("%w: sqlite scan: %w", ratelimit.ErrStoreUnavailable, err)
		}
		out = append(out, time.Unix(0, nanos).UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: sqlite rows: %w", ratelimit.ErrStoreUnavailable, err)
	}

	if len(out) == l.maxRows {
		var oldest int64
		err := l.db.QueryRowContext(ctx,
			`SELECT MIN(request_time) FROM rate_limit_log
			 WHERE cache_key = ? AND request_time >= ? AND request_time <= ?`,
			key.String(), start.UnixNano(), end.UnixNano()).Scan(&oldest)
		if err != nil {
			return nil, fmt.Errorf("%w: sqlite min: %w", ratelimit.ErrStoreUnavailable, err)
		}
		out[len(out)-1] = time.Unix(0, oldest).UTC()
	}
	slices.Reverse(out)
	return out, nil
}

// Prune deletes rows whose request time is before cutoff and returns how
// many were removed.
func (l *RequestLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM rate_limit_log WHERE request_time < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate_limit_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		l.logger.Info("pruned rate limit log", "rows", n, "cutoff", cutoff)
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (l *RequestLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the underlying database.
func (l *RequestLog) Close() error {
	return l.db.Close()
}

// Compile-time interface verification.
var _ ratelimit.HistoryStore = (*RequestLog)(nil)
