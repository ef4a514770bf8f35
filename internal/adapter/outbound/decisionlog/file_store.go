// Package decisionlog persists denied and degraded rate limit decisions as
// JSON Lines with daily and size rotation, retention cleanup and an
// in-memory cache of recent records.
package decisionlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

const dateLayout = "2006-01-02"

// Defaults applied by NewFileStore.
const (
	DefaultRetentionDays = 7
	DefaultMaxFileSizeMB = 100
	DefaultCacheSize     = 1000
)

// logFilePattern matches decisions-YYYY-MM-DD.log and decisions-YYYY-MM-DD-N.log.
var logFilePattern = regexp.MustCompile(`^decisions-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

type logFile struct {
	name   string
	date   string
	suffix int
}

func parseLogFilename(name string) (logFile, bool) {
	m := logFilePattern.FindStringSubmatch(name)
	if m == nil {
		return logFile{}, false
	}
	f := logFile{name: name, date: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return logFile{}, false
		}
		f.suffix = n
	}
	return f, true
}

func logFilename(date string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("decisions-%s.log", date)
	}
	return fmt.Sprintf("decisions-%s-%d.log", date, suffix)
}

// Config holds the settings of a FileStore.
type Config struct {
	Dir           string
	RetentionDays int
	MaxFileSizeMB int
	CacheSize     int
}

// FileStore implements ratelimit.DecisionLog on rotating files.
type FileStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	cache         *recentCache
	logger        *slog.Logger

	mu     sync.Mutex
	file   *os.File
	date   string
	size   int64
	suffix int
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileStore creates the directory if needed, opens today's file, removes
// files past retention, warms the cache from the newest file and starts an
// hourly retention sweep that runs until Close.
func NewFileStore(cfg Config, logger *slog.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("decision log directory is required")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create decision log directory: %w", err)
	}

	s := &FileStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		cache:         newRecentCache(cfg.CacheSize),
		logger:        logger,
		done:          make(chan struct{}),
	}

	today := time.Now().UTC().Format(dateLayout)
	if err := s.openLocked(today, s.highestSuffix(today)); err != nil {
		return nil, err
	}

	s.removeExpired()
	s.warmCache()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sweep(ctx)

	return s, nil
}

// Append writes records, rotating on date change or when the current file
// exceeds the size cap.
func (s *FileStore) Append(_ context.Context, records ...ratelimit.DecisionRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("decision log is closed")
	}

	for _, rec := range records {
		date := rec.Timestamp.UTC().Format(dateLayout)
		switch {
		case date != s.date:
			if err := s.openLocked(date, s.highestSuffix(date)); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		case s.size >= s.maxFileSize:
			if err := s.openLocked(s.date, s.suffix+1); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal decision record: %w", err)
		}
		n, err := s.file.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write decision record: %w", err)
		}
		s.size += int64(n)
		s.cache.add(rec)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *FileStore) Recent(n int) []ratelimit.DecisionRecord {
	return s.cache.recent(n)
}

// Flush syncs the current file.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close stops the sweep and closes the current file. Safe to call twice.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()

	var err error
	if s.file != nil {
		_ = s.file.Sync()
		err = s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()

	<-s.done
	return err
}

// openLocked closes the current file and opens date/suffix for appending.
func (s *FileStore) openLocked(date string, suffix int) error {
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}

	name := logFilename(date, suffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", name, err)
	}

	s.file = f
	s.date = date
	s.suffix = suffix
	s.size = info.Size()
	return nil
}

// files lists the log files in the directory in chronological order.
func (s *FileStore) files() []logFile {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []logFile
	for _, e := range entries {
		if f, ok := parseLogFilename(e.Name()); ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].date != out[j].date {
			return out[i].date < out[j].date
		}
		return out[i].suffix < out[j].suffix
	})
	return out
}

func (s *FileStore) highestSuffix(date string) int {
	highest := 0
	for _, f := range s.files() {
		if f.date == date && f.suffix > highest {
			highest = f.suffix
		}
	}
	return highest
}

// removeExpired deletes files dated before the retention cutoff.
func (s *FileStore) removeExpired() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, f := range s.files() {
		day, err := time.Parse(dateLayout, f.date)
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			s.logger.Error("decision log cleanup: failed to delete file", "file", f.name, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("decision log cleanup completed", "deleted", deleted)
	}
}

func (s *FileStore) sweep(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

// warmCache loads the tail of the newest non-empty file into the cache.
func (s *FileStore) warmCache() {
	files := s.files()
	var newest string
	for i := len(files) - 1; i >= 0; i-- {
		info, err := os.Stat(filepath.Join(s.dir, files[i].name))
		if err == nil && info.Size() > 0 {
			newest = files[i].name
			break
		}
	}
	if newest == "" {
		return
	}

	f, err := os.Open(filepath.Join(s.dir, newest))
	if err != nil {
		s.logger.Error("decision log: failed to open file for cache warmup", "file", newest, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var records []ratelimit.DecisionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ratelimit.DecisionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("decision log: skipping malformed line", "file", newest, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("decision log: error reading file", "file", newest, "error", err)
	}

	if len(records) > s.cache.size {
		records = records[len(records)-s.cache.size:]
	}
	for _, rec := range records {
		s.cache.add(rec)
	}
}

// Compile-time interface verification.
var _ ratelimit.DecisionLog = (*FileStore)(nil)

// recentCache is a ring buffer of the latest records.
type recentCache struct {
	mu      sync.RWMutex
	entries []ratelimit.DecisionRecord
	size    int
	head    int
	count   int
}

func newRecentCache(size int) *recentCache {
	return &recentCache{entries: make([]ratelimit.DecisionRecord, size), size: size}
}

func (c *recentCache) add(rec ratelimit.DecisionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

func (c *recentCache) recent(n int) []ratelimit.DecisionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || c.count == 0 {
		return nil
	}
	n = min(n, c.count)
	out := make([]ratelimit.DecisionRecord, n)
	for i := range out {
		// head is the next write slot
		out[i] = c.entries[(c.head-1-i+c.size)%c.size]
	}
	return out
}
