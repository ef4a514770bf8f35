package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	httpadapter "github.com/govnext/web-core-sub000/internal/adapter/inbound/http"
	celclassifier "github.com/govnext/web-core-sub000/internal/adapter/outbound/cel"
	"github.com/govnext/web-core-sub000/internal/adapter/outbound/memory"
	redisstore "github.com/govnext/web-core-sub000/internal/adapter/outbound/redis"
	"github.com/govnext/web-core-sub000/internal/adapter/outbound/sqlite"
	"github.com/govnext/web-core-sub000/internal/adapter/outbound/tiered"
	"github.com/govnext/web-core-sub000/internal/config"
	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
	"github.com/govnext/web-core-sub000/internal/service"
)

// components is everything built from the configuration that a command
// needs to evaluate requests.
type components struct {
	engine *ratelimit.Engine

	// Exactly one of these is set for the memory backend.
	memoryHistory *memory.HistoryStore
	memoryBuckets *memory.BucketStore

	redisClient *goredis.Client
	requestLog  *sqlite.RequestLog

	health  map[string]httpadapter.HealthCheck
	closers []func() error
}

// Close releases every connection opened by buildComponents.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ActiveKeys returns the number of keys held by the in-process store, or -1
// for shared backends.
func (c *components) ActiveKeys() int {
	switch {
	case c.memoryHistory != nil:
		return c.memoryHistory.Size()
	case c.memoryBuckets != nil:
		return c.memoryBuckets.Size()
	default:
		return -1
	}
}

// StartCleanup starts the sweepers of in-process stores.
func (c *components) StartCleanup(ctx context.Context) {
	if c.memoryHistory != nil {
		c.memoryHistory.StartCleanup(ctx)
		c.closers = append(c.closers, func() error { c.memoryHistory.Stop(); return nil })
	}
	if c.memoryBuckets != nil {
		c.memoryBuckets.StartCleanup(ctx)
		c.closers = append(c.closers, func() error { c.memoryBuckets.Stop(); return nil })
	}
}

// buildComponents wires store, counter, classifier and engine from cfg.
// On error every resource opened so far is closed.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{health: make(map[string]httpadapter.HealthCheck)}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	st := cfg.Store
	ttl := config.Duration(st.TTL, ratelimit.DefaultSeriesTTL)
	cleanup := config.Duration(st.CleanupInterval, memory.DefaultCleanupInterval)

	if st.Backend == config.BackendRedis || st.Backend == config.BackendTiered {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:      st.Redis.Addr,
			Password:  st.Redis.Password,
			DB:        st.Redis.DB,
			KeyPrefix: st.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		c.redisClient = client
		c.closers = append(c.closers, client.Close)
		c.health["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}

	var counter ratelimit.Counter
	switch cfg.Limiter.Mode {
	case config.ModeFixed:
		if c.redisClient != nil {
			counter = ratelimit.NewFixedBucketCounter(redisstore.NewBucketStore(c.redisClient, st.Redis.KeyPrefix))
		} else {
			c.memoryBuckets = memory.NewBucketStore(cleanup)
			counter = ratelimit.NewFixedBucketCounter(c.memoryBuckets)
		}
	default:
		history, err := buildHistoryStore(ctx, cfg, c, ttl, cleanup, logger)
		if err != nil {
			return nil, err
		}
		counter = ratelimit.NewSlidingWindowCounter(history)
	}

	table, err := cfg.Limiter.PolicyTable()
	if err != nil {
		return nil, err
	}
	resolver, err := ratelimit.NewResolver(table)
	if err != nil {
		return nil, err
	}

	classifier, err := buildClassifier(cfg.Limiter.Classifier, logger)
	if err != nil {
		return nil, err
	}

	c.engine = ratelimit.NewEngine(resolver, counter,
		ratelimit.WithClassifier(classifier),
		ratelimit.WithStoreTimeout(config.Duration(st.OpTimeout, ratelimit.DefaultStoreTimeout)),
		ratelimit.WithEvaluateTimeout(config.Duration(cfg.Limiter.EvaluateTimeout, ratelimit.DefaultEvaluateTimeout)),
		ratelimit.WithLogger(logger),
	)
	logger.Debug("limiter wired",
		"backend", st.Backend,
		"mode", cfg.Limiter.Mode,
		"endpoints", len(table.Endpoints),
		"classifier_rules", len(cfg.Limiter.Classifier.Rules),
	)
	return c, nil
}

func buildHistoryStore(ctx context.Context, cfg *config.Config, c *components, ttl, cleanup time.Duration, logger *slog.Logger) (ratelimit.HistoryStore, error) {
	st := cfg.Store
	switch st.Backend {
	case config.BackendRedis:
		return redisstore.NewHistoryStore(c.redisClient, st.Redis.KeyPrefix, st.MaxEntries, ttl), nil
	case config.BackendTiered:
		log, err := openRequestLog(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		c.requestLog = log
		c.closers = append(c.closers, log.Close)
		c.health["sqlite"] = log.Ping
		fast := redisstore.NewHistoryStore(c.redisClient, st.Redis.KeyPrefix, st.MaxEntries, ttl)
		return tiered.NewHistoryStore(fast, log, logger), nil
	default:
		c.memoryHistory = memory.NewHistoryStore(
			memory.WithMaxEntries(st.MaxEntries),
			memory.WithTTL(ttl),
			memory.WithCleanupInterval(cleanup),
		)
		return c.memoryHistory, nil
	}
}

func openRequestLog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sqlite.RequestLog, error) {
	log, err := sqlite.Open(ctx, cfg.Store.SQLite.Path, cfg.Store.SQLite.MaxRowsPerRead, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open request log: %w", err)
	}
	return log, nil
}

// buildClassifier returns the role classifier, wrapped by CEL rules when any
// are configured.
func buildClassifier(cfg config.ClassifierConfig, logger *slog.Logger) (ratelimit.Classifier, error) {
	roles := ratelimit.NewRoleClassifier(cfg.AdminUsers, cfg.AdminRoles)
	if len(cfg.Rules) == 0 {
		return roles, nil
	}
	rules := make([]celclassifier.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		class, err := ratelimit.ParseActorClass(r.Class)
		if err != nil {
			return nil, err
		}
		rules = append(rules, celclassifier.Rule{Class: class, Condition: r.Condition})
	}
	return celclassifier.NewClassifier(rules, roles, logger)
}

// setupTracing installs a stdout span exporter when enabled. The returned
// shutdown flushes pending spans.
func setupTracing(cfg config.TelemetryConfig) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.TraceStdout {
		return otel.Tracer(service.TracerName), func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", Version),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return provider.Tracer(service.TracerName), provider.Shutdown, nil
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// clean for command output.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
