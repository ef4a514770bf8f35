package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	httpadapter "github.com/govnext/web-core-sub000/internal/adapter/inbound/http"
	"github.com/govnext/web-core-sub000/internal/adapter/outbound/decisionlog"
	"github.com/govnext/web-core-sub000/internal/adapter/outbound/sqlite"
	"github.com/govnext/web-core-sub000/internal/config"
	"github.com/govnext/web-core-sub000/internal/service"
)

const activeKeysInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rate limit server",
	Long: `Start the decision API.

The server exposes:
  POST /v1/ratelimit/check     evaluate and record one request
  GET  /v1/ratelimit/policy    effective policy for a class and endpoint
  GET  /v1/ratelimit/policies  the loaded policy table
  GET  /v1/ratelimit/stats     decision counters
  GET  /v1/ratelimit/decisions recent denied and degraded decisions
  GET  /healthz                store health
  GET  /metrics                Prometheus metrics

When server.upstream is set, every other path is reverse proxied to it
behind the rate limit middleware.

Policy changes in the config file are applied without a restart.

Examples:
  # Start with config file settings
  govnext-ratelimit serve

  # Start with a specific config file and debug logging
  govnext-ratelimit --config /etc/govnext/ratelimit.yaml --dev serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := serve(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("govnext-ratelimit stopped")
	return nil
}

// serve wires every component and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tracer, shutdownTracing, err := setupTracing(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush spans", "error", err)
		}
	}()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("failed to close stores", "error", err)
		}
	}()
	comps.StartCleanup(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	limiterOpts := []service.LimiterOption{
		service.WithMetrics(service.NewLimiterMetrics(reg)),
		service.WithTracer(tracer),
	}
	if dl := cfg.DecisionLog; dl.Dir != "" {
		decisions, err := decisionlog.NewFileStore(decisionlog.Config{
			Dir:           dl.Dir,
			RetentionDays: dl.RetentionDays,
			MaxFileSizeMB: dl.MaxFileSizeMB,
			CacheSize:     dl.CacheSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to open decision log: %w", err)
		}
		defer decisions.Close()
		limiterOpts = append(limiterOpts, service.WithDecisionLog(decisions))
		logger.Info("decision log enabled", "dir", dl.Dir)
	}
	limiter := service.NewLimiterService(comps.engine, logger, limiterOpts...)

	health := httpadapter.NewHealthChecker(Version)
	for name, check := range comps.health {
		health.Register(name, check)
	}

	opts := []httpadapter.Option{
		httpadapter.WithAddr(cfg.Server.HTTPAddr),
		httpadapter.WithLogger(logger),
		httpadapter.WithRegistry(reg),
		httpadapter.WithHealthChecker(health),
		httpadapter.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second)),
	}
	if cfg.Server.Upstream != "" {
		target, err := url.Parse(cfg.Server.Upstream)
		if err != nil {
			return fmt.Errorf("invalid upstream %q: %w", cfg.Server.Upstream, err)
		}
		opts = append(opts, httpadapter.WithGuardedHandler(httputil.NewSingleHostReverseProxy(target)))
		logger.Info("guarding upstream", "upstream", target.String())
	}
	srv := httpadapter.NewServer(limiter, opts...)

	var wg sync.WaitGroup
	if comps.ActiveKeys() >= 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reportActiveKeys(ctx, comps, srv.Metrics().ActiveKeys)
		}()
	}
	if comps.requestLog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneLoop(ctx, comps.requestLog, cfg.Store.SQLite, logger)
		}()
	}

	if config.ConfigFileUsed() != "" {
		config.WatchConfig(func(next *config.Config) {
			table, err := next.Limiter.PolicyTable()
			if err != nil {
				logger.Warn("ignoring policy change", "error", err)
				return
			}
			if err := limiter.ReloadPolicies(table); err != nil {
				return
			}
			if len(next.Limiter.Classifier.Rules) != len(cfg.Limiter.Classifier.Rules) {
				logger.Warn("classifier rule changes require a restart")
			}
		}, func(err error) {
			logger.Warn("ignoring config change", "error", err)
		})
	}

	printBanner(Version, cfg)

	err = srv.Start(ctx)
	wg.Wait()
	return err
}

// reportActiveKeys publishes the in-process store size until ctx ends.
func reportActiveKeys(ctx context.Context, comps *components, gauge prometheus.Gauge) {
	ticker := time.NewTicker(activeKeysInterval)
	defer ticker.Stop()

	gauge.Set(float64(comps.ActiveKeys()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gauge.Set(float64(comps.ActiveKeys()))
		}
	}
}

// pruneLoop deletes request log rows older than the retention period.
func pruneLoop(ctx context.Context, log *sqlite.RequestLog, cfg config.SQLiteConfig, logger *slog.Logger) {
	retention := config.Duration(cfg.Retention, sqlite.DefaultRetention)
	ticker := time.NewTicker(config.Duration(cfg.PruneInterval, time.Hour))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := log.Prune(ctx, time.Now().Add(-retention)); err != nil {
				logger.Warn("request log prune failed", "error", err)
			}
		}
	}
}

// printBanner prints a startup summary to stderr.
func printBanner(version string, cfg *config.Config) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	apiURL := fmt.Sprintf("http://%s/v1/ratelimit", cfg.Server.HTTPAddr)
	if strings.HasPrefix(cfg.Server.HTTPAddr, ":") {
		apiURL = fmt.Sprintf("http://localhost%s/v1/ratelimit", cfg.Server.HTTPAddr)
	}

	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset
	}
	upstream := cfg.Server.Upstream
	if upstream == "" {
		upstream = dim + "none" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s govnext-ratelimit %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "API:", apiURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Upstream:", upstream)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s (%s counting)\n", "Store:", cfg.Store.Backend, cfg.Limiter.Mode)
	fmt.Fprintf(os.Stderr, "  %-14s %d classes, %d endpoint overrides\n", "Policies:", len(cfg.Limiter.Classes), len(cfg.Limiter.Endpoints))
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
