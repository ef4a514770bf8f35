package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/govnext/web-core-sub000/internal/ctxkey"
	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// TracerName is the instrumentation name of limiter spans.
const TracerName = "github.com/govnext/web-core-sub000/ratelimit"

// LimiterMetrics holds the Prometheus metrics of the decision path.
type LimiterMetrics struct {
	Decisions        *prometheus.CounterVec
	Degraded         *prometheus.CounterVec
	EvaluateDuration prometheus.Histogram
	PolicyReloads    *prometheus.CounterVec
}

// NewLimiterMetrics creates and registers the limiter metrics with reg.
func NewLimiterMetrics(reg prometheus.Registerer) *LimiterMetrics {
	return &LimiterMetrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "govnext",
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total rate limit decisions",
			},
			[]string{"result", "period"}, // result=allow/deny, period empty on allow
		),
		Degraded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "govnext",
				Subsystem: "ratelimit",
				Name:      "degraded_total",
				Help:      "Total decisions that failed open or could not be recorded",
			},
			[]string{"reason"},
		),
		EvaluateDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "govnext",
				Subsystem: "ratelimit",
				Name:      "evaluate_duration_seconds",
				Help:      "Decision latency in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		PolicyReloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "govnext",
				Subsystem: "ratelimit",
				Name:      "policy_reloads_total",
				Help:      "Policy table reload attempts",
			},
			[]string{"status"}, // status=ok/error
		),
	}
}

// LimiterService wraps the decision engine with logging, metrics, statistics
// and tracing. It is the entry point used by inbound adapters and the CLI.
type LimiterService struct {
	engine  *ratelimit.Engine
	metrics *LimiterMetrics
	stats   *StatsService
	tracer  trace.Tracer
	logger  *slog.Logger

	decisions ratelimit.DecisionLog
}

// LimiterOption configures a LimiterService.
type LimiterOption func(*LimiterService)

// WithMetrics records decisions in m.
func WithMetrics(m *LimiterMetrics) LimiterOption {
	return func(s *LimiterService) {
		s.metrics = m
	}
}

// WithStats records decisions in stats.
func WithStats(stats *StatsService) LimiterOption {
	return func(s *LimiterService) {
		s.stats = stats
	}
}

// WithTracer sets the tracer. Defaults to the global tracer provider.
func WithTracer(t trace.Tracer) LimiterOption {
	return func(s *LimiterService) {
		s.tracer = t
	}
}

// WithDecisionLog persists denied and degraded decisions to log.
func WithDecisionLog(log ratelimit.DecisionLog) LimiterOption {
	return func(s *LimiterService) {
		s.decisions = log
	}
}

// NewLimiterService creates a LimiterService around engine.
func NewLimiterService(engine *ratelimit.Engine, logger *slog.Logger, opts ...LimiterOption) *LimiterService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LimiterService{
		engine: engine,
		stats:  NewStatsService(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(TracerName)
	}
	return s
}

// Check evaluates req. It never fails; storage faults come back as degraded
// allow decisions.
func (s *LimiterService) Check(ctx context.Context, req ratelimit.Request) ratelimit.Decision {
	ctx, span := s.tracer.Start(ctx, "ratelimit.Evaluate",
		trace.WithAttributes(
			attribute.String("ratelimit.endpoint", req.Endpoint),
			attribute.String("ratelimit.class", string(req.Class)),
		),
	)
	defer span.End()

	start := time.Now()
	d := s.engine.Evaluate(ctx, req)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", d.Allowed),
		attribute.String("ratelimit.resolved_class", string(d.Class)),
		attribute.String("ratelimit.stage", string(d.Stage)),
		attribute.Int64("ratelimit.remaining", d.Remaining),
	)
	if !d.Allowed {
		span.SetAttributes(
			attribute.String("ratelimit.limiting_period", string(d.LimitingPeriod)),
			attribute.Int64("ratelimit.retry_after", d.RetryAfterSeconds),
		)
	}
	if d.Degraded {
		span.AddEvent("degraded", trace.WithAttributes(attribute.String("reason", d.DegradedReason)))
	}

	s.observe(d, elapsed)
	s.logDecision(ctx, d)
	return d
}

func (s *LimiterService) logDecision(ctx context.Context, d ratelimit.Decision) {
	if s.decisions == nil || !d.Notable() {
		return
	}
	requestID, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	if err := s.decisions.Append(ctx, ratelimit.NewDecisionRecord(d, time.Now(), requestID)); err != nil {
		s.logger.Warn("failed to append decision log", "identifier", d.Identifier, "error", err)
	}
}

// RecentDecisions returns up to n logged decisions, newest first. It returns
// nil when no decision log is configured.
func (s *LimiterService) RecentDecisions(n int) []ratelimit.DecisionRecord {
	if s.decisions == nil {
		return nil
	}
	return s.decisions.Recent(n)
}

func (s *LimiterService) observe(d ratelimit.Decision, elapsed time.Duration) {
	s.stats.Record(d)
	if s.metrics == nil {
		return
	}
	s.metrics.EvaluateDuration.Observe(elapsed.Seconds())
	if d.Allowed {
		s.metrics.Decisions.WithLabelValues("allow", "").Inc()
	} else {
		s.metrics.Decisions.WithLabelValues("deny", string(d.LimitingPeriod)).Inc()
	}
	if d.Degraded {
		s.metrics.Degraded.WithLabelValues(d.DegradedReason).Inc()
	}
}

// EffectivePolicy returns the merged policy for class and endpoint.
// An unknown class resolves as anonymous.
func (s *LimiterService) EffectivePolicy(class ratelimit.ActorClass, endpoint string) ratelimit.EffectivePolicy {
	return s.engine.Resolver().Resolve(class, endpoint)
}

// PolicyTable returns a copy of the active policy table.
func (s *LimiterService) PolicyTable() ratelimit.PolicyTable {
	return s.engine.Resolver().Table()
}

// ReloadPolicies validates table and swaps it in atomically. An invalid
// table is rejected and the active one stays in effect.
func (s *LimiterService) ReloadPolicies(table ratelimit.PolicyTable) error {
	if err := s.engine.Resolver().Update(table); err != nil {
		s.logger.Warn("policy reload rejected", "error", err)
		if s.metrics != nil {
			s.metrics.PolicyReloads.WithLabelValues("error").Inc()
		}
		return err
	}
	s.logger.Info("policy table reloaded",
		"classes", len(table.Classes),
		"endpoints", len(table.Endpoints),
	)
	if s.metrics != nil {
		s.metrics.PolicyReloads.WithLabelValues("ok").Inc()
	}
	return nil
}

// Stats returns a snapshot of the decision counters.
func (s *LimiterService) Stats() Stats {
	return s.stats.GetStats()
}
