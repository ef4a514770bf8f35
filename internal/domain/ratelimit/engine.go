package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Default engine timeouts.
const (
	DefaultStoreTimeout    = 250 * time.Millisecond
	DefaultEvaluateTimeout = time.Second
)

// Reasons attached to degraded decisions.
const (
	ReasonStoreUnavailable = "store_unavailable"
	ReasonRecordFailed     = "record_failed"
	ReasonEvaluateTimeout  = "evaluate_timeout"
	ReasonInvalidRequest   = "invalid_request"
)

// Engine is the decision state machine called once per inbound request.
// It keeps no mutable state between calls; the counter's store is the only
// shared resource.
type Engine struct {
	resolver   *Resolver
	counter    Counter
	burst      *BurstGuard
	classifier Classifier
	now        func() time.Time
	logger     *slog.Logger

	storeTimeout    time.Duration
	evaluateTimeout time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStoreTimeout bounds every individual counter call.
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithEvaluateTimeout bounds a whole Evaluate call.
func WithEvaluateTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.evaluateTimeout = d
		}
	}
}

// WithClassifier sets the classifier used for requests without a class.
func WithClassifier(c Classifier) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.classifier = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a decision engine over resolver and counter.
func NewEngine(resolver *Resolver, counter Counter, opts ...EngineOption) *Engine {
	e := &Engine{
		resolver:        resolver,
		counter:         counter,
		burst:           NewBurstGuard(counter),
		classifier:      NewRoleClassifier(DefaultAdminUsers, DefaultAdminRoles),
		now:             time.Now,
		logger:          slog.Default(),
		storeTimeout:    DefaultStoreTimeout,
		evaluateTimeout: DefaultEvaluateTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolver returns the engine's policy resolver.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Evaluate decides whether req may proceed. It never fails: storage faults
// and timeouts produce an allowed, degraded decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	if req.Now.IsZero() {
		req.Now = e.now()
	}

	ctx, cancel := context.WithTimeout(ctx, e.evaluateTimeout)
	defer cancel()

	done := make(chan Decision, 1)
	go func() {
		done <- e.evaluate(ctx, req)
	}()

	select {
	case d := <-done:
		if d.DegradedReason == ReasonStoreUnavailable && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.DegradedReason = ReasonEvaluateTimeout
		}
		return d
	case <-ctx.Done():
		e.logger.Warn("rate limit evaluation timed out, failing open",
			"identifier", req.Identifier,
			"endpoint", req.Endpoint,
			"timeout", e.evaluateTimeout,
		)
		return Decision{
			Allowed:        true,
			Degraded:       true,
			DegradedReason: ReasonEvaluateTimeout,
			Identifier:     req.Identifier,
			Class:          req.Class,
			Endpoint:       req.Endpoint,
			Stage:          StageDone,
		}
	}
}

// checked is a tier whose counter check passed.
type checked struct {
	key    CountingKey
	window time.Duration
	tier   TierLimit
	result WindowResult
}

func (e *Engine) evaluate(ctx context.Context, req Request) Decision {
	now := req.Now
	class := e.classify(req)

	d := Decision{
		Identifier: req.Identifier,
		Class:      class,
		Endpoint:   req.Endpoint,
		Stage:      StageResolving,
	}

	if strings.TrimSpace(req.Identifier) == "" {
		return e.failOpen(d, ReasonInvalidRequest, ErrEmptyIdentifier)
	}

	policy := e.resolver.Resolve(class, req.Endpoint)

	d.Stage = StageChecking
	passed := make([]checked, 0, len(policy.Tiers))
	for _, tier := range policy.Tiers {
		endpoint := ""
		if tier.EndpointScoped {
			endpoint = req.Endpoint
		}
		key, err := DeriveKey(req.Identifier, tier.Period, endpoint)
		if err != nil {
			return e.failOpen(d, ReasonInvalidRequest, err)
		}

		window := tier.Period.Window()
		res, err := e.check(ctx, key, window, tier.MaxRequests, now)
		if err != nil {
			e.rollback(ctx, passed, now)
			return e.failOpen(d, ReasonStoreUnavailable, err)
		}
		if !res.Allowed {
			e.rollback(ctx, passed, now)
			return e.deny(d, passed, tier.Period, res, retryAfterSeconds(res.ResetAt, now), res.ResetAt)
		}
		passed = append(passed, checked{key: key, window: window, tier: tier, result: res})
	}

	var burst *WindowResult
	if policy.BurstLimit > 0 {
		d.Stage = StageBurstChecking
		bctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		res, err := e.burst.Check(bctx, req.Identifier, policy.BurstLimit, now)
		cancel()
		if err != nil {
			e.rollback(ctx, passed, now)
			return e.failOpen(d, ReasonStoreUnavailable, err)
		}
		if !res.Allowed {
			e.rollback(ctx, passed, now)
			return e.deny(d, passed, PeriodBurst, res, int64(BurstWindow/time.Second), now.Add(BurstWindow))
		}
		burst = &res
	}

	// A decision reached after the ceiling has already been answered with a
	// fail-open allow, so nothing may be recorded on its behalf.
	if err := ctx.Err(); err != nil {
		e.rollback(ctx, passed, now)
		if burst != nil {
			e.rollbackBurst(ctx, req.Identifier, now)
		}
		return e.failOpen(d, ReasonEvaluateTimeout, err)
	}

	d.Stage = StageRecording
	for _, c := range passed {
		if err := e.commit(ctx, c.key, c.window, now); err != nil {
			e.recordFailed(&d, c.key.String(), err)
		}
	}
	if burst != nil {
		bctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		err := e.burst.Commit(bctx, req.Identifier, now)
		cancel()
		if err != nil {
			e.recordFailed(&d, "burst:"+req.Identifier, err)
		}
	}

	d.Allowed = true
	d.Stage = StageDone
	d.Tiers = make([]TierStatus, 0, len(passed))
	for i, c := range passed {
		remaining := remainingFor(c.result.Limit, c.result.Count+1)
		d.Tiers = append(d.Tiers, TierStatus{
			Period:    c.tier.Period,
			Limit:     c.result.Limit,
			Remaining: remaining,
			ResetAt:   c.result.ResetAt,
		})
		if i == 0 || remaining < d.Remaining {
			d.Limit = c.result.Limit
			d.Remaining = remaining
			d.ResetAt = c.result.ResetAt
		}
	}
	if len(passed) == 0 && burst != nil {
		d.Limit = burst.Limit
		d.Remaining = remainingFor(burst.Limit, burst.Count+1)
		d.ResetAt = burst.ResetAt
	}
	return d
}

func (e *Engine) classify(req Request) ActorClass {
	if req.Class == "" {
		return e.classifier.Classify(req)
	}
	if !req.Class.Valid() {
		e.logger.Debug("unknown actor class, using anonymous",
			"identifier", req.Identifier,
			"class", req.Class,
		)
		return ClassAnonymous
	}
	return req.Class
}

// recordFailed flags d as degraded. The allow decision stands.
func (e *Engine) recordFailed(d *Decision, key string, err error) {
	d.Degraded = true
	d.DegradedReason = ReasonRecordFailed
	e.logger.Warn("failed to record accepted request",
		"key", key,
		"op", "commit",
		"error", err,
	)
}

func (e *Engine) check(ctx context.Context, key CountingKey, window time.Duration, limit int64, now time.Time) (WindowResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.counter.Check(ctx, key, window, limit, now)
}

func (e *Engine) commit(ctx context.Context, key CountingKey, window time.Duration, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.counter.Commit(ctx, key, window, now)
}

// rollback releases reservations of tiers that passed before a deny or a
// fault. It runs even when ctx is already done. Errors are logged only.
func (e *Engine) rollback(ctx context.Context, passed []checked, now time.Time) {
	for _, c := range passed {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
		err := e.counter.Rollback(rctx, c.key, c.window, now)
		cancel()
		if err != nil {
			e.logger.Warn("failed to release reservation",
				"key", c.key.String(),
				"op", "rollback",
				"error", err,
			)
		}
	}
}

func (e *Engine) rollbackBurst(ctx context.Context, identifier string, now time.Time) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
	defer cancel()
	if err := e.burst.Rollback(rctx, identifier, now); err != nil {
		e.logger.Warn("failed to release reservation",
			"key", "burst:"+identifier,
			"op", "rollback",
			"error", err,
		)
	}
}

func (e *Engine) failOpen(d Decision, reason string, err error) Decision {
	e.logger.Warn("rate limiter degraded, failing open",
		"identifier", d.Identifier,
		"endpoint", d.Endpoint,
		"stage", d.Stage,
		"reason", reason,
		"error", err,
	)
	d.Allowed = true
	d.Degraded = true
	d.DegradedReason = reason
	d.Stage = StageDone
	return d
}

// deny builds a denial. Tiers that passed before the failing check are
// reported with their unrecorded occupancy.
func (e *Engine) deny(d Decision, passed []checked, period Period, res WindowResult, retryAfter int64, resetAt time.Time) Decision {
	d.Allowed = false
	d.LimitingPeriod = period
	d.Limit = res.Limit
	d.Remaining = 0
	d.ResetAt = resetAt
	d.RetryAfterSeconds = retryAfter
	d.Stage = StageDone
	d.Tiers = make([]TierStatus, 0, len(passed)+1)
	for _, c := range passed {
		d.Tiers = append(d.Tiers, TierStatus{
			Period:    c.tier.Period,
			Limit:     c.result.Limit,
			Remaining: c.result.Remaining,
			ResetAt:   c.result.ResetAt,
		})
	}
	d.Tiers = append(d.Tiers, TierStatus{Period: period, Limit: res.Limit, Remaining: 0, ResetAt: resetAt})
	e.logger.Info("request rate limited",
		"identifier", d.Identifier,
		"class", d.Class,
		"endpoint", d.Endpoint,
		"period", period,
		"retry_after", retryAfter,
	)
	return d
}

// retryAfterSeconds returns max(1, ceil(resetAt-now)) in whole seconds.
func retryAfterSeconds(resetAt, now time.Time) int64 {
	secs := int64(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
