// Package ratelimit provides the multi-tier sliding-window rate limiting domain:
// quota policies, counting keys, window counters, the burst guard and the
// decision engine that combines them.
package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Period identifies one quota granularity.
type Period string

const (
	// PeriodMinute is the trailing one-minute tier.
	PeriodMinute Period = "minute"

	// PeriodHour is the trailing one-hour tier.
	PeriodHour Period = "hour"

	// PeriodDay is the trailing 24-hour tier.
	PeriodDay Period = "day"

	// PeriodBurst marks a denial produced by the burst guard.
	// It is never a key of a policy's tier limits.
	PeriodBurst Period = "burst"
)

// BurstWindow is the fixed window of the burst guard.
const BurstWindow = 60 * time.Second

// TierPeriods lists the tier periods in ascending window size.
// The engine checks tiers in this order.
var TierPeriods = []Period{PeriodMinute, PeriodHour, PeriodDay}

// Window returns the trailing window covered by the period.
func (p Period) Window() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodBurst:
		return BurstWindow
	default:
		return 0
	}
}

// IsTier reports whether p is one of the quota tiers (minute, hour, day).
func (p Period) IsTier() bool {
	switch p {
	case PeriodMinute, PeriodHour, PeriodDay:
		return true
	}
	return false
}

// HeaderName returns the capitalized form used in X-RateLimit-* headers.
func (p Period) HeaderName() string {
	s := string(p)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParsePeriod converts a config string into a tier Period.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsTier() {
		return "", fmt.Errorf("%w: unknown period %q", ErrInvalidPolicy, s)
	}
	return p, nil
}

// ActorClass is the coarse caller category used to select a default quota.
type ActorClass string

const (
	// ClassAnonymous is used for callers identified only by IP address.
	ClassAnonymous ActorClass = "anonymous"

	// ClassAuthenticated is used for logged-in callers without elevated roles.
	ClassAuthenticated ActorClass = "authenticated"

	// ClassAdmin is used for callers holding an administrative role.
	ClassAdmin ActorClass = "admin"
)

// ActorClasses lists every known actor class.
var ActorClasses = []ActorClass{ClassAnonymous, ClassAuthenticated, ClassAdmin}

// Valid reports whether c is a known actor class.
func (c ActorClass) Valid() bool {
	switch c {
	case ClassAnonymous, ClassAuthenticated, ClassAdmin:
		return true
	}
	return false
}

// ParseActorClass normalizes s. Unknown values return ClassAnonymous
// together with ErrUnknownActorClass so the caller can log the fallback.
func ParseActorClass(s string) (ActorClass, error) {
	c := ActorClass(strings.ToLower(strings.TrimSpace(s)))
	if c.Valid() {
		return c, nil
	}
	return ClassAnonymous, fmt.Errorf("%w: %q", ErrUnknownActorClass, s)
}

// Unlimited stands for a period absent from one side of a policy merge.
const Unlimited int64 = math.MaxInt64

// QuotaPolicy maps tier periods to their max request counts plus a burst limit.
// A missing period means the policy does not bound that tier.
// A zero BurstLimit means the policy does not bound bursts.
type QuotaPolicy struct {
	Limits     map[Period]int64 `json:"limits" yaml:"limits"`
	BurstLimit int64            `json:"burst_limit,omitempty" yaml:"burst_limit,omitempty"`
}

// Limit returns the limit for period p, or Unlimited when p is absent.
func (q QuotaPolicy) Limit(p Period) int64 {
	if v, ok := q.Limits[p]; ok {
		return v
	}
	return Unlimited
}

// Burst returns the burst limit, or Unlimited when none is configured.
func (q QuotaPolicy) Burst() int64 {
	if q.BurstLimit > 0 {
		return q.BurstLimit
	}
	return Unlimited
}

// Clone returns a deep copy of q.
func (q QuotaPolicy) Clone() QuotaPolicy {
	out := QuotaPolicy{BurstLimit: q.BurstLimit}
	if q.Limits != nil {
		out.Limits = make(map[Period]int64, len(q.Limits))
		for p, v := range q.Limits {
			out.Limits[p] = v
		}
	}
	return out
}

// Validate rejects non-positive limits and non-tier periods.
func (q QuotaPolicy) Validate() error {
	for p, v := range q.Limits {
		if !p.IsTier() {
			return fmt.Errorf("%w: unknown period %q", ErrInvalidPolicy, p)
		}
		if v <= 0 {
			return fmt.Errorf("%w: %s limit must be positive, got %d", ErrInvalidPolicy, p, v)
		}
	}
	if q.BurstLimit < 0 {
		return fmt.Errorf("%w: burst limit must not be negative, got %d", ErrInvalidPolicy, q.BurstLimit)
	}
	return nil
}

// TierLimit is one resolved tier of an effective policy.
type TierLimit struct {
	Period      Period `json:"period" yaml:"period"`
	MaxRequests int64  `json:"max_requests" yaml:"max_requests"`

	// EndpointScoped is true when the endpoint override specified this period,
	// so the tier is counted on a per-endpoint key.
	EndpointScoped bool `json:"endpoint_scoped" yaml:"endpoint_scoped"`
}

// EffectivePolicy is the merged policy for one (ActorClass, Endpoint) pair.
type EffectivePolicy struct {
	Class    ActorClass `json:"class" yaml:"class"`
	Endpoint string     `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Tiers are ordered by ascending window size.
	Tiers []TierLimit `json:"tiers" yaml:"tiers"`

	// BurstLimit is zero when bursts are not bounded.
	BurstLimit int64 `json:"burst_limit,omitempty" yaml:"burst_limit,omitempty"`
}

// Tier returns the tier for period p.
func (e EffectivePolicy) Tier(p Period) (TierLimit, bool) {
	for _, t := range e.Tiers {
		if t.Period == p {
			return t, true
		}
	}
	return TierLimit{}, false
}

// Request is the inbound contract of the decision engine.
type Request struct {
	// Identifier is "user:<id>" or "ip:<address>", disambiguated upstream.
	Identifier string

	// Class is the caller's actor class. When empty the engine's
	// classifier infers it from Identifier and Roles.
	Class ActorClass

	// Roles are the caller's roles as reported by the auth collaborator.
	Roles []string

	// Endpoint is the normalized route, empty when unknown.
	Endpoint string

	// Now overrides the evaluation time. Zero means the engine clock.
	Now time.Time
}

// TierStatus reports the occupancy of one tier after a decision.
type TierStatus struct {
	Period    Period    `json:"period"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Stage is a state of the decision state machine.
type Stage string

const (
	StageResolving     Stage = "resolving"
	StageChecking      Stage = "checking"
	StageBurstChecking Stage = "burst_checking"
	StageRecording     Stage = "recording"
	StageDone          Stage = "done"
)

// Decision is the outbound contract consumed by the response formatter.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Degraded is set when a storage fault forced a fail-open outcome
	// or when recording an accepted request failed.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`

	// LimitingPeriod is set on denials.
	LimitingPeriod Period `json:"limiting_period,omitempty"`

	Limit             int64     `json:"limit"`
	Remaining         int64     `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`

	// Tiers carries the status of every tier in the resolved policy.
	Tiers []TierStatus `json:"tiers,omitempty"`

	Identifier string     `json:"identifier"`
	Class      ActorClass `json:"class"`
	Endpoint   string     `json:"endpoint,omitempty"`

	// Stage is the state in which the decision was reached.
	Stage Stage `json:"stage"`
}

// RetryAfter returns RetryAfterSeconds as a duration.
func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterSeconds) * time.Second
}

// WindowResult is the outcome of a single window check.
type WindowResult struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// remainingFor returns max(0, limit-count).
func remainingFor(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}
