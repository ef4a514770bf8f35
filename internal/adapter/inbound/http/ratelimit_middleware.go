package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
	"github.com/govnext/web-core-sub000/internal/service"
)

// Response header prefixes.
const (
	headerLimitPrefix     = "X-RateLimit-Limit-"
	headerRemainingPrefix = "X-RateLimit-Remaining-"
)

// TooManyRequestsBody is the JSON body of a 429 response.
type TooManyRequestsBody struct {
	Error          string `json:"error"`
	LimitingPeriod string `json:"limiting_period"`
	RetryAfter     int64  `json:"retry_after"`
}

// RateLimitMiddleware evaluates every request before it reaches next.
// Allowed requests carry the quota headers; denied requests are answered
// with 429 and never reach next.
func RateLimitMiddleware(limiter *service.LimiterService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := RequestFromHTTP(r)
			d := limiter.Check(r.Context(), req)

			WriteDecisionHeaders(w, d, limiter.EffectivePolicy(d.Class, d.Endpoint))

			if !d.Allowed {
				LoggerFromContext(r.Context()).Debug("request rejected",
					"identifier", d.Identifier,
					"period", d.LimitingPeriod,
					"retry_after", d.RetryAfterSeconds,
				)
				WriteTooManyRequests(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteDecisionHeaders sets the X-RateLimit-* headers for every tier of
// policy. Tiers the decision never reached (after an early deny, or on a
// degraded allow) report their full limit as remaining, since nothing was
// counted against them on this call.
func WriteDecisionHeaders(w http.ResponseWriter, d ratelimit.Decision, policy ratelimit.EffectivePolicy) {
	h := w.Header()
	for _, tier := range policy.Tiers {
		name := tier.Period.HeaderName()
		limit, remaining := tier.MaxRequests, tier.MaxRequests
		if ts, ok := decisionTier(d, tier.Period); ok {
			limit, remaining = ts.Limit, ts.Remaining
		}
		h.Set(headerLimitPrefix+name, strconv.FormatInt(limit, 10))
		h.Set(headerRemainingPrefix+name, strconv.FormatInt(remaining, 10))
	}
	if d.LimitingPeriod == ratelimit.PeriodBurst {
		h.Set(headerLimitPrefix+ratelimit.PeriodBurst.HeaderName(), strconv.FormatInt(d.Limit, 10))
		h.Set(headerRemainingPrefix+ratelimit.PeriodBurst.HeaderName(), "0")
	}
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds, 10))
	}
}

func decisionTier(d ratelimit.Decision, p ratelimit.Period) (ratelimit.TierStatus, bool) {
	for _, ts := range d.Tiers {
		if ts.Period == p {
			return ts, true
		}
	}
	return ratelimit.TierStatus{}, false
}

// WriteTooManyRequests writes the structured 429 response for a denial.
func WriteTooManyRequests(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(TooManyRequestsBody{
		Error:          "rate_limit_exceeded",
		LimitingPeriod: string(d.LimitingPeriod),
		RetryAfter:     d.RetryAfterSeconds,
	})
}
