package ratelimit

import (
	"context"
	"time"
)

// DecisionRecord is the persisted form of a denied or degraded decision.
type DecisionRecord struct {
	Timestamp      time.Time  `json:"timestamp"`
	RequestID      string     `json:"request_id,omitempty"`
	Identifier     string     `json:"identifier"`
	Class          ActorClass `json:"class"`
	Endpoint       string     `json:"endpoint,omitempty"`
	Allowed        bool       `json:"allowed"`
	LimitingPeriod Period     `json:"limiting_period,omitempty"`
	Limit          int64      `json:"limit,omitempty"`
	RetryAfter     int64      `json:"retry_after_seconds,omitempty"`
	DegradedReason string     `json:"degraded_reason,omitempty"`
}

// NewDecisionRecord captures d as evaluated at at.
func NewDecisionRecord(d Decision, at time.Time, requestID string) DecisionRecord {
	return DecisionRecord{
		Timestamp:      at.UTC(),
		RequestID:      requestID,
		Identifier:     d.Identifier,
		Class:          d.Class,
		Endpoint:       d.Endpoint,
		Allowed:        d.Allowed,
		LimitingPeriod: d.LimitingPeriod,
		Limit:          d.Limit,
		RetryAfter:     d.RetryAfterSeconds,
		DegradedReason: d.DegradedReason,
	}
}

// Notable reports whether d belongs in the decision log.
func (d Decision) Notable() bool {
	return !d.Allowed || d.Degraded
}

// DecisionLog persists notable decisions for later review.
type DecisionLog interface {
	Append(ctx context.Context, records ...DecisionRecord) error

	// Recent returns up to n records, newest first.
	Recent(n int) []DecisionRecord
}
