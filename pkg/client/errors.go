package client

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrServerUnreachable = errors.New("rate limit server unreachable")
)

// APIError is a non-2xx answer of the decision API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ratelimit api returned %d: %s", e.StatusCode, e.Body)
}

// RateLimitedError is returned by Check on denial.
type RateLimitedError struct {
	LimitingPeriod string
	RetryAfter     time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s tier, retry after %s", e.LimitingPeriod, e.RetryAfter)
}

// Is supports errors.Is(err, ErrRateLimited).
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerUnreachableError is returned in closed fail mode when the server
// cannot be contacted.
type ServerUnreachableError struct {
	Cause error
}

func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rate limit server unreachable: %v", e.Cause)
	}
	return "rate limit server unreachable"
}

func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
