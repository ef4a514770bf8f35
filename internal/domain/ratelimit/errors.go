package ratelimit

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable is returned by history and bucket stores when the
	// backing storage cannot be reached. It is never surfaced to callers of
	// Engine.Evaluate; the engine fails open instead.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrUnknownActorClass is reported when an actor class is not recognized.
	// The resolver falls back to ClassAnonymous.
	ErrUnknownActorClass = errors.New("unknown actor class")

	// ErrInvalidPolicy is returned when a quota policy is malformed.
	// It is fatal at configuration load time.
	ErrInvalidPolicy = errors.New("invalid quota policy")

	// ErrEmptyIdentifier is returned when a counting key is derived without an identifier.
	ErrEmptyIdentifier = errors.New("identifier cannot be empty")
)

// IsStoreUnavailable reports whether err means the store could not answer.
// Deadline and cancellation errors count as unavailability.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
