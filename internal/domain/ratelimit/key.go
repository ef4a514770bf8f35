package ratelimit

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// keyPrefix is the base prefix for all counting keys.
const keyPrefix = "rate_limit"

// CountingKey uniquely addresses one counter series.
type CountingKey struct {
	Identifier string
	Period     Period

	// EndpointHash is empty for class-level keys.
	EndpointHash string
}

// String returns the storage form of the key.
// Format: "rate_limit:{identifier}:{period}[:{endpoint-hash}]"
// Examples:
//   - "rate_limit:user:alice:minute"
//   - "rate_limit:ip:203.0.113.5:minute:5e1f0c2a9b7d3e41"
//   - "rate_limit:user:bob:burst"
func (k CountingKey) String() string {
	if k.EndpointHash == "" {
		return fmt.Sprintf("%s:%s:%s", keyPrefix, k.Identifier, k.Period)
	}
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, k.Identifier, k.Period, k.EndpointHash)
}

// DeriveKey builds the counting key for one tier. An empty endpoint yields the
// class-level key shared by every endpoint without an override for period.
func DeriveKey(identifier string, period Period, endpoint string) (CountingKey, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return CountingKey{}, ErrEmptyIdentifier
	}
	key := CountingKey{Identifier: identifier, Period: period}
	if endpoint != "" {
		key.EndpointHash = hashEndpoint(endpoint)
	}
	return key, nil
}

// BurstKey builds the per-actor burst key. It never includes the endpoint.
func BurstKey(identifier string) (CountingKey, error) {
	return DeriveKey(identifier, PeriodBurst, "")
}

func hashEndpoint(endpoint string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(endpoint))
}

// UserIdentifier returns the identifier for an authenticated user.
func UserIdentifier(user string) string {
	return "user:" + user
}

// IPIdentifier returns the identifier for an anonymous caller.
func IPIdentifier(ip string) string {
	return "ip:" + ip
}
