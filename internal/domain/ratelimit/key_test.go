package ratelimit

import (
	"errors"
	"strings"
	"testing"
)

func TestDeriveKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		identifier string
		period     Period
		endpoint   string
		wantPrefix string
		wantHash   bool
	}{
		{"class level", "user:alice", PeriodMinute, "", "rate_limit:user:alice:minute", false},
		{"endpoint scoped", "ip:203.0.113.5", PeriodHour, "/api/v2/auth/login", "rate_limit:ip:203.0.113.5:hour:", true},
		{"trims identifier", "  user:bob ", PeriodDay, "", "rate_limit:user:bob:day", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			key, err := DeriveKey(tt.identifier, tt.period, tt.endpoint)
			if err != nil {
				t.Fatalf("DeriveKey() error: %v", err)
			}
			got := key.String()
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("String() = %q, want prefix %q", got, tt.wantPrefix)
			}
			if tt.wantHash && len(key.EndpointHash) != 16 {
				t.Errorf("EndpointHash = %q, want 16 hex chars", key.EndpointHash)
			}
			if !tt.wantHash && got != tt.wantPrefix {
				t.Errorf("String() = %q, want %q", got, tt.wantPrefix)
			}
		})
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	t.Parallel()

	a, _ := DeriveKey("user:alice", PeriodMinute, "/api/v2/financial/pix")
	b, _ := DeriveKey("user:alice", PeriodMinute, "/api/v2/financial/pix")
	c, _ := DeriveKey("user:alice", PeriodMinute, "/api/v2/opendata/export")

	if a != b {
		t.Errorf("same inputs produced %v and %v", a, b)
	}
	if a == c {
		t.Error("different endpoints produced the same key")
	}
}

func TestDeriveKey_EmptyIdentifier(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "   "} {
		if _, err := DeriveKey(id, PeriodMinute, ""); !errors.Is(err, ErrEmptyIdentifier) {
			t.Errorf("DeriveKey(%q) error = %v, want ErrEmptyIdentifier", id, err)
		}
	}
}

func TestBurstKey_IgnoresEndpoint(t *testing.T) {
	t.Parallel()

	key, err := BurstKey("user:bob")
	if err != nil {
		t.Fatalf("BurstKey() error: %v", err)
	}
	if got, want := key.String(), "rate_limit:user:bob:burst"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestIdentifiers(t *testing.T) {
	t.Parallel()

	if got := UserIdentifier("alice"); got != "user:alice" {
		t.Errorf("UserIdentifier() = %q", got)
	}
	if got := IPIdentifier("203.0.113.5"); got != "ip:203.0.113.5" {
		t.Errorf("IPIdentifier() = %q", got)
	}
}
