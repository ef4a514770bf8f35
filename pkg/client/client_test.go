package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httpadapter "github.com/govnext/web-core-sub000/internal/adapter/inbound/http"
	"github.com/govnext/web-core-sub000/internal/adapter/outbound/memory"
	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
	"github.com/govnext/web-core-sub000/internal/service"
	"github.com/govnext/web-core-sub000/pkg/client"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newLimiterServer runs the decision API on the default policy table.
func newLimiterServer(t *testing.T) *httptest.Server {
	t.Helper()

	resolver, err := ratelimit.NewResolver(ratelimit.DefaultPolicyTable())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	engine := ratelimit.NewEngine(resolver, ratelimit.NewSlidingWindowCounter(memory.NewHistoryStore()),
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithLogger(quietLogger()),
	)
	limiter := service.NewLimiterService(engine, quietLogger())
	srv := httptest.NewServer(httpadapter.NewServer(limiter, httpadapter.WithLogger(quietLogger())).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_CheckUntilLimited(t *testing.T) {
	t.Parallel()

	srv := newLimiterServer(t)
	c := client.New(client.WithServerAddr(srv.URL), client.WithLogger(quietLogger()))
	req := client.CheckRequest{Identifier: "ip:203.0.113.5", Endpoint: "/api/v2/auth/login"}

	for i := 0; i < 3; i++ {
		d, err := c.Check(context.Background(), req)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !d.Allowed || d.Class != "anonymous" {
			t.Fatalf("request %d: decision = %+v", i+1, d)
		}
	}

	d, err := c.Check(context.Background(), req)
	if !errors.Is(err, client.ErrRateLimited) {
		t.Fatalf("4th request: err = %v, want ErrRateLimited", err)
	}
	var limited *client.RateLimitedError
	if !errors.As(err, &limited) || limited.LimitingPeriod != "burst" || limited.RetryAfter != time.Minute {
		t.Errorf("err = %+v, want burst with 1m retry", limited)
	}
	if d == nil || d.Allowed {
		t.Errorf("decision = %+v, want denial", d)
	}

	ok, err := c.Allowed(context.Background(), req)
	if err != nil || ok {
		t.Errorf("Allowed = %v, %v; want false, nil", ok, err)
	}
}

func TestClient_Policy(t *testing.T) {
	t.Parallel()

	srv := newLimiterServer(t)
	c := client.New(client.WithServerAddr(srv.URL))

	p, err := c.Policy(context.Background(), "authenticated", "/api/v2/financial/pix")
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if p.BurstLimit != 10 || len(p.Tiers) != 3 {
		t.Errorf("policy = %+v, want 3 tiers and burst 10", p)
	}

	_, err = c.Policy(context.Background(), "root", "")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want 400 APIError", err)
	}
}

func TestClient_ValidationErrorIsNotFailOpen(t *testing.T) {
	t.Parallel()

	srv := newLimiterServer(t)
	c := client.New(client.WithServerAddr(srv.URL))

	_, err := c.Check(context.Background(), client.CheckRequest{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want 400 APIError", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()

	// Closed server: connections are refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	open := client.New(client.WithServerAddr(addr), client.WithLogger(quietLogger()))
	d, err := open.Check(context.Background(), client.CheckRequest{Identifier: "user:alice"})
	if err != nil {
		t.Fatalf("fail-open Check: %v", err)
	}
	if !d.Allowed || !d.Degraded || d.DegradedReason != "server_unreachable" {
		t.Errorf("decision = %+v, want degraded allow", d)
	}

	closed := client.New(client.WithServerAddr(addr), client.WithFailMode(client.FailClosed))
	if _, err := closed.Check(context.Background(), client.CheckRequest{Identifier: "user:alice"}); !errors.Is(err, client.ErrServerUnreachable) {
		t.Errorf("fail-closed err = %v, want ErrServerUnreachable", err)
	}
}
