// Package client is the Go client of the GovNext rate limit decision API.
//
// Services that cannot mount the HTTP middleware ask the limiter for a
// decision before doing the work:
//
//	c := client.New(client.WithServerAddr("http://ratelimit:8080"))
//	d, err := c.Check(ctx, client.CheckRequest{Identifier: "user:alice", Endpoint: "/api/v2/financial/pix"})
//	if errors.Is(err, client.ErrRateLimited) {
//		// answer 429
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Fail modes applied when the server cannot be reached.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// CheckRequest is the body of POST /v1/ratelimit/check.
type CheckRequest struct {
	Identifier string   `json:"identifier"`
	Class      string   `json:"class,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Endpoint   string   `json:"endpoint,omitempty"`
}

// TierStatus is the occupancy of one tier after a decision.
type TierStatus struct {
	Period    string    `json:"period"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Decision is the server's answer to a check.
type Decision struct {
	Allowed           bool         `json:"allowed"`
	Degraded          bool         `json:"degraded,omitempty"`
	DegradedReason    string       `json:"degraded_reason,omitempty"`
	LimitingPeriod    string       `json:"limiting_period,omitempty"`
	Limit             int64        `json:"limit"`
	Remaining         int64        `json:"remaining"`
	ResetAt           time.Time    `json:"reset_at"`
	RetryAfterSeconds int64        `json:"retry_after_seconds,omitempty"`
	Tiers             []TierStatus `json:"tiers,omitempty"`
	Identifier        string       `json:"identifier"`
	Class             string       `json:"class"`
	Endpoint          string       `json:"endpoint,omitempty"`
}

// TierLimit is one tier of an effective policy.
type TierLimit struct {
	Period         string `json:"period"`
	MaxRequests    int64  `json:"max_requests"`
	EndpointScoped bool   `json:"endpoint_scoped"`
}

// Policy is the effective policy of a class and endpoint.
type Policy struct {
	Class      string      `json:"class"`
	Endpoint   string      `json:"endpoint,omitempty"`
	Tiers      []TierLimit `json:"tiers"`
	BurstLimit int64       `json:"burst_limit,omitempty"`
}

// Client calls the decision API.
type Client struct {
	serverAddr string
	failMode   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client. Defaults come from GOVNEXT_RATELIMIT_ADDR,
// GOVNEXT_RATELIMIT_FAIL_MODE and GOVNEXT_RATELIMIT_CLIENT_TIMEOUT; options
// override them.
func New(opts ...Option) *Client {
	c := &Client{
		serverAddr: envOrDefault("GOVNEXT_RATELIMIT_ADDR", "http://127.0.0.1:8080"),
		failMode:   envOrDefault("GOVNEXT_RATELIMIT_FAIL_MODE", FailOpen),
		timeout:    parseDurationEnv("GOVNEXT_RATELIMIT_CLIENT_TIMEOUT", 2*time.Second),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Check asks for a decision. A denial returns the decision together with a
// *RateLimitedError. When the server is unreachable the client fails open
// with a degraded allow, or returns *ServerUnreachableError in closed mode.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	var d Decision
	err := c.doRequest(ctx, http.MethodPost, "/v1/ratelimit/check", req, &d)
	if err != nil {
		if !isConnectionError(err) {
			return nil, err
		}
		if c.failMode == FailClosed {
			return nil, &ServerUnreachableError{Cause: err}
		}
		c.logger.Warn("rate limit server unreachable, failing open",
			"server_addr", c.serverAddr,
			"error", err,
		)
		return &Decision{
			Allowed:        true,
			Degraded:       true,
			DegradedReason: "server_unreachable",
			Identifier:     req.Identifier,
			Endpoint:       req.Endpoint,
		}, nil
	}

	if !d.Allowed {
		return &d, &RateLimitedError{
			LimitingPeriod: d.LimitingPeriod,
			RetryAfter:     time.Duration(d.RetryAfterSeconds) * time.Second,
		}
	}
	return &d, nil
}

// Allowed is a convenience wrapper around Check that reports denial as false
// instead of an error.
func (c *Client) Allowed(ctx context.Context, req CheckRequest) (bool, error) {
	d, err := c.Check(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return false, nil
		}
		return false, err
	}
	return d.Allowed, nil
}

// Policy returns the effective policy for class and endpoint.
func (c *Client) Policy(ctx context.Context, class, endpoint string) (*Policy, error) {
	q := url.Values{}
	if class != "" {
		q.Set("class", class)
	}
	if endpoint != "" {
		q.Set("endpoint", endpoint)
	}
	var p Policy
	if err := c.doRequest(ctx, http.MethodGet, "/v1/ratelimit/policy?"+q.Encode(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	target := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &APIError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// isConnectionError reports whether err came from the transport rather than
// from an HTTP response.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseDurationEnv accepts whole seconds or a duration string.
func parseDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
