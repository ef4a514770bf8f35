// Package http provides the HTTP adapter of the GovNext rate limiter.
//
// It serves two roles. As middleware, RateLimitMiddleware guards any
// handler: it derives the caller identity, asks the limiter for a decision
// and either forwards the request or answers 429. As a service, Server
// exposes the decision API to other GovNext components.
//
// # Endpoints
//
//	POST /v1/ratelimit/check     - Evaluate one request, returns the Decision
//	GET  /v1/ratelimit/policy    - Effective policy for ?class=&endpoint=
//	GET  /v1/ratelimit/policies  - The active policy table
//	GET  /v1/ratelimit/stats     - Decision counters since start
//	GET  /v1/ratelimit/decisions - Recent denied and degraded decisions (?limit=)
//	GET  /healthz                - Component health
//	GET  /metrics                - Prometheus metrics
//
// # Identity Headers
//
// The external authentication component identifies callers with:
//
//	X-User-ID: <id>              - Authenticated user, counted as "user:<id>"
//	X-User-Roles: a, b           - Comma separated roles
//	X-Actor-Class: <class>       - Optional explicit class
//
// Requests without X-User-ID are counted as "ip:<address>", where the
// address is the first X-Forwarded-For hop, X-Real-IP, or RemoteAddr.
//
// # Response Headers
//
//	X-RateLimit-Limit-<Period>      - Limit of every tier in the resolved policy
//	X-RateLimit-Remaining-<Period>  - Remaining requests of every evaluated tier
//	Retry-After: <seconds>          - On 429 only
//
// # Middleware Chain
//
//  1. MetricsMiddleware - Records duration and status (outermost)
//  2. RequestIDMiddleware - Extracts/generates the request ID, enriches the logger
//  3. RealIPMiddleware - Resolves the client address
//  4. Handler
package http
