package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/govnext/web-core-sub000/internal/adapter/outbound/decisionlog"
	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
	"github.com/govnext/web-core-sub000/internal/service"
)

func newTestRouter(t *testing.T) (http.Handler, *service.LimiterService) {
	t.Helper()
	limiter := newTestLimiter(t)
	srv := NewServer(limiter, WithLogger(discardLogger()))
	return srv.Router(), limiter
}

func TestAPI_Check(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	var last ratelimit.Decision
	for i := 0; i < 6; i++ {
		body := `{"identifier":"user:alice","class":"authenticated","endpoint":"/api/v2/financial/pix"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/ratelimit/check", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if err := json.NewDecoder(rec.Body).Decode(&last); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}

	// The pix override caps authenticated callers at 50 per minute and 10
	// per burst window; six requests all pass.
	if !last.Allowed {
		t.Errorf("6th request denied: %+v", last)
	}
	if last.Class != ratelimit.ClassAuthenticated {
		t.Errorf("Class = %q, want authenticated", last.Class)
	}
	tier, ok := findTier(last.Tiers, ratelimit.PeriodMinute)
	if !ok || tier.Limit != 50 || tier.Remaining != 44 {
		t.Errorf("minute tier = %+v, want limit 50 remaining 44", tier)
	}
}

func TestAPI_CheckValidation(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"identifier":`},
		{"missing identifier", `{"endpoint":"/x"}`},
		{"unknown field", `{"identifier":"user:a","tenant":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/ratelimit/check", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAPI_CheckUnknownClassFallsBackToAnonymous(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	body := `{"identifier":"user:x","class":"superuser","endpoint":"/api/v2/auth/login"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ratelimit/check", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var d ratelimit.Decision
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !d.Allowed || d.Class != ratelimit.ClassAnonymous {
		t.Errorf("decision = %+v, want allowed anonymous", d)
	}
	if got := rec.Header().Get("X-RateLimit-Limit-Minute"); got != "5" {
		t.Errorf("X-RateLimit-Limit-Minute = %q, want 5 (anonymous login)", got)
	}
}

func TestAPI_Policy(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ratelimit/policy?class=anonymous&endpoint=/api/v2/auth/login", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var eff ratelimit.EffectivePolicy
	if err := json.NewDecoder(rec.Body).Decode(&eff); err != nil {
		t.Fatalf("decode: %v", err)
	}
	minute, _ := eff.Tier(ratelimit.PeriodMinute)
	day, _ := eff.Tier(ratelimit.PeriodDay)
	if minute.MaxRequests != 5 || !minute.EndpointScoped {
		t.Errorf("minute = %+v, want 5 endpoint scoped", minute)
	}
	if day.MaxRequests != 1000 || day.EndpointScoped {
		t.Errorf("day = %+v, want 1000 global", day)
	}
	if eff.BurstLimit != 3 {
		t.Errorf("BurstLimit = %d, want 3", eff.BurstLimit)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/ratelimit/policy?class=superuser", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown class: status = %d, want 400", rec.Code)
	}
}

func TestAPI_PoliciesAndStats(t *testing.T) {
	t.Parallel()

	router, limiter := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimit/policies", nil))
	var table ratelimit.PolicyTable
	if err := json.NewDecoder(rec.Body).Decode(&table); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(table.Classes) != 3 || len(table.Endpoints) != 3 {
		t.Errorf("table = %d classes %d endpoints, want 3 and 3", len(table.Classes), len(table.Endpoints))
	}

	body := `{"identifier":"ip:203.0.113.5"}`
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/ratelimit/check", strings.NewReader(body)))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimit/stats", nil))
	var stats service.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Allowed != 1 || limiter.Stats().Allowed != 1 {
		t.Errorf("stats = %+v, want one allowed", stats)
	}
}

func TestAPI_Decisions(t *testing.T) {
	t.Parallel()

	log, err := decisionlog.NewFileStore(decisionlog.Config{Dir: t.TempDir()}, discardLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	limiter := newTestLimiter(t, service.WithDecisionLog(log))
	router := NewServer(limiter, WithLogger(discardLogger())).Router()

	// Anonymous login bursts are capped at 3; the 4th and 5th are denied.
	for i := 0; i < 5; i++ {
		body := `{"identifier":"ip:203.0.113.5","endpoint":"/api/v2/auth/login"}`
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/ratelimit/check", strings.NewReader(body)))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimit/decisions?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var records []ratelimit.DecisionRecord
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2 denials", len(records))
	}
	for _, r := range records {
		if r.Allowed || r.LimitingPeriod != ratelimit.PeriodBurst || r.RequestID == "" {
			t.Errorf("record = %+v, want burst denial with request id", r)
		}
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimit/decisions?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", rec.Code)
	}
}

func TestAPI_DecisionsWithoutLog(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimit/decisions", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("got %d %q, want 200 []", rec.Code, rec.Body.String())
	}
}

func TestServer_GuardedHandler(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t)
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", "upstream")
		w.WriteHeader(http.StatusOK)
	})
	router := NewServer(limiter, WithLogger(discardLogger()), WithGuardedHandler(upstream)).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v2/opendata/export", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Header().Get("X-Handler") != "upstream" {
		t.Errorf("guarded path not served by upstream")
	}
	if rec.Header().Get("X-RateLimit-Remaining-Minute") == "" {
		t.Errorf("guarded path missing rate limit headers")
	}

	// Limiter routes are not guarded.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimit/policies", nil))
	if rec.Header().Get("X-Handler") != "" || rec.Code != http.StatusOK {
		t.Errorf("API route served by upstream: code %d", rec.Code)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", rec.Code)
	}

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ratelimit/policies", nil))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `govnext_http_requests_total{method="GET",route="/v1/ratelimit/policies",status="ok"} 1`) {
		t.Errorf("/metrics missing request counter:\n%s", rec.Body.String())
	}
}

func findTier(tiers []ratelimit.TierStatus, p ratelimit.Period) (ratelimit.TierStatus, bool) {
	for _, ts := range tiers {
		if ts.Period == p {
			return ts, true
		}
	}
	return ratelimit.TierStatus{}, false
}
