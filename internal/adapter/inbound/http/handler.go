package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
	"github.com/govnext/web-core-sub000/internal/service"
)

// maxCheckBody bounds the decision API request body.
const maxCheckBody = 64 << 10

// Page sizes of GET /v1/ratelimit/decisions.
const (
	defaultDecisionsLimit = 50
	maxDecisionsLimit     = 1000
)

// CheckRequest is the body of POST /v1/ratelimit/check.
type CheckRequest struct {
	Identifier string   `json:"identifier"`
	Class      string   `json:"class,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Endpoint   string   `json:"endpoint,omitempty"`
}

// APIHandler serves the decision API.
type APIHandler struct {
	limiter *service.LimiterService
}

// NewAPIHandler creates the decision API handler.
func NewAPIHandler(limiter *service.LimiterService) *APIHandler {
	return &APIHandler{limiter: limiter}
}

// Routes mounts the API on r.
func (h *APIHandler) Routes(r chi.Router) {
	r.Route("/v1/ratelimit", func(r chi.Router) {
		r.Post("/check", h.handleCheck)
		r.Get("/policy", h.handlePolicy)
		r.Get("/policies", h.handlePolicies)
		r.Get("/stats", h.handleStats)
		r.Get("/decisions", h.handleDecisions)
	})
}

// handleCheck evaluates one request. Denials are answered 200 with
// allowed=false; the caller formats its own response.
func (h *APIHandler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var body CheckRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondError(r, w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Identifier) == "" {
		respondError(r, w, http.StatusBadRequest, "identifier is required")
		return
	}

	req := ratelimit.Request{
		Identifier: strings.TrimSpace(body.Identifier),
		Roles:      body.Roles,
		Endpoint:   NormalizeEndpoint(body.Endpoint),
	}
	if body.Class != "" {
		class, err := ratelimit.ParseActorClass(body.Class)
		if err != nil {
			LoggerFromContext(r.Context()).Debug("unknown actor class, using anonymous",
				"identifier", req.Identifier,
				"class", body.Class,
			)
		}
		req.Class = class
	}

	d := h.limiter.Check(r.Context(), req)
	WriteDecisionHeaders(w, d, h.limiter.EffectivePolicy(d.Class, d.Endpoint))
	respondJSON(r, w, http.StatusOK, d)
}

// handlePolicy returns the effective policy for ?class=&endpoint=.
// The class defaults to anonymous.
func (h *APIHandler) handlePolicy(w http.ResponseWriter, r *http.Request) {
	class := ratelimit.ClassAnonymous
	if raw := r.URL.Query().Get("class"); raw != "" {
		parsed, err := ratelimit.ParseActorClass(raw)
		if err != nil {
			respondError(r, w, http.StatusBadRequest, err.Error())
			return
		}
		class = parsed
	}
	endpoint := NormalizeEndpoint(r.URL.Query().Get("endpoint"))
	respondJSON(r, w, http.StatusOK, h.limiter.EffectivePolicy(class, endpoint))
}

func (h *APIHandler) handlePolicies(w http.ResponseWriter, r *http.Request) {
	respondJSON(r, w, http.StatusOK, h.limiter.PolicyTable())
}

func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(r, w, http.StatusOK, h.limiter.Stats())
}

// handleDecisions lists recent denied and degraded decisions, newest first.
func (h *APIHandler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(r, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDecisionsLimit)
	}
	records := h.limiter.RecentDecisions(limit)
	if records == nil {
		records = []ratelimit.DecisionRecord{}
	}
	respondJSON(r, w, http.StatusOK, records)
}

// respondJSON writes a JSON response with the given status code and data.
func respondJSON(r *http.Request, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		LoggerFromContext(r.Context()).Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func respondError(r *http.Request, w http.ResponseWriter, status int, message string) {
	respondJSON(r, w, status, map[string]string{"error": message})
}
