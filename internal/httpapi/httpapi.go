// Package httpapi exposes the admission core over HTTP/JSON: a
// check-and-consume endpoint callers hit on every request, and a
// read-only status endpoint for debugging.
//
// The admission.Facade is constructed once by cmd/admissiond and passed
// in here via dependency injection — unlike the Flask service this is
// grounded on, which reached for a double-checked-locking global
// singleton (get_rate_limiter()). Threading the facade through explicitly
// keeps the core testable without a process-wide global.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saidutt46/admission-controller/internal/admission"
	"github.com/saidutt46/admission-controller/internal/events"
	"github.com/saidutt46/admission-controller/internal/metrics"
)

// PolicyResolver looks up the durable policy configured for a (tenant,
// client, action) triple. *configstore.Store satisfies this.
type PolicyResolver interface {
	Resolve(ctx context.Context, tenantID, clientID, actionType string) (admission.Policy, bool, error)
}

// Handler serves the admission HTTP contract.
type Handler struct {
	facade   *admission.Facade
	await    time.Duration
	metrics  *metrics.Collectors
	events   *events.Publisher
	resolver PolicyResolver
}

// New builds a Handler around facade. awaitTimeout bounds how long a
// queued request's synchronous HTTP call will wait for its eventual
// outcome before falling back to a 202 response with no final result.
func New(facade *admission.Facade, awaitTimeout time.Duration) *Handler {
	return &Handler{facade: facade, await: awaitTimeout}
}

// WithMetrics attaches a Prometheus collector set so admission decisions
// update gauges and counters as they are made. Metrics are optional: a
// Handler built without this still serves the full HTTP contract.
func (h *Handler) WithMetrics(m *metrics.Collectors) *Handler {
	h.metrics = m
	return h
}

// WithEvents attaches a best-effort decision publisher. Like WithMetrics,
// this is optional: a nil publisher (or one never attached) simply means
// no audit events are emitted.
func (h *Handler) WithEvents(p *events.Publisher) *Handler {
	h.events = p
	return h
}

// WithPolicyResolver attaches a durable policy store. When a request
// omits max_requests/window_duration_seconds, the Handler falls back to
// resolving a policy here instead of rejecting the request outright.
// This is optional: a Handler built without one requires every request
// to carry its own policy, as before.
func (h *Handler) WithPolicyResolver(r PolicyResolver) *Handler {
	h.resolver = r
	return h
}

type checkAndConsumeRequest struct {
	TenantID              string `json:"tenant_id"`
	ClientID              string `json:"client_id"`
	ActionType            string `json:"action_type"`
	MaxRequests           int    `json:"max_requests"`
	WindowDurationSeconds int    `json:"window_duration_seconds"`
}

type checkAndConsumeResponse struct {
	Allowed           bool   `json:"allowed"`
	RemainingRequests int    `json:"remaining_requests"`
	ResetTimeSeconds  *int64 `json:"reset_time_seconds,omitempty"`
	Status            string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CheckAndConsume handles POST /check_and_consume.
func (h *Handler) CheckAndConsume(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusBadRequest, "Request must be JSON")
		return
	}

	var req checkAndConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Request must be JSON")
		return
	}

	if req.TenantID == "" || req.ClientID == "" || req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, client_id, and action_type cannot be empty")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.ActionType) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, client_id, and action_type cannot be empty")
		return
	}
	key := admission.Key{
		TenantID:   req.TenantID,
		ClientID:   req.ClientID,
		ActionType: req.ActionType,
	}

	var policy admission.Policy
	if req.MaxRequests > 0 && req.WindowDurationSeconds > 0 {
		policy = admission.Policy{
			MaxRequests:    req.MaxRequests,
			WindowDuration: time.Duration(req.WindowDurationSeconds) * time.Second,
		}
	} else if h.resolver != nil {
		resolved, ok, err := h.resolver.Resolve(r.Context(), req.TenantID, req.ClientID, req.ActionType)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "failed to resolve a policy for this request")
			return
		}
		if !ok {
			writeError(w, http.StatusBadRequest, "no policy configured for this tenant/client/action, and none provided in the request")
			return
		}
		policy = resolved
	} else {
		writeError(w, http.StatusBadRequest, "max_requests and window_duration_seconds must be positive")
		return
	}

	result := h.facade.CheckAndConsume(key, policy)

	if result.Status == admission.Queued && result.Handle != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.await)
		defer cancel()

		if final, err := h.facade.Await(ctx, result.Handle); err == nil {
			result = final
			result.Status = admission.Queued // the HTTP contract reports how the request was handled, not its final processed state
		}
	}

	if h.metrics != nil {
		h.metrics.RecordDecision(req.TenantID, string(result.Status), result.Allowed)
		snap := h.facade.Status(key, policy)
		h.metrics.RecordOccupancy(req.TenantID, snap.Queue.GlobalInFlight, snap.Queue.TenantInFlight, snap.Queue.QueueLength)
	}
	if h.events != nil {
		h.events.Publish(events.Decision{
			TenantID:   req.TenantID,
			ClientID:   req.ClientID,
			ActionType: req.ActionType,
			Status:     string(result.Status),
			Allowed:    result.Allowed,
			Timestamp:  time.Now(),
		})
	}

	writeCheckAndConsumeResult(w, result)
}

func writeCheckAndConsumeResult(w http.ResponseWriter, result admission.Result) {
	resp := checkAndConsumeResponse{
		Allowed:           result.Allowed,
		RemainingRequests: result.RemainingRequests,
		Status:            string(result.Status),
	}
	if result.HasResetTime {
		ts := result.ResetTime.Unix()
		resp.ResetTimeSeconds = &ts
	}

	statusCode := http.StatusOK
	switch {
	case result.Status == admission.Rejected:
		statusCode = http.StatusTooManyRequests
	case result.Status == admission.Queued:
		statusCode = http.StatusAccepted
	case !result.Allowed:
		statusCode = http.StatusTooManyRequests
	}

	writeJSON(w, statusCode, resp)
}

type statusResponse struct {
	RateLimit rateLimitStatus `json:"rate_limit"`
	Queue     queueStatus     `json:"queue"`
}

type rateLimitStatus struct {
	TenantID              string `json:"tenant_id"`
	ClientID              string `json:"client_id"`
	ActionType            string `json:"action_type"`
	CurrentCount          int    `json:"current_count"`
	MaxRequests           int    `json:"max_requests"`
	RemainingRequests     int    `json:"remaining_requests"`
	WindowDurationSeconds int    `json:"window_duration_seconds"`
}

type queueStatus struct {
	TenantID            string `json:"tenant_id"`
	QueueLength         int    `json:"queue_length"`
	MaxQueueSize        int    `json:"max_queue_size"`
	InFlightRequests    int    `json:"in_flight_requests"`
	GlobalInFlight      int    `json:"global_in_flight"`
	MaxGlobalConcurrent int    `json:"max_global_concurrent"`
}

// Status handles GET requests for a (tenant_id, client_id, action_type)
// triple. The caller may pass max_requests and window_duration_seconds
// as query parameters, the same policy it would otherwise pass to
// CheckAndConsume; if it omits them, Status falls back to the policy
// resolver (when one is attached) since the admission core holds no
// policy state of its own to look the key up by.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request, tenantID, clientID, actionType string) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(clientID) == "" || strings.TrimSpace(actionType) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, client_id, and action_type cannot be empty")
		return
	}

	maxRequestsStr := r.URL.Query().Get("max_requests")
	windowStr := r.URL.Query().Get("window_duration_seconds")

	var policy admission.Policy
	if maxRequestsStr != "" || windowStr != "" {
		maxRequests, err1 := strconv.Atoi(maxRequestsStr)
		windowSeconds, err2 := strconv.Atoi(windowStr)
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "max_requests and window_duration_seconds must be integers")
			return
		}
		if maxRequests <= 0 || windowSeconds <= 0 {
			writeError(w, http.StatusBadRequest, "max_requests and window_duration_seconds must be positive")
			return
		}
		policy = admission.Policy{MaxRequests: maxRequests, WindowDuration: time.Duration(windowSeconds) * time.Second}
	} else if h.resolver != nil {
		resolved, ok, err := h.resolver.Resolve(r.Context(), tenantID, clientID, actionType)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "failed to resolve a policy for this request")
			return
		}
		if !ok {
			writeError(w, http.StatusBadRequest, "no policy configured for this tenant/client/action, and none provided in the query")
			return
		}
		policy = resolved
	} else {
		writeError(w, http.StatusBadRequest, "query parameters max_requests and window_duration_seconds are required")
		return
	}

	key := admission.Key{TenantID: tenantID, ClientID: clientID, ActionType: actionType}

	snap := h.facade.Status(key, policy)

	resp := statusResponse{
		RateLimit: rateLimitStatus{
			TenantID:              tenantID,
			ClientID:              clientID,
			ActionType:            actionType,
			CurrentCount:          snap.CurrentCount,
			MaxRequests:           snap.MaxRequests,
			RemainingRequests:     snap.RemainingRequests,
			WindowDurationSeconds: int(snap.WindowDuration.Seconds()),
		},
		Queue: queueStatus{
			TenantID:            snap.Queue.TenantID,
			QueueLength:         snap.Queue.QueueLength,
			MaxQueueSize:        snap.Queue.MaxQueueSize,
			InFlightRequests:    snap.Queue.TenantInFlight,
			GlobalInFlight:      snap.Queue.GlobalInFlight,
			MaxGlobalConcurrent: snap.Queue.MaxGlobalInFlight,
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Str("component", "httpapi").Err(err).Msg("failed to encode response")
	}
}
