// Package health provides health check handlers for the admission
// service.
//
// Health checks are essential for:
//   - Load balancer health checks
//   - Kubernetes liveness/readiness probes
//   - Monitoring and alerting
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Pinger is anything that can report whether it is still reachable —
// implemented here by the policy database connection and the
// invalidation watcher's Redis connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for health checks.
type Handler struct {
	store   Pinger
	watcher Pinger
}

// NewHandler creates a new health check handler. Either dependency may be
// nil, in which case its check is skipped — useful for a deployment
// running the admission core without the external config store wired in.
func NewHandler(store, watcher Pinger) *Handler {
	return &Handler{store: store, watcher: watcher}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string                 `json:"status"` // "healthy" or "unhealthy"
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of an individual health check.
type CheckResult struct {
	Status  string `json:"status"` // "pass" or "fail"
	Message string `json:"message,omitempty"`
}

var startTime = time.Now()

// Health handles the /health endpoint.
//
// The admission core itself (the sliding window and load manager) has no
// external dependency to check — it is entirely in-process — so this
// reports on its collaborators: the policy store and its invalidation
// watcher. Returns 200 if healthy, 503 if unhealthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]CheckResult)
	overallStatus := "healthy"
	statusCode := http.StatusOK

	if h.store != nil {
		checks["config_store"] = pingCheck(ctx, h.store)
		if checks["config_store"].Status != "pass" {
			overallStatus = "unhealthy"
			statusCode = http.StatusServiceUnavailable
		}
	}

	if h.watcher != nil {
		checks["invalidation_watcher"] = pingCheck(ctx, h.watcher)
		if checks["invalidation_watcher"].Status != "pass" {
			overallStatus = "unhealthy"
			statusCode = http.StatusServiceUnavailable
		}
	}

	response := HealthResponse{
		Status: overallStatus,
		Uptime: formatDuration(time.Since(startTime)),
		Checks: checks,
	}

	log.Debug().
		Str("component", "health").
		Str("status", overallStatus).
		Str("remote_addr", r.RemoteAddr).
		Msg("health check requested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("failed to encode health response")
	}
}

// Ready handles the /ready endpoint for Kubernetes readiness probes.
// Returns 200 if the admission core can accept traffic, 503 otherwise.
// As in Health, a missing (nil) config store does not fail readiness:
// the admission core can run without one, it just can't resolve policy
// dynamically. Unlike Health, Ready does not check the invalidation
// watcher.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			log.Warn().
				Err(err).
				Str("component", "health").
				Msg("readiness check failed: config store not reachable")

			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","reason":"config store unavailable"}`))
			return
		}
	}

	log.Debug().
		Str("component", "health").
		Str("remote_addr", r.RemoteAddr).
		Msg("readiness check passed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func pingCheck(ctx context.Context, p Pinger) CheckResult {
	if err := p.Ping(ctx); err != nil {
		return CheckResult{Status: "fail", Message: err.Error()}
	}
	return CheckResult{Status: "pass", Message: "operational"}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
