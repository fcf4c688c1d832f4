package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/saidutt46/admission-controller/internal/admission"
	"github.com/saidutt46/admission-controller/internal/loadmanager"
	"github.com/saidutt46/admission-controller/internal/ratelimit"
)

func newTestHandler() (*Handler, *admission.Facade) {
	f := admission.New(ratelimit.New(4), loadmanager.New(10, 10))
	return New(f, time.Second), f
}

// stubResolver is a PolicyResolver test double keyed on action_type.
type stubResolver struct {
	policies map[string]admission.Policy
	err      error
}

func (s *stubResolver) Resolve(ctx context.Context, tenantID, clientID, actionType string) (admission.Policy, bool, error) {
	if s.err != nil {
		return admission.Policy{}, false, s.err
	}
	p, ok := s.policies[actionType]
	return p, ok, nil
}

func TestCheckAndConsume_Allowed(t *testing.T) {
	h, _ := newTestHandler()

	body := `{"tenant_id":"t1","client_id":"c1","action_type":"read","max_requests":5,"window_duration_seconds":60}`
	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	h.CheckAndConsume(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp checkAndConsumeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Allowed {
		t.Error("expected allowed=true")
	}
	if resp.Status != "processed" {
		t.Errorf("expected status processed, got %s", resp.Status)
	}
}

func TestCheckAndConsume_DeniedReturns429(t *testing.T) {
	h, _ := newTestHandler()

	body := `{"tenant_id":"t1","client_id":"c1","action_type":"read","max_requests":1,"window_duration_seconds":60}`

	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.CheckAndConsume(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected first request to succeed with 200, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	rec2 := httptest.NewRecorder()
	h.CheckAndConsume(rec2, req2)
	if rec2.Code != 429 {
		t.Fatalf("expected 429 on denial, got %d", rec2.Code)
	}
}

func TestCheckAndConsume_MissingFieldReturns400(t *testing.T) {
	h, _ := newTestHandler()

	body := `{"tenant_id":"t1","client_id":"c1","max_requests":5,"window_duration_seconds":60}`
	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.CheckAndConsume(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing action_type, got %d", rec.Code)
	}
}

func TestCheckAndConsume_NonPositiveMaxRequestsReturns400(t *testing.T) {
	h, _ := newTestHandler()

	body := `{"tenant_id":"t1","client_id":"c1","action_type":"read","max_requests":0,"window_duration_seconds":60}`
	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.CheckAndConsume(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for non-positive max_requests, got %d", rec.Code)
	}
}

func TestCheckAndConsume_InvalidJSONReturns400(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()

	h.CheckAndConsume(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for invalid JSON, got %d", rec.Code)
	}
}

func TestCheckAndConsume_FallsBackToPolicyResolver(t *testing.T) {
	h, _ := newTestHandler()
	h.WithPolicyResolver(&stubResolver{
		policies: map[string]admission.Policy{"read": {MaxRequests: 5, WindowDuration: 60 * time.Second}},
	})

	body := `{"tenant_id":"t1","client_id":"c1","action_type":"read"}`
	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.CheckAndConsume(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200 when the resolver has a policy for this action, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCheckAndConsume_ResolverWithNoPolicyReturns400(t *testing.T) {
	h, _ := newTestHandler()
	h.WithPolicyResolver(&stubResolver{policies: map[string]admission.Policy{}})

	body := `{"tenant_id":"t1","client_id":"c1","action_type":"read"}`
	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.CheckAndConsume(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 when neither the request nor the resolver has a policy, got %d", rec.Code)
	}
}

func TestCheckAndConsume_ResolverErrorReturns503(t *testing.T) {
	h, _ := newTestHandler()
	h.WithPolicyResolver(&stubResolver{err: errors.New("policy database unreachable")})

	body := `{"tenant_id":"t1","client_id":"c1","action_type":"read"}`
	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.CheckAndConsume(rec, req)
	if rec.Code != 503 {
		t.Fatalf("expected 503 when the resolver errors, got %d", rec.Code)
	}
}

func TestStatus_FallsBackToPolicyResolver(t *testing.T) {
	h, _ := newTestHandler()
	h.WithPolicyResolver(&stubResolver{
		policies: map[string]admission.Policy{"read": {MaxRequests: 5, WindowDuration: 60 * time.Second}},
	})

	req := httptest.NewRequest("GET", "/status/t1/c1/read", nil)
	rec := httptest.NewRecorder()

	h.Status(rec, req, "t1", "c1", "read")
	if rec.Code != 200 {
		t.Fatalf("expected 200 when the resolver has a policy for this action, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RateLimit.MaxRequests != 5 {
		t.Errorf("expected max_requests 5 from the resolver, got %d", resp.RateLimit.MaxRequests)
	}
}

func TestStatus_OK(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest("GET", "/status/t1/c1/read?max_requests=5&window_duration_seconds=60", nil)
	rec := httptest.NewRecorder()

	h.Status(rec, req, "t1", "c1", "read")
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RateLimit.MaxRequests != 5 {
		t.Errorf("expected max_requests 5, got %d", resp.RateLimit.MaxRequests)
	}
}

func TestStatus_MissingQueryParamsReturns400(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest("GET", "/status/t1/c1/read", nil)
	rec := httptest.NewRecorder()

	h.Status(rec, req, "t1", "c1", "read")
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRoutes_MountsBothEndpoints(t *testing.T) {
	h, _ := newTestHandler()
	mux := h.Routes()

	body := `{"tenant_id":"t1","client_id":"c1","action_type":"read","max_requests":5,"window_duration_seconds":60}`
	req := httptest.NewRequest("POST", "/check_and_consume", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200 from mounted route, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/status/t1/c1/read?max_requests=5&window_duration_seconds=60", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != 200 {
		t.Fatalf("expected 200 from mounted status route, got %d", rec2.Code)
	}
}
