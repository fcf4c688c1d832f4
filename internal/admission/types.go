// Package admission composes the sliding-window rate counter and the
// tenant load manager into the single entry point callers use to ask
// "can this request proceed".
package admission

import (
	"time"

	"github.com/saidutt46/admission-controller/internal/ratelimit"
)

// Key identifies the caller and the action being attempted.
type Key = ratelimit.Key

// Policy bounds a key's admission rate.
type Policy = ratelimit.Policy

// Status describes what happened to an admission attempt.
type Status string

const (
	// Processed means the request was evaluated by the sliding window and
	// either admitted or denied. CheckAndConsume returns it for a request
	// that got a gate slot immediately; the outcome of a queued request,
	// read through Facade.Await, also carries it once the request ran.
	Processed Status = "processed"
	// Queued means the global gate was at capacity and the request was
	// placed on its tenant's queue to be evaluated once a slot frees up.
	Queued Status = "queued"
	// Rejected means the request could not be queued (its tenant's queue
	// was already full, or the load manager was shutting down), or, read
	// through Facade.Await, that it was still queued at shutdown.
	Rejected Status = "rejected"
)

// Result is the outcome of a CheckAndConsume call.
type Result struct {
	Status            Status
	Allowed           bool
	RemainingRequests int
	ResetTime         time.Time
	HasResetTime      bool

	// Handle is set only when Status is Queued. Callers that need the
	// eventual outcome of a queued request read it via Facade.Await.
	Handle *Handle
}

// QueueSnapshot mirrors loadmanager.QueueStatus without exposing that
// package's internal types to admission callers.
type QueueSnapshot struct {
	TenantID          string
	QueueLength       int
	MaxQueueSize      int
	TenantInFlight    int
	GlobalInFlight    int
	MaxGlobalInFlight int
}

// StatusSnapshot composes a read-only view of a key's rate-limit window
// and its tenant's queue occupancy, mirroring the original service's
// combined status response.
type StatusSnapshot struct {
	Key               Key
	CurrentCount      int
	MaxRequests       int
	RemainingRequests int
	WindowDuration    time.Duration
	Queue             QueueSnapshot
}
