package admission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/saidutt46/admission-controller/internal/loadmanager"
	"github.com/saidutt46/admission-controller/internal/ratelimit"
)

// Handle lets a caller read the eventual outcome of a request that was
// queued rather than processed immediately. The original service this is
// grounded on wrote a queued request's result into a map and never
// exposed a way to read it back out; Await closes that gap.
type Handle struct {
	ID     string
	result chan Result
}

// Facade is the single entry point for admission decisions. It composes
// a SlidingWindowLog (the rate counter) with a LoadManager (the
// concurrency gate and fairness scheduler).
type Facade struct {
	swl *ratelimit.SlidingWindowLog
	lm  *loadmanager.LoadManager
}

// New builds a Facade over the given collaborators. Both must already be
// constructed and, in the LoadManager's case, running its scheduler.
func New(swl *ratelimit.SlidingWindowLog, lm *loadmanager.LoadManager) *Facade {
	return &Facade{swl: swl, lm: lm}
}

// CheckAndConsume evaluates a single admission attempt for key under
// policy. If the global gate has room, the sliding window is consulted
// immediately and the result has Status Processed. If the gate is at
// capacity, the request is placed on its tenant's queue (Status Queued,
// with a Handle the caller can Await) — unless that queue is itself
// full, in which case the result has Status Rejected.
func (f *Facade) CheckAndConsume(k Key, p Policy) Result {
	if f.lm.TryAcquire(k.TenantID) {
		defer f.lm.Release(k.TenantID)
		return f.evaluate(k, p)
	}

	h := &Handle{ID: uuid.NewString(), result: make(chan Result, 1)}

	deliver := func(res Result) {
		select {
		case h.result <- res:
		default:
		}
	}

	_, ok := f.lm.Enqueue(k.TenantID, func(ctx context.Context) {
		res := f.evaluate(k, p)
		res.Status = Processed
		deliver(res)
	}, func() {
		// The manager shut down before this request got a turn: resolve
		// the handle to Rejected rather than leaving Await blocked forever.
		deliver(Result{Status: Rejected, Allowed: false})
	})
	if !ok {
		log.Debug().
			Str("component", "admission").
			Str("tenant_id", k.TenantID).
			Str("client_id", k.ClientID).
			Str("action_type", k.ActionType).
			Msg("request rejected: tenant queue at capacity")
		return Result{Status: Rejected, Allowed: false}
	}

	log.Debug().
		Str("component", "admission").
		Str("tenant_id", k.TenantID).
		Str("client_id", k.ClientID).
		Str("action_type", k.ActionType).
		Str("handle_id", h.ID).
		Msg("request queued: global gate at capacity")

	return Result{Status: Queued, Allowed: false, Handle: h}
}

// evaluate consults the sliding window directly. It is the single place
// both the immediate path and the queued-worker path go through, so a
// queued request is always actually rate-limited rather than assumed
// allowed once its turn comes.
func (f *Facade) evaluate(k Key, p Policy) Result {
	res := f.swl.CheckAndConsume(k, p)
	return Result{
		Status:            Processed,
		Allowed:           res.Allowed,
		RemainingRequests: res.RemainingRequests,
		ResetTime:         res.ResetTime,
		HasResetTime:      res.HasResetTime,
	}
}

// Await blocks until a queued request's handle resolves, or ctx is done.
func (f *Facade) Await(ctx context.Context, h *Handle) (Result, error) {
	if h == nil {
		return Result{}, fmt.Errorf("admission: nil handle")
	}
	select {
	case res := <-h.result:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Status returns a read-only snapshot combining the key's rate-limit
// window with its tenant's queue occupancy.
func (f *Facade) Status(k Key, p Policy) StatusSnapshot {
	swlStatus := f.swl.GetStatus(k, p)
	qStatus := f.lm.QueueStatus(k.TenantID)

	return StatusSnapshot{
		Key:               k,
		CurrentCount:      swlStatus.CurrentCount,
		MaxRequests:       swlStatus.MaxRequests,
		RemainingRequests: swlStatus.RemainingRequests,
		WindowDuration:    swlStatus.WindowDuration,
		Queue: QueueSnapshot{
			TenantID:          qStatus.TenantID,
			QueueLength:       qStatus.QueueLength,
			MaxQueueSize:      qStatus.MaxQueueSize,
			TenantInFlight:    qStatus.TenantInFlight,
			GlobalInFlight:    qStatus.GlobalInFlight,
			MaxGlobalInFlight: qStatus.MaxGlobalInFlight,
		},
	}
}

// Shutdown stops the underlying load manager's scheduler and resolves
// every request still sitting in a tenant queue to Rejected, so a caller
// blocked in Await never waits forever on a request that shutdown
// abandoned before it got a turn.
func (f *Facade) Shutdown() {
	f.lm.Shutdown()
}
