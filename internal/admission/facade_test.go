package admission

import (
	"context"
	"testing"
	"time"

	"github.com/saidutt46/admission-controller/internal/loadmanager"
	"github.com/saidutt46/admission-controller/internal/ratelimit"
)

func newFacade(gate, queue, shards int) *Facade {
	return New(ratelimit.New(shards), loadmanager.New(gate, queue))
}

func TestFacade_ProcessedWhenGateHasRoom(t *testing.T) {
	f := newFacade(10, 10, 4)
	defer f.Shutdown()

	k := Key{TenantID: "t1", ClientID: "c1", ActionType: "read"}
	p := Policy{MaxRequests: 2, WindowDuration: time.Minute}

	res := f.CheckAndConsume(k, p)
	if res.Status != Processed {
		t.Fatalf("expected Processed, got %s", res.Status)
	}
	if !res.Allowed {
		t.Fatal("expected first request to be allowed")
	}
}

func TestFacade_DeniedByRateLimitStillProcessed(t *testing.T) {
	f := newFacade(10, 10, 4)
	defer f.Shutdown()

	k := Key{TenantID: "t1", ClientID: "c1", ActionType: "read"}
	p := Policy{MaxRequests: 1, WindowDuration: time.Minute}

	f.CheckAndConsume(k, p)
	res := f.CheckAndConsume(k, p)

	if res.Status != Processed {
		t.Fatalf("expected Processed even when denied, got %s", res.Status)
	}
	if res.Allowed {
		t.Fatal("expected second request to be denied by the rate limit")
	}
}

func TestFacade_QueuedRequestIsActuallyRateLimited(t *testing.T) {
	f := newFacade(1, 10, 4)
	defer f.Shutdown()

	k := Key{TenantID: "t1", ClientID: "c1", ActionType: "read"}
	p := Policy{MaxRequests: 1, WindowDuration: time.Minute}

	// Prime the window directly so the queued evaluation should be denied.
	f.swl.CheckAndConsume(k, p)

	// Occupy the only global slot so the next CheckAndConsume must queue.
	if !f.lm.TryAcquire("blocker") {
		t.Fatal("expected to occupy the only global slot")
	}

	res := f.CheckAndConsume(k, p)
	if res.Status != Queued {
		t.Fatalf("expected Queued, got %s", res.Status)
	}
	if res.Handle == nil {
		t.Fatal("expected a handle for a queued request")
	}

	// Free the slot so the scheduler can run the queued evaluation.
	f.lm.Release("blocker")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	final, err := f.Await(ctx, res.Handle)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if final.Allowed {
		t.Fatal("expected the queued request to be denied: the window was already at its limit")
	}
}

func TestFacade_RejectedWhenQueueFull(t *testing.T) {
	f := newFacade(1, 1, 4)
	defer f.Shutdown()

	if !f.lm.TryAcquire("blocker") {
		t.Fatal("expected to occupy the only global slot")
	}

	k := Key{TenantID: "t1", ClientID: "c1", ActionType: "read"}
	p := Policy{MaxRequests: 10, WindowDuration: time.Minute}

	first := f.CheckAndConsume(k, p)
	if first.Status != Queued {
		t.Fatalf("expected first over-capacity request to queue, got %s", first.Status)
	}

	second := f.CheckAndConsume(k, p)
	if second.Status != Rejected {
		t.Fatalf("expected second request to be rejected: queue is full, got %s", second.Status)
	}
}

func TestFacade_ShutdownResolvesQueuedRequests(t *testing.T) {
	f := newFacade(0, 10, 4) // global gate permanently closed; request stays queued

	k := Key{TenantID: "t1", ClientID: "c1", ActionType: "read"}
	p := Policy{MaxRequests: 10, WindowDuration: time.Minute}

	res := f.CheckAndConsume(k, p)
	if res.Status != Queued {
		t.Fatalf("expected Queued, got %s", res.Status)
	}
	if res.Handle == nil {
		t.Fatal("expected a handle for a queued request")
	}

	f.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	final, err := f.Await(ctx, res.Handle)
	if err != nil {
		t.Fatalf("Await should resolve once Shutdown abandons the pending request, got error: %v", err)
	}
	if final.Status != Rejected {
		t.Fatalf("expected a shutdown-abandoned request to resolve to Rejected, got %s", final.Status)
	}
	if final.Allowed {
		t.Fatal("expected Allowed=false for a shutdown-abandoned request")
	}
}

func TestFacade_Status(t *testing.T) {
	f := newFacade(10, 10, 4)
	defer f.Shutdown()

	k := Key{TenantID: "t1", ClientID: "c1", ActionType: "read"}
	p := Policy{MaxRequests: 5, WindowDuration: time.Minute}

	f.CheckAndConsume(k, p)
	snap := f.Status(k, p)

	if snap.CurrentCount != 1 {
		t.Errorf("expected current count 1, got %d", snap.CurrentCount)
	}
	if snap.MaxRequests != 5 {
		t.Errorf("expected max requests 5, got %d", snap.MaxRequests)
	}
}
