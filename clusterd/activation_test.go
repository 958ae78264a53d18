package clusterd

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilnhq/swarm"
)

// countingHandler counts Init calls, for verifying activation dedup.
type countingHandler struct {
	collectHandler
	inits *int64
}

func (h *countingHandler) Init(cfg string) bool {
	atomic.AddInt64(h.inits, 1)
	return true
}

func TestActivation_GateDedup(t *testing.T) {
	n := testNode(t)

	var inits int64
	n.server.RegisterHandler("gated", func() swarm.Handler {
		return &countingHandler{inits: &inits}
	})

	const N = 10
	var wg sync.WaitGroup
	ids := make([]swarm.ServiceID, N)
	errs := make([]error, N)

	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id, err := n.Activate("gated", "", true)
			ids[idx] = id
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < N; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: unexpected error: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("goroutine %d returned a different service id: %v != %v", i, ids[i], ids[0])
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&inits); got != 1 {
		t.Fatalf("expected exactly 1 Init call, got %d", got)
	}
}

func TestActivation_UnregisteredType(t *testing.T) {
	n := testNode(t)

	id, err := n.Activate("missing", "", true)
	if id != 0 {
		t.Fatalf("expected zero id for unregistered type, got %v", id)
	}
	if err != ErrUnregisteredServiceType {
		t.Fatalf("expected ErrUnregisteredServiceType, got %v", err)
	}
}

func TestActivation_IdempotentAfterFirstActivate(t *testing.T) {
	n := testNode(t)

	var inits int64
	n.server.RegisterHandler("idempotent", func() swarm.Handler {
		return &countingHandler{inits: &inits}
	})

	id1, err := n.Activate("idempotent", "", true)
	if err != nil {
		t.Fatalf("first activate: %v", err)
	}

	id2, err := n.Activate("idempotent", "", true)
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the same service id on re-activation, got %v and %v", id1, id2)
	}

	if got := atomic.LoadInt64(&inits); got != 1 {
		t.Fatalf("expected exactly 1 Init call across both activations, got %d", got)
	}
}

func TestActivation_OwnedTracksActivation(t *testing.T) {
	n := testNode(t)
	n.server.RegisterHandler("tracked", func() swarm.Handler { return &collectHandler{} })

	if _, err := n.Activate("tracked", "", true); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, ok := n.owned.Load("tracked"); !ok {
		t.Fatal("expected tracked to be recorded in owned map after activation")
	}
}

func TestActivation_FrozenNodeRejectsActivate(t *testing.T) {
	n := testNode(t)
	n.server.RegisterHandler("frozen-target", func() swarm.Handler { return &collectHandler{} })

	n.config.FreezeGracePeriod = 10 * time.Millisecond
	n.Freeze()

	_, err := n.Activate("frozen-target", "", true)
	if err != ErrNodeFrozen {
		t.Fatalf("expected ErrNodeFrozen, got %v", err)
	}
}

func TestLocate_StandaloneNoOwner(t *testing.T) {
	n := testNode(t)

	_, err := n.Locate("anything")
	if err != ErrNoOwner {
		t.Fatalf("expected ErrNoOwner in standalone mode, got %v", err)
	}
}
