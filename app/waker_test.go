package app

import (
	"testing"
	"time"

	"github.com/atrun-project/atrun/endpoint"
)

func TestWakerQueue_PopReadyOrdersByTime(t *testing.T) {
	q := newWakerQueue()
	now := time.Now()
	epA := &endpoint.Endpoint{}
	epB := &endpoint.Endpoint{}

	q.register(epB, now.Add(10*time.Millisecond))
	q.register(epA, now)

	ready := q.popReady(now.Add(20 * time.Millisecond))
	if len(ready) != 2 {
		t.Fatalf("expected both endpoints ready, got %d", len(ready))
	}
	if ready[0] != epA || ready[1] != epB {
		t.Fatal("expected endpoints popped in time order")
	}
}

func TestWakerQueue_PopReadySkipsFuture(t *testing.T) {
	q := newWakerQueue()
	now := time.Now()
	ep := &endpoint.Endpoint{}
	q.register(ep, now.Add(time.Hour))

	ready := q.popReady(now)
	if len(ready) != 0 {
		t.Fatalf("expected no endpoints ready, got %d", len(ready))
	}
}

func TestWakerQueue_SupersededRegistrationSkipsStaleEntry(t *testing.T) {
	q := newWakerQueue()
	now := time.Now()
	ep := &endpoint.Endpoint{}

	q.register(ep, now)
	q.register(ep, now.Add(time.Hour))

	ready := q.popReady(now)
	if len(ready) != 0 {
		t.Fatalf("expected the stale near-term entry to be skipped, got %d ready", len(ready))
	}

	ready = q.popReady(now.Add(time.Hour))
	if len(ready) != 1 || ready[0] != ep {
		t.Fatalf("expected the superseding entry to fire once, got %d", len(ready))
	}
}

func TestWakerQueue_NextWake(t *testing.T) {
	q := newWakerQueue()
	if !q.nextWake().IsZero() {
		t.Fatal("expected zero time for empty queue")
	}
	now := time.Now()
	q.register(&endpoint.Endpoint{}, now)
	if q.nextWake() != now {
		t.Fatal("expected nextWake to report the registered time")
	}
}
