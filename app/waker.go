package app

import (
	"container/heap"
	"sync"
	"time"

	"github.com/atrun-project/atrun/endpoint"
)

// wakerItem is one scheduled wake-up: retry the endpoint's pending queue
// no earlier than at.
type wakerItem struct {
	ep    *endpoint.Endpoint
	at    time.Time
	index int
}

type wakerHeap []*wakerItem

func (h wakerHeap) Len() int            { return len(h) }
func (h wakerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h wakerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *wakerHeap) Push(x any) {
	item := x.(*wakerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *wakerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// wakerQueue is a priority queue of pending endpoint retries keyed by
// wake-time. Endpoints are held by reference (not by an id lookup) but
// each endpoint's entry is superseded by any later registration: a
// popped entry whose recorded time no longer matches the endpoint's most
// recently registered wake-time is a stale duplicate and is dropped
// rather than retried twice.
type wakerQueue struct {
	mu     sync.Mutex
	items  wakerHeap
	latest map[*endpoint.Endpoint]time.Time
}

func newWakerQueue() *wakerQueue {
	return &wakerQueue{latest: make(map[*endpoint.Endpoint]time.Time)}
}

// register schedules ep to be retried no earlier than at, superseding
// any previously registered wake-time for the same endpoint.
func (q *wakerQueue) register(ep *endpoint.Endpoint, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.latest[ep] = at
	heap.Push(&q.items, &wakerItem{ep: ep, at: at})
}

// popReady removes and returns every endpoint whose registered wake-time
// has arrived by now, skipping entries superseded by a later
// registration for the same endpoint.
func (q *wakerQueue) popReady(now time.Time) []*endpoint.Endpoint {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*endpoint.Endpoint
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		item := heap.Pop(&q.items).(*wakerItem)
		if current, ok := q.latest[item.ep]; ok && current.Equal(item.at) {
			delete(q.latest, item.ep)
			ready = append(ready, item.ep)
		}
	}
	return ready
}

// nextWake returns the earliest scheduled wake-time, or the zero time if
// the queue is empty.
func (q *wakerQueue) nextWake() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}
	}
	return q.items[0].at
}
