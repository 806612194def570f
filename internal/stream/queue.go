package stream

import (
	"context"
	"slices"
	"sync"

	"github.com/alexjbarnes/fin-sync/internal/models"
)

// eventQueue is a bounded FIFO between the connection and the store.
// When it is full, an incoming progress event is folded into the pending
// progress event of the same entity in place. Lifecycle events (QUEUED,
// COMPLETED, FAILED) are never replaced or dropped: if nothing can be
// folded, push blocks until the dispatcher makes room.
// Events for one entity always leave in the order they arrived.
type eventQueue struct {
	mu        sync.Mutex
	items     []models.Event
	limit     int
	coalesced int
	ready     chan struct{}
	space     chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	if limit < 1 {
		limit = 1
	}

	return &eventQueue{
		items: make([]models.Event, 0, limit),
		limit: limit,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// foldable reports whether ev only carries intermediate progress.
func foldable(ev models.Event) bool {
	return ev.Status.IsActive()
}

// push adds ev, blocking while the queue is full and ev cannot be folded
// into a pending event. coalesced is true when ev replaced a pending
// event instead of taking a new slot.
func (q *eventQueue) push(ctx context.Context, ev models.Event) (coalesced bool, err error) {
	for {
		q.mu.Lock()

		if len(q.items) < q.limit {
			q.items = append(q.items, ev)
			q.signal(q.ready)
			q.mu.Unlock()

			return false, nil
		}

		if i := q.lastFor(ev.EntityID); i >= 0 && foldable(ev) && foldable(q.items[i]) {
			q.items[i] = fold(q.items[i], ev)
			q.coalesced++
			q.mu.Unlock()

			return true, nil
		}

		q.mu.Unlock()

		select {
		case <-q.space:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// lastFor returns the index of the newest pending event for id, or -1.
func (q *eventQueue) lastFor(id string) int {
	for i := len(q.items) - 1; i >= 0; i-- {
		if q.items[i].EntityID == id {
			return i
		}
	}

	return -1
}

// fold merges a newer progress event into an older one for the same
// entity. Progress keeps its high-water mark and synced items accumulate.
func fold(older, newer models.Event) models.Event {
	out := newer
	out.Progress = max(older.Progress, newer.Progress)

	if out.Kind == "" {
		out.Kind = older.Kind
	}

	if out.JobID == "" {
		out.JobID = older.JobID
	}

	items := slices.Clone(older.SyncedItems)
	for _, it := range newer.SyncedItems {
		if !slices.Contains(items, it) {
			items = append(items, it)
		}
	}

	out.SyncedItems = items

	return out
}

func (q *eventQueue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// pop blocks until an event is available or ctx is done.
func (q *eventQueue) pop(ctx context.Context) (models.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = models.Event{}
			q.items = q.items[1:]

			if len(q.items) > 0 {
				q.signal(q.ready)
			}

			q.signal(q.space)
			q.mu.Unlock()

			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *eventQueue) coalescedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.coalesced
}
