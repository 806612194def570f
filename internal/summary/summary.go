// Package summary derives display statistics from the sync state store.
package summary

import (
	"math"
	"sync"
	"time"

	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/store"
)

// Counts groups entities by coarse bucket.
type Counts struct {
	Total          int `json:"total"`
	Idle           int `json:"idle"`
	QueuedOrActive int `json:"queuedOrActive"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
}

func (c *Counts) add(b models.Bucket) {
	c.Total++

	switch b {
	case models.BucketQueuedOrActive:
		c.QueuedOrActive++
	case models.BucketCompleted:
		c.Completed++
	case models.BucketFailed:
		c.Failed++
	default:
		c.Idle++
	}
}

// Summary is the aggregate view consumed by status displays.
type Summary struct {
	Counts
	AverageProgress int                          `json:"averageProgress"`
	HasActiveSync   bool                         `json:"hasActiveSync"`
	LastSyncAt      time.Time                    `json:"lastSyncAt,omitzero"`
	ByKind          map[models.EntityKind]Counts `json:"byKind"`
}

// accumulator builds a Summary one state at a time.
type accumulator struct {
	sum         Summary
	progressSum int
	active      int
}

func newAccumulator() *accumulator {
	return &accumulator{sum: Summary{ByKind: make(map[models.EntityKind]Counts, 2)}}
}

func (a *accumulator) add(st models.SyncState) {
	b := st.Status.Bucket()
	a.sum.add(b)

	kc := a.sum.ByKind[st.Kind]
	kc.add(b)
	a.sum.ByKind[st.Kind] = kc

	// QUEUED entities are counted but not averaged.
	if st.Status.IsActive() {
		a.progressSum += st.Progress
		a.active++
	}

	if st.CompletedAt.After(a.sum.LastSyncAt) {
		a.sum.LastSyncAt = st.CompletedAt
	}
}

func (a *accumulator) result() Summary {
	s := a.sum
	s.HasActiveSync = s.QueuedOrActive > 0

	if a.active > 0 {
		s.AverageProgress = int(math.Round(float64(a.progressSum) / float64(a.active)))
	}

	return s
}

// Compute aggregates states in a single pass. The average covers entities
// in an active phase only and is rounded to the nearest integer.
func Compute(states []models.SyncState) Summary {
	acc := newAccumulator()
	for _, st := range states {
		acc.add(st)
	}

	return acc.result()
}

// fromStore computes a summary straight from the store without copying
// or sorting its entities.
func fromStore(st *store.Store) Summary {
	acc := newAccumulator()
	st.Each(acc.add)

	return acc.result()
}

// Listener is told about every recomputed summary.
type Listener func(Summary)

// Watcher keeps a summary current by recomputing it on every store
// mutation.
type Watcher struct {
	store       *store.Store
	unsubscribe func()

	mu        sync.RWMutex
	latest    Summary
	listeners []Listener
}

// NewWatcher computes an initial summary and subscribes to st. Call Close
// to unsubscribe.
func NewWatcher(st *store.Store) *Watcher {
	w := &Watcher{store: st}
	w.latest = fromStore(st)
	w.unsubscribe = st.Subscribe(func(store.Change) { w.recompute() })

	return w
}

func (w *Watcher) recompute() {
	sum := fromStore(w.store)

	w.mu.Lock()
	w.latest = sum
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(sum)
	}
}

// Latest returns the most recent summary.
func (w *Watcher) Latest() Summary {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.latest
}

// OnChange registers fn for future recomputations.
func (w *Watcher) OnChange(fn Listener) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Close stops tracking the store.
func (w *Watcher) Close() {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}
