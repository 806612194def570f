// Package store keeps one sync state record per entity and tells
// subscribers about every accepted change. It is the only owner of
// SyncState records; all status and progress writes go through the
// sync state machine.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/fin-sync/internal/errors"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/syncmachine"
)

// ChangeType says what happened to an entity.
type ChangeType int

const (
	ChangeUpserted ChangeType = iota
	ChangeUpdated
	ChangeRemoved
)

func (c ChangeType) String() string {
	switch c {
	case ChangeUpserted:
		return "upserted"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	}

	return fmt.Sprintf("ChangeType(%d)", int(c))
}

// Change is delivered to subscribers after an accepted mutation. State is
// the new record, or the last record for ChangeRemoved.
type Change struct {
	Type  ChangeType
	State models.SyncState
}

// Subscriber receives changes in mutation order. It runs synchronously
// on the mutating goroutine and must not call mutating store methods.
type Subscriber func(Change)

// Store is an arena of sync states keyed by entity id.
type Store struct {
	mu       sync.RWMutex
	entities map[string]models.SyncState
	removed  map[string]struct{}

	// notifyMu serialises mutate-then-notify so subscribers see changes
	// in the same order they were applied.
	notifyMu sync.Mutex
	subsMu   sync.RWMutex
	subs     map[int]Subscriber
	nextSub  int

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		entities: make(map[string]models.SyncState),
		removed:  make(map[string]struct{}),
		subs:     make(map[int]Subscriber),
		now:      time.Now,
		logger:   logger,
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Subscriber) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subsMu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	fns := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Upsert registers an entity, or starts a new run for a known one when
// initialStatus is QUEUED. Registering clears any earlier removal, so
// events for the entity are accepted again. initialStatus must be IDLE or
// QUEUED.
func (s *Store) Upsert(entityID string, kind models.EntityKind, initialStatus models.SyncStatus) error {
	return s.UpsertJob(entityID, kind, initialStatus, "")
}

// UpsertJob is Upsert with the server job id that seeded the run.
func (s *Store) UpsertJob(entityID string, kind models.EntityKind, initialStatus models.SyncStatus, jobID string) error {
	if entityID == "" {
		return fmt.Errorf("%w: empty entity id", syncerr.ErrInvalidEvent)
	}

	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", syncerr.ErrInvalidEvent, kind)
	}

	if initialStatus != models.StatusIdle && initialStatus != models.StatusQueued {
		return fmt.Errorf("%w: cannot register with status %s", syncerr.ErrInvalidEvent, initialStatus)
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	cur, known := s.entities[entityID]
	delete(s.removed, entityID)

	if !known {
		cur = syncmachine.New(entityID, kind)
	} else if cur.Kind != kind {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is a %s, not a %s", syncerr.ErrInvalidEvent, entityID, cur.Kind, kind)
	}

	next := cur
	changed := !known

	if initialStatus == models.StatusQueued {
		var (
			runChanged bool
			err        error
		)

		next, runChanged, err = syncmachine.Transition(cur, models.Event{
			EntityID: entityID,
			Kind:     kind,
			Status:   models.StatusQueued,
			JobID:    jobID,
		}, s.now())
		if err != nil {
			s.mu.Unlock()
			return err
		}

		changed = changed || runChanged
	}

	if changed {
		s.entities[entityID] = next
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}

	typ := ChangeUpdated
	if !known {
		typ = ChangeUpserted
	}

	s.notify(Change{Type: typ, State: next.Clone()})

	return nil
}

// ApplyEvent validates ev against the entity's state machine and stores
// the result. Rejections are logged and returned; they never panic and
// leave the stored state untouched. Events for removed entities, and
// non-QUEUED events for unknown ones, are dropped.
func (s *Store) ApplyEvent(ev models.Event) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if _, gone := s.removed[ev.EntityID]; gone {
		s.mu.Unlock()
		s.logger.Debug("dropping event for removed entity",
			slog.String("entity_id", ev.EntityID),
			slog.String("status", string(ev.Status)),
		)

		return fmt.Errorf("%w: %s", syncerr.ErrEntityRemoved, ev.EntityID)
	}

	cur, known := s.entities[ev.EntityID]
	if !known {
		// Late registration: a stream QUEUED event may beat the seed
		// response that would have registered the entity.
		if ev.Status != models.StatusQueued || ev.EntityID == "" || !ev.Kind.Valid() {
			s.mu.Unlock()
			s.logger.Debug("dropping event for unknown entity",
				slog.String("entity_id", ev.EntityID),
				slog.String("status", string(ev.Status)),
			)

			return fmt.Errorf("%w: %s", syncerr.ErrUnknownEntity, ev.EntityID)
		}

		cur = syncmachine.New(ev.EntityID, ev.Kind)
	}

	next, changed, err := syncmachine.Transition(cur, ev, s.now())
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("rejected sync event",
			slog.String("entity_id", ev.EntityID),
			slog.String("status", string(ev.Status)),
			slog.Int("progress", ev.Progress),
			slog.String("current", string(cur.Status)),
			slog.String("error", err.Error()),
		)

		return err
	}

	changed = changed || !known
	if changed {
		s.entities[ev.EntityID] = next
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}

	typ := ChangeUpdated
	if !known {
		typ = ChangeUpserted
	}

	s.notify(Change{Type: typ, State: next.Clone()})

	return nil
}

// Get returns a copy of the entity's state.
func (s *Store) Get(entityID string) (models.SyncState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.entities[entityID]
	if !ok {
		return models.SyncState{}, false
	}

	return st.Clone(), true
}

// Remove forgets the entity. Later events for it are dropped until it is
// registered again.
func (s *Store) Remove(entityID string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	st, ok := s.entities[entityID]
	delete(s.entities, entityID)
	s.removed[entityID] = struct{}{}
	s.mu.Unlock()

	if ok {
		s.notify(Change{Type: ChangeRemoved, State: st.Clone()})
	}
}

// ListByStatus returns copies of every state matching pred, sorted by
// entity id. A nil pred matches everything.
func (s *Store) ListByStatus(pred func(models.SyncStatus) bool) []models.SyncState {
	s.mu.RLock()
	out := make([]models.SyncState, 0, len(s.entities))

	for _, st := range s.entities {
		if pred == nil || pred(st.Status) {
			out = append(out, st.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })

	return out
}

// Snapshot returns every tracked state.
func (s *Store) Snapshot() []models.SyncState {
	return s.ListByStatus(nil)
}

// Each calls fn for every tracked state in no particular order, holding
// the read lock. fn must not call back into the store or modify the
// state's slices.
func (s *Store) Each(fn func(models.SyncState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.entities {
		fn(st)
	}
}

// Len returns the number of tracked entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entities)
}

// AnyInFlightSince reports whether some entity is queued or mid-run in a
// run that started after cutoff. Runs started earlier are treated as
// abandoned. A zero cutoff counts every in-flight run.
func (s *Store) AnyInFlightSince(cutoff time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.entities {
		if st.Status.InFlight() && st.StartedAt.After(cutoff) {
			return true
		}
	}

	return false
}

// Restore loads persisted states, typically at startup. Runs that were in
// flight when the process stopped come back as IDLE since their progress
// events are gone. Invalid records are skipped.
func (s *Store) Restore(states []models.SyncState) int {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	var restored []models.SyncState

	s.mu.Lock()
	for _, st := range states {
		if st.EntityID == "" || !st.Kind.Valid() {
			continue
		}

		if st.Status.InFlight() {
			st = syncmachine.New(st.EntityID, st.Kind)
		}

		if err := syncmachine.Validate(st); err != nil {
			s.logger.Warn("skipping invalid persisted state",
				slog.String("entity_id", st.EntityID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if _, exists := s.entities[st.EntityID]; exists {
			continue
		}

		s.entities[st.EntityID] = st.Clone()
		restored = append(restored, st.Clone())
	}
	s.mu.Unlock()

	for _, st := range restored {
		s.notify(Change{Type: ChangeUpserted, State: st})
	}

	return len(restored)
}
