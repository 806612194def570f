// Package syncmachine holds the per-entity sync transition rules. It does
// no I/O: callers pass the current state, the incoming event, and the
// clock reading, and get back the next state or a rejection.
package syncmachine

import (
	"fmt"
	"slices"
	"time"

	syncerr "github.com/alexjbarnes/fin-sync/internal/errors"
	"github.com/alexjbarnes/fin-sync/internal/models"
)

const (
	// maxActiveProgress is the highest progress an unfinished run may
	// report. 100 belongs to COMPLETED alone.
	maxActiveProgress = 99

	// defaultFailure fills in FAILED events that arrive without a reason.
	defaultFailure = "sync failed"
)

// New returns the initial state for a freshly registered entity.
func New(entityID string, kind models.EntityKind) models.SyncState {
	return models.SyncState{
		EntityID: entityID,
		Kind:     kind,
		Status:   models.StatusIdle,
	}
}

// Transition applies ev to cur. It returns the next state and whether
// anything changed. A non-nil error means the event was rejected and cur
// must be kept as is.
func Transition(cur models.SyncState, ev models.Event, now time.Time) (models.SyncState, bool, error) {
	if err := validateEvent(cur, ev); err != nil {
		return cur, false, err
	}

	var (
		next models.SyncState
		err  error
	)

	switch {
	case ev.Status == models.StatusQueued:
		next = startRun(cur, ev, now)
	case ev.Status.IsActive():
		next, err = advance(cur, ev, now)
	case ev.Status == models.StatusCompleted:
		next, err = complete(cur, ev, now)
	case ev.Status == models.StatusFailed:
		next, err = fail(cur, ev, now)
	default:
		err = fmt.Errorf("%w: status %s cannot be reported", syncerr.ErrInvalidEvent, ev.Status)
	}

	if err != nil {
		return cur, false, err
	}

	if err := Validate(next); err != nil {
		return cur, false, err
	}

	if next.Equal(cur) {
		return cur, false, nil
	}

	return next, true, nil
}

func validateEvent(cur models.SyncState, ev models.Event) error {
	if ev.EntityID != cur.EntityID {
		return fmt.Errorf("%w: event for %q applied to %q", syncerr.ErrInvalidEvent, ev.EntityID, cur.EntityID)
	}

	if !ev.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", syncerr.ErrInvalidEvent, ev.Status)
	}

	if ev.Progress < 0 || ev.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", syncerr.ErrInvalidEvent, ev.Progress)
	}

	if ev.Kind != "" && ev.Kind != cur.Kind {
		return fmt.Errorf("%w: kind %s does not match %s", syncerr.ErrInvalidEvent, ev.Kind, cur.Kind)
	}

	if !ev.Status.SupportsKind(cur.Kind) {
		return fmt.Errorf("%w: %s is not a %s phase", syncerr.ErrInvalidEvent, ev.Status, cur.Kind)
	}

	return nil
}

// startRun resets the entity for a new run. A duplicate QUEUED for a run
// that is still queued keeps the original start time.
func startRun(cur models.SyncState, ev models.Event, now time.Time) models.SyncState {
	next := models.SyncState{
		EntityID:  cur.EntityID,
		Kind:      cur.Kind,
		Status:    models.StatusQueued,
		Message:   ev.Message,
		StartedAt: now,
		JobID:     ev.JobID,
	}

	if cur.Status == models.StatusQueued {
		next.StartedAt = cur.StartedAt
		if next.JobID == "" {
			next.JobID = cur.JobID
		}
	}

	return next
}

func advance(cur models.SyncState, ev models.Event, now time.Time) (models.SyncState, error) {
	if cur.Status.IsTerminal() {
		return cur, fmt.Errorf("%w: %s after %s", syncerr.ErrTerminalRun, ev.Status, cur.Status)
	}

	progress := min(ev.Progress, maxActiveProgress)

	if cur.Status == ev.Status && progress < cur.Progress {
		return cur, fmt.Errorf("%w: %s %d < %d", syncerr.ErrStaleProgress, ev.Status, progress, cur.Progress)
	}

	next := cur.Clone()
	next.Status = ev.Status
	next.Message = ev.Message
	// A new phase restarts its own measurement, so a lower figure is not
	// stale, but the run's progress holds its high-water mark.
	next.Progress = max(progress, cur.Progress)

	if next.StartedAt.IsZero() {
		next.StartedAt = now
	}

	if ev.JobID != "" {
		next.JobID = ev.JobID
	}

	if len(ev.SyncedItems) > 0 {
		next.SyncedItems = mergeItems(next.SyncedItems, ev.SyncedItems)
	}

	return next, nil
}

func complete(cur models.SyncState, ev models.Event, now time.Time) (models.SyncState, error) {
	switch cur.Status {
	case models.StatusFailed:
		return cur, fmt.Errorf("%w: COMPLETED after FAILED", syncerr.ErrTerminalRun)
	case models.StatusCompleted:
		if ev.Message == cur.Message && (len(ev.SyncedItems) == 0 || slices.Equal(ev.SyncedItems, cur.SyncedItems)) {
			return cur, nil
		}

		return cur, fmt.Errorf("%w: conflicting COMPLETED replay", syncerr.ErrTerminalRun)
	}

	// Only a run that reached an active phase can complete.
	if !cur.Status.IsActive() {
		return cur, fmt.Errorf("%w: COMPLETED from %s", syncerr.ErrInvalidEvent, cur.Status)
	}

	next := cur.Clone()
	next.Status = models.StatusCompleted
	next.Progress = 100
	next.Message = ev.Message
	next.Error = ""
	next.CompletedAt = now

	if next.StartedAt.IsZero() {
		next.StartedAt = now
	}

	if len(ev.SyncedItems) > 0 {
		next.SyncedItems = slices.Clone(ev.SyncedItems)
	}

	return next, nil
}

func fail(cur models.SyncState, ev models.Event, now time.Time) (models.SyncState, error) {
	reason := ev.Error
	if reason == "" {
		reason = defaultFailure
	}

	switch cur.Status {
	case models.StatusCompleted:
		return cur, fmt.Errorf("%w: FAILED after COMPLETED", syncerr.ErrTerminalRun)
	case models.StatusFailed:
		if reason == cur.Error {
			return cur, nil
		}

		return cur, fmt.Errorf("%w: conflicting FAILED replay", syncerr.ErrTerminalRun)
	}

	next := cur.Clone()
	next.Status = models.StatusFailed
	next.Error = reason
	next.Message = ev.Message
	next.CompletedAt = now
	// Progress keeps whatever the run reached; it is below 100 because the
	// run never completed.
	next.Progress = min(next.Progress, maxActiveProgress)

	if next.StartedAt.IsZero() {
		next.StartedAt = now
	}

	return next, nil
}

// mergeItems appends items not already present, keeping first-seen order.
func mergeItems(have, add []string) []string {
	out := slices.Clone(have)
	for _, item := range add {
		if !slices.Contains(out, item) {
			out = append(out, item)
		}
	}

	return out
}

// Validate checks the record-level invariants every stored state obeys.
func Validate(s models.SyncState) error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", syncerr.ErrInvalidEvent, s.Status)
	}

	if (s.Progress == 100) != (s.Status == models.StatusCompleted) {
		return fmt.Errorf("%w: progress %d with status %s", syncerr.ErrInvalidEvent, s.Progress, s.Status)
	}

	if (s.Error != "") != (s.Status == models.StatusFailed) {
		return fmt.Errorf("%w: error %q with status %s", syncerr.ErrInvalidEvent, s.Error, s.Status)
	}

	if s.CompletedAt.IsZero() == s.Status.IsTerminal() {
		return fmt.Errorf("%w: completedAt inconsistent with status %s", syncerr.ErrInvalidEvent, s.Status)
	}

	return nil
}
