package models

import (
	"slices"
	"time"
)

// SyncState is the mutable record the store keeps for one entity.
//
// Invariants: Progress == 100 iff Status == COMPLETED; Error != "" iff
// Status == FAILED; CompletedAt is set iff Status is terminal.
type SyncState struct {
	EntityID    string     `json:"entityId"`
	Kind        EntityKind `json:"kind"`
	Status      SyncStatus `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt,omitzero"`
	CompletedAt time.Time  `json:"completedAt,omitzero"`
	SyncedItems []string   `json:"syncedItems,omitempty"`
	JobID       string     `json:"jobId,omitempty"`
}

// Clone returns a copy that shares no slices with s.
func (s SyncState) Clone() SyncState {
	s.SyncedItems = slices.Clone(s.SyncedItems)
	return s
}

// Equal compares every field, including synced items.
func (s SyncState) Equal(o SyncState) bool {
	return s.EntityID == o.EntityID &&
		s.Kind == o.Kind &&
		s.Status == o.Status &&
		s.Progress == o.Progress &&
		s.Message == o.Message &&
		s.Error == o.Error &&
		s.StartedAt.Equal(o.StartedAt) &&
		s.CompletedAt.Equal(o.CompletedAt) &&
		s.JobID == o.JobID &&
		slices.Equal(s.SyncedItems, o.SyncedItems)
}

// Event is one decoded progress notification from the event stream, or a
// locally synthesized one (seeding).
type Event struct {
	EntityID    string     `json:"entityId"`
	Kind        EntityKind `json:"kind"`
	Status      SyncStatus `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	SyncedItems []string   `json:"syncedItems,omitempty"`
	JobID       string     `json:"jobId,omitempty"`
}

// JobHandle is returned by the server when it accepts a sync request.
type JobHandle struct {
	EntityID string `json:"entityId"`
	JobID    string `json:"jobId"`
}
