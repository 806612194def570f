package state

import (
	"log/slog"

	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/store"
)

// Track mirrors store changes into the database so the last known state of
// every entity survives a restart. Progress updates in the middle of a run
// are skipped; only run boundaries and removals are written. Returns the
// unsubscribe function.
func (s *State) Track(st *store.Store, logger *slog.Logger) func() {
	return st.Subscribe(func(c store.Change) {
		var err error

		switch {
		case c.Type == store.ChangeRemoved:
			err = s.DeleteEntity(c.State.EntityID)
		case persistable(c.State.Status):
			err = s.SaveEntity(c.State)
		default:
			return
		}

		if err != nil {
			logger.Warn("failed to persist entity state",
				slog.String("entity_id", c.State.EntityID),
				slog.String("change", c.Type.String()),
				slog.String("error", err.Error()),
			)
		}
	})
}

func persistable(status models.SyncStatus) bool {
	return status == models.StatusIdle || status == models.StatusQueued || status.IsTerminal()
}

// RestoreInto loads persisted entities into st.
func (s *State) RestoreInto(st *store.Store) (int, error) {
	states, err := s.AllEntities()
	if err != nil {
		return 0, err
	}

	return st.Restore(states), nil
}
