package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	syncerr "github.com/alexjbarnes/fin-sync/internal/errors"
	"github.com/alexjbarnes/fin-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.fin-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	gateBucket     = []byte("gate")
	autosyncKey    = []byte("autosync")
	entitiesBucket = []byte("entities")
)

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.fin-sync/state.db, creating it if it
// does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(gateBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(entitiesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DefaultPath returns ~/.fin-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".fin-sync", "state.db"), nil
}

// LoadGate returns the auto-sync gate record, or the zero record if none
// was written yet.
func (s *State) LoadGate() (models.GateRecord, error) {
	var rec models.GateRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = readGate(tx)

		return err
	})

	return rec, err
}

// UpdateGate runs fn against the current gate record inside a single
// write transaction. When fn returns true the modified record is stored.
// Bolt serialises writers, so the read-check-write is atomic for every
// coordinator sharing this database.
func (s *State) UpdateGate(fn func(*models.GateRecord) bool) (models.GateRecord, bool, error) {
	var (
		rec     models.GateRecord
		written bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := readGate(tx)
		if err != nil {
			return err
		}

		if !fn(&cur) {
			rec = cur
			return nil
		}

		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}

		if err := tx.Bucket(gateBucket).Put(autosyncKey, data); err != nil {
			return err
		}

		rec = cur
		written = true

		return nil
	})
	if err != nil {
		return models.GateRecord{}, false, fmt.Errorf("updating gate: %w", err)
	}

	return rec, written, nil
}

func readGate(tx *bolt.Tx) (models.GateRecord, error) {
	var rec models.GateRecord

	v := tx.Bucket(gateBucket).Get(autosyncKey)
	if v == nil {
		return rec, nil
	}

	if err := json.Unmarshal(v, &rec); err != nil {
		return models.GateRecord{}, fmt.Errorf("%w: %v", syncerr.ErrGateCorrupt, err)
	}

	return rec, nil
}

// SaveEntity persists the latest state of one entity.
func (s *State) SaveEntity(st models.SyncState) error {
	if st.EntityID == "" {
		return fmt.Errorf("entity id is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		return tx.Bucket(entitiesBucket).Put([]byte(st.EntityID), data)
	})
}

// DeleteEntity removes a persisted entity.
func (s *State) DeleteEntity(entityID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entitiesBucket).Delete([]byte(entityID))
	})
}

// AllEntities returns every persisted entity state.
func (s *State) AllEntities() ([]models.SyncState, error) {
	var out []models.SyncState

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entitiesBucket).ForEach(func(k, v []byte) error {
			var st models.SyncState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decoding entity %s: %w", k, err)
			}

			out = append(out, st)

			return nil
		})
	})

	return out, err
}
