// Package gate provides a file-backed auto-sync gate. Several processes
// may share one gate file the way browser tabs share local storage: reads
// and writes are whole-file and last writer wins, and every process is
// told when another one changes the file.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	syncerr "github.com/alexjbarnes/fin-sync/internal/errors"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/fsnotify/fsnotify"
)

const (
	gateDirPerm  = fs.FileMode(0o700)
	gateFilePerm = fs.FileMode(0o600)
)

// File stores the gate record as a small JSON document. Updates are
// atomic within a process; across processes they race, and the
// coordinator's cooldown and lease checks bound the damage.
type File struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFile prepares a gate file at path, creating its directory.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), gateDirPerm); err != nil {
		return nil, fmt.Errorf("creating gate directory: %w", err)
	}

	return &File{path: path, logger: logger}, nil
}

// LoadGate reads the current record. A missing file is the zero record.
func (f *File) LoadGate() (models.GateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.read()
}

// UpdateGate reads the record, lets fn modify it, and writes it back when
// fn returns true.
func (f *File) UpdateGate(fn func(*models.GateRecord) bool) (models.GateRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read()
	if err != nil {
		return models.GateRecord{}, false, fmt.Errorf("updating gate: %w", err)
	}

	if !fn(&rec) {
		return rec, false, nil
	}

	if err := f.write(rec); err != nil {
		return models.GateRecord{}, false, fmt.Errorf("updating gate: %w", err)
	}

	return rec, true, nil
}

func (f *File) read() (models.GateRecord, error) {
	var rec models.GateRecord

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return rec, nil
	}

	if err != nil {
		return rec, fmt.Errorf("reading gate file: %w", err)
	}

	if len(data) == 0 {
		return rec, nil
	}

	if err := json.Unmarshal(data, &rec); err != nil {
		return models.GateRecord{}, fmt.Errorf("%w: %v", syncerr.ErrGateCorrupt, err)
	}

	return rec, nil
}

// write replaces the file via rename so readers never see a torn record.
func (f *File) write(rec models.GateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling gate: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".gate-*")
	if err != nil {
		return fmt.Errorf("creating temp gate file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp gate file: %w", err)
	}

	if err := tmp.Chmod(gateFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("setting gate file mode: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp gate file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing gate file: %w", err)
	}

	return nil
}

// WatchGate calls onChange with the fresh record every time the gate file
// is written, including by this process. It blocks until ctx is
// cancelled.
func (f *File) WatchGate(ctx context.Context, onChange func(models.GateRecord)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: rename-based writes replace the file inode,
	// which would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching gate directory: %w", err)
	}

	name := filepath.Base(f.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Base(event.Name) != name {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			rec, err := f.LoadGate()
			if err != nil {
				f.logger.Warn("reloading changed gate file", slog.String("error", err.Error()))
				continue
			}

			onChange(rec)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			// fsnotify errors are non-fatal (e.g. queue overflow). The
			// periodic coordinator check still catches up.
			f.logger.Debug("gate watcher error", slog.String("error", err.Error()))
		}
	}
}
