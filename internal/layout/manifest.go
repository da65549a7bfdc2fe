package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// SchemaVersion is the on-disk cache schema understood by this build.
const SchemaVersion = 1

// Counters summarizes cache contents; the manifest copy must equal the
// counts derivable by traversing the metadata store.
type Counters struct {
	Notebooks  int   `json:"notebooks"`
	Sections   int   `json:"sections"`
	Pages      int   `json:"pages"`
	Assets     int   `json:"assets"`
	TotalBytes int64 `json:"total_bytes"`
}

// CheckpointRef points at the most recent persisted checkpoint, if any.
type CheckpointRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "bulk" or "sync"
}

// Manifest is the single per-user record summarizing the cache's state.
// Writing it is the commit point of a sync: external observers see either
// the pre-sync or post-sync state, never an interleaving.
type Manifest struct {
	SchemaVersion         int            `json:"schema_version"`
	UserID                string         `json:"user_id"`
	LastFullSyncAt        time.Time      `json:"last_full_sync_at"`
	LastIncrementalSyncAt time.Time      `json:"last_incremental_sync_at"`
	Counters              Counters       `json:"counters"`
	LastCheckpoint        *CheckpointRef `json:"last_checkpoint"`
}

// NewManifest returns a fresh manifest for the given user.
func NewManifest(userID string) *Manifest {
	return &Manifest{SchemaVersion: SchemaVersion, UserID: userID}
}

// LoadManifest reads and validates the manifest. A missing file returns
// onerr.ErrNotFound; an unknown schema version returns onerr.ErrSchemaMismatch.
func (l *Layout) LoadManifest() (*Manifest, error) {
	data, err := os.ReadFile(l.ManifestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest %s", onerr.ErrNotFound, l.ManifestPath())
		}

		return nil, onerr.Storagef(l.ManifestPath(), err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, onerr.Storagef(l.ManifestPath(), err)
	}

	if m.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: found schema_version %d, want %d",
			onerr.ErrSchemaMismatch, m.SchemaVersion, SchemaVersion)
	}

	return &m, nil
}

// SaveManifest atomically persists the manifest (temp file + rename).
func (l *Layout) SaveManifest(m *Manifest) error {
	return WriteJSONAtomic(l.ManifestPath(), m)
}

// WriteJSONAtomic marshals v with indentation and writes it to path via a
// temp file and rename so readers never observe a torn write.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return onerr.Storagef(path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return onerr.Storagef(path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return onerr.Storagef(path, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return onerr.Storagef(path, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return onerr.Storagef(path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return onerr.Storagef(path, err)
	}

	return nil
}
