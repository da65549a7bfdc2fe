// Package bulk orchestrates large batch indexing runs with progress
// reporting, checkpointed resume, and cooperative cancellation.
package bulk

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/layout"
)

// Checkpoint is the persisted progress of one bulk run, sufficient to
// resume after a crash or cancellation.
type Checkpoint struct {
	ID           string    `json:"id"`
	WorkListHash string    `json:"work_list_hash"`
	WorkList     []string  `json:"work_list"`
	CompletedIDs []string  `json:"completed_ids"`
	Timestamp    time.Time `json:"timestamp"`
}

// hashWorkList fingerprints a work list independent of ordering.
func hashWorkList(pageIDs []string) string {
	sorted := append([]string(nil), pageIDs...)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))

	return hex.EncodeToString(sum[:])
}

// writeCheckpoint persists the checkpoint and points the manifest at it.
func (b *Indexer) writeCheckpoint(cp *Checkpoint) error {
	cp.Timestamp = time.Now().UTC()

	if err := layout.WriteJSONAtomic(b.layout.CheckpointPath(cp.ID), cp); err != nil {
		return err
	}

	tx, err := b.meta.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.UpdateManifest(func(m *layout.Manifest) {
		m.LastCheckpoint = &layout.CheckpointRef{ID: cp.ID, Kind: "bulk"}
	})

	return tx.Commit()
}

// loadCheckpoint reads a checkpoint by id.
func (b *Indexer) loadCheckpoint(id string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := readCheckpointFile(b.layout.CheckpointPath(id), &cp); err != nil {
		return nil, err
	}

	return &cp, nil
}

// completedSet builds a membership set from the checkpoint.
func (cp *Checkpoint) completedSet() map[string]bool {
	set := make(map[string]bool, len(cp.CompletedIDs))

	for _, id := range cp.CompletedIDs {
		set[id] = true
	}

	return set
}