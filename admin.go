package onenotelocal

import (
	"context"
	"log/slog"
	"os"

	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// CacheAdmin is the administrative surface: garbage collection, index
// rebuild, stats, and cache clearing.
type CacheAdmin struct {
	core *Core
}

// GCStats reports one garbage collection pass.
type GCStats struct {
	AssetsMarked int
	AssetsReaped int
	BytesFreed   int64
}

// GarbageCollect reaps assets whose refcount stayed zero across two
// consecutive collections.
func (a *CacheAdmin) GarbageCollect(_ context.Context) (*GCStats, error) {
	report, err := a.core.meta.SweepAssets(a.core.assets.Unlink)
	if err != nil {
		return nil, err
	}

	return &GCStats{
		AssetsMarked: report.AssetsMarked,
		AssetsReaped: report.AssetsReaped,
		BytesFreed:   report.BytesFreed,
	}, nil
}

// RebuildIndex re-indexes every present page from the metadata store.
// Idempotent; also the recovery path for a corrupt index.
func (a *CacheAdmin) RebuildIndex(ctx context.Context) error {
	idx, err := a.core.searchIndex(ctx)
	if err != nil {
		return err
	}

	snap, err := a.core.meta.Snapshot()
	if err != nil {
		return err
	}

	return idx.RebuildFromMetadata(ctx, snap, a.core.readPageBody)
}

// Stats verifies and returns the cache counters. The manifest copy is
// reconciled against a metadata traversal; a mismatch is repaired and
// logged rather than surfaced, since traversal is the ground truth.
func (a *CacheAdmin) Stats(_ context.Context) (*layout.Counters, error) {
	counters, err := a.core.meta.ComputeCounters()
	if err != nil {
		return nil, err
	}

	manifest, err := a.core.layout.LoadManifest()
	if err != nil {
		return nil, err
	}

	if manifest.Counters != counters {
		a.core.logger.Warn("manifest counters drifted from traversal, repairing",
			slog.Int("manifest_pages", manifest.Counters.Pages),
			slog.Int("traversal_pages", counters.Pages),
		)

		manifest.Counters = counters

		if err := a.core.layout.SaveManifest(manifest); err != nil {
			return nil, err
		}
	}

	return &counters, nil
}

// ClearUser removes the user's entire cache directory and recreates an
// empty skeleton with a fresh manifest.
func (a *CacheAdmin) ClearUser(_ context.Context) error {
	if err := a.core.Close(); err != nil {
		return err
	}

	root := a.core.layout.UserRoot()
	if err := os.RemoveAll(root); err != nil {
		return onerr.Storagef(root, err)
	}

	if err := a.core.layout.EnsureUserRoot(); err != nil {
		return onerr.Storagef(root, err)
	}

	if err := a.core.layout.SaveManifest(layout.NewManifest(a.core.cfg.UserID)); err != nil {
		return err
	}

	// Metadata store state is rebuilt lazily from the (now empty) tree.
	a.core.meta = metastore.New(a.core.layout, a.core.logger)

	return nil
}
