package bulk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulgaalexey/onenote-local/internal/config"
	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
	"github.com/shulgaalexey/onenote-local/internal/search"
)

// newRunEnv seeds a cache with n present pages (markdown already
// materialized, so no fetcher is needed) and a live search index.
func newRunEnv(t *testing.T, n int) (*Indexer, *search.Index, []string) {
	t.Helper()

	l := layout.New(t.TempDir(), "u1")
	require.NoError(t, l.EnsureUserRoot())
	require.NoError(t, l.SaveManifest(layout.NewManifest("u1")))

	meta := metastore.New(l, nil)

	tx, err := meta.Begin()
	require.NoError(t, err)

	var ids []string

	for i := range n {
		id := fmt.Sprintf("p%03d", i)
		ids = append(ids, id)

		mdPath := l.PageMarkdownPath("nb1", "s1", id)
		require.NoError(t, os.MkdirAll(filepath.Dir(mdPath), 0o700))
		require.NoError(t, os.WriteFile(mdPath, []byte("body of "+id), 0o600))

		tx.PutPage(metastore.Page{
			ID:           id,
			Title:        "Page " + id,
			SectionID:    "s1",
			NotebookID:   "nb1",
			ModifiedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			MarkdownPath: mdPath,
			TextLength:   len("body of " + id),
			Status:       metastore.StatusPresent,
		})
	}

	require.NoError(t, tx.Commit())

	idx, err := search.Open(context.Background(), l.IndexPath(), l.IndexJournalPath(),
		config.SearchConfig{SnippetLength: 240, MaxHits: 200, TitleWeight: 3, BodyWeight: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	indexer := New(nil, meta, idx, l,
		config.BulkConfig{BatchSize: 5, CheckpointEvery: 10}, 2, nil, nil)

	return indexer, idx, ids
}

func TestRunIndexesEverything(t *testing.T) {
	indexer, idx, ids := newRunEnv(t, 23)

	report, err := indexer.Run(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 23, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.CheckpointID)

	stats, err := idx.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 23, stats.DocumentCount)
}

func TestResumeSkipsCompleted(t *testing.T) {
	indexer, _, ids := newRunEnv(t, 8)

	first, err := indexer.Run(context.Background(), ids)
	require.NoError(t, err)
	require.Equal(t, 8, first.Succeeded)

	resumed, err := indexer.Resume(context.Background(), first.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 8, resumed.Skipped)
	assert.Zero(t, resumed.Succeeded)
	assert.Zero(t, resumed.Failed)
}

func TestResumeRejectsTamperedWorkList(t *testing.T) {
	indexer, _, ids := newRunEnv(t, 3)

	report, err := indexer.Run(context.Background(), ids)
	require.NoError(t, err)

	// Corrupt the persisted work list so the hash no longer matches.
	cp, err := indexer.loadCheckpoint(report.CheckpointID)
	require.NoError(t, err)
	cp.WorkList = append(cp.WorkList, "intruder")
	require.NoError(t, layout.WriteJSONAtomic(
		indexer.layout.CheckpointPath(cp.ID), cp))

	_, err = indexer.Resume(context.Background(), report.CheckpointID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrSchemaMismatch))
}

func TestCancelledRunLeavesCheckpoint(t *testing.T) {
	indexer, _, ids := newRunEnv(t, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := indexer.Run(ctx, ids)
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrCancelled))
	require.NotNil(t, report)

	// The checkpoint exists and can seed a resume that finishes the work.
	resumed, err := indexer.Resume(context.Background(), report.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 20, resumed.Succeeded+resumed.Skipped)
}

func TestSinglePageFailureDoesNotStopBatch(t *testing.T) {
	indexer, _, ids := newRunEnv(t, 5)

	// A work list entry with no metadata record fails alone.
	withGhost := append([]string{"ghost"}, ids...)

	report, err := indexer.Run(context.Background(), withGhost)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Failures, "ghost")
}
