package syncer

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulgaalexey/onenote-local/internal/graph"
	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
)

func testSyncer(t *testing.T) *Syncer {
	t.Helper()

	l := layout.New(t.TempDir(), "u1")
	require.NoError(t, l.EnsureUserRoot())

	return &Syncer{
		layout:          l,
		logger:          slog.Default(),
		tombstoneCycles: 2,
		defaultPolicy:   RemoteWins,
	}
}

func snapWith(pages ...metastore.Page) *metastore.Snapshot {
	snap := &metastore.Snapshot{Pages: map[string]metastore.Page{}}

	for _, p := range pages {
		snap.Pages[p.ID] = p
	}

	return snap
}

var (
	tOld = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tNew = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
)

func TestClassifyRemoteNewPageIsAdd(t *testing.T) {
	s := testSyncer(t)
	plan := &Plan{}

	s.classifyRemote(snapWith(), graph.RemotePage{ID: "p1", ModifiedAt: tNew}, plan)

	require.Len(t, plan.Adds, 1)
	assert.Empty(t, plan.Updates)
	assert.Equal(t, "p1", plan.Adds[0].PageID)
}

func TestClassifyRemoteUnchangedIsNoop(t *testing.T) {
	s := testSyncer(t)
	plan := &Plan{}

	local := metastore.Page{ID: "p1", ModifiedAt: tNew, Status: metastore.StatusPresent}
	s.classifyRemote(snapWith(local), graph.RemotePage{ID: "p1", ModifiedAt: tNew}, plan)

	assert.Empty(t, plan.Adds)
	assert.Empty(t, plan.Updates)
	assert.Empty(t, plan.Conflicts)
}

func TestClassifyRemoteNewerTimestampIsUpdate(t *testing.T) {
	s := testSyncer(t)
	plan := &Plan{}

	local := metastore.Page{ID: "p1", ModifiedAt: tOld, Status: metastore.StatusPresent}
	s.classifyRemote(snapWith(local), graph.RemotePage{ID: "p1", ModifiedAt: tNew}, plan)

	require.Len(t, plan.Updates, 1)
}

func TestEtagAuthoritativeOverTimestamp(t *testing.T) {
	// Same etag on both sides: no update even though the remote
	// timestamp moved forward.
	local := metastore.Page{ID: "p1", ModifiedAt: tOld, ContentETag: "v1",
		Status: metastore.StatusPresent}
	rp := graph.RemotePage{ID: "p1", ModifiedAt: tNew, ContentETag: "v1"}

	assert.False(t, remoteChanged(local, rp))

	// Different etag forces an update even with an identical timestamp.
	rp.ContentETag = "v2"
	rp.ModifiedAt = tOld
	assert.True(t, remoteChanged(local, rp))
}

func TestEtagAbsentFallsBackToTimestamp(t *testing.T) {
	local := metastore.Page{ID: "p1", ModifiedAt: tOld, ContentETag: "v1",
		Status: metastore.StatusPresent}

	// The remote returned no etag this time: timestamps decide.
	assert.True(t, remoteChanged(local, graph.RemotePage{ID: "p1", ModifiedAt: tNew}))
	assert.False(t, remoteChanged(local, graph.RemotePage{ID: "p1", ModifiedAt: tOld}))
}

func TestFailedPageIsRefetched(t *testing.T) {
	s := testSyncer(t)
	plan := &Plan{}

	local := metastore.Page{ID: "p1", ModifiedAt: tNew, Status: metastore.StatusFailed}
	s.classifyRemote(snapWith(local), graph.RemotePage{ID: "p1", ModifiedAt: tNew}, plan)

	require.Len(t, plan.Updates, 1)
}

func TestTamperedPageWithRemoteChangeIsConflict(t *testing.T) {
	s := testSyncer(t)

	// A markdown file whose mtime is after the recorded fetch time.
	mdPath := filepath.Join(t.TempDir(), "content.md")
	require.NoError(t, os.WriteFile(mdPath, []byte("tampered"), 0o600))

	local := metastore.Page{
		ID:           "p1",
		ModifiedAt:   tOld,
		Status:       metastore.StatusPresent,
		MarkdownPath: mdPath,
		FetchedMtime: tOld,
	}

	plan := &Plan{}
	s.classifyRemote(snapWith(local), graph.RemotePage{ID: "p1", ModifiedAt: tNew}, plan)

	require.Len(t, plan.Conflicts, 1)
	assert.Empty(t, plan.Updates)
	assert.Equal(t, "p1", plan.Conflicts[0].PageID)
}

func TestTamperedPageWithoutRemoteChangeIsNotConflict(t *testing.T) {
	s := testSyncer(t)

	mdPath := filepath.Join(t.TempDir(), "content.md")
	require.NoError(t, os.WriteFile(mdPath, []byte("tampered"), 0o600))

	local := metastore.Page{
		ID:           "p1",
		ModifiedAt:   tNew,
		Status:       metastore.StatusPresent,
		MarkdownPath: mdPath,
		FetchedMtime: tOld,
	}

	plan := &Plan{}
	s.classifyRemote(snapWith(local), graph.RemotePage{ID: "p1", ModifiedAt: tNew}, plan)

	assert.Empty(t, plan.Conflicts)
	assert.Empty(t, plan.Updates)
}

func TestTombstoneLedgerRoundTrip(t *testing.T) {
	s := testSyncer(t)

	ledger, err := s.loadTombstones()
	require.NoError(t, err)
	assert.Empty(t, ledger)

	require.NoError(t, s.saveTombstones(tombstoneLedger{"p1": 1}))

	reloaded, err := s.loadTombstones()
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded["p1"])
}

func TestAdvanceTombstones(t *testing.T) {
	s := testSyncer(t)

	require.NoError(t, s.saveTombstones(tombstoneLedger{"gone": 1, "back": 1}))

	// "gone" is still absent; "back" reappeared in the listing (so it is
	// not in absentPages); "fresh" went missing for the first time.
	plan := &Plan{absentPages: []string{"gone", "fresh"}}
	require.NoError(t, s.advanceTombstones(plan))

	ledger, err := s.loadTombstones()
	require.NoError(t, err)
	assert.Equal(t, 2, ledger["gone"])
	assert.Equal(t, 1, ledger["fresh"])
	assert.NotContains(t, ledger, "back")
}
