package metastore

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

func newTestStore(t *testing.T) (*Store, *layout.Layout) {
	t.Helper()

	l := layout.New(t.TempDir(), "u1")
	require.NoError(t, l.EnsureUserRoot())
	require.NoError(t, l.SaveManifest(layout.NewManifest("u1")))

	return New(l, nil), l
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}

	return t
}

func seedHierarchy(t *testing.T, s *Store) {
	t.Helper()

	tx, err := s.Begin()
	require.NoError(t, err)

	tx.PutNotebook(Notebook{ID: "nb1", DisplayName: "Work", SectionIDs: []string{"s1"},
		CreatedAt: at("2025-01-01T00:00:00Z"), ModifiedAt: at("2025-01-02T00:00:00Z")})
	tx.PutSection(Section{ID: "s1", DisplayName: "Projects", NotebookID: "nb1",
		PageIDs: []string{"p1", "p2"}})
	tx.PutPage(Page{ID: "p1", Title: "Alpha", SectionID: "s1", NotebookID: "nb1",
		ModifiedAt: at("2025-01-03T00:00:00Z"), Status: StatusPresent, TextLength: 10})
	tx.PutPage(Page{ID: "p2", Title: "Beta", SectionID: "s1", NotebookID: "nb1",
		ModifiedAt: at("2025-01-04T00:00:00Z"), Status: StatusStub})

	require.NoError(t, tx.Commit())
}

func TestCommitPersistsAndReloads(t *testing.T) {
	s, l := newTestStore(t)
	seedHierarchy(t, s)

	// Records land at the mandated paths.
	_, err := os.Stat(l.NotebookMetadataPath("nb1"))
	require.NoError(t, err)
	_, err = os.Stat(l.PageMetadataPath("nb1", "s1", "p1"))
	require.NoError(t, err)

	// A fresh store instance reloads the same state from disk.
	fresh := New(l, nil)

	page, err := fresh.GetPage("p1")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", page.Title)
	assert.Equal(t, StatusPresent, page.Status)

	snap, err := fresh.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Notebooks, 1)
	assert.Len(t, snap.Sections, 1)
	assert.Len(t, snap.Pages, 2)
}

func TestGetPageNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetPage("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrNotFound))
}

func TestUpsertIsLastWriterWins(t *testing.T) {
	s, _ := newTestStore(t)
	seedHierarchy(t, s)

	tx, err := s.Begin()
	require.NoError(t, err)
	tx.PutPage(Page{ID: "p1", Title: "Alpha v2", SectionID: "s1", NotebookID: "nb1",
		Status: StatusPresent})
	require.NoError(t, tx.Commit())

	page, err := s.GetPage("p1")
	require.NoError(t, err)
	assert.Equal(t, "Alpha v2", page.Title)
}

func TestSnapshotIsImmutable(t *testing.T) {
	s, _ := newTestStore(t)
	seedHierarchy(t, s)

	snap, err := s.Snapshot()
	require.NoError(t, err)

	tx, err := s.Begin()
	require.NoError(t, err)
	tx.DeletePage("p1")
	require.NoError(t, tx.Commit())

	// The earlier snapshot still sees p1.
	_, ok := snap.PageByID("p1")
	assert.True(t, ok)

	fresh, err := s.Snapshot()
	require.NoError(t, err)
	_, ok = fresh.PageByID("p1")
	assert.False(t, ok)
}

func TestListPagesFilters(t *testing.T) {
	s, _ := newTestStore(t)
	seedHierarchy(t, s)

	present, err := s.ListPages(Filter{Status: StatusPresent})
	require.NoError(t, err)
	require.Len(t, present, 1)
	assert.Equal(t, "p1", present[0].ID)

	all, err := s.ListPages(Filter{NotebookID: "nb1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := s.ListPages(Filter{SectionID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIterChangedSince(t *testing.T) {
	s, _ := newTestStore(t)
	seedHierarchy(t, s)

	changed, err := s.IterChangedSince(at("2025-01-03T12:00:00Z"))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "p2", changed[0].ID)
}

func TestDeletePageRemovesFilesAndSectionEntry(t *testing.T) {
	s, l := newTestStore(t)
	seedHierarchy(t, s)

	tx, err := s.Begin()
	require.NoError(t, err)
	tx.DeletePage("p2")
	require.NoError(t, tx.Commit())

	_, err = os.Stat(l.PageDir("nb1", "s1", "p2"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, snap.Sections["s1"].PageIDs)
}

func TestAssetRefcountLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	seedHierarchy(t, s)

	asset := Asset{ContentHash: "hash-a", MimeType: "image/png", ByteSize: 128,
		LocalPath: "/assets/ha/hash-a.png", FirstSeenAt: at("2025-01-01T00:00:00Z")}

	// Two pages reference the same asset.
	tx, err := s.Begin()
	require.NoError(t, err)
	tx.PutAsset(asset)
	tx.PutPage(Page{ID: "p1", Title: "Alpha", SectionID: "s1", NotebookID: "nb1",
		Status: StatusPresent, AssetRefs: []AssetRef{{ContentHash: "hash-a"}}})
	tx.PutPage(Page{ID: "p2", Title: "Beta", SectionID: "s1", NotebookID: "nb1",
		Status: StatusPresent, AssetRefs: []AssetRef{{ContentHash: "hash-a"}}})
	require.NoError(t, tx.Commit())

	counters, err := s.ComputeCounters()
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Assets)
	assert.Equal(t, int64(128), counters.TotalBytes)

	// Deleting one page keeps the asset referenced.
	tx, err = s.Begin()
	require.NoError(t, err)
	tx.DeletePage("p2")
	require.NoError(t, tx.Commit())

	var unlinked []string
	report, err := s.SweepAssets(func(hash string) error {
		unlinked = append(unlinked, hash)

		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, report.AssetsMarked)
	assert.Zero(t, report.AssetsReaped)
	assert.Empty(t, unlinked)

	// Deleting the second page drops the refcount to zero: the asset is
	// marked on the first sweep and reaped on the second.
	tx, err = s.Begin()
	require.NoError(t, err)
	tx.DeletePage("p1")
	require.NoError(t, tx.Commit())

	report, err = s.SweepAssets(func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, report.AssetsMarked)
	assert.Zero(t, report.AssetsReaped)

	report, err = s.SweepAssets(func(hash string) error {
		unlinked = append(unlinked, hash)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.AssetsReaped)
	assert.Equal(t, int64(128), report.BytesFreed)
	assert.Equal(t, []string{"hash-a"}, unlinked)
}

func TestRereferencedAssetResetsGrace(t *testing.T) {
	s, _ := newTestStore(t)
	seedHierarchy(t, s)

	tx, err := s.Begin()
	require.NoError(t, err)
	tx.PutAsset(Asset{ContentHash: "hash-b", ByteSize: 10})
	tx.PutPage(Page{ID: "p1", Title: "Alpha", SectionID: "s1", NotebookID: "nb1",
		Status: StatusPresent, AssetRefs: []AssetRef{{ContentHash: "hash-b"}}})
	require.NoError(t, tx.Commit())

	// Drop the reference, let one sweep mark it, then re-reference.
	tx, err = s.Begin()
	require.NoError(t, err)
	tx.PutPage(Page{ID: "p1", Title: "Alpha", SectionID: "s1", NotebookID: "nb1",
		Status: StatusPresent})
	require.NoError(t, tx.Commit())

	_, err = s.SweepAssets(func(string) error { return nil })
	require.NoError(t, err)

	tx, err = s.Begin()
	require.NoError(t, err)
	tx.PutPage(Page{ID: "p1", Title: "Alpha", SectionID: "s1", NotebookID: "nb1",
		Status: StatusPresent, AssetRefs: []AssetRef{{ContentHash: "hash-b"}}})
	require.NoError(t, tx.Commit())

	report, err := s.SweepAssets(func(string) error {
		t.Fatal("re-referenced asset must not be unlinked")

		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, report.AssetsReaped)
}

func TestCrossrefTables(t *testing.T) {
	s, _ := newTestStore(t)
	seedHierarchy(t, s)

	tx, err := s.Begin()
	require.NoError(t, err)
	tx.SetLinkRefs("p1", []LinkRef{
		{SourcePageID: "p1", TargetSpec: "onenote:p2", TargetPageID: "p2", Kind: LinkInternalResolved},
		{SourcePageID: "p1", TargetSpec: "https://example.com", Kind: LinkExternal},
	})
	require.NoError(t, tx.Commit())

	back, err := s.Backlinks("p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, back)

	// Replacing the link set clears stale inverse entries.
	tx, err = s.Begin()
	require.NoError(t, err)
	tx.SetLinkRefs("p1", nil)
	require.NoError(t, tx.Commit())

	back, err = s.Backlinks("p2")
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestManifestCountersMatchTraversal(t *testing.T) {
	s, l := newTestStore(t)
	seedHierarchy(t, s)

	tx, err := s.Begin()
	require.NoError(t, err)
	tx.UpdateManifest(func(m *layout.Manifest) {
		m.LastFullSyncAt = at("2025-02-01T00:00:00Z")
	})
	require.NoError(t, tx.Commit())

	manifest, err := l.LoadManifest()
	require.NoError(t, err)

	counters, err := s.ComputeCounters()
	require.NoError(t, err)
	assert.Equal(t, counters, manifest.Counters)
	assert.Equal(t, 1, manifest.Counters.Notebooks)
	assert.Equal(t, 2, manifest.Counters.Pages)
}
