package layout

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

func TestPathsArePure(t *testing.T) {
	// Path accessors never touch the filesystem: a layout over a
	// nonexistent root computes paths without error.
	l := New("/nonexistent/root", "u1")

	assert.Equal(t, filepath.Join("/nonexistent/root", "users", "u1"), l.UserRoot())
	assert.Equal(t,
		filepath.Join(l.UserRoot(), "notebooks", "nb1", "sections", "s1", "pages", "p1", "content.md"),
		l.PageMarkdownPath("nb1", "s1", "p1"))
	assert.Equal(t,
		filepath.Join(l.UserRoot(), "notebooks", "nb1", "sections", "s1", "pages", "p1", "original.html"),
		l.PageHTMLPath("nb1", "s1", "p1"))
	assert.Equal(t,
		filepath.Join(l.UserRoot(), "assets", "ab", "abcdef.png"),
		l.AssetPath("abcdef", ".png"))
	assert.Equal(t,
		filepath.Join(l.UserRoot(), "index", "search.db"), l.IndexPath())
	assert.Equal(t,
		filepath.Join(l.UserRoot(), "checkpoints", "bulk_xyz.json"), l.CheckpointPath("xyz"))
}

func TestEnsureUserRootIdempotent(t *testing.T) {
	l := New(t.TempDir(), "u1")

	require.NoError(t, l.EnsureUserRoot())
	require.NoError(t, l.EnsureUserRoot())

	for _, dir := range []string{
		l.UserRoot(),
		l.AssetsDir(),
		l.CheckpointDir(),
		l.ScratchDir(),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
}

func TestManifestRoundTrip(t *testing.T) {
	l := New(t.TempDir(), "u1")
	require.NoError(t, l.EnsureUserRoot())

	m := NewManifest("u1")
	m.Counters = Counters{Notebooks: 2, Sections: 5, Pages: 30, Assets: 7, TotalBytes: 1024}

	require.NoError(t, l.SaveManifest(m))

	got, err := l.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, m.Counters, got.Counters)
	assert.Nil(t, got.LastCheckpoint)
}

func TestLoadManifestMissing(t *testing.T) {
	l := New(t.TempDir(), "u1")

	_, err := l.LoadManifest()
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrNotFound))
}

func TestLoadManifestSchemaMismatch(t *testing.T) {
	l := New(t.TempDir(), "u1")
	require.NoError(t, l.EnsureUserRoot())

	data := []byte(`{"schema_version": 99, "user_id": "u1"}`)
	require.NoError(t, os.WriteFile(l.ManifestPath(), data, 0o600))

	_, err := l.LoadManifest()
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrSchemaMismatch))
}

func TestWriteJSONAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}
