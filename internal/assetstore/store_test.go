package assetstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	l := layout.New(t.TempDir(), "u1")
	require.NoError(t, l.EnsureUserRoot())

	return New(l, ".bin", nil)
}

func TestPutIsContentAddressed(t *testing.T) {
	store := newTestStore(t)
	data := []byte("image bytes")

	res, err := store.Put(data, "image/png")
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.ContentHash)
	assert.True(t, res.WasNew)
	assert.Equal(t, ".png", filepath.Ext(res.LocalPath))

	// The fanout directory is the first two hash characters.
	assert.Equal(t, res.ContentHash[:2], filepath.Base(filepath.Dir(res.LocalPath)))

	onDisk, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestPutDeduplicates(t *testing.T) {
	store := newTestStore(t)
	data := []byte("shared image")

	first, err := store.Put(data, "image/jpeg")
	require.NoError(t, err)
	require.True(t, first.WasNew)

	second, err := store.Put(data, "image/jpeg")
	require.NoError(t, err)
	assert.False(t, second.WasNew)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.LocalPath, second.LocalPath)
}

func TestOpenAndExists(t *testing.T) {
	store := newTestStore(t)

	res, err := store.Put([]byte("attachment"), "application/pdf")
	require.NoError(t, err)

	assert.True(t, store.Exists(res.ContentHash))

	rc, err := store.Open(res.ContentHash)
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte("attachment"), got)
}

func TestOpenMissingHash(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open("deadbeef")
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrNotFound))
	assert.False(t, store.Exists("deadbeef"))
}

func TestUnlink(t *testing.T) {
	store := newTestStore(t)

	res, err := store.Put([]byte("ephemeral"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, store.Unlink(res.ContentHash))
	assert.False(t, store.Exists(res.ContentHash))

	// Unlinking an absent hash is not an error.
	assert.NoError(t, store.Unlink(res.ContentHash))
}

func TestPutFileConsumesScratch(t *testing.T) {
	store := newTestStore(t)

	scratch := filepath.Join(t.TempDir(), "partial")
	require.NoError(t, os.WriteFile(scratch, []byte("downloaded bytes"), 0o600))

	res, err := store.PutFile(scratch, "image/gif")
	require.NoError(t, err)
	assert.True(t, res.WasNew)
	assert.Equal(t, int64(len("downloaded bytes")), res.ByteSize)

	_, statErr := os.Stat(scratch)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "scratch file should be consumed")

	sum := sha256.Sum256([]byte("downloaded bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.ContentHash)
}

func TestPutFileDuplicateDropsScratch(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Put([]byte("already stored"), "image/png")
	require.NoError(t, err)

	scratch := filepath.Join(t.TempDir(), "partial")
	require.NoError(t, os.WriteFile(scratch, []byte("already stored"), 0o600))

	res, err := store.PutFile(scratch, "image/png")
	require.NoError(t, err)
	assert.False(t, res.WasNew)

	_, statErr := os.Stat(scratch)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestExtensionDerivation(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		mime string
		want string
	}{
		{"image/png", ".png"},
		{"image/jpeg", ".jpg"},
		{"image/jpeg; charset=binary", ".jpg"},
		{"application/pdf", ".pdf"},
		{"application/x-unheard-of", ".bin"},
		{"", ".bin"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, store.extensionFor(tt.mime), "mime %q", tt.mime)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Put([]byte("aaaa"), "text/plain")
	require.NoError(t, err)
	_, err = store.Put([]byte("bbbbbb"), "text/plain")
	require.NoError(t, err)

	count, bytes, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(10), bytes)
}
