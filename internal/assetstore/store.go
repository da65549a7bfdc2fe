// Package assetstore implements the content-addressed binary asset store.
// One physical file per distinct SHA-256 hash, fanned out by the first two
// hash characters. Files are immutable once written; writes are atomic via
// temp file + rename, so concurrent puts of the same content are safe.
package assetstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

const filePerm = 0o600

// Store is the content-addressed asset store rooted under the layout's
// assets directory.
type Store struct {
	layout     *layout.Layout
	unknownExt string
	logger     *slog.Logger
}

// New creates a Store. unknownExt is appended when the MIME type has no
// known extension (typically ".bin").
func New(l *layout.Layout, unknownExt string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	if unknownExt == "" {
		unknownExt = ".bin"
	}

	return &Store{layout: l, unknownExt: unknownExt, logger: logger}
}

// PutResult reports the outcome of a Put.
type PutResult struct {
	ContentHash string
	LocalPath   string
	ByteSize    int64
	WasNew      bool
}

// Put stores data under its SHA-256 hash. If a file for the hash already
// exists the write is skipped and WasNew is false.
func (s *Store) Put(data []byte, mimeType string) (*PutResult, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := s.layout.AssetPath(hash, s.extensionFor(mimeType))

	if existing, err := s.find(hash); err == nil {
		return &PutResult{ContentHash: hash, LocalPath: existing, ByteSize: int64(len(data)), WasNew: false}, nil
	}

	if err := s.writeAtomic(path, data); err != nil {
		return nil, err
	}

	s.logger.Debug("asset stored",
		slog.String("hash", hash),
		slog.Int("bytes", len(data)),
		slog.String("mime", mimeType),
	)

	return &PutResult{ContentHash: hash, LocalPath: path, ByteSize: int64(len(data)), WasNew: true}, nil
}

// PutFile ingests a finalized scratch file by hashing it in a streaming
// pass and renaming it into place. The scratch file is consumed on
// success (renamed) and left in place on failure.
func (s *Store) PutFile(scratchPath, mimeType string) (*PutResult, error) {
	f, err := os.Open(scratchPath)
	if err != nil {
		return nil, onerr.Storagef(scratchPath, err)
	}

	hasher := sha256.New()

	size, err := io.Copy(hasher, f)
	f.Close()

	if err != nil {
		return nil, onerr.Storagef(scratchPath, err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	path := s.layout.AssetPath(hash, s.extensionFor(mimeType))

	if existing, findErr := s.find(hash); findErr == nil {
		// Duplicate content: drop the scratch copy.
		os.Remove(scratchPath)

		return &PutResult{ContentHash: hash, LocalPath: existing, ByteSize: size, WasNew: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, onerr.Storagef(path, err)
	}

	if err := os.Rename(scratchPath, path); err != nil {
		return nil, onerr.Storagef(path, err)
	}

	return &PutResult{ContentHash: hash, LocalPath: path, ByteSize: size, WasNew: true}, nil
}

// Open returns a read handle for the asset with the given hash.
// Returns onerr.ErrNotFound when no file exists for the hash.
func (s *Store) Open(contentHash string) (io.ReadCloser, error) {
	path, err := s.find(contentHash)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, onerr.Storagef(path, err)
	}

	return f, nil
}

// Exists reports whether an asset with the given hash is stored.
func (s *Store) Exists(contentHash string) bool {
	_, err := s.find(contentHash)

	return err == nil
}

// Path returns the stored file path for a hash, or onerr.ErrNotFound.
func (s *Store) Path(contentHash string) (string, error) {
	return s.find(contentHash)
}

// Unlink removes the asset file for the given hash. Removing a hash that
// is not stored is not an error. Safe to call concurrently with respect
// to other hashes — one physical file per hash guarantees isolation.
func (s *Store) Unlink(contentHash string) error {
	path, err := s.find(contentHash)
	if errors.Is(err, onerr.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return onerr.Storagef(path, err)
	}

	s.logger.Debug("asset unlinked", slog.String("hash", contentHash))

	return nil
}

// Stats returns the number of stored assets and their total byte size.
func (s *Store) Stats() (count int, totalBytes int64, err error) {
	root := s.layout.AssetsDir()

	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() || filepath.Base(path) == "refcounts.json" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		count++
		totalBytes += info.Size()

		return nil
	})
	if walkErr != nil {
		return 0, 0, onerr.Storagef(root, walkErr)
	}

	return count, totalBytes, nil
}

// find locates the stored file for a hash regardless of its extension.
func (s *Store) find(contentHash string) (string, error) {
	if len(contentHash) < 2 {
		return "", fmt.Errorf("%w: asset %q", onerr.ErrNotFound, contentHash)
	}

	dir := filepath.Join(s.layout.AssetsDir(), contentHash[:2])

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: asset %s", onerr.ErrNotFound, contentHash)
		}

		return "", onerr.Storagef(dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) == contentHash {
			return filepath.Join(dir, name), nil
		}
	}

	return "", fmt.Errorf("%w: asset %s", onerr.ErrNotFound, contentHash)
}

// writeAtomic writes data to path via temp file + rename.
func (s *Store) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return onerr.Storagef(path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return onerr.Storagef(path, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return onerr.Storagef(path, err)
	}

	if err := tmp.Chmod(filePerm); err != nil {
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

// commonExtensions overrides mime.ExtensionsByType for types where the
// platform MIME database is inconsistent or returns multiple candidates.
var commonExtensions = map[string]string{
	"image/jpeg":         ".jpg",
	"image/png":          ".png",
	"image/gif":          ".gif",
	"image/svg+xml":      ".svg",
	"image/webp":         ".webp",
	"image/bmp":          ".bmp",
	"image/tiff":         ".tiff",
	"application/pdf":    ".pdf",
	"text/plain":         ".txt",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	"application/zip": ".zip",
}

// extensionFor derives a file extension from a MIME type. Unknown types
// get the configured fallback extension.
func (s *Store) extensionFor(mimeType string) string {
	if mimeType == "" {
		return s.unknownExt
	}

	// Parameters like "; charset=utf-8" never affect the extension.
	if base, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = base
	}

	if ext, ok := commonExtensions[mimeType]; ok {
		return ext
	}

	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}

	return s.unknownExt
}
