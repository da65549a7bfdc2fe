// Package layout owns the on-disk cache layout. It is the single source
// of path strings; every other component receives paths from here and
// never concatenates its own. Path accessors are pure — only EnsureUserRoot
// and the manifest helpers touch the filesystem.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	dirPerm = 0o700

	manifestFile = "manifest.json"
	htmlFile     = "original.html"
	markdownFile = "content.md"
	metadataFile = "metadata.json"
)

// Layout computes deterministic paths under a single cache root for a
// single user. Immutable after construction; freely shared.
type Layout struct {
	root   string
	userID string
}

// New creates a Layout for the given cache root and user.
func New(cacheRoot, userID string) *Layout {
	return &Layout{root: cacheRoot, userID: userID}
}

// UserRoot returns <root>/users/<user_id>.
func (l *Layout) UserRoot() string {
	return filepath.Join(l.root, "users", l.userID)
}

// ManifestPath returns the per-user manifest.json path.
func (l *Layout) ManifestPath() string {
	return filepath.Join(l.UserRoot(), manifestFile)
}

// NotebookDir returns the directory for a notebook's records.
func (l *Layout) NotebookDir(notebookID string) string {
	return filepath.Join(l.UserRoot(), "notebooks", notebookID)
}

// NotebookMetadataPath returns a notebook's metadata.json path.
func (l *Layout) NotebookMetadataPath(notebookID string) string {
	return filepath.Join(l.NotebookDir(notebookID), metadataFile)
}

// SectionDir returns the directory for a section's records.
func (l *Layout) SectionDir(notebookID, sectionID string) string {
	return filepath.Join(l.NotebookDir(notebookID), "sections", sectionID)
}

// SectionMetadataPath returns a section's metadata.json path.
func (l *Layout) SectionMetadataPath(notebookID, sectionID string) string {
	return filepath.Join(l.SectionDir(notebookID, sectionID), metadataFile)
}

// PageDir returns the directory holding a page's metadata, HTML, and
// Markdown files.
func (l *Layout) PageDir(notebookID, sectionID, pageID string) string {
	return filepath.Join(l.SectionDir(notebookID, sectionID), "pages", pageID)
}

// PageMetadataPath returns a page's metadata.json path.
func (l *Layout) PageMetadataPath(notebookID, sectionID, pageID string) string {
	return filepath.Join(l.PageDir(notebookID, sectionID, pageID), metadataFile)
}

// PageHTMLPath returns a page's original.html path.
func (l *Layout) PageHTMLPath(notebookID, sectionID, pageID string) string {
	return filepath.Join(l.PageDir(notebookID, sectionID, pageID), htmlFile)
}

// PageMarkdownPath returns a page's content.md path.
func (l *Layout) PageMarkdownPath(notebookID, sectionID, pageID string) string {
	return filepath.Join(l.PageDir(notebookID, sectionID, pageID), markdownFile)
}

// AssetsDir returns the content-addressed asset store root.
func (l *Layout) AssetsDir() string {
	return filepath.Join(l.UserRoot(), "assets")
}

// AssetPath returns the fanned-out path for a content hash and extension.
// The two-character fanout keeps directory sizes manageable for caches
// with tens of thousands of assets.
func (l *Layout) AssetPath(contentHash, ext string) string {
	return filepath.Join(l.AssetsDir(), contentHash[:2], contentHash+ext)
}

// IndexPath returns the search index database path.
func (l *Layout) IndexPath() string {
	return filepath.Join(l.UserRoot(), "index", "search.db")
}

// IndexJournalPath returns the path of the failed-upsert journal.
func (l *Layout) IndexJournalPath() string {
	return filepath.Join(l.UserRoot(), "index", "journal.json")
}

// CheckpointDir returns the bulk checkpoint directory.
func (l *Layout) CheckpointDir() string {
	return filepath.Join(l.UserRoot(), "checkpoints")
}

// CheckpointPath returns the file path for a bulk checkpoint id.
func (l *Layout) CheckpointPath(id string) string {
	return filepath.Join(l.CheckpointDir(), fmt.Sprintf("bulk_%s.json", id))
}

// ScratchDir returns the partial-download scratch directory. Files here
// live outside the asset store until finalization.
func (l *Layout) ScratchDir() string {
	return filepath.Join(l.UserRoot(), "scratch")
}

// RefcountsPath returns the asset refcount ledger path.
func (l *Layout) RefcountsPath() string {
	return filepath.Join(l.UserRoot(), "assets", "refcounts.json")
}

// CrossrefPath returns the link cross-reference table path.
func (l *Layout) CrossrefPath() string {
	return filepath.Join(l.UserRoot(), "links", "crossref.json")
}

// TombstonesPath returns the sync tombstone ledger path.
func (l *Layout) TombstonesPath() string {
	return filepath.Join(l.UserRoot(), "sync", "tombstones.json")
}

// EnsureUserRoot creates the per-user directory skeleton. Idempotent.
func (l *Layout) EnsureUserRoot() error {
	dirs := []string{
		l.UserRoot(),
		filepath.Join(l.UserRoot(), "notebooks"),
		l.AssetsDir(),
		filepath.Dir(l.IndexPath()),
		l.CheckpointDir(),
		l.ScratchDir(),
		filepath.Dir(l.CrossrefPath()),
		filepath.Dir(l.TombstonesPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("layout: creating %s: %w", dir, err)
		}
	}

	return nil
}
