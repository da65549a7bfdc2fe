package metastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// Store is the single writer of metadata files. All mutations go through
// a transaction (Begin/Commit); reads go through Snapshot.
type Store struct {
	layout *layout.Layout
	logger *slog.Logger

	mu     sync.RWMutex
	loaded bool

	notebooks map[string]Notebook
	sections  map[string]Section
	pages     map[string]Page
	assets    map[string]assetEntry
	xref      crossref
}

// New creates a Store over the given layout. The on-disk tree is loaded
// lazily on first use, keeping Core startup O(1).
func New(l *layout.Layout, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		layout:    l,
		logger:    logger,
		notebooks: make(map[string]Notebook),
		sections:  make(map[string]Section),
		pages:     make(map[string]Page),
		assets:    make(map[string]assetEntry),
		xref:      crossref{Forward: map[string][]string{}, Inverse: map[string][]string{}},
	}
}

// ensureLoaded populates the in-memory view from disk. Caller must hold
// the write lock or guarantee exclusivity.
func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	if err := s.loadTree(); err != nil {
		return err
	}

	if err := s.loadAssets(); err != nil {
		return err
	}

	if err := s.loadCrossref(); err != nil {
		return err
	}

	s.loaded = true

	s.logger.Debug("metadata store loaded",
		slog.Int("notebooks", len(s.notebooks)),
		slog.Int("sections", len(s.sections)),
		slog.Int("pages", len(s.pages)),
		slog.Int("assets", len(s.assets)),
	)

	return nil
}

// loadTree walks notebooks/*/metadata.json and the nested section and page
// records.
func (s *Store) loadTree() error {
	notebooksDir := filepath.Join(s.layout.UserRoot(), "notebooks")

	notebooks, err := readDirIDs(notebooksDir)
	if err != nil {
		return err
	}

	for _, nbID := range notebooks {
		var nb Notebook
		if err := readJSON(s.layout.NotebookMetadataPath(nbID), &nb); err != nil {
			if errors.Is(err, onerr.ErrNotFound) {
				continue
			}

			return err
		}

		s.notebooks[nb.ID] = nb

		sections, err := readDirIDs(filepath.Join(s.layout.NotebookDir(nbID), "sections"))
		if err != nil {
			return err
		}

		for _, secID := range sections {
			var sec Section
			if err := readJSON(s.layout.SectionMetadataPath(nbID, secID), &sec); err != nil {
				if errors.Is(err, onerr.ErrNotFound) {
					continue
				}

				return err
			}

			s.sections[sec.ID] = sec

			pages, err := readDirIDs(filepath.Join(s.layout.SectionDir(nbID, secID), "pages"))
			if err != nil {
				return err
			}

			for _, pageID := range pages {
				var p Page
				if err := readJSON(s.layout.PageMetadataPath(nbID, secID, pageID), &p); err != nil {
					if errors.Is(err, onerr.ErrNotFound) {
						continue
					}

					return err
				}

				s.pages[p.ID] = p
			}
		}
	}

	return nil
}

func (s *Store) loadAssets() error {
	var entries map[string]assetEntry

	err := readJSON(s.layout.RefcountsPath(), &entries)
	if errors.Is(err, onerr.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	s.assets = entries

	return nil
}

func (s *Store) loadCrossref() error {
	var x crossref

	err := readJSON(s.layout.CrossrefPath(), &x)
	if errors.Is(err, onerr.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if x.Forward == nil {
		x.Forward = map[string][]string{}
	}

	if x.Inverse == nil {
		x.Inverse = map[string][]string{}
	}

	s.xref = x

	return nil
}

// Snapshot returns an immutable view of the store for readers. The maps
// are copied; record values are plain data, so mutation of the snapshot
// never leaks back.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	if err := s.ensureLoaded(); err != nil {
		s.mu.Unlock()

		return nil, err
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Notebooks: make(map[string]Notebook, len(s.notebooks)),
		Sections:  make(map[string]Section, len(s.sections)),
		Pages:     make(map[string]Page, len(s.pages)),
		Assets:    make(map[string]Asset, len(s.assets)),
		Backlinks: make(map[string][]string, len(s.xref.Inverse)),
	}

	for id, nb := range s.notebooks {
		snap.Notebooks[id] = nb
	}

	for id, sec := range s.sections {
		snap.Sections[id] = sec
	}

	for id, p := range s.pages {
		snap.Pages[id] = p
	}

	for hash, e := range s.assets {
		snap.Assets[hash] = e.Asset
	}

	for target, sources := range s.xref.Inverse {
		snap.Backlinks[target] = append([]string(nil), sources...)
	}

	return snap, nil
}

// GetPage returns a page record by id, or onerr.ErrNotFound.
func (s *Store) GetPage(id string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return Page{}, err
	}

	p, ok := s.pages[id]
	if !ok {
		return Page{}, fmt.Errorf("%w: page %s", onerr.ErrNotFound, id)
	}

	return p, nil
}

// Filter narrows ListPages results. Zero values match everything.
type Filter struct {
	NotebookID string
	SectionID  string
	Status     PageStatus
}

// ListPages returns pages matching the filter, ordered by id for
// deterministic iteration.
func (s *Store) ListPages(f Filter) ([]Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	var out []Page

	for _, p := range s.pages {
		if f.NotebookID != "" && p.NotebookID != f.NotebookID {
			continue
		}

		if f.SectionID != "" && p.SectionID != f.SectionID {
			continue
		}

		if f.Status != "" && p.Status != f.Status {
			continue
		}

		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// IterChangedSince returns pages whose ModifiedAt is after t.
func (s *Store) IterChangedSince(t time.Time) ([]Page, error) {
	pages, err := s.ListPages(Filter{})
	if err != nil {
		return nil, err
	}

	var out []Page

	for _, p := range pages {
		if p.ModifiedAt.After(t) {
			out = append(out, p)
		}
	}

	return out, nil
}

// ComputeCounters derives cache counters by traversal. Used to verify the
// manifest copy.
func (s *Store) ComputeCounters() (layout.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return layout.Counters{}, err
	}

	c := layout.Counters{
		Notebooks: len(s.notebooks),
		Sections:  len(s.sections),
		Pages:     len(s.pages),
	}

	for _, e := range s.assets {
		if e.Refcount > 0 || e.ZeroGCCycles == 0 {
			c.Assets++
			c.TotalBytes += e.Asset.ByteSize
		}
	}

	return c, nil
}

// Backlinks returns the source page ids linking to the given target page.
func (s *Store) Backlinks(targetPageID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	return append([]string(nil), s.xref.Inverse[targetPageID]...), nil
}

// readDirIDs lists subdirectory names, treating a missing directory as empty.
func readDirIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, onerr.Storagef(dir, err)
	}

	var ids []string

	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}

	return ids, nil
}

// readJSON unmarshals path into v, mapping a missing file to onerr.ErrNotFound.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", onerr.ErrNotFound, path)
		}

		return onerr.Storagef(path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return onerr.Storagef(path, err)
	}

	return nil
}
