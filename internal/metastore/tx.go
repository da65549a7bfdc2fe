package metastore

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// Tx collects staged mutations and applies them atomically on Commit.
// The store's write lock is held for the whole transaction, so there is
// exactly one writer at a time; snapshot readers are unaffected.
//
// Commit order: record files first (each written temp+rename), shared
// ledgers (refcounts, crossref) next, the manifest last. The manifest
// write is the externally visible commit point.
type Tx struct {
	store *Store
	done  bool

	putNotebooks []Notebook
	putSections  []Section
	putPages     []Page
	delPages     []string
	putAssets    []Asset
	addRefs      map[string]int // hash → refcount delta
	setLinks     map[string][]LinkRef

	manifestMut func(*layout.Manifest)
}

// Begin starts a transaction, taking the single-writer lock.
func (s *Store) Begin() (*Tx, error) {
	s.mu.Lock()

	if err := s.ensureLoaded(); err != nil {
		s.mu.Unlock()

		return nil, err
	}

	return &Tx{
		store:    s,
		addRefs:  make(map[string]int),
		setLinks: make(map[string][]LinkRef),
	}, nil
}

// PutNotebook stages a notebook upsert (last writer wins).
func (t *Tx) PutNotebook(nb Notebook) { t.putNotebooks = append(t.putNotebooks, nb) }

// PutSection stages a section upsert.
func (t *Tx) PutSection(sec Section) { t.putSections = append(t.putSections, sec) }

// PutPage stages a page upsert. Asset refcounts are adjusted by the delta
// between the page's previous and new asset_refs at commit time.
func (t *Tx) PutPage(p Page) { t.putPages = append(t.putPages, p) }

// DeletePage stages removal of a page record, its files, and decrements
// the refcount of every asset it referenced.
func (t *Tx) DeletePage(id string) { t.delPages = append(t.delPages, id) }

// PutAsset stages an asset catalog entry (created once, never mutated;
// repeat puts of the same hash are ignored at commit).
func (t *Tx) PutAsset(a Asset) { t.putAssets = append(t.putAssets, a) }

// SetLinkRefs stages the resolved link set for a page, replacing the
// previous set in the crossref tables.
func (t *Tx) SetLinkRefs(pageID string, refs []LinkRef) { t.setLinks[pageID] = refs }

// UpdateManifest registers a manifest mutation applied at commit.
// The mutation sees counters already refreshed from the committed state.
func (t *Tx) UpdateManifest(mut func(*layout.Manifest)) { t.manifestMut = mut }

// Rollback abandons the transaction. Safe to defer after Begin; a no-op
// once Commit has run.
func (t *Tx) Rollback() {
	if t.done {
		return
	}

	t.done = true
	t.store.mu.Unlock()
}

// Commit applies all staged mutations. On error the in-memory state is
// reloaded from disk on next use so a partial file write cannot leave the
// cached view ahead of the durable one.
func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("metastore: commit on finished transaction")
	}

	t.done = true
	defer t.store.mu.Unlock()

	if err := t.apply(); err != nil {
		// Drop the cached view; it may be ahead of disk.
		t.store.loaded = false
		t.store.notebooks = make(map[string]Notebook)
		t.store.sections = make(map[string]Section)
		t.store.pages = make(map[string]Page)
		t.store.assets = make(map[string]assetEntry)
		t.store.xref = crossref{Forward: map[string][]string{}, Inverse: map[string][]string{}}

		return err
	}

	return nil
}

func (t *Tx) apply() error {
	s := t.store

	for _, nb := range t.putNotebooks {
		if err := layout.WriteJSONAtomic(s.layout.NotebookMetadataPath(nb.ID), &nb); err != nil {
			return err
		}

		s.notebooks[nb.ID] = nb
	}

	for _, sec := range t.putSections {
		if err := layout.WriteJSONAtomic(s.layout.SectionMetadataPath(sec.NotebookID, sec.ID), &sec); err != nil {
			return err
		}

		s.sections[sec.ID] = sec
	}

	for _, p := range t.putPages {
		t.diffAssetRefs(s.pages[p.ID].AssetRefs, p.AssetRefs)

		if err := layout.WriteJSONAtomic(s.layout.PageMetadataPath(p.NotebookID, p.SectionID, p.ID), &p); err != nil {
			return err
		}

		s.pages[p.ID] = p
	}

	for _, id := range t.delPages {
		p, ok := s.pages[id]
		if !ok {
			continue
		}

		t.diffAssetRefs(p.AssetRefs, nil)
		t.setLinks[id] = nil

		dir := s.layout.PageDir(p.NotebookID, p.SectionID, p.ID)
		if err := os.RemoveAll(dir); err != nil {
			return onerr.Storagef(dir, err)
		}

		delete(s.pages, id)

		// Drop the page from its section's ordered list.
		if sec, ok := s.sections[p.SectionID]; ok {
			sec.PageIDs = removeString(sec.PageIDs, id)
			if err := layout.WriteJSONAtomic(s.layout.SectionMetadataPath(sec.NotebookID, sec.ID), &sec); err != nil {
				return err
			}

			s.sections[sec.ID] = sec
		}
	}

	if err := t.applyAssets(); err != nil {
		return err
	}

	if err := t.applyLinks(); err != nil {
		return err
	}

	return t.applyManifest()
}

// diffAssetRefs stages refcount deltas for an old→new asset_refs change.
func (t *Tx) diffAssetRefs(oldRefs, newRefs []AssetRef) {
	seen := make(map[string]bool, len(oldRefs))
	for _, r := range oldRefs {
		seen[r.ContentHash] = true
	}

	now := make(map[string]bool, len(newRefs))
	for _, r := range newRefs {
		now[r.ContentHash] = true
	}

	for hash := range now {
		if !seen[hash] {
			t.addRefs[hash]++
		}
	}

	for hash := range seen {
		if !now[hash] {
			t.addRefs[hash]--
		}
	}
}

func (t *Tx) applyAssets() error {
	s := t.store

	changed := len(t.putAssets) > 0 || len(t.addRefs) > 0
	if !changed {
		return nil
	}

	for _, a := range t.putAssets {
		if _, exists := s.assets[a.ContentHash]; exists {
			continue
		}

		s.assets[a.ContentHash] = assetEntry{Asset: a}
	}

	for hash, delta := range t.addRefs {
		e, ok := s.assets[hash]
		if !ok {
			s.logger.Warn("refcount delta for unknown asset", slog.String("hash", hash))

			continue
		}

		e.Refcount += delta
		if e.Refcount < 0 {
			e.Refcount = 0
		}

		if e.Refcount > 0 {
			e.ZeroGCCycles = 0
		}

		s.assets[hash] = e
	}

	return layout.WriteJSONAtomic(s.layout.RefcountsPath(), s.assets)
}

func (t *Tx) applyLinks() error {
	s := t.store

	if len(t.setLinks) == 0 {
		return nil
	}

	for pageID, refs := range t.setLinks {
		// Remove old inverse entries for this source.
		for _, target := range s.xref.Forward[pageID] {
			s.xref.Inverse[target] = removeString(s.xref.Inverse[target], pageID)
			if len(s.xref.Inverse[target]) == 0 {
				delete(s.xref.Inverse, target)
			}
		}

		delete(s.xref.Forward, pageID)

		var targets []string

		for _, ref := range refs {
			if ref.Kind == LinkInternalResolved && ref.TargetPageID != "" {
				targets = append(targets, ref.TargetPageID)
			}
		}

		if len(targets) == 0 {
			continue
		}

		sort.Strings(targets)
		s.xref.Forward[pageID] = targets

		for _, target := range targets {
			if !containsString(s.xref.Inverse[target], pageID) {
				s.xref.Inverse[target] = append(s.xref.Inverse[target], pageID)
				sort.Strings(s.xref.Inverse[target])
			}
		}
	}

	return layout.WriteJSONAtomic(s.layout.CrossrefPath(), s.xref)
}

func (t *Tx) applyManifest() error {
	if t.manifestMut == nil {
		return nil
	}

	s := t.store

	m, err := s.layout.LoadManifest()
	if err != nil {
		return err
	}

	// Refresh counters from the just-committed state so Invariant "manifest
	// counters equal traversal counts" holds at every commit point.
	m.Counters = s.countersLocked()
	t.manifestMut(m)

	return s.layout.SaveManifest(m)
}

// countersLocked computes counters from in-memory state. Caller holds the
// write lock.
func (s *Store) countersLocked() layout.Counters {
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

	return c
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))

	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}

	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}

	return false
}
