package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shulgaalexey/onenote-local/internal/graph"
	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// tombstoneLedger tracks how many consecutive syncs each locally known
// page has been absent from the remote listing. Persisted as JSON so the
// count survives restarts.
type tombstoneLedger map[string]int

func (s *Syncer) loadTombstones() (tombstoneLedger, error) {
	data, err := os.ReadFile(s.layout.TombstonesPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tombstoneLedger{}, nil
		}

		return nil, onerr.Storagef(s.layout.TombstonesPath(), err)
	}

	var ledger tombstoneLedger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, onerr.Storagef(s.layout.TombstonesPath(), err)
	}

	return ledger, nil
}

func (s *Syncer) saveTombstones(ledger tombstoneLedger) error {
	return layout.WriteJSONAtomic(s.layout.TombstonesPath(), ledger)
}

// Plan lists the remote hierarchy and diffs it against the local store.
// Planning performs no mutations: the tombstone ledger advances only when
// the plan is executed for real.
func (s *Syncer) Plan(ctx context.Context) (*Plan, error) {
	listing, err := s.listRemote(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := s.meta.Snapshot()
	if err != nil {
		return nil, err
	}

	tombstones, err := s.loadTombstones()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		CycleID: uuid.New().String(),
		remote:  *listing,
	}

	for _, rp := range listing.pages {
		s.classifyRemote(snap, rp, plan)
	}

	// Locally known pages missing from the remote listing accrue
	// tombstones; past the threshold they become deletes. The threshold
	// guards against transient list inconsistency on the remote side.
	for id := range snap.Pages {
		if _, listed := listing.pages[id]; listed {
			continue
		}

		if tombstones[id]+1 >= s.tombstoneCycles {
			plan.Deletes = append(plan.Deletes, PageChange{Kind: ChangeDelete, PageID: id})
		} else {
			plan.absentPages = append(plan.absentPages, id)
		}
	}

	sortPlan(plan)

	s.logger.Info("sync plan computed",
		slog.String("cycle_id", plan.CycleID),
		slog.Int("adds", len(plan.Adds)),
		slog.Int("updates", len(plan.Updates)),
		slog.Int("deletes", len(plan.Deletes)),
		slog.Int("conflicts", len(plan.Conflicts)),
	)

	return plan, nil
}

// classifyRemote sorts one remote page into add/update/conflict/none.
func (s *Syncer) classifyRemote(snap *metastore.Snapshot, rp graph.RemotePage, plan *Plan) {
	local, known := snap.PageByID(rp.ID)
	if !known {
		plan.Adds = append(plan.Adds, PageChange{Kind: ChangeAdd, PageID: rp.ID, Remote: rp})

		return
	}

	remoteChanged := remoteChanged(local, rp)
	locallyTouched, localMtime := s.locallyTouched(local)

	if locallyTouched && remoteChanged {
		plan.Conflicts = append(plan.Conflicts, Conflict{
			PageID:          rp.ID,
			LocalModifiedAt: localMtime,
			RemoteModified:  rp.ModifiedAt,
			Reason:          "local markdown modified externally while remote changed",
		})

		return
	}

	if remoteChanged || local.Status != metastore.StatusPresent {
		plan.Updates = append(plan.Updates, PageChange{Kind: ChangeUpdate, PageID: rp.ID, Remote: rp})
	}
}

// remoteChanged applies the change-detection rule: the etag is
// authoritative when both sides have one; timestamps decide otherwise.
func remoteChanged(local metastore.Page, rp graph.RemotePage) bool {
	if rp.ContentETag != "" && local.ContentETag != "" {
		return rp.ContentETag != local.ContentETag
	}

	return rp.ModifiedAt.After(local.ModifiedAt)
}

// locallyTouched reports whether the page's markdown file was modified
// after the recorded fetch time — external tampering, since the core
// itself never rewrites a committed file outside a sync.
func (s *Syncer) locallyTouched(local metastore.Page) (bool, time.Time) {
	if local.MarkdownPath == "" || local.FetchedMtime.IsZero() {
		return false, time.Time{}
	}

	info, err := os.Stat(local.MarkdownPath)
	if err != nil {
		return false, time.Time{}
	}

	mtime := info.ModTime().UTC()

	return mtime.After(local.FetchedMtime.Add(time.Second)), mtime
}

// listRemote snapshots the full remote hierarchy.
func (s *Syncer) listRemote(ctx context.Context) (*remoteListing, error) {
	notebooks, err := s.client.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}

	listing := &remoteListing{
		notebooks:    notebooks,
		pages:        make(map[string]graph.RemotePage),
		sectionPages: make(map[string][]string),
	}

	for _, nb := range notebooks {
		sections, err := s.client.ListSections(ctx, nb.ID)
		if err != nil {
			return nil, err
		}

		listing.sections = append(listing.sections, sections...)

		for _, sec := range sections {
			pages, err := s.client.ListPages(ctx, nb.ID, sec.ID)
			if err != nil {
				return nil, err
			}

			for _, rp := range pages {
				listing.pages[rp.ID] = rp
				listing.sectionPages[sec.ID] = append(listing.sectionPages[sec.ID], rp.ID)
			}
		}
	}

	return listing, nil
}

// sortPlan orders every slice by page id for deterministic execution and
// stable test assertions.
func sortPlan(plan *Plan) {
	for _, changes := range [][]PageChange{plan.Adds, plan.Updates, plan.Deletes} {
		sort.Slice(changes, func(i, j int) bool { return changes[i].PageID < changes[j].PageID })
	}

	sort.Slice(plan.Conflicts, func(i, j int) bool { return plan.Conflicts[i].PageID < plan.Conflicts[j].PageID })
	sort.Strings(plan.absentPages)
}
