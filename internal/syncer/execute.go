package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
	"github.com/shulgaalexey/onenote-local/internal/search"
)

// Execute applies a plan: deletes, then adds, then updates, then
// conflict resolutions under the given policy. Index write failures are
// journaled by the index and never fail the sync. With dryRun the same
// report shape is produced without side effects.
func (s *Syncer) Execute(ctx context.Context, plan *Plan, policy ConflictPolicy, dryRun bool) (*Report, error) {
	start := time.Now()

	if policy == "" {
		policy = s.defaultPolicy
	}

	report := &Report{
		CycleID:  plan.CycleID,
		DryRun:   dryRun,
		Failures: make(map[string]string),
	}

	if dryRun {
		report.Added = len(plan.Adds)
		report.Updated = len(plan.Updates)
		report.Deleted = len(plan.Deletes)
		report.Conflicts = append(report.Conflicts, plan.Conflicts...)
		report.Duration = time.Since(start)

		return report, nil
	}

	s.executeDeletes(ctx, plan, report)
	s.upsertHierarchy(plan, report)
	s.executeFetches(ctx, plan.Adds, report, &report.Added)
	s.executeFetches(ctx, plan.Updates, report, &report.Updated)
	s.executeConflicts(ctx, plan, policy, report)

	if err := s.advanceTombstones(plan); err != nil {
		return report, err
	}

	// Manifest update is the commit point of the sync.
	tx, err := s.meta.Begin()
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	tx.UpdateManifest(func(m *layout.Manifest) {
		m.LastIncrementalSyncAt = time.Now().UTC()
	})

	if err := tx.Commit(); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)

	s.logger.Info("incremental sync complete",
		slog.String("cycle_id", plan.CycleID),
		slog.Int("added", report.Added),
		slog.Int("updated", report.Updated),
		slog.Int("deleted", report.Deleted),
		slog.Int("failed", report.Failed),
	)

	if policy == Prompt && len(report.Conflicts) > 0 {
		c := report.Conflicts[0]

		return report, &onerr.ConflictError{PageID: c.PageID, Reason: c.Reason}
	}

	return report, nil
}

func (s *Syncer) executeDeletes(ctx context.Context, plan *Plan, report *Report) {
	for _, del := range plan.Deletes {
		tx, err := s.meta.Begin()
		if err != nil {
			report.Failed++
			report.Failures[del.PageID] = err.Error()

			continue
		}

		tx.DeletePage(del.PageID)

		if err := tx.Commit(); err != nil {
			report.Failed++
			report.Failures[del.PageID] = err.Error()

			continue
		}

		// Index delete failures journal inside the index; the metadata
		// commit stands either way.
		if err := s.index.Delete(ctx, del.PageID); err != nil {
			s.logger.Warn("index delete journaled",
				slog.String("page_id", del.PageID),
				slog.String("error", err.Error()),
			)
		}

		report.Deleted++
	}
}

// upsertHierarchy refreshes notebook and section records from the
// listing taken at plan time.
func (s *Syncer) upsertHierarchy(plan *Plan, report *Report) {
	tx, err := s.meta.Begin()
	if err != nil {
		report.Failures["hierarchy"] = err.Error()
		report.Failed++

		return
	}
	defer tx.Rollback()

	sectionsByNotebook := make(map[string][]string)

	for _, sec := range plan.remote.sections {
		sectionsByNotebook[sec.NotebookID] = append(sectionsByNotebook[sec.NotebookID], sec.ID)

		tx.PutSection(metastore.Section{
			ID:          sec.ID,
			DisplayName: sec.DisplayName,
			NotebookID:  sec.NotebookID,
			CreatedAt:   sec.CreatedAt,
			ModifiedAt:  sec.ModifiedAt,
			PageIDs:     plan.remote.sectionPages[sec.ID],
		})
	}

	for _, nb := range plan.remote.notebooks {
		tx.PutNotebook(metastore.Notebook{
			ID:          nb.ID,
			DisplayName: nb.DisplayName,
			CreatedAt:   nb.CreatedAt,
			ModifiedAt:  nb.ModifiedAt,
			SectionIDs:  sectionsByNotebook[nb.ID],
		})
	}

	if err := tx.Commit(); err != nil {
		report.Failures["hierarchy"] = err.Error()
		report.Failed++
	}
}

// executeFetches materializes added/updated pages and indexes them.
func (s *Syncer) executeFetches(ctx context.Context, changes []PageChange, report *Report, counter *int) {
	for _, ch := range changes {
		if err := s.applyRemotePage(ctx, ch); err != nil {
			report.Failed++
			report.Failures[ch.PageID] = err.Error()

			continue
		}

		*counter++
	}
}

// applyRemotePage upserts the page stub, fetches its content, and
// indexes the committed markdown.
func (s *Syncer) applyRemotePage(ctx context.Context, ch PageChange) error {
	existing, getErr := s.meta.GetPage(ch.Remote.ID)

	tx, err := s.meta.Begin()
	if err != nil {
		return err
	}

	stub := metastore.Page{
		ID:          ch.Remote.ID,
		Title:       ch.Remote.Title,
		SectionID:   ch.Remote.SectionID,
		NotebookID:  ch.Remote.NotebookID,
		CreatedAt:   ch.Remote.CreatedAt,
		ModifiedAt:  ch.Remote.ModifiedAt,
		ContentETag: ch.Remote.ContentETag,
		Status:      metastore.StatusStub,
	}

	if getErr == nil {
		stub.HTMLPath = existing.HTMLPath
		stub.MarkdownPath = existing.MarkdownPath
		stub.AssetRefs = existing.AssetRefs
		stub.LinkRefs = existing.LinkRefs
		stub.TextLength = existing.TextLength
		stub.FetchedMtime = existing.FetchedMtime
	}

	tx.PutPage(stub)

	if err := tx.Commit(); err != nil {
		return err
	}

	if err := s.fetcher.FetchPage(ctx, ch.Remote.ID); err != nil {
		return err
	}

	return s.indexPage(ctx, ch.Remote.ID)
}

// indexPage upserts a committed page into the search index. Index
// failures journal inside the index and are not propagated.
func (s *Syncer) indexPage(ctx context.Context, pageID string) error {
	page, err := s.meta.GetPage(pageID)
	if err != nil {
		return err
	}

	if page.Status != metastore.StatusPresent {
		return fmt.Errorf("%w: page %s not present after fetch", onerr.ErrNotFound, pageID)
	}

	body, err := os.ReadFile(page.MarkdownPath)
	if err != nil {
		return onerr.Storagef(page.MarkdownPath, err)
	}

	if err := s.index.Upsert(ctx, search.Document{
		PageID:       page.ID,
		Title:        page.Title,
		BodyMarkdown: string(body),
		NotebookID:   page.NotebookID,
		SectionID:    page.SectionID,
		ModifiedAt:   page.ModifiedAt,
	}); err != nil {
		s.logger.Warn("index upsert journaled",
			slog.String("page_id", pageID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// advanceTombstones persists the post-execute absence counts: executed
// deletes leave the ledger; still-absent pages accrue one cycle; listed
// pages reset.
func (s *Syncer) advanceTombstones(plan *Plan) error {
	ledger, err := s.loadTombstones()
	if err != nil {
		return err
	}

	next := tombstoneLedger{}

	for _, id := range plan.absentPages {
		next[id] = ledger[id] + 1
	}

	return s.saveTombstones(next)
}
