package syncer

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/graph"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// executeConflicts resolves each conflict under the policy. Conflicts do
// not arise from ordinary operation of the core — they indicate external
// tampering with the cache — so resolution always leaves a consistent
// record behind.
func (s *Syncer) executeConflicts(ctx context.Context, plan *Plan, policy ConflictPolicy, report *Report) {
	for _, c := range plan.Conflicts {
		rp, ok := plan.remote.pages[c.PageID]
		if !ok {
			report.Failed++
			report.Failures[c.PageID] = "conflicting page vanished from remote listing"

			continue
		}

		if err := s.resolveConflict(ctx, c, rp, policy, report); err != nil {
			report.Failed++
			report.Failures[c.PageID] = err.Error()
		}
	}
}

func (s *Syncer) resolveConflict(ctx context.Context, c Conflict, rp graph.RemotePage,
	policy ConflictPolicy, report *Report,
) error {
	effective := policy

	if policy == NewerWins {
		if rp.ModifiedAt.After(c.LocalModifiedAt) {
			effective = RemoteWins
		} else {
			effective = LocalWins
		}
	}

	switch effective {
	case Prompt:
		// Yield to the caller unresolved.
		report.Conflicts = append(report.Conflicts, c)

		return nil
	case RemoteWins:
		if err := s.applyRemotePage(ctx, PageChange{Kind: ChangeUpdate, PageID: c.PageID, Remote: rp}); err != nil {
			return err
		}

		report.Resolved++
		report.Updated++

		return nil
	case LocalWins:
		if err := s.keepLocal(ctx, c.PageID, rp); err != nil {
			return err
		}

		report.Resolved++

		return nil
	case MergeAttempt:
		return s.mergeConflict(ctx, c, rp, report)
	default:
		return &onerr.ConflictError{PageID: c.PageID, Reason: "unknown conflict policy"}
	}
}

// keepLocal accepts the externally modified markdown as authoritative:
// the record adopts the remote's timestamps (so the page is not
// perpetually conflicted) and the local body is re-indexed.
func (s *Syncer) keepLocal(ctx context.Context, pageID string, rp graph.RemotePage) error {
	page, err := s.meta.GetPage(pageID)
	if err != nil {
		return err
	}

	info, err := os.Stat(page.MarkdownPath)
	if err != nil {
		return onerr.Storagef(page.MarkdownPath, err)
	}

	page.ModifiedAt = laterTime(rp.ModifiedAt, info.ModTime().UTC())
	page.ContentETag = rp.ContentETag
	page.FetchedMtime = info.ModTime().UTC()

	tx, err := s.meta.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.PutPage(page)

	if err := tx.Commit(); err != nil {
		return err
	}

	return s.indexPage(ctx, pageID)
}

// mergeConflict attempts a three-way Markdown merge. The base is the
// deterministic conversion of the stored original HTML; local is the
// tampered file; remote is the fresh fetch. On merge failure the remote
// wins, with a warning.
func (s *Syncer) mergeConflict(ctx context.Context, c Conflict, rp graph.RemotePage, report *Report) error {
	page, err := s.meta.GetPage(c.PageID)
	if err != nil {
		return err
	}

	localBody, err := os.ReadFile(page.MarkdownPath)
	if err != nil {
		return onerr.Storagef(page.MarkdownPath, err)
	}

	// The markdown committed at last fetch is reproducible from the
	// stored HTML, but the simplest faithful base is the previous
	// content.md before tampering — which no longer exists. Re-fetch the
	// remote first (remote-wins materialization), then merge the local
	// edits over it using the stored markdown as base.
	baseBody := localBody

	if page.HTMLPath != "" {
		if html, readErr := os.ReadFile(page.HTMLPath); readErr == nil {
			if converted, convErr := s.fetcher.ConvertStored(html, page); convErr == nil {
				baseBody = []byte(converted)
			}
		}
	}

	if err := s.applyRemotePage(ctx, PageChange{Kind: ChangeUpdate, PageID: c.PageID, Remote: rp}); err != nil {
		return err
	}

	refreshed, err := s.meta.GetPage(c.PageID)
	if err != nil {
		return err
	}

	remoteBody, err := os.ReadFile(refreshed.MarkdownPath)
	if err != nil {
		return onerr.Storagef(refreshed.MarkdownPath, err)
	}

	merged, ok := mergeThreeWay(string(baseBody), string(localBody), string(remoteBody))
	if !ok {
		s.logger.Warn("three-way merge failed, remote version kept",
			slog.String("page_id", c.PageID),
		)

		report.Resolved++
		report.Updated++

		return nil
	}

	if err := os.WriteFile(refreshed.MarkdownPath, []byte(merged), 0o600); err != nil {
		return onerr.Storagef(refreshed.MarkdownPath, err)
	}

	info, err := os.Stat(refreshed.MarkdownPath)
	if err != nil {
		return onerr.Storagef(refreshed.MarkdownPath, err)
	}

	refreshed.TextLength = len(merged)
	refreshed.FetchedMtime = info.ModTime().UTC()

	tx, err := s.meta.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.PutPage(refreshed)

	if err := tx.Commit(); err != nil {
		return err
	}

	if err := s.indexPage(ctx, c.PageID); err != nil {
		return err
	}

	report.Resolved++
	report.Updated++

	return nil
}

func laterTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}
