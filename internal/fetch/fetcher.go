// Package fetch drives remote acquisition: the notebook→section→page
// traversal, page HTML retrieval, asset downloads, link resolution, and
// Markdown materialization. Indexing is the caller's step — this package
// commits pages; the bulk indexer or incremental sync indexes them.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shulgaalexey/onenote-local/internal/assetdl"
	"github.com/shulgaalexey/onenote-local/internal/graph"
	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/links"
	"github.com/shulgaalexey/onenote-local/internal/markdown"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// pageTimeout bounds one page's full pipeline (HTML + assets + convert +
// commit). Exceeding it maps to a transient failure for that page only.
const pageTimeout = 120 * time.Second

// Fetcher orchestrates content acquisition for sync operations.
type Fetcher struct {
	client    *graph.Client
	meta      *metastore.Store
	layout    *layout.Layout
	converter *markdown.Converter
	assets    *assetdl.Downloader
	workers   int
	logger    *slog.Logger
}

// New creates a Fetcher with the given page-level worker bound.
func New(client *graph.Client, meta *metastore.Store, l *layout.Layout,
	converter *markdown.Converter, assets *assetdl.Downloader,
	workers int, logger *slog.Logger,
) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	if workers <= 0 {
		workers = 4
	}

	return &Fetcher{
		client:    client,
		meta:      meta,
		layout:    l,
		converter: converter,
		assets:    assets,
		workers:   workers,
		logger:    logger,
	}
}

// Report summarizes one full sync.
type Report struct {
	Notebooks        int
	Sections         int
	PagesListed      int
	PagesFetched     int
	PagesFailed      int
	AssetsDownloaded int
	Duration         time.Duration
	// Failures maps page id → reason for pages that could not be fetched.
	Failures map[string]string
}

// FullSync lists the complete remote hierarchy, upserts metadata, fetches
// content for pages that are new or newer remotely, and updates the
// manifest. Per-page failures are isolated in the report.
func (f *Fetcher) FullSync(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Failures: make(map[string]string)}

	needFetch, err := f.syncMetadataPhase(ctx, report)
	if err != nil {
		return report, err
	}

	// Link resolution is deferred until after the metadata phase so that
	// link targets are maximally resolvable.
	snap, err := f.meta.Snapshot()
	if err != nil {
		return report, err
	}

	resolver := links.NewResolver(snap, f.logger)

	if err := f.fetchPages(ctx, needFetch, resolver, report); err != nil {
		return report, err
	}

	tx, err := f.meta.Begin()
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	tx.UpdateManifest(func(m *layout.Manifest) {
		m.LastFullSyncAt = time.Now().UTC()
	})

	if err := tx.Commit(); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)

	f.logger.Info("full sync complete",
		slog.Int("notebooks", report.Notebooks),
		slog.Int("sections", report.Sections),
		slog.Int("pages_fetched", report.PagesFetched),
		slog.Int("pages_failed", report.PagesFailed),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// syncMetadataPhase lists and upserts the hierarchy, returning the pages
// whose content must be (re)fetched.
func (f *Fetcher) syncMetadataPhase(ctx context.Context, report *Report) ([]metastore.Page, error) {
	notebooks, err := f.client.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := f.meta.Snapshot()
	if err != nil {
		return nil, err
	}

	tx, err := f.meta.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var needFetch []metastore.Page

	for _, nb := range notebooks {
		report.Notebooks++

		sections, err := f.client.ListSections(ctx, nb.ID)
		if err != nil {
			return nil, err
		}

		sectionIDs := make([]string, 0, len(sections))

		for _, sec := range sections {
			report.Sections++
			sectionIDs = append(sectionIDs, sec.ID)

			pages, err := f.client.ListPages(ctx, nb.ID, sec.ID)
			if err != nil {
				return nil, err
			}

			pageIDs := make([]string, 0, len(pages))

			for _, rp := range pages {
				report.PagesListed++
				pageIDs = append(pageIDs, rp.ID)

				page := mergeRemotePage(snap, rp)
				tx.PutPage(page)

				if pageNeedsContent(snap, rp) {
					needFetch = append(needFetch, page)
				}
			}

			tx.PutSection(metastore.Section{
				ID:          sec.ID,
				DisplayName: sec.DisplayName,
				NotebookID:  nb.ID,
				CreatedAt:   sec.CreatedAt,
				ModifiedAt:  sec.ModifiedAt,
				PageIDs:     pageIDs,
			})
		}

		tx.PutNotebook(metastore.Notebook{
			ID:          nb.ID,
			DisplayName: nb.DisplayName,
			CreatedAt:   nb.CreatedAt,
			ModifiedAt:  nb.ModifiedAt,
			SectionIDs:  sectionIDs,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return needFetch, nil
}

// mergeRemotePage builds the page record for upsert, preserving local
// materialization fields when the page is already cached.
func mergeRemotePage(snap *metastore.Snapshot, rp graph.RemotePage) metastore.Page {
	page := metastore.Page{
		ID:          rp.ID,
		Title:       rp.Title,
		SectionID:   rp.SectionID,
		NotebookID:  rp.NotebookID,
		CreatedAt:   rp.CreatedAt,
		ModifiedAt:  rp.ModifiedAt,
		ContentETag: rp.ContentETag,
		Status:      metastore.StatusStub,
	}

	if local, ok := snap.PageByID(rp.ID); ok {
		page.HTMLPath = local.HTMLPath
		page.MarkdownPath = local.MarkdownPath
		page.AssetRefs = local.AssetRefs
		page.LinkRefs = local.LinkRefs
		page.TextLength = local.TextLength
		page.Status = local.Status
		page.FetchedMtime = local.FetchedMtime
	}

	return page
}

// pageNeedsContent decides whether a page's content must be fetched:
// never cached, failed previously, or changed remotely. The etag is
// authoritative when present; timestamps decide otherwise.
func pageNeedsContent(snap *metastore.Snapshot, rp graph.RemotePage) bool {
	local, ok := snap.PageByID(rp.ID)
	if !ok || local.Status != metastore.StatusPresent {
		return true
	}

	if rp.ContentETag != "" && local.ContentETag != "" {
		return rp.ContentETag != local.ContentETag
	}

	return rp.ModifiedAt.After(local.ModifiedAt)
}

// fetchPages runs the per-page pipeline under the worker bound.
func (f *Fetcher) fetchPages(ctx context.Context, pages []metastore.Page,
	resolver *links.Resolver, report *Report,
) error {
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for _, page := range pages {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			outcome := f.fetchOne(gctx, page, resolver)

			mu.Lock()
			defer mu.Unlock()

			if outcome.err != nil {
				report.PagesFailed++
				report.Failures[page.ID] = outcome.err.Error()
			} else {
				report.PagesFetched++
				report.AssetsDownloaded += outcome.assetsDownloaded
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: page fetch interrupted", onerr.ErrCancelled)
	}

	return nil
}

// FetchPage fetches a single page's content, used by incremental sync.
// The page record must already exist in the metadata store.
func (f *Fetcher) FetchPage(ctx context.Context, pageID string) error {
	page, err := f.meta.GetPage(pageID)
	if err != nil {
		return err
	}

	snap, err := f.meta.Snapshot()
	if err != nil {
		return err
	}

	outcome := f.fetchOne(ctx, page, links.NewResolver(snap, f.logger))

	return outcome.err
}

type pageOutcome struct {
	err              error
	assetsDownloaded int
}

// fetchOne runs the full per-page pipeline. Order within a page is
// deterministic: metadata is already upserted; assets complete before
// link resolution; the Markdown write and metadata commit land together.
// A failure marks the page failed and reports the reason — other pages
// are unaffected.
func (f *Fetcher) fetchOne(ctx context.Context, page metastore.Page, resolver *links.Resolver) pageOutcome {
	ctx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()

	out, err := f.materialize(ctx, page, resolver)
	if err != nil {
		f.logger.Warn("page fetch failed",
			slog.String("page_id", page.ID),
			slog.String("error", err.Error()),
		)

		f.markFailed(page, err)

		return pageOutcome{err: err}
	}

	return *out
}

func (f *Fetcher) materialize(ctx context.Context, page metastore.Page, resolver *links.Resolver) (*pageOutcome, error) {
	htmlSrc, err := f.client.GetPageHTML(ctx, page.ID)
	if err != nil {
		return nil, err
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: page %s timed out", onerr.ErrTransient, page.ID)
	}

	candidates, err := markdown.ExtractAssets(htmlSrc)
	if err != nil {
		return nil, fmt.Errorf("%w: extracting assets: %v", onerr.ErrPermanent, err)
	}

	outcomes, err := f.assets.FetchAll(ctx, candidates)
	if err != nil {
		return nil, err
	}

	pageDir := f.layout.PageDir(page.NotebookID, page.SectionID, page.ID)
	maps := markdown.Maps{Assets: map[string]string{}, Links: map[string]string{}}

	var (
		assetRefs []metastore.AssetRef
		newAssets []metastore.Asset
		fetched   int
	)

	for _, o := range outcomes {
		if o.Asset == nil {
			continue
		}

		fetched++

		rel, relErr := relativePath(pageDir, o.Asset.LocalPath)
		if relErr != nil {
			return nil, relErr
		}

		// Both URL variants point at the stored asset so the converter
		// finds whichever attribute it looks at.
		for _, u := range []string{o.Candidate.URL, o.Candidate.FullresURL} {
			if u != "" {
				maps.Assets[u] = rel
			}
		}

		newAssets = append(newAssets, *o.Asset)
		assetRefs = append(assetRefs, metastore.AssetRef{
			ContentHash: o.Asset.ContentHash,
			OriginalURL: o.Asset.OriginalURL,
		})
	}

	anchors, err := markdown.ExtractLinks(htmlSrc)
	if err != nil {
		return nil, fmt.Errorf("%w: extracting links: %v", onerr.ErrPermanent, err)
	}

	anchorInputs := make([]links.AnchorInput, 0, len(anchors))
	for _, a := range anchors {
		anchorInputs = append(anchorInputs, links.Anchor(a.Href, a.Text))
	}

	resolutions := resolver.Resolve(page, anchorInputs)
	linkRefs := make([]metastore.LinkRef, 0, len(resolutions))

	for _, res := range resolutions {
		linkRefs = append(linkRefs, res.Ref)

		if res.LocalTarget != "" {
			maps.Links[res.Ref.TargetSpec] = res.LocalTarget
		}
	}

	converted, err := f.converter.Convert(htmlSrc, maps)
	if err != nil {
		return nil, fmt.Errorf("%w: converting page %s: %v", onerr.ErrPermanent, page.ID, err)
	}

	htmlPath := f.layout.PageHTMLPath(page.NotebookID, page.SectionID, page.ID)
	mdPath := f.layout.PageMarkdownPath(page.NotebookID, page.SectionID, page.ID)

	if err := writeFileAtomic(htmlPath, htmlSrc); err != nil {
		return nil, err
	}

	if err := writeFileAtomic(mdPath, []byte(converted.Markdown)); err != nil {
		return nil, err
	}

	mdInfo, err := os.Stat(mdPath)
	if err != nil {
		return nil, onerr.Storagef(mdPath, err)
	}

	page.HTMLPath = htmlPath
	page.MarkdownPath = mdPath
	page.AssetRefs = assetRefs
	page.LinkRefs = linkRefs
	page.TextLength = converted.TextLength
	page.Status = metastore.StatusPresent
	page.FailReason = ""
	page.FetchedMtime = mdInfo.ModTime().UTC()

	tx, err := f.meta.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, a := range newAssets {
		tx.PutAsset(a)
	}

	tx.PutPage(page)
	tx.SetLinkRefs(page.ID, linkRefs)

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &pageOutcome{assetsDownloaded: fetched}, nil
}

// ConvertStored re-renders previously stored page HTML without rewrite
// maps. Used as the merge base during conflict resolution; image and
// link targets may differ from the committed markdown, which the merge
// treats as both-sides-changed.
func (f *Fetcher) ConvertStored(htmlSrc []byte, _ metastore.Page) (string, error) {
	res, err := f.converter.Convert(htmlSrc, markdown.Maps{})
	if err != nil {
		return "", err
	}

	return res.Markdown, nil
}

// markFailed records a failed fetch; best-effort (a failing store here
// has already failed the page).
func (f *Fetcher) markFailed(page metastore.Page, cause error) {
	tx, err := f.meta.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()

	page.Status = metastore.StatusFailed
	page.FailReason = cause.Error()
	tx.PutPage(page)

	if err := tx.Commit(); err != nil {
		f.logger.Error("recording page failure failed",
			slog.String("page_id", page.ID),
			slog.String("error", err.Error()),
		)
	}
}

// relativePath computes the OS-neutral relative path from a page
// directory to an asset file.
func relativePath(fromDir, to string) (string, error) {
	rel, err := filepath.Rel(fromDir, to)
	if err != nil {
		return "", fmt.Errorf("%w: relative asset path: %v", onerr.ErrStorage, err)
	}

	return filepath.ToSlash(rel), nil
}

// writeFileAtomic writes data via temp file + rename.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return onerr.Storagef(path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".w-*")
	if err != nil {
		return onerr.Storagef(path, err)
	}

	if _, err := tmp.Write(data); err != nil {
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
