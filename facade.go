package onenotelocal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/links"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
	"github.com/shulgaalexey/onenote-local/internal/search"
)

// ResultSource identifies where a query's hits came from. The facade
// never silently mixes sources: hybrid appears only when requested.
type ResultSource string

// Result sources.
const (
	SourceLocal  ResultSource = "local"
	SourceRemote ResultSource = "remote"
	SourceHybrid ResultSource = "hybrid"
)

// QueryOptions narrows and routes a query.
type QueryOptions struct {
	NotebookIDs    []string
	SectionIDs     []string
	ModifiedAfter  time.Time
	ModifiedBefore time.Time
	Limit          int

	// AllowRemoteFallback permits a remote title search when the local
	// index yields nothing.
	AllowRemoteFallback bool
	// Hybrid requests merged local+remote results, local first,
	// duplicates removed by page id preferring local.
	Hybrid bool
}

// SearchHit is one result row.
type SearchHit struct {
	PageID  string
	Title   string
	Score   float64
	Snippet string
	Source  ResultSource
}

// QueryResult is the facade's answer to one query.
type QueryResult struct {
	Hits      []SearchHit
	Source    ResultSource
	ElapsedMS int64
}

// CacheStatus is the status surface for the UI collaborator.
type CacheStatus struct {
	Manifest   *layout.Manifest
	IndexState string
	IndexStats *search.Stats
}

// SearchFacade is the public search entry point consumed by the agent.
type SearchFacade struct {
	core *Core
}

// Query answers a free-form query. Routing: local when the index is
// ready and the cache holds pages for the filter; otherwise — or when
// local is empty and fallback is allowed — the remote title search. An
// empty cache yields an empty local result, not an error.
func (f *SearchFacade) Query(ctx context.Context, text string, opts *QueryOptions) (*QueryResult, error) {
	start := time.Now()

	if opts == nil {
		opts = &QueryOptions{}
	}

	local, localErr := f.queryLocal(ctx, text, opts)

	finish := func(hits []SearchHit, source ResultSource) *QueryResult {
		return &QueryResult{Hits: hits, Source: source, ElapsedMS: time.Since(start).Milliseconds()}
	}

	if opts.Hybrid {
		remote, remoteErr := f.queryRemote(ctx, text)
		if localErr != nil && remoteErr != nil {
			return nil, localErr
		}

		return finish(mergeHybrid(local, remote), SourceHybrid), nil
	}

	if localErr != nil {
		if errors.Is(localErr, onerr.ErrIndexUnavailable) && opts.AllowRemoteFallback {
			remote, remoteErr := f.queryRemote(ctx, text)
			if remoteErr != nil {
				return nil, remoteErr
			}

			return finish(remote, SourceRemote), nil
		}

		return nil, localErr
	}

	if len(local) == 0 && opts.AllowRemoteFallback {
		remote, remoteErr := f.queryRemote(ctx, text)
		if remoteErr == nil && len(remote) > 0 {
			return finish(remote, SourceRemote), nil
		}
	}

	return finish(local, SourceLocal), nil
}

func (f *SearchFacade) queryLocal(ctx context.Context, text string, opts *QueryOptions) ([]SearchHit, error) {
	idx, err := f.core.searchIndex(ctx)
	if err != nil {
		return nil, err
	}

	hits, err := idx.Search(ctx, text, search.FilterOptions{
		NotebookIDs:    opts.NotebookIDs,
		SectionIDs:     opts.SectionIDs,
		ModifiedAfter:  opts.ModifiedAfter,
		ModifiedBefore: opts.ModifiedBefore,
		Limit:          opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	snap, err := f.core.meta.Snapshot()
	if err != nil {
		return nil, err
	}

	out := make([]SearchHit, 0, len(hits))

	for _, h := range hits {
		hit := SearchHit{
			PageID:  h.PageID,
			Score:   h.Score,
			Snippet: h.Snippet,
			Source:  SourceLocal,
		}

		if p, ok := snap.PageByID(h.PageID); ok {
			hit.Title = p.Title
		}

		out = append(out, hit)
	}

	return out, nil
}

// queryRemote adapts the remote title search. Remote results carry no
// score; order is preserved from the service.
func (f *SearchFacade) queryRemote(ctx context.Context, text string) ([]SearchHit, error) {
	pages, err := f.core.client.SearchPages(ctx, text)
	if err != nil {
		return nil, err
	}

	out := make([]SearchHit, 0, len(pages))

	for _, p := range pages {
		out = append(out, SearchHit{
			PageID: p.ID,
			Title:  p.Title,
			Source: SourceRemote,
		})
	}

	return out, nil
}

// mergeHybrid concatenates local-first and removes duplicates by page
// id, preferring the local hit.
func mergeHybrid(local, remote []SearchHit) []SearchHit {
	seen := make(map[string]bool, len(local))
	out := make([]SearchHit, 0, len(local)+len(remote))

	for _, h := range local {
		seen[h.PageID] = true

		out = append(out, h)
	}

	for _, h := range remote {
		if seen[h.PageID] {
			continue
		}

		out = append(out, h)
	}

	return out
}

// Status reports the manifest, index state, and index stats.
func (f *SearchFacade) Status(ctx context.Context) (*CacheStatus, error) {
	manifest, err := f.core.layout.LoadManifest()
	if err != nil {
		return nil, err
	}

	status := &CacheStatus{Manifest: manifest}

	idx, err := f.core.searchIndex(ctx)
	if err != nil {
		status.IndexState = string(search.StateAbsent)

		return status, nil
	}

	status.IndexState = string(idx.CurrentState())

	if stats, statsErr := idx.Stats(ctx); statsErr == nil {
		status.IndexStats = stats
	}

	return status, nil
}

// PageMarkdown returns a page's committed Markdown by id.
func (f *SearchFacade) PageMarkdown(_ context.Context, pageID string) (string, error) {
	page, err := f.core.meta.GetPage(pageID)
	if err != nil {
		return "", err
	}

	if page.Status != metastore.StatusPresent {
		return "", errNotFoundf("page %s has no cached content", pageID)
	}

	return f.core.readPageBody(page)
}

// PageMarkdownByTitle returns a page's Markdown by case-insensitive
// title match. Normalized comparison (the link resolver's rules) breaks
// exact-case misses.
func (f *SearchFacade) PageMarkdownByTitle(ctx context.Context, title string) (string, error) {
	snap, err := f.core.meta.Snapshot()
	if err != nil {
		return "", err
	}

	lowered := strings.ToLower(title)
	normalized := links.NormalizeTitle(title)

	var match *metastore.Page

	for _, p := range snap.PresentPages() {
		if strings.ToLower(p.Title) == lowered || links.NormalizeTitle(p.Title) == normalized {
			match = &p

			break
		}
	}

	if match == nil {
		return "", errNotFoundf("no page titled %q", title)
	}

	return f.PageMarkdown(ctx, match.ID)
}
