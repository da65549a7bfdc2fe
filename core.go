// Package onenotelocal is a local cache and search engine for OneNote
// notebooks accessed over Microsoft Graph. It materializes the remote
// notebook→section→page hierarchy as Markdown with deduplicated binary
// assets and resolved internal links, and serves sub-second full-text
// search over the mirror.
//
// All state is reachable from a Core value constructed by Open; there
// are no process-wide singletons. The interactive agent, terminal UI,
// and identity broker are external collaborators: the agent consumes
// SearchFacade, and the broker supplies an AccessTokenProvider.
package onenotelocal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/shulgaalexey/onenote-local/internal/assetdl"
	"github.com/shulgaalexey/onenote-local/internal/assetstore"
	"github.com/shulgaalexey/onenote-local/internal/bulk"
	"github.com/shulgaalexey/onenote-local/internal/config"
	"github.com/shulgaalexey/onenote-local/internal/fetch"
	"github.com/shulgaalexey/onenote-local/internal/graph"
	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/markdown"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
	"github.com/shulgaalexey/onenote-local/internal/search"
	"github.com/shulgaalexey/onenote-local/internal/syncer"
)

// Re-exported types forming the public configuration and auth surface.
type (
	// CoreConfig is the single typed configuration value consumed at startup.
	CoreConfig = config.CoreConfig
	// AccessTokenProvider supplies bearer tokens for the remote service.
	AccessTokenProvider = graph.AccessTokenProvider
)

// DefaultConfig returns a CoreConfig with every option at its default.
// CacheRoot and UserID must still be set by the caller.
func DefaultConfig() *CoreConfig {
	return config.Default()
}

// StaticToken adapts a fixed bearer token to AccessTokenProvider.
func StaticToken(token string) AccessTokenProvider {
	return graph.StaticTokenProvider(token)
}

// Options tunes Open beyond the config value.
type Options struct {
	// Logger overrides slog.Default().
	Logger *slog.Logger
	// HTTPClient overrides the default HTTP client (tests use this to
	// point at a fake remote).
	HTTPClient *http.Client
	// BaseURL overrides the Graph endpoint (tests).
	BaseURL string
	// Progress receives bulk indexing progress events.
	Progress bulk.ProgressFunc
}

// Core owns all cache state for one user. Construct with Open; Close
// releases the search index handles.
type Core struct {
	cfg    *config.CoreConfig
	layout *layout.Layout
	logger *slog.Logger

	meta   *metastore.Store
	assets *assetstore.Store
	client *graph.Client

	indexMu sync.Mutex
	index   *search.Index

	fetcher    *fetch.Fetcher
	downloader *assetdl.Downloader
	progressFn bulk.ProgressFunc
}

// Open validates the configuration, ensures the on-disk skeleton, and
// verifies the manifest schema. It performs only O(1) I/O: the metadata
// tree and the search index load lazily on first use.
func Open(cfg *CoreConfig, tokens AccessTokenProvider, opts *Options) (*Core, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := layout.New(cfg.CacheRoot, cfg.UserID)
	if err := l.EnsureUserRoot(); err != nil {
		return nil, onerr.Storagef(l.UserRoot(), err)
	}

	// A fresh cache gets a fresh manifest; an existing one must carry a
	// known schema version.
	if _, err := l.LoadManifest(); err != nil {
		if !errors.Is(err, onerr.ErrNotFound) {
			return nil, err
		}

		if err := l.SaveManifest(layout.NewManifest(cfg.UserID)); err != nil {
			return nil, err
		}
	}

	meta := metastore.New(l, logger)
	assets := assetstore.New(l, cfg.Assets.UnknownMimeExtension, logger)
	client := graph.NewClient(opts.BaseURL, opts.HTTPClient, tokens, cfg.RateLimit, logger)
	downloader := assetdl.New(client, assets, l, cfg.Concurrency.Assets, logger)
	converter := markdown.NewConverter(logger)
	fetcher := fetch.New(client, meta, l, converter, downloader, cfg.Concurrency.Pages, logger)

	return &Core{
		cfg:        cfg,
		layout:     l,
		logger:     logger,
		meta:       meta,
		assets:     assets,
		client:     client,
		fetcher:    fetcher,
		downloader: downloader,
		progressFn: opts.Progress,
	}, nil
}

// searchIndex opens the index on first use.
func (c *Core) searchIndex(ctx context.Context) (*search.Index, error) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	if c.index != nil {
		return c.index, nil
	}

	idx, err := search.Open(ctx, c.layout.IndexPath(), c.layout.IndexJournalPath(),
		c.cfg.Search, c.logger)
	if err != nil {
		// An index that cannot be opened is not ready; the facade may
		// route to the remote fallback, and RebuildIndex recovers it.
		return nil, fmt.Errorf("%w: opening search index: %v", onerr.ErrIndexUnavailable, err)
	}

	c.index = idx

	return idx, nil
}

// Close releases held resources.
func (c *Core) Close() error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	if c.index == nil {
		return nil
	}

	err := c.index.Close()
	c.index = nil

	return err
}

// ContentFetcher returns the content acquisition component.
func (c *Core) ContentFetcher() *fetch.Fetcher {
	return c.fetcher
}

// SearchFacade returns the public search API.
func (c *Core) SearchFacade() *SearchFacade {
	return &SearchFacade{core: c}
}

// BulkIndexer returns a batch indexer bound to this core.
func (c *Core) BulkIndexer(ctx context.Context) (*bulk.Indexer, error) {
	idx, err := c.searchIndex(ctx)
	if err != nil {
		return nil, err
	}

	return bulk.New(c.fetcher, c.meta, idx, c.layout, c.cfg.Bulk,
		c.cfg.Concurrency.BulkBatches, c.progressFn, c.logger), nil
}

// IncrementalSync returns an incremental sync bound to this core.
func (c *Core) IncrementalSync(ctx context.Context) (*syncer.Syncer, error) {
	idx, err := c.searchIndex(ctx)
	if err != nil {
		return nil, err
	}

	return syncer.New(c.client, c.meta, c.fetcher, idx, c.layout, c.cfg.Sync, c.logger), nil
}

// CacheAdmin returns the administrative surface.
func (c *Core) CacheAdmin() *CacheAdmin {
	return &CacheAdmin{core: c}
}

// ListPageIDs returns every cached page id, for building bulk work lists.
func (c *Core) ListPageIDs() ([]string, error) {
	pages, err := c.meta.ListPages(metastore.Filter{})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
	}

	return ids, nil
}

// readPageBody reads a page's committed markdown, empty for pages
// without a file.
func (c *Core) readPageBody(p metastore.Page) (string, error) {
	if p.MarkdownPath == "" {
		return "", nil
	}

	data, err := os.ReadFile(p.MarkdownPath)
	if err != nil {
		return "", onerr.Storagef(p.MarkdownPath, err)
	}

	return string(data), nil
}

// Exit code helpers for thin wrappers around the core.

// ExitCode maps an error to the administrative exit code contract.
func ExitCode(err error) int {
	return onerr.ExitCode(err)
}

// errNotFoundf formats a NotFound error.
func errNotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", onerr.ErrNotFound, fmt.Sprintf(format, args...))
}
