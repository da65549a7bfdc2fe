// Package assetdl downloads page assets with bounded concurrency,
// per-asset retry, and URL-level deduplication. Individual asset
// failures are reported in outcomes, never raised — a missing image must
// not fail its page.
package assetdl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/shulgaalexey/onenote-local/internal/assetstore"
	"github.com/shulgaalexey/onenote-local/internal/graph"
	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/markdown"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// Per-asset retry: up to 4 attempts with capped fibonacci backoff. The
// graph client already retries transport errors; this outer policy covers
// stream truncation between attempts.
const (
	retryAttempts = 4
	retryBase     = 500 * time.Millisecond
	retryCap      = 10 * time.Second
)

// Downloader fetches assets into the content-addressed store.
type Downloader struct {
	client  *graph.Client
	store   *assetstore.Store
	layout  *layout.Layout
	workers int
	logger  *slog.Logger

	// memo maps URL → content hash for this sync session, so the same URL
	// referenced by many pages downloads once.
	mu   sync.Mutex
	memo map[string]string
}

// New creates a Downloader and removes orphaned scratch files left by a
// crashed predecessor (scratch files have no manifest entry by design).
func New(client *graph.Client, store *assetstore.Store, l *layout.Layout,
	workers int, logger *slog.Logger,
) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}

	if workers <= 0 {
		workers = 4
	}

	d := &Downloader{
		client:  client,
		store:   store,
		layout:  l,
		workers: workers,
		logger:  logger,
		memo:    make(map[string]string),
	}

	d.cleanScratch()

	return d
}

// Outcome reports the result for one asset candidate.
type Outcome struct {
	Candidate markdown.AssetCandidate
	// Asset is set on success.
	Asset *metastore.Asset
	// ChosenURL is the URL variant that produced the stored bytes (src or
	// fullres). The converter maps both variants to the same asset.
	ChosenURL string
	Err       error
}

// FetchAll downloads all candidates with bounded concurrency. The
// returned slice is in candidate order. Only a context cancellation
// aborts the pool; per-asset errors land in outcomes.
func (d *Downloader) FetchAll(ctx context.Context, candidates []markdown.AssetCandidate) ([]Outcome, error) {
	outcomes := make([]Outcome, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for i, cand := range candidates {
		g.Go(func() error {
			outcomes[i] = d.fetchOne(gctx, cand)

			if gctx.Err() != nil {
				return gctx.Err()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return outcomes, fmt.Errorf("%w: asset downloads interrupted", onerr.ErrCancelled)
	}

	return outcomes, nil
}

// fetchOne downloads one candidate. For images with a fullres variant,
// both URLs are tried and the larger successful download wins.
func (d *Downloader) fetchOne(ctx context.Context, cand markdown.AssetCandidate) Outcome {
	out := Outcome{Candidate: cand}

	type variant struct {
		url  string
		size int64
		res  *assetstore.PutResult
		mime string
	}

	var best *variant

	for _, u := range []string{cand.URL, cand.FullresURL} {
		if u == "" {
			continue
		}

		res, size, mime, err := d.download(ctx, u, cand.MimeHint)
		if err != nil {
			d.logger.Warn("asset download failed",
				slog.String("url", u),
				slog.String("error", err.Error()),
			)

			if out.Err == nil {
				out.Err = err
			}

			continue
		}

		if best == nil || size > best.size {
			best = &variant{url: u, size: size, res: res, mime: mime}
		}
	}

	if best == nil {
		return out
	}

	out.Err = nil
	out.ChosenURL = best.url
	out.Asset = &metastore.Asset{
		ContentHash: best.res.ContentHash,
		MimeType:    best.mime,
		ByteSize:    best.res.ByteSize,
		OriginalURL: cand.URL,
		LocalPath:   best.res.LocalPath,
		FirstSeenAt: time.Now().UTC(),
	}

	return out
}

// download fetches one URL through the session memo and retry policy.
func (d *Downloader) download(ctx context.Context, url, mimeHint string) (*assetstore.PutResult, int64, string, error) {
	d.mu.Lock()
	if hash, ok := d.memo[url]; ok {
		d.mu.Unlock()

		if path, err := d.store.Path(hash); err == nil {
			info, statErr := os.Stat(path)
			if statErr == nil {
				return &assetstore.PutResult{ContentHash: hash, LocalPath: path, ByteSize: info.Size(), WasNew: false},
					info.Size(), mimeHint, nil
			}
		}
	} else {
		d.mu.Unlock()
	}

	var (
		res  *assetstore.PutResult
		mime string
	)

	backoff := retry.WithMaxRetries(retryAttempts-1, retry.NewFibonacci(retryBase))
	backoff = retry.WithCappedDuration(retryCap, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var attemptErr error

		res, mime, attemptErr = d.downloadOnce(ctx, url, mimeHint)
		if attemptErr == nil {
			return nil
		}

		// Auth and permanent API failures will not improve with retries.
		if errors.Is(attemptErr, onerr.ErrUnauthorized) ||
			errors.Is(attemptErr, onerr.ErrPermanent) ||
			errors.Is(attemptErr, onerr.ErrNotFound) ||
			errors.Is(attemptErr, onerr.ErrCancelled) {
			return attemptErr
		}

		return retry.RetryableError(attemptErr)
	})
	if err != nil {
		return nil, 0, "", err
	}

	d.mu.Lock()
	d.memo[url] = res.ContentHash
	d.mu.Unlock()

	return res, res.ByteSize, mime, nil
}

// downloadOnce streams one URL to a scratch file and finalizes it into
// the store. Partial downloads stay in scratch until the rename.
func (d *Downloader) downloadOnce(ctx context.Context, url, mimeHint string) (*assetstore.PutResult, string, error) {
	scratch, err := os.CreateTemp(d.layout.ScratchDir(), "dl-*")
	if err != nil {
		return nil, "", onerr.Storagef(d.layout.ScratchDir(), err)
	}

	scratchPath := scratch.Name()

	_, contentType, err := d.client.GetResource(ctx, url, scratch)

	closeErr := scratch.Close()

	if err != nil {
		os.Remove(scratchPath)

		return nil, "", err
	}

	if closeErr != nil {
		os.Remove(scratchPath)

		return nil, "", onerr.Storagef(scratchPath, closeErr)
	}

	mime := contentType
	if mime == "" {
		mime = mimeHint
	}

	res, err := d.store.PutFile(scratchPath, mime)
	if err != nil {
		os.Remove(scratchPath)

		return nil, "", err
	}

	return res, mime, nil
}

// cleanScratch removes leftover scratch files. Scratch entries are
// session-scoped by contract, so anything present at construction is an
// orphan from a crash.
func (d *Downloader) cleanScratch() {
	entries, err := os.ReadDir(d.layout.ScratchDir())
	if err != nil {
		return
	}

	removed := 0

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "dl-") {
			continue
		}

		if os.Remove(filepath.Join(d.layout.ScratchDir(), e.Name())) == nil {
			removed++
		}
	}

	if removed > 0 {
		d.logger.Info("removed orphaned scratch files", slog.Int("count", removed))
	}
}
