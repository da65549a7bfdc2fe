package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shulgaalexey/onenote-local/internal/config"
	"github.com/shulgaalexey/onenote-local/internal/fetch"
	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
	"github.com/shulgaalexey/onenote-local/internal/search"
)

// rateLimitAbortThreshold: a server-signaled Retry-After beyond this is a
// systemic condition; the run aborts and the checkpoint carries on.
const rateLimitAbortThreshold = 5 * time.Minute

// Progress is one throttled progress event.
type Progress struct {
	Done         int
	Total        int
	Rate         float64 // pages per second
	ETA          time.Duration
	CurrentStage string
}

// ProgressFunc receives progress events; may be nil.
type ProgressFunc func(Progress)

// Indexer runs batch indexing over a work list of page ids.
type Indexer struct {
	fetcher *fetch.Fetcher
	meta    *metastore.Store
	index   *search.Index
	layout  *layout.Layout
	cfg     config.BulkConfig
	workers int
	logger  *slog.Logger

	progressFn ProgressFunc
	lastEmit   atomic.Int64 // unix nanos of the last progress event
}

// New creates an Indexer. workers bounds concurrent batches.
func New(fetcher *fetch.Fetcher, meta *metastore.Store, index *search.Index,
	l *layout.Layout, cfg config.BulkConfig, workers int,
	progressFn ProgressFunc, logger *slog.Logger,
) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}

	if workers <= 0 {
		workers = 4
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}

	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 100
	}

	return &Indexer{
		fetcher:    fetcher,
		meta:       meta,
		index:      index,
		layout:     l,
		cfg:        cfg,
		workers:    workers,
		progressFn: progressFn,
		logger:     logger,
	}
}

// RunReport summarizes one bulk run.
type RunReport struct {
	CheckpointID string
	Total        int
	Succeeded    int
	Failed       int
	Skipped      int // already completed per the resumed checkpoint
	Failures     map[string]string
	Duration     time.Duration
}

// Run indexes the given work list from scratch.
func (b *Indexer) Run(ctx context.Context, pageIDs []string) (*RunReport, error) {
	cp := &Checkpoint{
		ID:           uuid.New().String(),
		WorkListHash: hashWorkList(pageIDs),
		WorkList:     append([]string(nil), pageIDs...),
	}

	return b.run(ctx, cp, nil)
}

// Resume continues a checkpointed run, skipping completed ids. The
// checkpoint's work-list hash guards against resuming with a different
// list than the one the checkpoint describes.
func (b *Indexer) Resume(ctx context.Context, checkpointID string) (*RunReport, error) {
	cp, err := b.loadCheckpoint(checkpointID)
	if err != nil {
		return nil, err
	}

	if cp.WorkListHash != hashWorkList(cp.WorkList) {
		return nil, fmt.Errorf("%w: checkpoint %s work list hash mismatch",
			onerr.ErrSchemaMismatch, checkpointID)
	}

	return b.run(ctx, cp, cp.completedSet())
}

//nolint:funlen // the batch loop, throttling, and checkpointing belong together
func (b *Indexer) run(ctx context.Context, cp *Checkpoint, completed map[string]bool) (*RunReport, error) {
	start := time.Now()

	report := &RunReport{
		CheckpointID: cp.ID,
		Total:        len(cp.WorkList),
		Failures:     make(map[string]string),
	}

	var pending []string

	for _, id := range cp.WorkList {
		if completed[id] {
			report.Skipped++

			continue
		}

		pending = append(pending, id)
	}

	var (
		mu            sync.Mutex
		done          = report.Skipped
		sinceCkpt     int
		systemicError error
	)

	recordOutcome := func(pageID string, err error) {
		mu.Lock()
		defer mu.Unlock()

		done++

		if err != nil {
			report.Failed++
			report.Failures[pageID] = err.Error()

			if systemic := classifySystemic(err); systemic != nil && systemicError == nil {
				systemicError = systemic
			}
		} else {
			report.Succeeded++
			cp.CompletedIDs = append(cp.CompletedIDs, pageID)
			sinceCkpt++

			if sinceCkpt >= b.cfg.CheckpointEvery {
				sinceCkpt = 0

				if ckptErr := b.writeCheckpoint(cp); ckptErr != nil {
					b.logger.Warn("checkpoint write failed", slog.String("error", ckptErr.Error()))
				}
			}
		}

		b.emitProgress(done, report.Total, start, "indexing")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for _, batch := range batches(pending, b.cfg.BatchSize) {
		g.Go(func() error {
			for _, pageID := range batch {
				// Cooperative cancellation: stop picking up new pages; the
				// in-flight page ran to completion before we got here.
				if gctx.Err() != nil {
					return gctx.Err()
				}

				mu.Lock()
				abort := systemicError
				mu.Unlock()

				if abort != nil {
					return abort
				}

				recordOutcome(pageID, b.processPage(gctx, pageID))
			}

			return nil
		})
	}

	runErr := g.Wait()

	// Always leave a checkpoint behind: completed work survives both
	// cancellation and systemic aborts.
	if err := b.writeCheckpoint(cp); err != nil {
		b.logger.Warn("final checkpoint write failed", slog.String("error", err.Error()))
	}

	report.Duration = time.Since(start)

	b.emitFinal(done, report.Total, start)

	switch {
	case runErr == nil:
		b.logger.Info("bulk index run complete",
			slog.Int("succeeded", report.Succeeded),
			slog.Int("failed", report.Failed),
			slog.Int("skipped", report.Skipped),
			slog.Duration("duration", report.Duration),
		)

		return report, nil
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		return report, fmt.Errorf("%w: bulk run stopped, checkpoint %s", onerr.ErrCancelled, cp.ID)
	default:
		return report, fmt.Errorf("bulk run aborted, checkpoint %s: %w", cp.ID, runErr)
	}
}

// processPage fetches (if needed) and indexes one page.
func (b *Indexer) processPage(ctx context.Context, pageID string) error {
	page, err := b.meta.GetPage(pageID)
	if err != nil {
		return err
	}

	if page.Status != metastore.StatusPresent {
		if err := b.fetcher.FetchPage(ctx, pageID); err != nil {
			return err
		}

		page, err = b.meta.GetPage(pageID)
		if err != nil {
			return err
		}
	}

	body := ""

	if page.MarkdownPath != "" {
		data, readErr := os.ReadFile(page.MarkdownPath)
		if readErr != nil {
			return onerr.Storagef(page.MarkdownPath, readErr)
		}

		body = string(data)
	}

	return b.index.Upsert(ctx, search.Document{
		PageID:       page.ID,
		Title:        page.Title,
		BodyMarkdown: body,
		NotebookID:   page.NotebookID,
		SectionID:    page.SectionID,
		ModifiedAt:   page.ModifiedAt,
	})
}

// classifySystemic returns a non-nil error when a page failure indicates
// a run-wide condition: auth rejection, or throttling with a long
// server-mandated wait.
func classifySystemic(err error) error {
	if errors.Is(err, onerr.ErrUnauthorized) {
		return err
	}

	var rl *onerr.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > rateLimitAbortThreshold {
		return err
	}

	return nil
}

// emitProgress sends a throttled progress event (at most every 250 ms).
func (b *Indexer) emitProgress(done, total int, start time.Time, stage string) {
	if b.progressFn == nil {
		return
	}

	now := time.Now().UnixNano()
	last := b.lastEmit.Load()

	if now-last < int64(250*time.Millisecond) {
		return
	}

	if !b.lastEmit.CompareAndSwap(last, now) {
		return
	}

	b.progressFn(buildProgress(done, total, start, stage))
}

// emitFinal always reports the terminal state, bypassing the throttle.
func (b *Indexer) emitFinal(done, total int, start time.Time) {
	if b.progressFn == nil {
		return
	}

	b.progressFn(buildProgress(done, total, start, "done"))
}

func buildProgress(done, total int, start time.Time, stage string) Progress {
	elapsed := time.Since(start).Seconds()

	var rate float64
	if elapsed > 0 {
		rate = float64(done) / elapsed
	}

	var eta time.Duration
	if rate > 0 && done < total {
		eta = time.Duration(float64(total-done)/rate) * time.Second
	}

	return Progress{Done: done, Total: total, Rate: rate, ETA: eta, CurrentStage: stage}
}

// batches splits ids into chunks of size n.
func batches(ids []string, n int) [][]string {
	var out [][]string

	for len(ids) > 0 {
		end := n
		if end > len(ids) {
			end = len(ids)
		}

		out = append(out, ids[:end])
		ids = ids[end:]
	}

	return out
}

// readCheckpointFile reads a checkpoint JSON file.
func readCheckpointFile(path string, cp *Checkpoint) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: checkpoint %s", onerr.ErrNotFound, path)
		}

		return onerr.Storagef(path, err)
	}

	if err := json.Unmarshal(data, cp); err != nil {
		return onerr.Storagef(path, err)
	}

	return nil
}
