package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/layout"
)

// Journal operations.
const (
	opUpsert = "upsert"
	opDelete = "delete"
)

// journalEntry is one buffered index mutation that failed to apply. The
// document is carried whole so replay needs no content re-fetch.
type journalEntry struct {
	Op  string `json:"op"`
	Doc struct {
		PageID       string    `json:"page_id"`
		Title        string    `json:"title"`
		BodyMarkdown string    `json:"body_markdown"`
		NotebookID   string    `json:"notebook_id"`
		SectionID    string    `json:"section_id"`
		ModifiedAt   time.Time `json:"modified_at"`
	} `json:"doc"`
}

func makeEntry(op string, doc Document) journalEntry {
	var e journalEntry

	e.Op = op
	e.Doc.PageID = doc.PageID
	e.Doc.Title = doc.Title
	e.Doc.BodyMarkdown = doc.BodyMarkdown
	e.Doc.NotebookID = doc.NotebookID
	e.Doc.SectionID = doc.SectionID
	e.Doc.ModifiedAt = doc.ModifiedAt

	return e
}

func (e journalEntry) document() Document {
	return Document{
		PageID:       e.Doc.PageID,
		Title:        e.Doc.Title,
		BodyMarkdown: e.Doc.BodyMarkdown,
		NotebookID:   e.Doc.NotebookID,
		SectionID:    e.Doc.SectionID,
		ModifiedAt:   e.Doc.ModifiedAt,
	}
}

// journal persists failed index writes so a crash between a metadata
// commit and the index update loses nothing. It is a small JSON file,
// rewritten atomically on every change — failed writes are rare.
type journal struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries []journalEntry
}

func newJournal(path string, logger *slog.Logger) *journal {
	j := &journal{path: path, logger: logger}
	j.load()

	return j
}

func (j *journal) load() {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			j.logger.Warn("unreadable index journal", slog.String("path", j.path))
		}

		return
	}

	if err := json.Unmarshal(data, &j.entries); err != nil {
		j.logger.Warn("corrupt index journal discarded", slog.String("path", j.path))
		j.entries = nil
	}
}

func (j *journal) record(e journalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, e)
	j.persist()
}

func (j *journal) persist() {
	if len(j.entries) == 0 {
		if err := os.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			j.logger.Warn("removing empty index journal failed", slog.String("path", j.path))
		}

		return
	}

	if err := layout.WriteJSONAtomic(j.path, j.entries); err != nil {
		j.logger.Error("persisting index journal failed",
			slog.String("path", j.path),
			slog.String("error", err.Error()),
		)
	}
}

// replay applies all journaled entries in order, dropping each on
// success. Called once on index open.
func (j *journal) replay(ctx context.Context, idx *Index) error {
	j.mu.Lock()
	pending := append([]journalEntry(nil), j.entries...)
	j.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	j.logger.Info("replaying index journal", slog.Int("entries", len(pending)))

	var remaining []journalEntry

	var firstErr error

	for _, e := range pending {
		var err error

		// Apply directly: recording a replay failure back into the
		// journal would duplicate the entry.
		if e.Op == opDelete {
			err = idx.apply(ctx, e.document(), true)
		} else {
			err = idx.apply(ctx, e.document(), false)
		}

		if err != nil {
			remaining = append(remaining, e)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	j.mu.Lock()
	j.entries = remaining
	j.persist()
	j.mu.Unlock()

	return firstErr
}
