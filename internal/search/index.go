// Package search implements the persistent full-text index over page
// documents. The index is SQLite FTS5 in a single file; it is the
// central performance artifact and must answer queries in well under
// 500 ms for caches up to ten thousand pages.
//
// Writer discipline follows the sole-writer pattern: one *sql.DB with a
// single connection handles all mutations, while a second read-only
// handle serves concurrent queries (WAL mode keeps readers unblocked).
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/shulgaalexey/onenote-local/internal/config"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// State of the index as a whole.
type State string

// Index states. Queries are served only in StateReady.
const (
	StateAbsent     State = "absent"
	StateReady      State = "ready"
	StateRebuilding State = "rebuilding"
	StateCorrupt    State = "corrupt"
)

// Document is the logical indexed record, one per present page.
type Document struct {
	PageID       string
	Title        string
	BodyMarkdown string
	NotebookID   string
	SectionID    string
	ModifiedAt   time.Time
}

// Stats describes the index contents.
type Stats struct {
	DocumentCount int
	ByteSize      int64
	LastUpdatedAt time.Time
}

// Index is the full-text search index. One writer at a time; queries may
// run concurrently with writes.
type Index struct {
	path    string
	journal *journal
	cfg     config.SearchConfig
	logger  *slog.Logger

	mu      sync.Mutex // guards writes and state transitions
	writeDB *sql.DB
	readDB  *sql.DB
	state   State
}

// Open opens (creating if necessary) the index file, applies migrations,
// and replays any journaled writes from a previous crash. The index
// comes up ready unless the file is unreadable.
func Open(ctx context.Context, path, journalPath string, cfg config.SearchConfig, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Index{
		path:    path,
		journal: newJournal(journalPath, logger),
		cfg:     cfg,
		logger:  logger,
		state:   StateAbsent,
	}

	if err := idx.open(ctx); err != nil {
		return nil, err
	}

	if err := idx.journal.replay(ctx, idx); err != nil {
		// Journal replay failing is not fatal: entries stay journaled and
		// the next sync retries them.
		logger.Warn("journal replay incomplete", slog.String("error", err.Error()))
	}

	return idx, nil
}

func (i *Index) open(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(i.path), 0o700); err != nil {
		return onerr.Storagef(i.path, err)
	}

	dsn := "file:" + i.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return onerr.Storagef(i.path, err)
	}

	// Sole writer: a single connection serializes every mutation.
	writeDB.SetMaxOpenConns(1)

	if err := runMigrations(ctx, writeDB, i.logger); err != nil {
		writeDB.Close()

		return fmt.Errorf("%w: %v", onerr.ErrStorage, err)
	}

	readDB, err := sql.Open("sqlite", dsn+"&mode=ro")
	if err != nil {
		writeDB.Close()

		return onerr.Storagef(i.path, err)
	}

	i.writeDB = writeDB
	i.readDB = readDB
	i.state = StateReady

	return nil
}

// Close releases both database handles.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var errs []error

	if i.readDB != nil {
		errs = append(errs, i.readDB.Close())
	}

	if i.writeDB != nil {
		errs = append(errs, i.writeDB.Close())
	}

	i.state = StateAbsent

	return errors.Join(errs...)
}

// CurrentState returns the index state.
func (i *Index) CurrentState() State {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state
}

// Upsert replaces any existing entry for the document's page id. A
// failed write is journaled so a later sync can replay it without
// re-fetching content; the returned error still reports the failure.
func (i *Index) Upsert(ctx context.Context, doc Document) error {
	err := i.apply(ctx, doc, false)
	if err != nil {
		i.journal.record(makeEntry(opUpsert, doc))
	}

	return err
}

// Delete removes the entry for a page id. Failed deletes journal like
// failed upserts.
func (i *Index) Delete(ctx context.Context, pageID string) error {
	err := i.apply(ctx, Document{PageID: pageID}, true)
	if err != nil {
		i.journal.record(makeEntry(opDelete, Document{PageID: pageID}))
	}

	return err
}

// apply executes one mutation under the writer lock.
func (i *Index) apply(ctx context.Context, doc Document, isDelete bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != StateReady {
		return fmt.Errorf("%w: index is %s", onerr.ErrIndexUnavailable, i.state)
	}

	tx, err := i.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return i.noteWriteError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE page_id = ?`, doc.PageID); err != nil {
		return i.noteWriteError(err)
	}

	if !isDelete {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (page_id, title, body, notebook_id, section_id, modified_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			doc.PageID, doc.Title, doc.BodyMarkdown, doc.NotebookID, doc.SectionID,
			doc.ModifiedAt.UTC().UnixMilli(),
		)
		if err != nil {
			return i.noteWriteError(err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE index_meta SET value = ? WHERE key = 'last_updated_at'`,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return i.noteWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return i.noteWriteError(err)
	}

	return nil
}

// noteWriteError classifies a write failure and transitions to corrupt
// when SQLite reports structural damage. Caller holds the lock.
func (i *Index) noteWriteError(err error) error {
	if isCorruption(err) {
		i.state = StateCorrupt
		i.logger.Error("search index corruption detected", slog.String("error", err.Error()))

		return fmt.Errorf("%w: %v", onerr.ErrIndexUnavailable, err)
	}

	return fmt.Errorf("%w: index write: %v", onerr.ErrStorage, err)
}

func isCorruption(err error) bool {
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt")
}

// RebuildFromMetadata drops all documents and re-indexes every present
// page in the snapshot. Idempotent; used on schema upgrade and for
// recovery from corruption.
func (i *Index) RebuildFromMetadata(ctx context.Context, snap *metastore.Snapshot,
	readBody func(p metastore.Page) (string, error),
) error {
	i.mu.Lock()

	if i.state == StateCorrupt {
		// Start over from an empty file; FTS corruption is not repairable
		// in place.
		i.writeDB.Close()
		i.readDB.Close()

		if err := os.Remove(i.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			i.mu.Unlock()

			return onerr.Storagef(i.path, err)
		}

		i.state = StateAbsent
		i.mu.Unlock()

		if err := i.open(ctx); err != nil {
			return err
		}

		i.mu.Lock()
	}

	i.state = StateRebuilding
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.state = StateReady
		i.mu.Unlock()
	}()

	i.mu.Lock()
	defer i.mu.Unlock()

	tx, err := i.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: rebuild begin: %v", onerr.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("%w: rebuild clear: %v", onerr.ErrStorage, err)
	}

	count := 0

	for _, p := range snap.PresentPages() {
		body, err := readBody(p)
		if err != nil {
			i.logger.Warn("skipping unreadable page during rebuild",
				slog.String("page_id", p.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (page_id, title, body, notebook_id, section_id, modified_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Title, body, p.NotebookID, p.SectionID, p.ModifiedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("%w: rebuild insert: %v", onerr.ErrStorage, err)
		}

		count++
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE index_meta SET value = ? WHERE key = 'last_updated_at'`,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("%w: rebuild meta: %v", onerr.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: rebuild commit: %v", onerr.ErrStorage, err)
	}

	i.logger.Info("search index rebuilt", slog.Int("documents", count))

	return nil
}

// Stats returns document count, on-disk size, and last update time.
func (i *Index) Stats(ctx context.Context) (*Stats, error) {
	if state := i.CurrentState(); state != StateReady && state != StateRebuilding {
		return nil, fmt.Errorf("%w: index is %s", onerr.ErrIndexUnavailable, state)
	}

	var s Stats

	if err := i.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&s.DocumentCount); err != nil {
		return nil, fmt.Errorf("%w: index stats: %v", onerr.ErrStorage, err)
	}

	var updated string
	if err := i.readDB.QueryRowContext(ctx,
		`SELECT value FROM index_meta WHERE key = 'last_updated_at'`).Scan(&updated); err == nil && updated != "" {
		if t, parseErr := time.Parse(time.RFC3339Nano, updated); parseErr == nil {
			s.LastUpdatedAt = t
		}
	}

	if info, err := os.Stat(i.path); err == nil {
		s.ByteSize = info.Size()
	}

	return &s, nil
}
