package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// Highlight markers wrapped around matched terms in snippets.
const (
	markStart = "«"
	markEnd   = "»"

	// snippetTokens is the approximate token budget handed to FTS5; the
	// configured character limit is enforced afterwards.
	snippetTokens = 32
)

// Hit is one search result.
type Hit struct {
	PageID  string
	Score   float64
	Snippet string
}

// FilterOptions narrows and bounds a search.
type FilterOptions struct {
	NotebookIDs    []string
	SectionIDs     []string
	ModifiedAfter  time.Time
	ModifiedBefore time.Time
	Limit          int
}

// Search runs a compiled query against the index. Results order: BM25
// score (title weighted over body), then recency, then page id. All
// index failures are fatal to the query and reported to the caller.
func (i *Index) Search(ctx context.Context, query string, filter FilterOptions) ([]Hit, error) {
	if state := i.CurrentState(); state != StateReady {
		return nil, fmt.Errorf("%w: index is %s", onerr.ErrIndexUnavailable, state)
	}

	match, err := compileQuery(query)
	if err != nil {
		return nil, err
	}

	if match == "" {
		return nil, nil
	}

	limit := filter.Limit
	if limit <= 0 || limit > i.cfg.MaxHits {
		limit = i.cfg.MaxHits
	}

	// Each bm25() call scores one column and is lower-is-better; its
	// weights follow column order (page_id, title, body, notebook_id,
	// section_id, modified_at_ms). The title and body scores are then
	// combined with the configured weights.
	sqlQuery := fmt.Sprintf(`
		SELECT page_id,
		       (%f * bm25(documents, 0, 1, 0, 0, 0, 0) + %f * bm25(documents, 0, 0, 1, 0, 0, 0)) AS score,
		       snippet(documents, 2, ?, ?, '…', %d) AS snip,
		       snippet(documents, 1, ?, ?, '…', %d) AS title_snip
		FROM documents
		WHERE documents MATCH ?`,
		i.cfg.TitleWeight, i.cfg.BodyWeight, snippetTokens, snippetTokens)

	args := []any{markStart, markEnd, markStart, markEnd, match}

	if clause, clauseArgs := filterClause(filter); clause != "" {
		sqlQuery += clause
		args = append(args, clauseArgs...)
	}

	sqlQuery += ` ORDER BY score ASC, modified_at_ms DESC, page_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := i.readDB.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search query: %v", onerr.ErrStorage, err)
	}
	defer rows.Close()

	var hits []Hit

	for rows.Next() {
		var (
			h         Hit
			snip      string
			titleSnip string
		)

		if err := rows.Scan(&h.PageID, &h.Score, &snip, &titleSnip); err != nil {
			return nil, fmt.Errorf("%w: search scan: %v", onerr.ErrStorage, err)
		}

		// Prefer a body snippet with an actual match; fall back to the
		// title when the match was title-only.
		if !strings.Contains(snip, markStart) && strings.Contains(titleSnip, markStart) {
			snip = titleSnip
		}

		h.Snippet = trimSnippet(snip, i.cfg.SnippetLength)
		// Flip BM25 so callers see higher-is-better scores.
		h.Score = -h.Score

		hits = append(hits, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search rows: %v", onerr.ErrStorage, err)
	}

	return hits, nil
}

// filterClause renders FilterOptions as SQL predicates.
func filterClause(f FilterOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if len(f.NotebookIDs) > 0 {
		clauses = append(clauses,
			"notebook_id IN ("+placeholders(len(f.NotebookIDs))+")")

		for _, id := range f.NotebookIDs {
			args = append(args, id)
		}
	}

	if len(f.SectionIDs) > 0 {
		clauses = append(clauses,
			"section_id IN ("+placeholders(len(f.SectionIDs))+")")

		for _, id := range f.SectionIDs {
			args = append(args, id)
		}
	}

	if !f.ModifiedAfter.IsZero() {
		clauses = append(clauses, "modified_at_ms > ?")
		args = append(args, f.ModifiedAfter.UTC().UnixMilli())
	}

	if !f.ModifiedBefore.IsZero() {
		clauses = append(clauses, "modified_at_ms < ?")
		args = append(args, f.ModifiedBefore.UTC().UnixMilli())
	}

	if len(clauses) == 0 {
		return "", nil
	}

	return " AND " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// trimSnippet enforces the configured character budget on rune
// boundaries, appending an ellipsis when truncating.
func trimSnippet(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}

	return string(runes[:maxChars-1]) + "…"
}
