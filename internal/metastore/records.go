// Package metastore persists the typed notebook/section/page records that
// mirror the remote hierarchy, plus the asset refcount ledger and the link
// cross-reference tables. JSON files at the layout's mandated paths are
// the durable form; the store keeps an in-memory view for snapshot reads.
// There is exactly one writer at a time; readers obtain consistent
// snapshots without blocking the writer.
package metastore

import "time"

// PageStatus describes the materialization state of a page.
type PageStatus string

// Page statuses as stored in metadata.json.
const (
	StatusPresent PageStatus = "present"
	StatusStub    PageStatus = "stub"
	StatusFailed  PageStatus = "failed"
)

// LinkKind classifies a recorded link reference.
type LinkKind string

// Link kinds as stored in page metadata.
const (
	LinkInternalResolved   LinkKind = "internal_resolved"
	LinkInternalUnresolved LinkKind = "internal_unresolved"
	LinkExternal           LinkKind = "external"
)

// Notebook mirrors a remote notebook.
type Notebook struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	SectionIDs  []string  `json:"section_ids"`
}

// Section mirrors a remote section. Page order is preserved from remote.
type Section struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	NotebookID  string    `json:"notebook_id"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	PageIDs     []string  `json:"page_ids"`
}

// AssetRef ties a page to a stored asset.
type AssetRef struct {
	ContentHash string `json:"content_hash"`
	OriginalURL string `json:"original_url"`
}

// LinkRef records the outcome of resolving one anchor on a page.
type LinkRef struct {
	SourcePageID string   `json:"source_page_id"`
	TargetSpec   string   `json:"target_spec"`
	TargetPageID string   `json:"target_page_id,omitempty"`
	LinkText     string   `json:"link_text"`
	Kind         LinkKind `json:"kind"`
}

// Page mirrors a remote page plus its local materialization state.
type Page struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	SectionID   string    `json:"section_id"`
	NotebookID  string    `json:"notebook_id"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	ContentETag string    `json:"content_etag,omitempty"`

	HTMLPath     string     `json:"html_path,omitempty"`
	MarkdownPath string     `json:"markdown_path,omitempty"`
	AssetRefs    []AssetRef `json:"asset_refs,omitempty"`
	LinkRefs     []LinkRef  `json:"link_refs,omitempty"`
	TextLength   int        `json:"text_length"`
	Status       PageStatus `json:"status"`

	// FailReason is set when Status is StatusFailed.
	FailReason string `json:"fail_reason,omitempty"`

	// FetchedMtime is the markdown file's modification time recorded right
	// after commit. A later file mtime means the local copy was touched
	// outside the core (tamper detection for conflict planning).
	FetchedMtime time.Time `json:"fetched_mtime,omitempty"`
}

// Asset describes one stored binary, keyed by content hash.
type Asset struct {
	ContentHash string    `json:"content_hash"`
	MimeType    string    `json:"mime_type"`
	ByteSize    int64     `json:"byte_size"`
	OriginalURL string    `json:"original_url"`
	LocalPath   string    `json:"local_path"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// assetEntry is the refcount ledger row persisted per asset.
type assetEntry struct {
	Asset    Asset `json:"asset"`
	Refcount int   `json:"refcount"`
	// ZeroGCCycles counts consecutive garbage collections that observed
	// refcount zero. The file is reaped on the second.
	ZeroGCCycles int `json:"zero_gc_cycles"`
}

// crossref is the persisted forward/inverse link table. Both directions
// are stored explicitly — graph traversals use ids, never object
// references.
type crossref struct {
	// Forward maps source page id → resolved target page ids.
	Forward map[string][]string `json:"forward"`
	// Inverse maps target page id → source page ids.
	Inverse map[string][]string `json:"inverse"`
}
