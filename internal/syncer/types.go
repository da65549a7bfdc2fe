// Package syncer implements incremental synchronization: change
// detection against the remote listing, tombstoned deletes, conflict
// resolution, and plan execution. Planning reads the remote listing, the
// local snapshot and markdown file times but mutates nothing; execution
// performs the writes.
package syncer

import (
	"time"

	"github.com/shulgaalexey/onenote-local/internal/graph"
)

// ConflictPolicy selects how execute resolves detected conflicts.
type ConflictPolicy string

// Conflict policies.
const (
	RemoteWins   ConflictPolicy = "remote_wins"
	LocalWins    ConflictPolicy = "local_wins"
	NewerWins    ConflictPolicy = "newer_wins"
	Prompt       ConflictPolicy = "prompt"
	MergeAttempt ConflictPolicy = "merge_attempt"
)

// ChangeKind classifies one planned operation.
type ChangeKind string

// Change kinds.
const (
	ChangeAdd    ChangeKind = "add"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// PageChange is one planned page operation.
type PageChange struct {
	Kind   ChangeKind
	PageID string
	// Remote carries the remote listing entry for adds and updates.
	Remote graph.RemotePage
}

// Conflict records a page whose local copy was modified externally while
// the remote also changed.
type Conflict struct {
	PageID          string
	LocalModifiedAt time.Time
	RemoteModified  time.Time
	Reason          string
}

// Plan is the computed set of operations for one incremental sync.
type Plan struct {
	CycleID   string
	Adds      []PageChange
	Updates   []PageChange
	Deletes   []PageChange
	Conflicts []Conflict

	// remote carries the complete listing so execute can upsert hierarchy
	// records without re-listing.
	remote remoteListing

	// absentPages are locally known pages missing from the remote listing
	// this cycle but not yet past the tombstone threshold.
	absentPages []string
}

// remoteListing is the full hierarchy snapshot taken at plan time.
type remoteListing struct {
	notebooks []graph.RemoteNotebook
	sections  []graph.RemoteSection
	pages     map[string]graph.RemotePage
	// sectionPages preserves remote page order per section.
	sectionPages map[string][]string
}

// Report summarizes one execute.
type Report struct {
	CycleID   string
	DryRun    bool
	Added     int
	Updated   int
	Deleted   int
	Failed    int
	Resolved  int
	Conflicts []Conflict // unresolved under Prompt
	Failures  map[string]string
	Duration  time.Duration
}
