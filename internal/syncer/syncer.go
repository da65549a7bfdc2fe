package syncer

import (
	"log/slog"

	"github.com/shulgaalexey/onenote-local/internal/config"
	"github.com/shulgaalexey/onenote-local/internal/fetch"
	"github.com/shulgaalexey/onenote-local/internal/graph"
	"github.com/shulgaalexey/onenote-local/internal/layout"
	"github.com/shulgaalexey/onenote-local/internal/metastore"
	"github.com/shulgaalexey/onenote-local/internal/search"
)

// Syncer detects and applies incremental changes.
type Syncer struct {
	client  *graph.Client
	meta    *metastore.Store
	fetcher *fetch.Fetcher
	index   *search.Index
	layout  *layout.Layout
	logger  *slog.Logger

	tombstoneCycles int
	defaultPolicy   ConflictPolicy
}

// New creates a Syncer.
func New(client *graph.Client, meta *metastore.Store, fetcher *fetch.Fetcher,
	index *search.Index, l *layout.Layout, cfg config.SyncConfig, logger *slog.Logger,
) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}

	cycles := cfg.TombstoneCycles
	if cycles <= 0 {
		cycles = 2
	}

	policy := ConflictPolicy(cfg.ConflictPolicy)
	if policy == "" {
		policy = RemoteWins
	}

	return &Syncer{
		client:          client,
		meta:            meta,
		fetcher:         fetcher,
		index:           index,
		layout:          l,
		logger:          logger,
		tombstoneCycles: cycles,
		defaultPolicy:   policy,
	}
}

// DefaultPolicy returns the configured conflict policy.
func (s *Syncer) DefaultPolicy() ConflictPolicy {
	return s.defaultPolicy
}
