package config

import (
	"fmt"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// Conflict policies accepted by sync.conflict_policy.
var validConflictPolicies = map[string]bool{
	"remote_wins":   true,
	"local_wins":    true,
	"newer_wins":    true,
	"prompt":        true,
	"merge_attempt": true,
}

// Validate checks a CoreConfig for internal consistency. All validation
// failures wrap onerr.ErrConfigInvalid so the admin binary exits 1.
func Validate(cfg *CoreConfig) error {
	if cfg.CacheRoot == "" {
		return fmt.Errorf("%w: cache_root is required", onerr.ErrConfigInvalid)
	}

	if cfg.UserID == "" {
		return fmt.Errorf("%w: user_id is required", onerr.ErrConfigInvalid)
	}

	if cfg.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("%w: rate_limit.requests_per_window must be positive, got %d",
			onerr.ErrConfigInvalid, cfg.RateLimit.RequestsPerWindow)
	}

	if cfg.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("%w: rate_limit.window_seconds must be positive, got %d",
			onerr.ErrConfigInvalid, cfg.RateLimit.WindowSeconds)
	}

	if cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("%w: rate_limit.burst must be positive, got %d",
			onerr.ErrConfigInvalid, cfg.RateLimit.Burst)
	}

	for name, n := range map[string]int{
		"concurrency.assets":       cfg.Concurrency.Assets,
		"concurrency.pages":        cfg.Concurrency.Pages,
		"concurrency.bulk_batches": cfg.Concurrency.BulkBatches,
		"bulk.batch_size":          cfg.Bulk.BatchSize,
		"bulk.checkpoint_every":    cfg.Bulk.CheckpointEvery,
		"search.snippet_length":    cfg.Search.SnippetLength,
		"search.max_hits":          cfg.Search.MaxHits,
		"sync.tombstone_cycles":    cfg.Sync.TombstoneCycles,
	} {
		if n <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", onerr.ErrConfigInvalid, name, n)
		}
	}

	if cfg.Search.TitleWeight <= 0 || cfg.Search.BodyWeight <= 0 {
		return fmt.Errorf("%w: search field weights must be positive", onerr.ErrConfigInvalid)
	}

	if !validConflictPolicies[cfg.Sync.ConflictPolicy] {
		return fmt.Errorf("%w: unknown sync.conflict_policy %q",
			onerr.ErrConfigInvalid, cfg.Sync.ConflictPolicy)
	}

	if cfg.Cache.MaxSizeGB < 0 {
		return fmt.Errorf("%w: cache.max_size_gb must not be negative", onerr.ErrConfigInvalid)
	}

	return nil
}
