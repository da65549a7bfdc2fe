// Package config defines the typed configuration consumed by Core at
// startup. Defaults are layer 0; a TOML file (optional, admin binary only)
// overlays them. Library consumers construct CoreConfig directly.
package config

import "log/slog"

// CoreConfig is the single configuration value the core consumes.
// Downstream components receive only the slices of it they need.
type CoreConfig struct {
	CacheRoot string `toml:"cache_root"`
	UserID    string `toml:"user_id"`

	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Bulk        BulkConfig        `toml:"bulk"`
	Search      SearchConfig      `toml:"search"`
	Sync        SyncConfig        `toml:"sync"`
	Assets      AssetsConfig      `toml:"assets"`
	Cache       CacheConfig       `toml:"cache"`

	// LogLevel maps to slog levels: "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level"`
}

// RateLimitConfig sizes the RemoteClient token bucket.
type RateLimitConfig struct {
	RequestsPerWindow int `toml:"requests_per_window"`
	WindowSeconds     int `toml:"window_seconds"`
	Burst             int `toml:"burst"`
}

// ConcurrencyConfig bounds the worker pools.
type ConcurrencyConfig struct {
	Assets      int `toml:"assets"`
	Pages       int `toml:"pages"`
	BulkBatches int `toml:"bulk_batches"`
}

// BulkConfig controls batch indexing.
type BulkConfig struct {
	BatchSize       int `toml:"batch_size"`
	CheckpointEvery int `toml:"checkpoint_every"`
}

// SearchConfig controls the full-text index.
type SearchConfig struct {
	SnippetLength int     `toml:"snippet_length"`
	MaxHits       int     `toml:"max_hits"`
	TitleWeight   float64 `toml:"title_weight"`
	BodyWeight    float64 `toml:"body_weight"`
}

// SyncConfig controls incremental sync behavior.
type SyncConfig struct {
	TombstoneCycles int    `toml:"tombstone_cycles"`
	ConflictPolicy  string `toml:"conflict_policy"`
}

// AssetsConfig controls binary asset handling.
type AssetsConfig struct {
	EnableCompression    bool   `toml:"enable_compression"`
	UnknownMimeExtension string `toml:"unknown_mime_extension"`
}

// CacheConfig controls cache-wide limits.
type CacheConfig struct {
	// MaxSizeGB of 0 means unlimited.
	MaxSizeGB int `toml:"max_size_gb"`
}

// SlogLevel converts the configured log level string to a slog.Level.
// Unknown values fall back to Info.
func (c *CoreConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
