package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

func validConfig() *CoreConfig {
	cfg := Default()
	cfg.CacheRoot = "/tmp/cache"
	cfg.UserID = "user-1"

	return cfg
}

func TestDefaultsMatchContract(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.RateLimit.RequestsPerWindow)
	assert.Equal(t, 600, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 4, cfg.Concurrency.Assets)
	assert.Equal(t, 4, cfg.Concurrency.Pages)
	assert.Equal(t, 4, cfg.Concurrency.BulkBatches)
	assert.Equal(t, 20, cfg.Bulk.BatchSize)
	assert.Equal(t, 100, cfg.Bulk.CheckpointEvery)
	assert.Equal(t, 240, cfg.Search.SnippetLength)
	assert.Equal(t, 200, cfg.Search.MaxHits)
	assert.InDelta(t, 3.0, cfg.Search.TitleWeight, 0.001)
	assert.InDelta(t, 1.0, cfg.Search.BodyWeight, 0.001)
	assert.Equal(t, 2, cfg.Sync.TombstoneCycles)
	assert.Equal(t, "remote_wins", cfg.Sync.ConflictPolicy)
	assert.True(t, cfg.Assets.EnableCompression)
	assert.Equal(t, ".bin", cfg.Assets.UnknownMimeExtension)
	assert.Equal(t, 0, cfg.Cache.MaxSizeGB)
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CoreConfig)
	}{
		{"missing cache root", func(c *CoreConfig) { c.CacheRoot = "" }},
		{"missing user", func(c *CoreConfig) { c.UserID = "" }},
		{"zero rate window", func(c *CoreConfig) { c.RateLimit.WindowSeconds = 0 }},
		{"zero burst", func(c *CoreConfig) { c.RateLimit.Burst = 0 }},
		{"negative workers", func(c *CoreConfig) { c.Concurrency.Pages = -1 }},
		{"zero batch size", func(c *CoreConfig) { c.Bulk.BatchSize = 0 }},
		{"zero title weight", func(c *CoreConfig) { c.Search.TitleWeight = 0 }},
		{"bad policy", func(c *CoreConfig) { c.Sync.ConflictPolicy = "coin_flip" }},
		{"negative cache cap", func(c *CoreConfig) { c.Cache.MaxSizeGB = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, onerr.ErrConfigInvalid), "want ErrConfigInvalid, got %v", err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		cfg := CoreConfig{LogLevel: tt.in}
		assert.Equal(t, tt.want, cfg.SlogLevel(), "level %q", tt.in)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
cache_root = "/data/onenote"
user_id = "alice"
log_level = "debug"

[rate_limit]
requests_per_window = 50

[search]
snippet_length = 120
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, "/data/onenote", cfg.CacheRoot)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, 50, cfg.RateLimit.RequestsPerWindow)
	// Unset keys keep defaults.
	assert.Equal(t, 600, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 120, cfg.Search.SnippetLength)
	assert.Equal(t, 200, cfg.Search.MaxHits)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
cache_root = "/data"
user_id = "u"
snipet_length = 100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path, slog.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrConfigInvalid))
	assert.Contains(t, err.Error(), "snipet_length")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), slog.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrConfigInvalid))
}
