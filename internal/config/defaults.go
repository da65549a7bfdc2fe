package config

// Default values for configuration options. Chosen to stay inside the
// Graph API throttling envelope without tuning.
const (
	defaultRequestsPerWindow = 100
	defaultWindowSeconds     = 600
	defaultBurst             = 10
	defaultAssetWorkers      = 4
	defaultPageWorkers       = 4
	defaultBulkBatchWorkers  = 4
	defaultBatchSize         = 20
	defaultCheckpointEvery   = 100
	defaultSnippetLength     = 240
	defaultMaxHits           = 200
	defaultTitleWeight       = 3.0
	defaultBodyWeight        = 1.0
	defaultTombstoneCycles   = 2
	defaultConflictPolicy    = "remote_wins"
	defaultUnknownMimeExt    = ".bin"
	defaultLogLevel          = "info"
)

// Default returns a CoreConfig populated with all default values.
// Used as the starting point for TOML decoding so unset fields
// retain defaults.
func Default() *CoreConfig {
	return &CoreConfig{
		RateLimit: RateLimitConfig{
			RequestsPerWindow: defaultRequestsPerWindow,
			WindowSeconds:     defaultWindowSeconds,
			Burst:             defaultBurst,
		},
		Concurrency: ConcurrencyConfig{
			Assets:      defaultAssetWorkers,
			Pages:       defaultPageWorkers,
			BulkBatches: defaultBulkBatchWorkers,
		},
		Bulk: BulkConfig{
			BatchSize:       defaultBatchSize,
			CheckpointEvery: defaultCheckpointEvery,
		},
		Search: SearchConfig{
			SnippetLength: defaultSnippetLength,
			MaxHits:       defaultMaxHits,
			TitleWeight:   defaultTitleWeight,
			BodyWeight:    defaultBodyWeight,
		},
		Sync: SyncConfig{
			TombstoneCycles: defaultTombstoneCycles,
			ConflictPolicy:  defaultConflictPolicy,
		},
		Assets: AssetsConfig{
			EnableCompression:    true,
			UnknownMimeExtension: defaultUnknownMimeExt,
		},
		LogLevel: defaultLogLevel,
	}
}
