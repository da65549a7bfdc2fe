package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// Load reads and parses a TOML config file over defaults, validates it,
// and returns the resulting CoreConfig. Unknown keys are fatal — a typo
// silently falling back to a default is worse than an error.
func Load(path string, logger *slog.Logger) (*CoreConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("loading config file", "path", path)

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file %s: %v", onerr.ErrConfigInvalid, path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing config file %s: %v", onerr.ErrConfigInvalid, path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("%w: unknown config keys: %s",
			onerr.ErrConfigInvalid, strings.Join(keys, ", "))
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logger.Debug("config file parsed successfully", "path", path)

	return cfg, nil
}
