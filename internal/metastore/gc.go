package metastore

import (
	"log/slog"

	"github.com/shulgaalexey/onenote-local/internal/layout"
)

// GCReport summarizes one garbage collection pass.
type GCReport struct {
	AssetsMarked int // refcount-zero assets entering their grace cycle
	AssetsReaped int // assets removed this pass
	BytesFreed   int64
}

// SweepAssets runs one garbage collection cycle over the asset catalog.
// An asset whose refcount is zero is first marked; if it is still
// unreferenced on the next sweep it is unlinked via the provided callback
// and dropped from the catalog. The two-pass grace protects against a
// page delete and re-add racing a GC.
func (s *Store) SweepAssets(unlink func(contentHash string) error) (*GCReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	report := &GCReport{}

	for hash, e := range s.assets {
		if e.Refcount > 0 {
			continue
		}

		if e.ZeroGCCycles == 0 {
			e.ZeroGCCycles = 1
			s.assets[hash] = e
			report.AssetsMarked++

			continue
		}

		if err := unlink(hash); err != nil {
			s.logger.Warn("asset unlink failed during gc",
				slog.String("hash", hash),
				slog.String("error", err.Error()),
			)

			continue
		}

		report.AssetsReaped++
		report.BytesFreed += e.Asset.ByteSize

		delete(s.assets, hash)
	}

	if err := layout.WriteJSONAtomic(s.layout.RefcountsPath(), s.assets); err != nil {
		return nil, err
	}

	s.logger.Info("asset gc complete",
		slog.Int("marked", report.AssetsMarked),
		slog.Int("reaped", report.AssetsReaped),
		slog.Int64("bytes_freed", report.BytesFreed),
	)

	return report, nil
}
