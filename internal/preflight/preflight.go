package preflight

import (
	"context"

	"tstriage/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Recorded directory", cfg.Paths.RecordedDir),
		CheckDirectoryAccess("Destination directory", cfg.Paths.DestinationDir),
		CheckDirectoryAccess("Cache directory", cfg.Paths.CacheDir),
		CheckDiskSpace("Cache disk space", cfg.Paths.CacheDir, minCacheBytes),
	}

	if cfg.EPGStation.URL != "" {
		results = append(results, CheckEPGStation(ctx, cfg.EPGStation.URL))
	}

	return results
}
