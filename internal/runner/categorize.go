package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"tstriage/internal/logging"
	"tstriage/internal/services"
	"tstriage/internal/store"
)

// recordedExtensions are the raw media types the recorder produces.
var recordedExtensions = map[string]struct{}{
	".ts":   {},
	".m2ts": {},
}

// aribGenreFolders maps ARIB STD-B10 top-level genre codes to library
// folder names. Unknown codes land in Other.
var aribGenreFolders = map[int]string{
	0:  "News",
	1:  "Sports",
	2:  "Information",
	3:  "Drama",
	4:  "Music",
	5:  "Variety",
	6:  "Movies",
	7:  "Anime",
	8:  "Documentary",
	9:  "Theatre",
	10: "Hobby",
	11: "Welfare",
}

func genreFolder(code int) string {
	if name, ok := aribGenreFolders[code]; ok {
		return name
	}
	return "Other"
}

// categorize scans the recorded folder for new raw files and creates a
// categorized marker for each, guessing the destination from the recorder's
// rule keywords. Files already encoded or already in flight are skipped.
func (r *Runner) categorize(ctx context.Context) error {
	entries, err := os.ReadDir(r.cfg.Paths.RecordedDir)
	if err != nil {
		return fmt.Errorf("scan recorded folder: %w", err)
	}

	keywords := r.ruleKeywords(ctx)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := recordedExtensions[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(r.cfg.Paths.RecordedDir, entry.Name())
		key := store.KeyForPath(path)

		encoded, err := r.ledger.HasStem(ctx, key)
		if err != nil {
			return err
		}
		if encoded {
			continue
		}
		inFlight, err := r.store.Has(key)
		if err != nil {
			return err
		}
		if inFlight {
			continue
		}

		item := store.Item{
			Path:        path,
			Destination: r.guessDestination(ctx, path, keywords),
		}
		if _, err := r.store.Put(item, store.StageCategorized); err != nil {
			if errors.Is(err, store.ErrExists) {
				continue
			}
			return err
		}
		r.logger.Info("categorized",
			logging.String("item", key),
			logging.String("destination", item.Destination))
	}
	return nil
}

// ruleKeywords fetches the recorder's search keywords, longest first so the
// most specific rule wins when several match one filename.
func (r *Runner) ruleKeywords(ctx context.Context) []string {
	if r.epg == nil {
		return nil
	}
	keywords, err := r.epg.Keywords(ctx)
	if err != nil {
		r.logger.Warn("keyword fetch failed", logging.Error(err))
		return nil
	}
	sort.SliceStable(keywords, func(i, j int) bool {
		return len(keywords[i]) > len(keywords[j])
	})
	return keywords
}

// guessDestination matches the recording name against rule keywords under
// NFKC normalization, then resolves the genre folder from the program's
// EPG metadata. An empty result leaves the item parked at categorized
// until an operator fills the destination in.
func (r *Runner) guessDestination(ctx context.Context, path string, keywords []string) string {
	stem := norm.NFKC.String(store.KeyForPath(path))
	for _, keyword := range keywords {
		if keyword == "" || !strings.Contains(stem, norm.NFKC.String(keyword)) {
			continue
		}
		program, err := r.epg.Recorded(ctx, path)
		if err != nil {
			r.logger.Warn("program lookup failed", logging.String("path", path), logging.Error(err))
			return ""
		}
		if program == nil {
			return ""
		}
		genre, ok := program.Genre()
		if !ok {
			return ""
		}
		return filepath.Join(r.cfg.Paths.DestinationDir, genreFolder(genre), keyword)
	}
	return ""
}

// triageSettings is the per-destination option file (tstriage.json)
// resolved when an item is listed for processing.
type triageSettings struct {
	Cutter  store.Options `json:"cutter,omitempty"`
	Marker  store.Options `json:"marker,omitempty"`
	Encoder store.Options `json:"encoder,omitempty"`
}

func defaultSettings() triageSettings {
	return triageSettings{
		Marker:  store.Options{"noEnsemble": true},
		Encoder: store.Options{"preset": "drama"},
	}
}

// list promotes categorized items whose destination is known, attaching the
// working-cache hint and the destination's triage settings. Items without a
// destination stay put and are reported for the operator.
func (r *Runner) list(ctx context.Context) error {
	markers, err := r.store.List(store.StageCategorized)
	if err != nil {
		return err
	}
	for _, m := range markers {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := r.store.Load(m)
		if err != nil {
			r.logger.Warn("unreadable marker", logging.String("item", m.Key), logging.Error(err))
			continue
		}
		if item.Destination == "" {
			r.logger.Warn("more information is needed", logging.String("item", m.Key))
			continue
		}

		settings, err := r.findSettings(item.Destination)
		if err != nil {
			r.logger.Error("settings discovery failed", logging.String("item", m.Key), logging.Error(err))
			if services.IsAbort(err) {
				return err
			}
			continue
		}

		item.Cache = r.cfg.Paths.CacheDir
		item.Cutter = settings.Cutter
		item.Marker = settings.Marker
		item.Encoder = settings.Encoder
		if _, err := r.store.Replace(m, store.StageToAnalyze, item); err != nil {
			return err
		}
		r.logger.Info("will process", logging.String("item", m.Key), logging.String("destination", item.Destination))
	}
	return nil
}

// findSettings walks from the destination folder up to the library root
// looking for tstriage.json. A missing file at the root is created with
// defaults so every destination resolves on the next pass without help.
func (r *Runner) findSettings(destination string) (triageSettings, error) {
	root := filepath.Clean(r.cfg.Paths.DestinationDir)
	dir := filepath.Clean(destination)
	for {
		path := filepath.Join(dir, "tstriage.json")
		data, err := os.ReadFile(path)
		if err == nil {
			var settings triageSettings
			if err := json.Unmarshal(data, &settings); err != nil {
				return triageSettings{}, fmt.Errorf("parse %s: %w", path, err)
			}
			return settings, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return triageSettings{}, fmt.Errorf("read %s: %w", path, err)
		}

		if dir == root {
			settings := defaultSettings()
			payload, err := json.MarshalIndent(settings, "", "  ")
			if err != nil {
				return triageSettings{}, err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return triageSettings{}, err
			}
			if err := os.WriteFile(path, payload, 0o644); err != nil {
				return triageSettings{}, fmt.Errorf("write default settings: %w", err)
			}
			return settings, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return triageSettings{}, fmt.Errorf("destination %s is outside the library root", destination)
		}
		dir = parent
	}
}
