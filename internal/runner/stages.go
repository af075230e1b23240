package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tstriage/internal/clips"
	"tstriage/internal/encoder"
	"tstriage/internal/extract"
	"tstriage/internal/fileutil"
	"tstriage/internal/logging"
	"tstriage/internal/markermap"
	"tstriage/internal/media/ffprobe"
	"tstriage/internal/ptsmap"
	"tstriage/internal/services"
	"tstriage/internal/services/tscutter"
	"tstriage/internal/services/tsmarker"
	"tstriage/internal/store"
	"tstriage/internal/textutil"
)

// itemPaths collects the per-item file locations one stage pass touches.
type itemPaths struct {
	// working is the local cache copy of the source recording.
	working string
	// metaDir is the destination's sidecar folder.
	metaDir string
	index   string
	marker  string
	// review is the cache folder the cut clips land in for the operator.
	review string
}

func (r *Runner) pathsFor(item store.Item) itemPaths {
	cache := item.Cache
	if cache == "" {
		cache = r.cfg.Paths.CacheDir
	}
	stem := item.Key()
	metaDir := filepath.Join(item.Destination, "_metadata")
	return itemPaths{
		working: filepath.Join(cache, filepath.Base(item.Path)),
		metaDir: metaDir,
		index:   filepath.Join(metaDir, stem+ptsmap.Extension),
		marker:  filepath.Join(metaDir, stem+markermap.Extension),
		review:  filepath.Join(cache, stem),
	}
}

// busyGate yields bulk I/O to scheduled recordings when a recorder is
// configured.
func (r *Runner) busyGate() func(ctx context.Context) error {
	if r.epg == nil {
		return nil
	}
	return r.epg.BusyWait
}

// copyToCache stages the source recording into the local cache. An earlier
// stage's identical copy is reused, so re-running a stage is cheap.
func (r *Runner) copyToCache(ctx context.Context, logger *slog.Logger, item store.Item, p itemPaths) error {
	logger.Info("copying to working folder", logging.String("source", item.Path))
	return fileutil.Copy(ctx, item.Path, p.working, fileutil.CopyOptions{
		Retries:      r.cfg.Workflow.CopyRetries,
		RetryDelay:   time.Duration(r.cfg.Workflow.CopyRetryDelay) * time.Second,
		Gate:         r.busyGate(),
		ShowProgress: r.progress,
	})
}

// analyze runs the silence-cut analysis on the working copy, writes the
// interval index sidecar next to the destination, records the program's EPG
// description, and ensures the channel logo baseline exists.
func (r *Runner) analyze(ctx context.Context, logger *slog.Logger, item store.Item) error {
	p := r.pathsFor(item)
	if err := os.MkdirAll(p.metaDir, 0o755); err != nil {
		return fmt.Errorf("create sidecar folder: %w", err)
	}
	if err := r.copyToCache(ctx, logger, item, p); err != nil {
		return err
	}

	logger.Info("analyzing to split", logging.String("index", p.index))
	err := r.cutter.Analyze(ctx, tscutter.Request{
		Video:         p.working,
		IndexPath:     p.index,
		MinSilenceLen: int(item.Cutter.Float("minSilenceLen", 0)),
		SilenceThresh: int(item.Cutter.Float("silenceThresh", 0)),
		SplitPosShift: int(item.Cutter.Float("splitPosShift", 0)),
	})
	if err != nil {
		return err
	}

	r.describeProgram(ctx, logger, item)

	logo, err := r.logoPath(ctx, item, p.working)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(logo); statErr == nil {
		return nil
	}
	return r.scorer.ExtractLogo(ctx, p.working, p.index, logo)
}

// describeProgram writes a human-readable program summary next to the
// destination. Best effort: triage proceeds without EPG metadata.
func (r *Runner) describeProgram(ctx context.Context, logger *slog.Logger, item store.Item) {
	if r.epg == nil {
		return
	}
	program, err := r.epg.Recorded(ctx, item.Path)
	if err != nil || program == nil {
		if err != nil {
			logger.Warn("program lookup failed", logging.Error(err))
		}
		return
	}
	channels, err := r.epg.Channels(ctx)
	if err != nil {
		logger.Warn("channel list unavailable", logging.Error(err))
	}
	desc := r.epg.Description(*program, channels)
	descPath := filepath.Join(item.Destination, item.Key()+".txt")
	if err := os.WriteFile(descPath, []byte(desc), 0o644); err != nil {
		logger.Warn("description write failed", logging.String("path", descPath), logging.Error(err))
	}
}

// logoPath derives the shared channel logo baseline location. The file is
// keyed by channel name and frame size so recordings of the same channel
// reuse one baseline.
func (r *Runner) logoPath(ctx context.Context, item store.Item, working string) (string, error) {
	result, err := ffprobe.Inspect(ctx, r.cfg.Encoder.FFprobeBinary, working)
	if err != nil {
		return "", err
	}
	width, height, ok := result.VideoDimensions()
	if !ok {
		return "", services.Wrap(services.ErrValidation, "analyze", "logo", "no video stream in "+working, nil)
	}
	channel := "unknown"
	if r.epg != nil {
		if program, err := r.epg.Recorded(ctx, item.Path); err == nil && program != nil {
			if channels, err := r.epg.Channels(ctx); err == nil {
				for _, ch := range channels {
					if ch.ID == program.ChannelID && ch.Name != "" {
						channel = textutil.SanitizeFileName(ch.Name)
						break
					}
				}
			}
		}
	}
	name := fmt.Sprintf("%s_%dx%d.png", channel, width, height)
	return filepath.Join(r.cfg.StoreDir(), name), nil
}

// mark appends every configured method's score column to the marker map.
// A marker map older than its interval index is stale from a re-analysis
// and gets rebuilt from scratch.
func (r *Runner) mark(ctx context.Context, logger *slog.Logger, item store.Item) error {
	p := r.pathsFor(item)
	if err := r.copyToCache(ctx, logger, item, p); err != nil {
		return err
	}

	if markerInfo, err := os.Stat(p.marker); err == nil {
		if indexInfo, err := os.Stat(p.index); err == nil && indexInfo.ModTime().After(markerInfo.ModTime()) {
			logger.Warn("removing stale marker map", logging.String("path", p.marker))
			if err := os.Remove(p.marker); err != nil {
				return err
			}
		}
	}

	logo, err := r.logoPath(ctx, item, p.working)
	if err != nil {
		return err
	}
	return r.scorer.Mark(ctx, tsmarker.MarkRequest{
		Video:       p.working,
		IndexPath:   p.index,
		MarkerPath:  p.marker,
		LogoPath:    logo,
		MetadataDir: p.metaDir,
		NoEnsemble:  item.Marker.Bool("noEnsemble", false),
	})
}

// cut selects the program clips by the best available scoring method and
// extracts each into the review folder, one file per clip, so the operator
// can delete misclassified ones before confirmation.
func (r *Runner) cut(ctx context.Context, logger *slog.Logger, item store.Item) error {
	p := r.pathsFor(item)
	if err := r.copyToCache(ctx, logger, item, p); err != nil {
		return err
	}

	index, err := ptsmap.Load(p.index)
	if err != nil {
		return err
	}
	scores, err := markermap.Load(p.marker)
	if err != nil {
		return err
	}
	program, method, err := scores.GetProgramClips()
	if err != nil {
		return err
	}
	logger.Info("cutting program clips",
		logging.String("method", method),
		logging.Int("clips", len(program)))

	if err := os.MkdirAll(p.review, 0o755); err != nil {
		return fmt.Errorf("create review folder: %w", err)
	}
	ext := filepath.Ext(p.working)
	for _, clip := range program {
		out := filepath.Join(p.review, markermap.FormatClipKey(clip)+ext)
		if err := extract.ToFile(ctx, p.working, []clips.Clip{clip}, index, out, nil); err != nil {
			return err
		}
	}
	return nil
}

// encode transcodes the program portion, uploads the artifacts and
// subtitle files, and records the artifacts in the encoded ledger so the
// source is never re-categorized.
func (r *Runner) encode(ctx context.Context, logger *slog.Logger, item store.Item) error {
	p := r.pathsFor(item)
	if err := r.copyToCache(ctx, logger, item, p); err != nil {
		return err
	}

	index, err := ptsmap.Load(p.index)
	if err != nil {
		return err
	}
	scores, err := markermap.Load(p.marker)
	if err != nil {
		return err
	}

	outFile := strings.TrimSuffix(p.working, filepath.Ext(p.working)) + ".mp4"
	artifacts, err := r.encoder.Encode(ctx, encoder.Request{
		Source:         p.working,
		OutFile:        outFile,
		Index:          index,
		Markers:        scores,
		Preset:         item.Encoder.String("preset", "drama"),
		ByGroup:        item.Encoder.Bool("bygroup", false),
		SplitNum:       int(item.Encoder.Float("split", 1)),
		FixAudio:       item.Encoder.Bool("fixaudio", false),
		AudioLanguages: r.cfg.Encoder.AudioLanguages,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(item.Destination, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	// Final uploads leave the cache behind, so they are the one copy
	// that gets integrity verification.
	uploadOpts := fileutil.CopyOptions{
		Retries:      r.cfg.Workflow.CopyRetries,
		RetryDelay:   time.Duration(r.cfg.Workflow.CopyRetryDelay) * time.Second,
		Gate:         r.busyGate(),
		ShowProgress: r.progress,
		Verify:       true,
	}
	for _, artifact := range artifacts {
		logger.Info("uploading", logging.String("artifact", filepath.Base(artifact)))
		if err := fileutil.Copy(ctx, artifact, filepath.Join(item.Destination, filepath.Base(artifact)), uploadOpts); err != nil {
			return err
		}
	}

	if err := r.uploadSubtitles(ctx, logger, item, p, uploadOpts); err != nil {
		return err
	}

	for _, artifact := range artifacts {
		if err := r.ledger.Add(ctx, filepath.Base(artifact)); err != nil {
			return err
		}
	}
	return nil
}

// uploadSubtitles copies any subtitle files the encode pass produced for
// this item into the destination's Subtitles folder.
func (r *Runner) uploadSubtitles(ctx context.Context, logger *slog.Logger, item store.Item, p itemPaths, opts fileutil.CopyOptions) error {
	cache := filepath.Dir(p.working)
	entries, err := os.ReadDir(cache)
	if err != nil {
		return err
	}
	stem := item.Key()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".ass" && ext != ".srt" {
			continue
		}
		if !strings.Contains(entry.Name(), stem) {
			continue
		}
		dst := filepath.Join(item.Destination, "Subtitles", entry.Name())
		logger.Info("uploading subtitles", logging.String("file", entry.Name()))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := fileutil.Copy(ctx, filepath.Join(cache, entry.Name()), dst, opts); err != nil {
			return err
		}
	}
	return nil
}

// cleanup removes everything the item left in the cache and deletes its
// marker, completing the pipeline.
func (r *Runner) cleanup(ctx context.Context) error {
	markers, err := r.store.List(store.StageToCleanup)
	if err != nil {
		return err
	}
	for _, m := range markers {
		itemCtx := services.WithItem(ctx, m.Key)
		itemCtx = services.WithStage(itemCtx, string(m.Stage))
		itemCtx = services.WithRequestID(itemCtx, uuid.NewString())
		logger := logging.WithContext(itemCtx, r.logger).With(logging.String(logging.FieldTask, "cleanup"))

		item, err := r.store.Load(m)
		if err == nil {
			err = r.removeCacheEntries(itemCtx, logger, item)
		}
		if err != nil {
			if services.IsAbort(err) {
				return err
			}
			logger.Error("stage failed", logging.Error(err))
			if _, moveErr := r.store.Move(m, store.StageError); moveErr != nil {
				logger.Error("quarantine failed", logging.Error(moveErr))
			}
			continue
		}

		if err := r.store.Remove(m); err != nil {
			return err
		}
		logger.Info("cleaned up")
	}
	return nil
}

// removeCacheEntries deletes cache files and folders whose stem overlaps
// the item's, covering the working copy, the review folder, artifacts, and
// stage logs in one sweep.
func (r *Runner) removeCacheEntries(ctx context.Context, logger *slog.Logger, item store.Item) error {
	cache := item.Cache
	if cache == "" {
		cache = r.cfg.Paths.CacheDir
	}
	entries, err := os.ReadDir(cache)
	if err != nil {
		return err
	}
	stem := item.Key()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		entryStem := name
		if !entry.IsDir() {
			entryStem = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if !strings.Contains(entryStem, stem) && !strings.Contains(stem, entryStem) {
			continue
		}
		logger.Info("removing", logging.String("path", name))
		if err := os.RemoveAll(filepath.Join(cache, name)); err != nil {
			return err
		}
	}
	return nil
}
