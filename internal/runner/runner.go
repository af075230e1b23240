// Package runner drives the triage pipeline. It executes requested task
// names in order, moving each item's stage marker forward on success and
// quarantining the item on failure so one bad recording never blocks the
// rest of the batch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"tstriage/internal/config"
	"tstriage/internal/encoder"
	"tstriage/internal/epg"
	"tstriage/internal/ledger"
	"tstriage/internal/logging"
	"tstriage/internal/services"
	"tstriage/internal/services/tscutter"
	"tstriage/internal/services/tsmarker"
	"tstriage/internal/store"
)

// Task names accepted by Run, in pipeline order.
var TaskNames = []string{
	"categorize", "list", "analyze", "mark", "cut", "encode", "confirm", "cleanup",
}

// Runner owns the job store, the ledger, and the external collaborators
// one pipeline pass needs.
type Runner struct {
	cfg     *config.Config
	store   *store.Store
	ledger  *ledger.Ledger
	epg     *epg.Client
	cutter  *tscutter.Client
	scorer  *tsmarker.Client
	encoder *encoder.Service
	logger  *slog.Logger
	lock    *flock.Flock

	progress bool
}

// New builds a runner from configuration. The EPG client is optional and
// only constructed when a recorder URL is configured.
func New(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("runner requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(filepath.Join(cfg.StoreDir(), "encoded.db"))
	if err != nil {
		return nil, err
	}

	var epgClient *epg.Client
	if cfg.EPGStation.URL != "" {
		opts := []epg.Option{}
		if cfg.EPGStation.ReservesTTLHours > 0 {
			opts = append(opts, epg.WithReservesTTL(time.Duration(cfg.EPGStation.ReservesTTLHours)*time.Hour))
		}
		if cfg.EPGStation.BusyGranularity > 0 {
			opts = append(opts, epg.WithGranularity(time.Duration(cfg.EPGStation.BusyGranularity)*time.Second))
		}
		epgClient, err = epg.New(cfg.EPGStation.URL, cfg.Paths.CacheDir, opts...)
		if err != nil {
			_ = led.Close()
			return nil, err
		}
	}

	return &Runner{
		cfg:    cfg,
		store:  st,
		ledger: led,
		epg:    epgClient,
		cutter: tscutter.New(cfg.Tools.TSCutterBinary, logger),
		scorer: tsmarker.New(cfg.Tools.TSMarkerBinary, logger),
		encoder: encoder.NewService(encoder.Config{
			FFmpegBinary:      cfg.Encoder.Binary,
			FFprobeBinary:     cfg.Encoder.FFprobeBinary,
			Codec:             cfg.Encoder.Codec,
			DurationTolerance: cfg.Encoder.DurationTolerance,
			SubtitleCommand:   cfg.Encoder.SubtitleCommand,
		}, logger),
		logger: logging.NewComponentLogger(logger, "runner"),
		lock:   flock.New(filepath.Join(cfg.StoreDir(), "tstriage.lock")),
	}, nil
}

// Close releases the runner's ledger handle.
func (r *Runner) Close() error {
	return r.ledger.Close()
}

// Store exposes the job store for status reporting.
func (r *Runner) Store() *store.Store {
	return r.store
}

// SetProgress toggles terminal progress bars on bulk copies.
func (r *Runner) SetProgress(enabled bool) {
	r.progress = enabled
}

// ValidateTasks rejects unknown task names before a run starts.
func ValidateTasks(tasks []string) error {
	known := make(map[string]struct{}, len(TaskNames))
	for _, name := range TaskNames {
		known[name] = struct{}{}
	}
	for _, task := range tasks {
		if _, ok := known[task]; !ok {
			return fmt.Errorf("unknown task %q (choose from %v)", task, TaskNames)
		}
	}
	return nil
}

// Run executes the requested tasks in order. The whole run is serialized
// against sibling processes through a lock file in the job-store
// directory; a second instance blocks here until the first finishes.
func (r *Runner) Run(ctx context.Context, tasks []string) error {
	if err := ValidateTasks(tasks); err != nil {
		return err
	}

	locked, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		r.logger.Info("waiting for another instance to finish", logging.String("lock", r.lock.Path()))
		locked, err = r.lock.TryLockContext(ctx, time.Second)
		if err != nil {
			return fmt.Errorf("acquire instance lock: %w", err)
		}
		if !locked {
			return errors.New("instance lock unavailable")
		}
	}
	defer func() {
		_ = r.lock.Unlock()
	}()

	r.logger.Info("running tasks", logging.Any("tasks", tasks))
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runTask(ctx context.Context, task string) error {
	switch task {
	case "categorize":
		return r.categorize(ctx)
	case "list":
		return r.list(ctx)
	case "analyze":
		return r.pass(ctx, store.StageToAnalyze, store.StageToMark, "analyze", r.analyze)
	case "mark":
		return r.pass(ctx, store.StageToMark, store.StageToCut, "mark", r.mark)
	case "cut":
		return r.pass(ctx, store.StageToCut, store.StageToEncode, "cut", r.cut)
	case "encode":
		return r.pass(ctx, store.StageToEncode, store.StageToConfirm, "encode", r.encode)
	case "confirm":
		return r.confirm(ctx)
	case "cleanup":
		return r.cleanup(ctx)
	default:
		return fmt.Errorf("unknown task %q", task)
	}
}

// pass runs one stage transition over every marker currently at from.
// Failures are isolated per item: anything but an operator abort moves the
// marker to the error stage and the pass continues.
func (r *Runner) pass(ctx context.Context, from, to store.Stage, task string, op func(ctx context.Context, logger *slog.Logger, item store.Item) error) error {
	markers, err := r.store.List(from)
	if err != nil {
		return err
	}
	for _, m := range markers {
		itemCtx := services.WithItem(ctx, m.Key)
		itemCtx = services.WithStage(itemCtx, string(from))
		itemCtx = services.WithRequestID(itemCtx, uuid.NewString())
		logger := logging.WithContext(itemCtx, r.logger).With(logging.String(logging.FieldTask, task))

		item, err := r.store.Load(m)
		if err == nil {
			err = op(itemCtx, logger, item)
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

		if _, err := r.store.Move(m, to); err != nil {
			return err
		}
		logger.Info("stage complete", logging.String("next", string(to)))
	}
	return nil
}

// confirm drains toencode items through the ground-truth check in the same
// pass as toconfirm items, so a just-encoded recording gets its operator
// verdict harvested without waiting for the next sweep. An item loops back
// to toencode when re-encoding is needed; toencode items stay put either
// way, keeping their pending encode.
func (r *Runner) confirm(ctx context.Context) error {
	pending, err := r.store.List(store.StageToEncode)
	if err != nil {
		return err
	}
	confirmable, err := r.store.List(store.StageToConfirm)
	if err != nil {
		return err
	}

	for _, m := range append(pending, confirmable...) {
		itemCtx := services.WithItem(ctx, m.Key)
		itemCtx = services.WithStage(itemCtx, string(m.Stage))
		itemCtx = services.WithRequestID(itemCtx, uuid.NewString())
		logger := logging.WithContext(itemCtx, r.logger).With(logging.String(logging.FieldTask, "confirm"))

		item, err := r.store.Load(m)
		reencode := false
		if err == nil {
			p := r.pathsFor(item)
			reencode, err = r.scorer.Confirm(itemCtx, tsmarker.ConfirmRequest{
				IndexPath:  p.index,
				MarkerPath: p.marker,
				ClipsDir:   p.review,
			})
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

		next := store.StageToCleanup
		if reencode || m.Stage == store.StageToEncode {
			next = store.StageToEncode
		}
		if reencode {
			logger.Warn("re-encoding is needed")
		}
		if next == m.Stage {
			logger.Info("ground truth recorded", logging.String("stage", string(m.Stage)))
			continue
		}
		if _, err := r.store.Move(m, next); err != nil {
			return err
		}
		logger.Info("stage complete", logging.String("next", string(next)))
	}
	return nil
}
