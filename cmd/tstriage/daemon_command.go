package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"tstriage/internal/logging"
	"tstriage/internal/preflight"
	"tstriage/internal/runner"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline on a schedule until terminated",
		Long: "Run the configured task list at the daemon interval. When a quiesce\n" +
			"window is configured, a pass is also triggered once the recorded folder\n" +
			"has been quiet for that long after new files arrive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			cfg := ctx.cfg

			tasks := cfg.Workflow.DaemonTasks
			if len(tasks) == 0 {
				tasks = runner.TaskNames
			}
			if err := runner.ValidateTasks(tasks); err != nil {
				return err
			}

			r, err := runner.New(cfg, logger)
			if err != nil {
				return err
			}
			defer r.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// One pass at a time; a trigger during a pass waits its turn.
			var mu sync.Mutex
			pass := func() {
				mu.Lock()
				defer mu.Unlock()
				for _, check := range preflight.RunAll(runCtx, cfg) {
					if !check.Passed {
						logger.Warn("preflight failed, skipping pass",
							logging.String("check", check.Name),
							logging.String("detail", check.Detail))
						return
					}
				}
				if err := r.Run(runCtx, tasks); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("pass failed", logging.Error(err))
				}
			}

			scheduler := cron.New()
			interval := cfg.Workflow.DaemonInterval
			if interval <= 0 {
				interval = 300
			}
			if _, err := scheduler.AddFunc(fmt.Sprintf("@every %ds", interval), pass); err != nil {
				return fmt.Errorf("schedule passes: %w", err)
			}
			scheduler.Start()
			defer scheduler.Stop()

			if cfg.Workflow.QuiesceWindow > 0 {
				stopWatch, err := watchRecorded(runCtx, logger, cfg.Paths.RecordedDir,
					time.Duration(cfg.Workflow.QuiesceWindow)*time.Second, pass)
				if err != nil {
					return err
				}
				defer stopWatch()
			}

			logger.Info("daemon started",
				logging.Int("interval_seconds", interval),
				logging.Any("tasks", tasks))
			pass()
			<-runCtx.Done()
			logger.Info("daemon stopped")
			return nil
		},
	}
}

// watchRecorded triggers fire once the recorded folder has seen no new
// activity for the quiesce window, so a pass never starts while the
// recorder is still writing a file.
func watchRecorded(ctx context.Context, logger *slog.Logger, dir string, window time.Duration, fire func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch recorded folder: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		timer := time.NewTimer(window)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					timer.Reset(window)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("recorded folder watch error", logging.Error(err))
			case <-timer.C:
				fire()
			}
		}
	}()

	return func() {
		_ = watcher.Close()
		<-done
	}, nil
}
