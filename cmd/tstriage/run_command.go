package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"tstriage/internal/runner"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Execute pipeline tasks once, in order",
		Long: "Execute the named pipeline tasks once, in the order given.\n" +
			"Without arguments every task runs, from categorize through cleanup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks := args
			if len(tasks) == 0 {
				tasks = runner.TaskNames
			}
			if err := runner.ValidateTasks(tasks); err != nil {
				return err
			}

			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			r, err := runner.New(ctx.cfg, logger)
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetProgress(!quiet && isatty.IsTerminal(os.Stdout.Fd()))

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return r.Run(runCtx, tasks)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Disable progress bars")
	return cmd
}
