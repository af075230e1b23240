package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tstriage/internal/preflight"
	"tstriage/internal/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show environment health and in-flight items",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			rows := make([][]string, 0, 8)
			for _, check := range preflight.RunAll(cmd.Context(), cfg) {
				rows = append(rows, []string{check.Name, passMark(check.Passed), check.Detail})
			}
			for _, tool := range preflight.CheckToolchain(cfg) {
				detail := tool.Description
				if tool.Detail != "" {
					detail = tool.Detail
				}
				rows = append(rows, []string{tool.Name, passMark(tool.Available), detail})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Check", "OK", "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft},
			))

			st, err := store.Open(cfg.StoreDir())
			if err != nil {
				return err
			}
			markers, err := st.All()
			if err != nil {
				return err
			}

			counts := make(map[store.Stage]int)
			itemRows := make([][]string, 0, len(markers))
			for _, m := range markers {
				counts[m.Stage]++
				itemRows = append(itemRows, []string{m.Key, string(m.Stage)})
			}

			fmt.Fprintln(out)
			countRows := make([][]string, 0, len(store.AllStages()))
			for _, stage := range store.AllStages() {
				countRows = append(countRows, []string{string(stage), fmt.Sprintf("%d", counts[stage])})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Stage", "Items"},
				countRows,
				[]columnAlignment{alignLeft, alignRight},
			))

			if len(itemRows) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderTable(
					[]string{"Item", "Stage"},
					itemRows,
					[]columnAlignment{alignLeft, alignLeft},
				))
			}
			return nil
		},
	}
}

func passMark(ok bool) string {
	if ok {
		return "yes"
	}
	return "NO"
}
