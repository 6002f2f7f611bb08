package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-optest/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "Show recorded runs, or the unit results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if cfg.History.Path == "" {
				return errors.New("history is disabled; set --history-path or history.path")
			}

			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			if len(args) == 1 {
				results, err := store.Results(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if len(results) == 0 {
					return fmt.Errorf("no results recorded for run %s", args[0])
				}

				_, _ = fmt.Fprintln(tw, "UNIT\tSTATUS\tATTEMPTS\tDURATION\tDETAIL")

				for _, r := range results {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.UnitID, r.Status, r.Attempts, r.Duration().Round(time.Millisecond), r.Detail)
				}

				if err := tw.Flush(); err != nil {
					return err
				}

				stats := history.ComputeStats(results)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nduration: min=%s max=%s mean=%s\n",
					stats.Min.Round(time.Millisecond), stats.Max.Round(time.Millisecond), stats.Mean.Round(time.Millisecond))

				return nil
			}

			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tOPERATOR\tTOTAL\tFAILURES\tOK\tPLAN")

			for _, r := range runs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Operator, r.Total, r.Failures, r.OK, r.Plan)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")

	return cmd
}
