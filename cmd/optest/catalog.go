package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/go-optest/internal/generate"
	"github.com/example/go-optest/internal/reference"
)

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List built-in reference operators and input generators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			_, _ = fmt.Fprintln(tw, "OPERATOR\tCATEGORY\tINPUTS\tATOL\tRTOL\tTAGS")

			for _, op := range reference.Builtins().Operators() {
				inputs := fmt.Sprint(op.NumInputs)
				if op.MaxInputs > op.NumInputs {
					inputs = fmt.Sprintf("%d-%d", op.NumInputs, op.MaxInputs)
				}

				tol := op.EffectiveTolerance()
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%s\n",
					op.Name, op.Category, inputs, tol.Abs, tol.Rel, strings.Join(op.Tags, ","))
			}

			if err := tw.Flush(); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\ngenerators: %s\n", strings.Join(generate.Names(), ", "))

			return nil
		},
	}
}
