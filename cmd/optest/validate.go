package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/resolve"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate PLAN...",
		Short: "Check plan files against the schema and semantic rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0

			for _, path := range args {
				p, err := plan.Load(path)
				if err != nil {
					failed++

					var schemaErr *plan.SchemaError
					if errors.As(err, &schemaErr) {
						_, _ = fmt.Fprintf(out, "FAIL %s\n", path)
						for _, v := range schemaErr.Violations {
							_, _ = fmt.Fprintf(out, "    %s: %s\n", v.Path, v.Message)
						}

						continue
					}

					_, _ = fmt.Fprintf(out, "FAIL %s: %v\n", path, err)

					continue
				}

				units := resolve.Resolve(p, resolve.Options{})
				_, _ = fmt.Fprintf(out, "ok   %s: operator %s, %d backends, %d cases, %d units\n",
					path, p.Operator, len(p.Backends), len(p.Cases), len(units))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d plans invalid", failed, len(args))
			}

			return nil
		},
	}
}
