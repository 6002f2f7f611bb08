package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-optest/internal/callable"
	"github.com/example/go-optest/internal/doctor"
	"github.com/example/go-optest/internal/plan"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor PLAN...",
		Short: "Check backend executables, workdirs and callable sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			plans := make([]*plan.Plan, 0, len(args))

			for _, path := range args {
				p, err := plan.Load(path)
				if err != nil {
					return err
				}

				plans = append(plans, p)
			}

			out := cmd.OutOrStdout()
			result := doctor.Run(doctor.Config{
				Plans: plans,
				PythonVersion: func() (string, error) {
					return probePythonVersion(callable.DetectPython("", cfg.Callable.Python))
				},
			}, out)

			if result.Failed() {
				for _, f := range result.Failures() {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

// probePythonVersion runs `<exe> --version` and returns the bare version.
func probePythonVersion(exe string) (string, error) {
	out, err := exec.CommandContext(context.Background(), exe, "--version").CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s not found on PATH", exe)
		}

		return "", fmt.Errorf("%s --version failed: %w", exe, err)
	}

	// Output is e.g. "Python 3.11.4\n"
	return strings.TrimPrefix(strings.TrimSpace(string(out)), "Python "), nil
}
