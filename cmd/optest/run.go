package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/example/go-optest/internal/callable"
	"github.com/example/go-optest/internal/config"
	"github.com/example/go-optest/internal/history"
	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/reference"
	"github.com/example/go-optest/internal/report"
	"github.com/example/go-optest/internal/resolve"
	"github.com/example/go-optest/internal/runner"
)

const noMatchMessage = "No cases matched the provided filters."

var errNoUnits = errors.New("no units to run")

// callables holds in-process generators and assertions. They are looked up
// by (source, name) before a source is run as an external process.
var callables = callable.NewRegistry()

// filterFlags are the unit selection flags shared by run and list.
type filterFlags struct {
	planPath    string
	backend     string
	chip        string
	cases       []string
	tags        []string
	skipTags    []string
	priorityMax int
}

func (f *filterFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.planPath, "plan", "", "Plan file (yaml|json|toml)")
	fs.StringVar(&f.backend, "backend", "", "Only run backends of this type")
	fs.StringVar(&f.chip, "chip", "", "Only run backends with this chip")
	fs.StringSliceVar(&f.cases, "cases", nil, "Case name globs to run (comma separated)")
	fs.StringSliceVar(&f.tags, "tags", nil, "Only run cases carrying one of these tags")
	fs.StringSliceVar(&f.skipTags, "skip-tags", nil, "Skip cases carrying one of these tags")
	fs.IntVar(&f.priorityMax, "priority-max", 0, "Skip cases whose priority is above this value")
}

// resolve loads the plan and selects units. The plan path comes from --plan
// or the first positional argument.
func (f *filterFlags) resolve(cmd *cobra.Command, args []string, cache plan.CachePolicy) (*plan.Plan, []resolve.Unit, error) {
	path := f.planPath
	if path == "" && len(args) > 0 {
		path = args[0]
	}

	if path == "" {
		return nil, nil, errors.New("a plan file is required (--plan FILE)")
	}

	p, err := plan.Load(path)
	if err != nil {
		return nil, nil, err
	}

	opts := resolve.Options{
		Backend:  f.backend,
		Chip:     f.chip,
		Cases:    f.cases,
		Tags:     f.tags,
		SkipTags: f.skipTags,
		Cache:    cache,
	}

	if cmd.Flags().Changed("priority-max") {
		limit := f.priorityMax
		opts.PriorityMax = &limit
	}

	return p, resolve.Resolve(p, opts), nil
}

func newRunCmd(defaults config.Config) *cobra.Command {
	var (
		filters  filterFlags
		listOnly bool
		noColor  bool
	)

	cmd := &cobra.Command{
		Use:   "run [PLAN]",
		Short: "Execute a plan and report per-unit results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if noColor {
				cfg.Report.Color = string(report.ColorNever)
			}

			cache, ok := plan.ParseCachePolicy(cfg.Run.Cache)
			if !ok {
				return fmt.Errorf("invalid cache policy %q", cfg.Run.Cache)
			}

			p, units, err := filters.resolve(cmd, args, cache)
			if err != nil {
				return err
			}

			if len(units) == 0 {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), noMatchMessage)
				return errNoUnits
			}

			if listOnly {
				report.List(cmd.OutOrStdout(), units)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return executeRun(ctx, cmd.OutOrStdout(), cfg, p, units, cache)
		},
	}

	filters.register(cmd.Flags())
	cmd.Flags().BoolVar(&listOnly, "list", false, "List matching unit IDs without running them")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable terminal colors (same as --color=never)")
	config.RegisterRunFlags(cmd.Flags(), defaults)

	return cmd
}

func executeRun(ctx context.Context, out io.Writer, cfg config.Config, p *plan.Plan, units []resolve.Unit, cache plan.CachePolicy) error {
	color, err := report.ParseColorMode(cfg.Report.Color)
	if err != nil {
		return err
	}

	jsonReport := cfg.Report.Format == "json"
	term := report.NewTerminal(out, color)
	logger := slog.Default()

	opts := runner.Options{
		Catalog: reference.Builtins(),
		Loader: callable.Chain(callables, &callable.ExecLoader{
			Python:  cfg.Callable.Python,
			Timeout: time.Duration(cfg.Callable.TimeoutSeconds) * time.Second,
			Logger:  logger,
		}),
		Logger:    logger,
		Cache:     cache,
		FailFast:  cfg.Run.FailFast,
		GoldenDir: cfg.Run.GoldenDir,
	}

	if !jsonReport {
		opts.OnResult = term.Result
	}

	runID := report.NewRunID()
	started := time.Now()

	logger.Info("starting run", "run_id", runID, "plan", p.Path, "operator", p.Operator, "units", len(units))

	results := runner.New(opts).Run(ctx, units)

	if jsonReport {
		doc := report.Build(report.Meta{RunID: runID, Plan: p.Path, Operator: p.Operator, StartedAt: started}, results)
		if err := report.WriteJSON(out, cfg.Report.Path, doc); err != nil {
			return err
		}
	} else {
		term.Summary(results)
	}

	if cfg.History.Path != "" {
		if err := recordHistory(ctx, cfg.History.Path, history.NewRun(runID, p.Path, p.Operator, started, results)); err != nil {
			logger.Warn("could not record run history", "path", cfg.History.Path, "err", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}

	summary := runner.Summarize(results)
	if !summary.OK() {
		return fmt.Errorf("run failed: %d of %d units failed", summary.Failures(), summary.Total)
	}

	return nil
}

func recordHistory(ctx context.Context, path string, run history.Run) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Record(ctx, run)
}

func newListCmd() *cobra.Command {
	var filters filterFlags

	cmd := &cobra.Command{
		Use:   "list [PLAN]",
		Short: "List the unit IDs a plan resolves to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, units, err := filters.resolve(cmd, args, "")
			if err != nil {
				return err
			}

			if len(units) == 0 {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), noMatchMessage)
				return errNoUnits
			}

			report.List(cmd.OutOrStdout(), units)

			return nil
		},
	}

	filters.register(cmd.Flags())

	return cmd
}
