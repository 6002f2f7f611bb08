// Package runner executes resolved units: it materializes inputs, drives the
// backend command lifecycle, loads outputs and classifies each unit.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/go-optest/internal/callable"
	"github.com/example/go-optest/internal/compare"
	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/reference"
	"github.com/example/go-optest/internal/resolve"
	"github.com/example/go-optest/internal/safetensors"
	"github.com/example/go-optest/internal/tensor"
)

type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
	StatusError  Status = "error"
	StatusXFail  Status = "xfail"
	// StatusXPass is an expected failure that passed.
	StatusXPass Status = "xfail-pass"
)

type Options struct {
	Catalog  *reference.Catalog
	Loader   callable.Loader
	Executor Executor
	Logger   *slog.Logger
	// Cache overrides each plan's cache policy when set.
	Cache    plan.CachePolicy
	FailFast bool
	// GoldenDir, when set, receives the outputs of every passing unit in a
	// file named by GoldenFileName.
	GoldenDir string
	// OnResult is called after each unit, in execution order.
	OnResult func(Result)
}

type Runner struct {
	opts   Options
	logger *slog.Logger
}

// Result is the outcome of one unit.
type Result struct {
	ID         string
	Backend    string
	Case       string
	Status     Status
	Detail     string
	Metrics    map[string]any
	XFail      bool
	Attempts   int
	Duration   time.Duration
	Comparison *compare.Result
	// Err is the error behind an error (or errored xfail) status.
	Err error
}

func New(opts Options) *Runner {
	if opts.Catalog == nil {
		opts.Catalog = reference.Builtins()
	}

	if opts.Loader == nil {
		opts.Loader = &callable.ExecLoader{Logger: opts.Logger}
	}

	if opts.Executor == nil {
		opts.Executor = OSExecutor{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{opts: opts, logger: logger}
}

// Run executes units sequentially. With FailFast it stops after the first
// result that is not passed; a cancelled ctx stops before the next unit.
func (r *Runner) Run(ctx context.Context, units []resolve.Unit) []Result {
	results := make([]Result, 0, len(units))

	for _, u := range units {
		if ctx.Err() != nil {
			r.logger.Warn("run cancelled", "remaining", len(units)-len(results))
			break
		}

		res := r.RunUnit(ctx, u)
		results = append(results, res)

		if r.opts.OnResult != nil {
			r.opts.OnResult(res)
		}

		if r.opts.FailFast && res.Status != StatusPassed {
			r.logger.Info("fail-fast: stopping run", "id", res.ID, "status", res.Status)
			break
		}
	}

	return results
}

// unitContext is the per-unit state shared by the execution steps.
type unitContext struct {
	unit        resolve.Unit
	id          string
	tokens      map[string]string
	generator   plan.GeneratorConfig
	assertion   plan.AssertionConfig
	inputDTypes []tensor.DType
	policy      plan.CachePolicy
}

// verdict is an assertion outcome before xfail classification.
type verdict struct {
	ok         bool
	detail     string
	metrics    map[string]any
	comparison *compare.Result
}

// RunUnit executes one unit. Failures inside the unit never escape: they are
// classified into the returned Result.
func (r *Runner) RunUnit(ctx context.Context, u resolve.Unit) Result {
	start := time.Now()
	res := Result{
		ID:      u.ID(),
		Backend: u.Backend.Key(),
		Case:    u.Case.Name,
		XFail:   u.XFail,
	}

	r.logger.Debug("running unit", "id", res.ID, "xfail", u.XFail)

	v, attempts, err := r.execute(ctx, u, res.ID)
	res.Attempts = attempts
	res.Duration = time.Since(start)

	switch {
	case err != nil:
		res.Status = StatusError
		if u.XFail {
			res.Status = StatusXFail
		}

		res.Detail = err.Error()
		res.Metrics = map[string]any{}
		res.Err = err
	default:
		res.Status = StatusPassed
		if !v.ok {
			res.Status = StatusFailed
		}

		if u.XFail {
			res.Status = StatusXFail
			if v.ok {
				res.Status = StatusXPass
			}
		}

		res.Detail = v.detail
		res.Metrics = v.metrics
		res.Comparison = v.comparison
	}

	if res.Metrics == nil {
		res.Metrics = map[string]any{}
	}

	level := slog.LevelInfo
	if res.Status == StatusFailed || res.Status == StatusError || res.Status == StatusXPass {
		level = slog.LevelWarn
	}

	r.logger.Log(ctx, level, "unit finished", "id", res.ID, "status", res.Status, "attempts", res.Attempts, "duration", res.Duration)

	return res
}

func (r *Runner) execute(ctx context.Context, u resolve.Unit, id string) (verdict, int, error) {
	uc, err := r.newUnitContext(u, id)
	if err != nil {
		return verdict{}, 0, err
	}

	prepare, mainCmd, cleanup, err := backendCommands(uc)
	if err != nil {
		return verdict{}, 0, err
	}

	inputs, err := r.materializeInputs(ctx, uc)
	if err != nil {
		return verdict{}, 0, err
	}

	if err := prepareOutputs(u.OutputPaths); err != nil {
		return verdict{}, 0, err
	}

	for _, spec := range prepare {
		if _, err := r.runCommand(ctx, spec); err != nil {
			return verdict{}, 0, fmt.Errorf("prepare: %w", err)
		}
	}

	attempts, err := r.runCommand(ctx, mainCmd)
	if err != nil {
		return verdict{}, attempts, err
	}

	for _, spec := range cleanup {
		if _, err := r.runCommand(ctx, spec); err != nil {
			return verdict{}, attempts, fmt.Errorf("cleanup: %w", err)
		}
	}

	outDTypes, err := outputDTypes(u, uc.assertion)
	if err != nil {
		return verdict{}, attempts, err
	}

	outputs, err := loadOutputs(u, outDTypes)
	if err != nil {
		return verdict{}, attempts, err
	}

	v, err := r.assert(ctx, uc, inputs, outputs, outDTypes)
	if err != nil {
		return verdict{}, attempts, err
	}

	if v.ok && r.opts.GoldenDir != "" {
		if err := captureGolden(r.opts.GoldenDir, id, outputs); err != nil {
			return verdict{}, attempts, err
		}
	}

	return v, attempts, nil
}

func (r *Runner) newUnitContext(u resolve.Unit, id string) (unitContext, error) {
	uc := unitContext{
		unit:      u,
		id:        id,
		tokens:    Tokens(u),
		generator: u.Case.EffectiveGenerator(u.Plan),
		assertion: u.Case.EffectiveAssertion(u.Plan),
		policy:    r.opts.Cache,
	}

	if uc.policy == "" {
		uc.policy = u.Plan.Cache
	}

	if uc.policy == "" {
		uc.policy = plan.CacheReuse
	}

	for _, name := range u.Case.DTypes {
		dt, err := tensor.ParseDType(name)
		if err != nil {
			return unitContext{}, err
		}

		uc.inputDTypes = append(uc.inputDTypes, dt)
	}

	return uc, nil
}

func captureGolden(dir, id string, outputs []*tensor.Tensor) error {
	named := make([]safetensors.Named, len(outputs))
	for i, t := range outputs {
		named[i] = safetensors.Named{Name: fmt.Sprintf("output%d", i), Tensor: t}
	}

	return safetensors.WriteFile(filepath.Join(dir, GoldenFileName(id)), named)
}

// GoldenFileName maps a unit ID to a flat file name.
func GoldenFileName(id string) string {
	return strings.NewReplacer("@", "_", ":", "_", "/", "_").Replace(id) + ".safetensors"
}

// Summary tallies results by status.
type Summary struct {
	Total  int
	Passed int
	Failed int
	Errors int
	XFail  int
	XPass  int
}

func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}

	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusError:
			s.Errors++
		case StatusXFail:
			s.XFail++
		case StatusXPass:
			s.XPass++
		}
	}

	return s
}

// NonPass counts every result that is not passed, xfail included.
func (s Summary) NonPass() int { return s.Total - s.Passed }

// Failures counts results that make a run unsuccessful.
func (s Summary) Failures() int { return s.Failed + s.Errors + s.XPass }

func (s Summary) OK() bool { return s.Failures() == 0 }
