package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/go-optest/internal/callable"
	"github.com/example/go-optest/internal/generate"
	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/resolve"
	"github.com/example/go-optest/internal/tensor"
)

// materializeInputs loads cached inputs or generates fresh ones. A single
// random source per unit is shared by all its inputs.
func (r *Runner) materializeInputs(ctx context.Context, uc unitContext) ([]*tensor.Tensor, error) {
	u := uc.unit

	if uc.policy == plan.CacheReuse && allExist(u.InputPaths) {
		r.logger.Debug("reusing cached inputs", "id", uc.id)
		return loadInputs(u, uc.inputDTypes)
	}

	seed := generate.SeedFor(uc.id, uc.generator.Seed)
	rng := generate.NewRand(seed)

	for _, p := range u.InputPaths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("runner: create input dir: %w", err)
		}
	}

	if uc.generator.External() {
		fn, err := r.opts.Loader.Generator(callable.Ref{Source: uc.generator.Source, Name: uc.generator.Name})
		if err != nil {
			return nil, err
		}

		params := uc.generator.Params
		if params == nil {
			params = plan.Params{}
		}

		req := callable.GeneratorRequest{
			InputPaths: u.InputPaths,
			Shapes:     callable.Shapes{Inputs: u.Shape.Inputs, Outputs: u.Shape.Outputs},
			DTypes:     u.Case.DTypes,
			Params:     params,
			Seed:       uc.generator.Seed,
			Constants:  uc.generator.Constants,
			RandSeed:   seed,
			Rand:       rng,
		}

		r.logger.Debug("running external generator", "id", uc.id, "source", uc.generator.Source, "name", uc.generator.Name)

		if err := fn(ctx, req); err != nil {
			return nil, fmt.Errorf("generator %s: %w", uc.generator.Name, err)
		}

		return loadInputs(u, uc.inputDTypes)
	}

	inputs := make([]*tensor.Tensor, len(u.InputPaths))

	for i, p := range u.InputPaths {
		t, err := generate.Tensor(rng, uc.generator.ForInput(i), uc.inputDTypes[i], u.Shape.Inputs[i])
		if err != nil {
			return nil, err
		}

		if err := tensor.WriteFile(p, t); err != nil {
			return nil, err
		}

		inputs[i] = t
	}

	return inputs, nil
}

func loadInputs(u resolve.Unit, dtypes []tensor.DType) ([]*tensor.Tensor, error) {
	inputs := make([]*tensor.Tensor, len(u.InputPaths))

	for i, p := range u.InputPaths {
		t, err := tensor.ReadFile(p, dtypes[i], u.Shape.Inputs[i])
		if err != nil {
			return nil, fmt.Errorf("runner: input %d for case %s: %w", i, u.Case.Name, err)
		}

		inputs[i] = t
	}

	return inputs, nil
}

func allExist(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}

	return true
}

// prepareOutputs makes sure no stale output from an earlier run is mistaken
// for this run's result.
func prepareOutputs(paths []string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("runner: create output dir: %w", err)
		}

		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("runner: remove stale output: %w", err)
		}
	}

	return nil
}

// outputDTypes resolves one dtype per output slot: the assertion's override,
// else the case dtypes (the last one repeated), else float32.
func outputDTypes(u resolve.Unit, assertion plan.AssertionConfig) ([]tensor.DType, error) {
	n := len(u.OutputPaths)
	out := make([]tensor.DType, n)

	if len(assertion.OutputDTypes) > 0 {
		if len(assertion.OutputDTypes) != n {
			return nil, fmt.Errorf("runner: output_dtypes length must match outputs (%d vs %d)", len(assertion.OutputDTypes), n)
		}

		for i, name := range assertion.OutputDTypes {
			dt, err := tensor.ParseDType(name)
			if err != nil {
				return nil, err
			}

			out[i] = dt
		}

		return out, nil
	}

	for i := range out {
		name := "float32"

		switch {
		case i < len(u.Case.DTypes):
			name = u.Case.DTypes[i]
		case len(u.Case.DTypes) > 0:
			name = u.Case.DTypes[len(u.Case.DTypes)-1]
		}

		dt, err := tensor.ParseDType(name)
		if err != nil {
			return nil, err
		}

		out[i] = dt
	}

	return out, nil
}

func loadOutputs(u resolve.Unit, dtypes []tensor.DType) ([]*tensor.Tensor, error) {
	outputs := make([]*tensor.Tensor, len(u.OutputPaths))

	for i, p := range u.OutputPaths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("expected output missing at %s for case %s", p, u.Case.Name)
		}

		t, err := tensor.ReadFile(p, dtypes[i], u.Shape.Outputs[i])
		if err != nil {
			return nil, fmt.Errorf("runner: output %d for case %s: %w", i, u.Case.Name, err)
		}

		outputs[i] = t
	}

	return outputs, nil
}
