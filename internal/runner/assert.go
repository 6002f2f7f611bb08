package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/example/go-optest/internal/callable"
	"github.com/example/go-optest/internal/compare"
	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/reference"
	"github.com/example/go-optest/internal/safetensors"
	"github.com/example/go-optest/internal/tensor"
)

const identityAssertion = "identity"

// Fallback tolerance when neither the assertion nor a reference operator sets
// one.
var defaultTolerance = compare.Tolerance{Abs: 1e-4, Rel: 1e-5}

func (r *Runner) assert(ctx context.Context, uc unitContext, inputs, outputs []*tensor.Tensor, outDTypes []tensor.DType) (verdict, error) {
	a := uc.assertion
	u := uc.unit

	if a.External() {
		fn, err := r.opts.Loader.Assertion(callable.Ref{Source: a.Source, Name: a.Name})
		if err != nil {
			return verdict{}, err
		}

		params := a.Params
		if params == nil {
			params = plan.Params{}
		}

		names := make([]string, len(outDTypes))
		for i, dt := range outDTypes {
			names[i] = dt.String()
		}

		res, err := fn(ctx, callable.AssertionRequest{
			InputPaths:   u.InputPaths,
			OutputPaths:  u.OutputPaths,
			Shapes:       callable.Shapes{Inputs: u.Shape.Inputs, Outputs: u.Shape.Outputs},
			DTypes:       u.Case.DTypes,
			OutputDTypes: names,
			Params:       params,
			RTol:         a.RTol,
			ATol:         a.ATol,
			Metric:       a.Metric,
		})
		if err != nil {
			return verdict{}, fmt.Errorf("assertion %s: %w", a.Name, err)
		}

		return verdict{ok: res.OK, detail: res.Detail, metrics: res.Metrics}, nil
	}

	name := a.Name
	if name == "" {
		name = plan.DefaultAssertion
	}

	var (
		expected []*tensor.Tensor
		tol      = defaultTolerance
	)

	if reference.Normalize(name) == identityAssertion {
		golden, err := loadGolden(u.Plan.BaseDir, a.Params, outputs, outDTypes)
		if err != nil {
			return verdict{}, err
		}

		expected = golden
	} else {
		op, ok := r.opts.Catalog.Lookup(name)
		if !ok {
			supported := append([]string{identityAssertion}, r.opts.Catalog.Names()...)

			return verdict{}, fmt.Errorf(
				"runner: unknown assertion '%s'. Supported builtins: %s. For a custom assertion, set both assertion.name and assertion.source",
				name, strings.Join(supported, ", "),
			)
		}

		want, err := op.Run(inputs, a.Params)
		if err != nil {
			return verdict{}, fmt.Errorf("reference %s: %w", op.Name, err)
		}

		expected = want
		t := op.EffectiveTolerance()
		tol = compare.Tolerance{Abs: t.Abs, Rel: t.Rel}
	}

	if a.ATol != nil {
		tol.Abs = *a.ATol
	}

	if a.RTol != nil {
		tol.Rel = *a.RTol
	}

	metric := a.Metric
	if metric == "" {
		metric = compare.MetricMaxAbs
	}

	res := compare.Outputs(outputs, expected, tol)

	metrics := res.Metrics(metric)
	for i, t := range outputs {
		digest, err := tensor.Digest(t)
		if err != nil {
			return verdict{}, err
		}

		metrics[fmt.Sprintf("output%d_blake3", i)] = digest
	}

	return verdict{ok: res.Passed, detail: res.Summary(), metrics: metrics, comparison: &res}, nil
}

// loadGolden reads the files listed in params.golden, one per output, resolved
// against the plan directory. Without golden files the outputs are their own
// expectation, so the unit only checks that they exist and load.
func loadGolden(baseDir string, params plan.Params, outputs []*tensor.Tensor, dtypes []tensor.DType) ([]*tensor.Tensor, error) {
	files := params.Strings("golden")
	if len(files) == 0 {
		return outputs, nil
	}

	if len(files) != len(outputs) {
		return nil, fmt.Errorf("runner: params.golden lists %d files for %d outputs", len(files), len(outputs))
	}

	golden := make([]*tensor.Tensor, len(files))

	for i, f := range files {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}

		shape := outputs[i].Shape()

		var (
			t   *tensor.Tensor
			err error
		)

		if strings.EqualFold(filepath.Ext(p), ".safetensors") {
			t, err = safetensors.LoadGolden(p, fmt.Sprintf("output%d", i), shape)
		} else {
			t, err = tensor.ReadFile(p, dtypes[i], shape)
		}

		if err != nil {
			return nil, fmt.Errorf("runner: golden %d: %w", i, err)
		}

		golden[i] = t
	}

	return golden, nil
}
