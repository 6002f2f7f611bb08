// Package generate implements the built-in input generation strategies.
package generate

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/tensor"
)

// Strategy fills a tensor of the given dtype and shape.
type Strategy func(rng *rand.Rand, cfg plan.GeneratorConfig, dtype tensor.DType, shape []int64) (*tensor.Tensor, error)

// strategies is matched by suffix so "builtin.uniform" and "my.uniform" both
// select uniform. Longer suffixes are tried first.
var strategies = map[string]Strategy{
	"random":   random,
	"uniform":  uniform,
	"ones":     ones,
	"zeros":    zeros,
	"arange":   arange,
	"full":     full,
	"constant": full,
}

// Names lists the supported strategies as builtin.<name>.
func Names() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, "builtin."+name)
	}

	sort.Strings(names)

	return names
}

// Lookup resolves a generator name to its strategy.
func Lookup(name string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	keys := make([]string, 0, len(strategies))
	for key := range strategies {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	for _, key := range keys {
		if strings.HasSuffix(normalized, key) {
			return strategies[key], nil
		}
	}

	return nil, fmt.Errorf(
		"generate: unknown generator '%s'. Supported builtins: %s. For a custom generator, set both generator.name and generator.source",
		name, strings.Join(Names(), ", "),
	)
}

// Tensor generates one input tensor. A constants.value entry turns any
// strategy into a fill.
func Tensor(rng *rand.Rand, cfg plan.GeneratorConfig, dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	if cfg.Constants.Has("value") {
		return full(rng, cfg, dtype, shape)
	}

	strategy, err := Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}

	return strategy(rng, cfg, dtype, shape)
}

// SeedFor returns the configured seed, else one derived from the unit ID so
// that unseeded runs stay reproducible.
func SeedFor(unitID string, seed *int64) uint64 {
	if seed != nil {
		return uint64(*seed)
	}

	sum := blake3.Sum256([]byte(unitID))

	return binary.LittleEndian.Uint64(sum[:8])
}

// NewRand returns a deterministic source for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func fill(dtype tensor.DType, shape []int64, fn func(i int) float64) (*tensor.Tensor, error) {
	n, err := tensor.ShapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float64, n)
	for i := range data {
		data[i] = fn(i)
	}

	return tensor.New(dtype, data, shape)
}

func random(rng *rand.Rand, cfg plan.GeneratorConfig, dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	scale, err := cfg.Constants.Float("scale", 1)
	if err != nil {
		return nil, err
	}

	shift, err := cfg.Constants.Float("shift", 0)
	if err != nil {
		return nil, err
	}

	// Draw at the dtype's precision first, then scale, as astype would.
	return fill(dtype, shape, func(int) float64 {
		return dtype.Cast(rng.NormFloat64())*scale + shift
	})
}

func uniform(rng *rand.Rand, cfg plan.GeneratorConfig, dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	low, err := cfg.Params.Float("low", -1)
	if err != nil {
		return nil, err
	}

	high, err := cfg.Params.Float("high", 1)
	if err != nil {
		return nil, err
	}

	if high < low {
		return nil, fmt.Errorf("generate: uniform high %g is below low %g", high, low)
	}

	return fill(dtype, shape, func(int) float64 {
		return low + rng.Float64()*(high-low)
	})
}

func ones(_ *rand.Rand, _ plan.GeneratorConfig, dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	return tensor.Full(dtype, shape, 1)
}

func zeros(_ *rand.Rand, _ plan.GeneratorConfig, dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	return tensor.Zeros(dtype, shape)
}

func arange(_ *rand.Rand, cfg plan.GeneratorConfig, dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	start, err := cfg.Params.Float("start", 0)
	if err != nil {
		return nil, err
	}

	step, err := cfg.Params.Float("step", 1)
	if err != nil {
		return nil, err
	}

	return fill(dtype, shape, func(i int) float64 {
		return start + float64(i)*step
	})
}

func full(_ *rand.Rand, cfg plan.GeneratorConfig, dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	src := cfg.Constants
	if !src.Has("value") {
		src = cfg.Params
	}

	if !src.Has("value") {
		return nil, fmt.Errorf("generate: %s requires constants.value or params.value", cfg.Name)
	}

	if b, ok := src["value"].(bool); ok {
		value := 0.0
		if b {
			value = 1
		}

		return tensor.Full(dtype, shape, value)
	}

	value, err := src.Float("value", 0)
	if err != nil {
		return nil, err
	}

	return tensor.Full(dtype, shape, value)
}
