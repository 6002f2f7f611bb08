// Package callable resolves user-supplied generators and assertions named by
// a (source, name) pair.
package callable

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/example/go-optest/internal/plan"
)

// ErrNotFound is returned by a Loader that does not know a Ref.
var ErrNotFound = errors.New("callable: not found")

// Ref is the stable identity of a user callable.
type Ref struct {
	Source string
	Name   string
}

func (r Ref) String() string { return r.Source + ":" + r.Name }

// Shapes carries the unit's input and output shapes.
type Shapes struct {
	Inputs  [][]int64 `json:"inputs"`
	Outputs [][]int64 `json:"outputs"`
}

// GeneratorRequest is everything a generator needs to write the unit's
// input files.
type GeneratorRequest struct {
	InputPaths []string    `json:"input_paths"`
	Shapes     Shapes      `json:"shapes"`
	DTypes     []string    `json:"dtypes"`
	Params     plan.Params `json:"params"`
	Seed       *int64      `json:"seed"`
	Constants  plan.Params `json:"constants"`
	// RandSeed seeds Rand; external processes derive their own source from it.
	RandSeed uint64     `json:"rand_seed"`
	Rand     *rand.Rand `json:"-"`
}

// AssertionRequest describes a finished unit for an external assertion.
type AssertionRequest struct {
	InputPaths   []string    `json:"input_paths"`
	OutputPaths  []string    `json:"output_paths"`
	Shapes       Shapes      `json:"shapes"`
	DTypes       []string    `json:"dtypes"`
	OutputDTypes []string    `json:"output_dtypes"`
	Params       plan.Params `json:"params"`
	RTol         *float64    `json:"rtol"`
	ATol         *float64    `json:"atol"`
	Metric       string      `json:"metric"`
}

// AssertionResult is an assertion's verdict.
type AssertionResult struct {
	OK      bool           `json:"ok"`
	Detail  string         `json:"detail"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

type (
	GeneratorFunc func(ctx context.Context, req GeneratorRequest) error
	AssertionFunc func(ctx context.Context, req AssertionRequest) (AssertionResult, error)
)

// Loader resolves refs to invocable functions.
type Loader interface {
	Generator(ref Ref) (GeneratorFunc, error)
	Assertion(ref Ref) (AssertionFunc, error)
}

// Registry is an in-process Loader.
type Registry struct {
	mu         sync.RWMutex
	generators map[Ref]GeneratorFunc
	assertions map[Ref]AssertionFunc
}

func NewRegistry() *Registry {
	return &Registry{
		generators: map[Ref]GeneratorFunc{},
		assertions: map[Ref]AssertionFunc{},
	}
}

func (r *Registry) RegisterGenerator(ref Ref, fn GeneratorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generators[ref] = fn
}

func (r *Registry) RegisterAssertion(ref Ref, fn AssertionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assertions[ref] = fn
}

func (r *Registry) Generator(ref Ref) (GeneratorFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.generators[ref]; ok {
		return fn, nil
	}

	return nil, fmt.Errorf("%w: generator %s (registered: %s)", ErrNotFound, ref, refNames(r.generators))
}

func (r *Registry) Assertion(ref Ref) (AssertionFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.assertions[ref]; ok {
		return fn, nil
	}

	return nil, fmt.Errorf("%w: assertion %s (registered: %s)", ErrNotFound, ref, refNames(r.assertions))
}

func refNames[T any](m map[Ref]T) string {
	if len(m) == 0 {
		return "none"
	}

	names := make([]string, 0, len(m))
	for ref := range m {
		names = append(names, ref.String())
	}

	sort.Strings(names)

	return strings.Join(names, ", ")
}

// Chain tries loaders in order. A loader answering ErrNotFound passes the ref
// to the next one; any other error stops the chain.
func Chain(loaders ...Loader) Loader {
	return chain(loaders)
}

type chain []Loader

func (c chain) Generator(ref Ref) (GeneratorFunc, error) {
	var last error = fmt.Errorf("%w: generator %s", ErrNotFound, ref)

	for _, l := range c {
		fn, err := l.Generator(ref)
		if err == nil {
			return fn, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		last = err
	}

	return nil, last
}

func (c chain) Assertion(ref Ref) (AssertionFunc, error) {
	var last error = fmt.Errorf("%w: assertion %s", ErrNotFound, ref)

	for _, l := range c {
		fn, err := l.Assertion(ref)
		if err == nil {
			return fn, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		last = err
	}

	return nil, last
}
