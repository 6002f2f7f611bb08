// Package reference holds the operator reference catalog: host-side
// implementations that produce the expected outputs a backend is judged
// against, plus each operator's default comparison tolerance.
package reference

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/tensor"
)

// Tolerance defines acceptable numeric drift versus reference outputs.
type Tolerance struct {
	Abs float64
	Rel float64
}

// DefaultTolerance applies when neither the assertion nor the operator sets one.
var DefaultTolerance = Tolerance{Abs: 1e-4, Rel: 1e-5}

// RunFunc computes reference outputs in float64.
type RunFunc func(inputs []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error)

// ResultKind decides the dtype reference outputs are cast to.
type ResultKind int

const (
	// SameAsInput keeps the first input's dtype.
	SameAsInput ResultKind = iota
	// BoolResult is used by comparisons.
	BoolResult
	// FloatResult keeps float inputs and promotes the rest to float64.
	FloatResult
	// AccumResult keeps floats and widens integers and bool to 64 bits, as
	// sums do.
	AccumResult
)

type Operator struct {
	Name        string
	Category    string
	Description string
	NumInputs   int
	// MaxInputs allows optional trailing inputs; zero means NumInputs.
	MaxInputs  int
	Attributes []string
	Tags       []string
	// Tolerance overrides DefaultTolerance when set.
	Tolerance *Tolerance
	Result    ResultKind
	run       RunFunc
}

// Run validates the input count, computes the reference and casts each
// output to the operator's result dtype.
func (o *Operator) Run(inputs []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
	maxInputs := o.MaxInputs
	if maxInputs == 0 {
		maxInputs = o.NumInputs
	}

	if len(inputs) < o.NumInputs || len(inputs) > maxInputs {
		if maxInputs == o.NumInputs {
			return nil, fmt.Errorf("reference: %s expects %d inputs, got %d", o.Name, o.NumInputs, len(inputs))
		}

		return nil, fmt.Errorf("reference: %s expects %d to %d inputs, got %d", o.Name, o.NumInputs, maxInputs, len(inputs))
	}

	outs, err := o.run(inputs, params)
	if err != nil {
		return nil, fmt.Errorf("reference: %s: %w", o.Name, err)
	}

	dtype := resultDType(o.Result, inputs[0].DType())

	cast := make([]*tensor.Tensor, len(outs))
	for i, out := range outs {
		if cast[i], err = out.Cast(dtype); err != nil {
			return nil, fmt.Errorf("reference: %s output %d: %w", o.Name, i, err)
		}
	}

	return cast, nil
}

// EffectiveTolerance returns the operator tolerance or DefaultTolerance.
func (o *Operator) EffectiveTolerance() Tolerance {
	if o.Tolerance != nil {
		return *o.Tolerance
	}

	return DefaultTolerance
}

func resultDType(kind ResultKind, in tensor.DType) tensor.DType {
	switch kind {
	case BoolResult:
		return tensor.Bool
	case FloatResult:
		if in.IsFloat() {
			return in
		}

		return tensor.Float64
	case AccumResult:
		switch in {
		case tensor.Int8, tensor.Int16, tensor.Int32, tensor.Bool:
			return tensor.Int64
		case tensor.Uint8, tensor.Uint16, tensor.Uint32:
			return tensor.Uint64
		default:
			return in
		}
	default:
		return in
	}
}

// Catalog maps normalized names and aliases to operators.
type Catalog struct {
	ops     map[string]*Operator
	aliases map[string]string
}

func NewCatalog() *Catalog {
	return &Catalog{ops: map[string]*Operator{}, aliases: map[string]string{}}
}

// Register adds op under its name, "builtin.<name>" and the name without
// underscores. Registering a name twice is an error.
func (c *Catalog) Register(op *Operator) error {
	if op == nil || op.run == nil {
		return fmt.Errorf("reference: operator %q has no implementation", nameOf(op))
	}

	key := strings.ToLower(op.Name)
	if _, exists := c.ops[key]; exists {
		return fmt.Errorf("reference: operator %q already registered", op.Name)
	}

	c.ops[key] = op

	for _, alias := range []string{key, strings.ReplaceAll(key, "_", "")} {
		if _, taken := c.aliases[alias]; !taken {
			c.aliases[alias] = key
		}
	}

	return nil
}

// NewOperator builds an Operator backed by run, for embedding programs that
// register their own reference implementations.
func NewOperator(name string, numInputs int, result ResultKind, run RunFunc) *Operator {
	return &Operator{Name: name, NumInputs: numInputs, Result: result, run: run}
}

func nameOf(op *Operator) string {
	if op == nil {
		return ""
	}

	return op.Name
}

// Normalize maps an assertion name to a catalog key: the part after a
// "module:" prefix, without a ".run" suffix, the last dotted component,
// lower-cased.
func Normalize(name string) string {
	text := strings.TrimSpace(name)
	if _, after, ok := strings.Cut(text, ":"); ok {
		text = after
	}

	text = strings.TrimSuffix(text, ".run")
	if i := strings.LastIndex(text, "."); i >= 0 {
		text = text[i+1:]
	}

	return strings.ToLower(text)
}

// Lookup resolves a possibly qualified operator name.
func (c *Catalog) Lookup(name string) (*Operator, bool) {
	key, ok := c.aliases[Normalize(name)]
	if !ok {
		return nil, false
	}

	return c.ops[key], true
}

// Names returns the canonical operator names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.ops))
	for _, op := range c.ops {
		names = append(names, op.Name)
	}

	sort.Strings(names)

	return names
}

// Operators returns every operator, sorted by name.
func (c *Catalog) Operators() []*Operator {
	out := make([]*Operator, 0, len(c.ops))
	for _, name := range c.Names() {
		out = append(out, c.ops[strings.ToLower(name)])
	}

	return out
}
