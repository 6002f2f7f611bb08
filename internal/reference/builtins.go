package reference

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/tensor"
)

var (
	linalgTolerance = &Tolerance{Abs: 1e-4, Rel: 1e-5}
	normTolerance   = &Tolerance{Abs: 1e-4, Rel: 1e-4}
	convTolerance   = &Tolerance{Abs: 1e-3, Rel: 1e-3}
)

// Builtins returns a catalog with every built-in operator registered.
func Builtins() *Catalog {
	c := NewCatalog()

	for _, op := range builtinOperators() {
		if err := c.Register(op); err != nil {
			panic(err)
		}
	}

	return c
}

func builtinOperators() []*Operator {
	return []*Operator{
		binary("elementwise_add", "tensor", SameAsInput, func(a, b float64) float64 { return a + b }, "elementwise", "tensor"),
		binary("elementwise_sub", "tensor", SameAsInput, func(a, b float64) float64 { return a - b }, "elementwise", "tensor"),
		binary("elementwise_mul", "tensor", SameAsInput, func(a, b float64) float64 { return a * b }, "elementwise", "tensor"),
		binary("elementwise_div", "tensor", FloatResult, func(a, b float64) float64 { return a / b }, "elementwise", "tensor"),
		binary("equal", "comparison", BoolResult, predicate(func(a, b float64) bool { return a == b }), "comparison", "logical"),
		binary("greater", "comparison", BoolResult, predicate(func(a, b float64) bool { return a > b }), "comparison", "logical"),
		binary("less", "comparison", BoolResult, predicate(func(a, b float64) bool { return a < b }), "comparison", "logical"),
		binary("less_equal", "comparison", BoolResult, predicate(func(a, b float64) bool { return a <= b }), "comparison", "logical"),
		binary("greater_equal", "comparison", BoolResult, predicate(func(a, b float64) bool { return a >= b }), "comparison", "logical"),
		{
			Name: "vector_dot", Category: "linalg", NumInputs: 2, Result: AccumResult,
			Tags: []string{"vector", "dot", "reduction"},
			run:  vectorDot,
		},
		{
			Name: "vector_norm", Category: "linalg", NumInputs: 1, Result: FloatResult,
			Tags: []string{"vector", "reduction"},
			run:  vectorNorm,
		},
		{
			Name: "vector_sum", Category: "tensor", NumInputs: 1, Result: AccumResult,
			Tags: []string{"vector", "reduction"},
			run: func(in []*tensor.Tensor, _ plan.Params) ([]*tensor.Tensor, error) {
				return one(tensor.Reduce(in[0], nil, false, tensor.ReduceSum))
			},
		},
		{
			Name: "matmul", Category: "linalg", NumInputs: 2, Tolerance: linalgTolerance,
			Tags: []string{"matmul", "matrix", "dense"},
			run: func(in []*tensor.Tensor, _ plan.Params) ([]*tensor.Tensor, error) {
				return one(tensor.MatMul(in[0], in[1]))
			},
		},
		{
			Name: "gemm", Category: "linalg", NumInputs: 2, Tolerance: linalgTolerance,
			Attributes: []string{"m", "n", "k", "trans_a", "trans_b"},
			Tags:       []string{"gemm", "matrix", "dense"},
			run:        gemm,
		},
		{
			Name: "conv2d", Category: "convolution", NumInputs: 2, MaxInputs: 3, Tolerance: convTolerance,
			Attributes: []string{"stride", "dilation", "groups", "padding"},
			Tags:       []string{"conv2d", "convolution"},
			run:        conv2d,
		},
		pool("maxpool2d", tensor.PoolMax, "pool", "maxpool"),
		pool("avgpool2d", tensor.PoolAvg, "pool", "avgpool"),
		unary("relu", SameAsInput, func(v float64) float64 { return math.Max(v, 0) }, "activation", "relu"),
		unary("sigmoid", FloatResult, func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }, "activation", "sigmoid"),
		unary("tanh", FloatResult, math.Tanh, "activation", "tanh"),
		unary("sinh", FloatResult, math.Sinh, "activation", "sinh"),
		{
			Name: "leaky_relu", Category: "activation", NumInputs: 1, Result: FloatResult,
			Attributes: []string{"alpha"},
			Tags:       []string{"activation", "relu"},
			run:        leakyRelu,
		},
		{
			Name: "softmax", Category: "activation", NumInputs: 1, Result: FloatResult, Tolerance: normTolerance,
			Attributes: []string{"axis"},
			Tags:       []string{"activation", "softmax"},
			run:        softmax,
		},
		{
			Name: "layer_norm", Category: "normalization", NumInputs: 1, MaxInputs: 3, Result: FloatResult, Tolerance: normTolerance,
			Description: "normalizes the last dimension; optional weight and bias inputs",
			Attributes:  []string{"eps"},
			Tags:        []string{"normalization"},
			run:         layerNorm,
		},
		reduce("reduce_sum", tensor.ReduceSum, AccumResult),
		reduce("reduce_mean", tensor.ReduceMean, FloatResult),
		{
			Name: "broadcast_to", Category: "tensor", NumInputs: 1,
			Attributes: []string{"shape"},
			Tags:       []string{"broadcast"},
			run:        broadcastTo,
		},
	}
}

func one(t *tensor.Tensor, err error) ([]*tensor.Tensor, error) {
	if err != nil {
		return nil, err
	}

	return []*tensor.Tensor{t}, nil
}

func predicate(fn func(a, b float64) bool) func(a, b float64) float64 {
	return func(a, b float64) float64 {
		if fn(a, b) {
			return 1
		}

		return 0
	}
}

func binary(name, category string, result ResultKind, fn func(a, b float64) float64, tags ...string) *Operator {
	return &Operator{
		Name: name, Category: category, NumInputs: 2, Result: result, Tags: tags,
		run: func(in []*tensor.Tensor, _ plan.Params) ([]*tensor.Tensor, error) {
			return one(tensor.Broadcast(in[0], in[1], fn, name))
		},
	}
}

func unary(name string, result ResultKind, fn func(float64) float64, tags ...string) *Operator {
	return &Operator{
		Name: name, Category: "activation", NumInputs: 1, Result: result, Tags: tags,
		run: func(in []*tensor.Tensor, _ plan.Params) ([]*tensor.Tensor, error) {
			return one(tensor.Map(in[0], fn))
		},
	}
}

func reduce(name string, op tensor.ReduceOp, result ResultKind) *Operator {
	return &Operator{
		Name: name, Category: "reduction", NumInputs: 1, Result: result,
		Attributes: []string{"axis", "keepdims"},
		Tags:       []string{"reduction"},
		run: func(in []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
			axes, present, err := params.Ints("axis")
			if err != nil {
				return nil, err
			}

			keep, err := params.Bool("keepdims", false)
			if err != nil {
				return nil, err
			}

			// An explicit empty axis list reduces nothing.
			if present && len(axes) == 0 {
				return one(tensor.Map(in[0], func(v float64) float64 { return v }))
			}

			ints := make([]int, len(axes))
			for i, a := range axes {
				ints[i] = int(a)
			}

			return one(tensor.Reduce(in[0], ints, keep, op))
		},
	}
}

func pool(name string, mode tensor.PoolMode, tags ...string) *Operator {
	return &Operator{
		Name: name, Category: "pooling", NumInputs: 1,
		Attributes: []string{"kernel_size", "stride", "padding"},
		Tags:       tags,
		run: func(in []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
			x := in[0]
			if x.Rank() != 4 {
				return nil, fmt.Errorf("expects NCHW input, got shape %v", x.Shape())
			}

			kernel, err := pair(params, "kernel_size", [2]int64{2, 2})
			if err != nil {
				return nil, err
			}

			stride, err := pair(params, "stride", kernel)
			if err != nil {
				return nil, err
			}

			padding, err := parsePadding(params["padding"], x.Shape()[2:], stride, [2]int64{1, 1}, kernel)
			if err != nil {
				return nil, err
			}

			return one(tensor.Pool2D(x, kernel, stride, padding, mode))
		},
	}
}

func vectorDot(in []*tensor.Tensor, _ plan.Params) ([]*tensor.Tensor, error) {
	prod, err := tensor.Broadcast(in[0], in[1], func(a, b float64) float64 { return a * b }, "vector_dot")
	if err != nil {
		return nil, err
	}

	if prod.Rank() == 0 {
		return []*tensor.Tensor{prod}, nil
	}

	return one(tensor.Reduce(prod, []int{-1}, false, tensor.ReduceSum))
}

func vectorNorm(in []*tensor.Tensor, _ plan.Params) ([]*tensor.Tensor, error) {
	sq, err := tensor.Map(in[0], func(v float64) float64 { return v * v })
	if err != nil {
		return nil, err
	}

	sum, err := tensor.Reduce(sq, nil, false, tensor.ReduceSum)
	if err != nil {
		return nil, err
	}

	return one(tensor.Map(sum, math.Sqrt))
}

func gemm(in []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
	a, b := in[0], in[1]

	transA, err := params.Bool("trans_a", false)
	if err != nil {
		return nil, err
	}

	transB, err := params.Bool("trans_b", false)
	if err != nil {
		return nil, err
	}

	if transA {
		if a, err = a.Transpose(-1, -2); err != nil {
			return nil, err
		}
	}

	if transB {
		if b, err = b.Transpose(-1, -2); err != nil {
			return nil, err
		}
	}

	return one(tensor.MatMul(a, b))
}

func leakyRelu(in []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
	alpha, err := params.Float("alpha", 0.01)
	if err != nil {
		return nil, err
	}

	return one(tensor.Map(in[0], func(v float64) float64 {
		if v > 0 {
			return v
		}

		return alpha * v
	}))
}

func softmax(in []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
	axis, err := params.Int("axis", -1)
	if err != nil {
		return nil, err
	}

	return one(tensor.Softmax(in[0], int(axis)))
}

func layerNorm(in []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
	eps, err := params.Float("eps", 1e-5)
	if err != nil {
		return nil, err
	}

	var weight, bias *tensor.Tensor
	if len(in) > 1 {
		weight = in[1]
	}

	if len(in) > 2 {
		bias = in[2]
	}

	return one(tensor.LayerNorm(in[0], weight, bias, eps))
}

func broadcastTo(in []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
	shape, present, err := params.Ints("shape")
	if err != nil {
		return nil, err
	}

	if !present {
		return nil, errors.New("requires 'shape' attribute")
	}

	return one(tensor.BroadcastTo(in[0], shape))
}
