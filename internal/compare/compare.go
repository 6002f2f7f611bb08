// Package compare judges actual output tensors against expected ones within
// a numeric tolerance and reports per-tensor mismatch diagnostics.
package compare

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/go-optest/internal/tensor"
)

// Metric names accepted by assertions.
const (
	MetricMaxAbs  = "max_abs"
	MetricMeanAbs = "mean_abs"
	MetricMaxRel  = "max_rel"
)

// relFloor keeps relative error finite for expected values at zero.
const relFloor = 1e-12

// Tolerance is |actual-expected| <= Abs + Rel*|expected|.
type Tolerance struct {
	Abs float64
	Rel float64
}

// TensorResult is the comparison record for one output slot.
type TensorResult struct {
	Index      int
	Passed     bool
	MaxAbs     float64
	MaxRel     float64
	MeanAbs    float64
	Mismatched int
	Total      int
	// Coord, Actual and Expected describe the worst mismatched element.
	Coord    []int64
	Actual   float64
	Expected float64
	// Detail is set for structural failures such as a shape mismatch.
	Detail string
}

type Result struct {
	Passed  bool
	Message string
	Tensors []TensorResult
}

// Outputs compares aligned actual and expected tensors. It is pure: the
// record for pair i depends only on actual[i] and expected[i].
func Outputs(actual, expected []*tensor.Tensor, tol Tolerance) Result {
	if len(actual) != len(expected) {
		return Result{
			Message: fmt.Sprintf("output arity mismatch: got %d tensors, expected %d", len(actual), len(expected)),
		}
	}

	res := Result{Passed: true, Tensors: make([]TensorResult, 0, len(actual))}

	for i := range actual {
		tr := Tensors(actual[i], expected[i], tol)
		tr.Index = i
		res.Tensors = append(res.Tensors, tr)

		if !tr.Passed {
			res.Passed = false
		}
	}

	return res
}

// Tensors compares one pair.
func Tensors(actual, expected *tensor.Tensor, tol Tolerance) TensorResult {
	if !tensor.EqualShape(actual.Shape(), expected.Shape()) {
		n := actual.ElemCount()

		return TensorResult{
			MaxAbs:     math.Inf(1),
			MaxRel:     math.Inf(1),
			MeanAbs:    math.Inf(1),
			Mismatched: n,
			Total:      n,
			Detail:     fmt.Sprintf("shape mismatch %v vs %v", actual.Shape(), expected.Shape()),
		}
	}

	a, e := actual.RawData(), expected.RawData()
	tr := TensorResult{Total: len(a)}
	worst := -1
	worstDiff := math.Inf(-1)

	// Decoded 64-bit integers compare on their exact words; float64
	// storage cannot tell apart values beyond 2^53.
	aw, aExact := actual.Words64()
	ew, eExact := expected.Words64()
	exact := aExact && eExact && actual.DType() == expected.DType()

	var sumAbs float64

	for i := range a {
		var (
			diff float64
			ok   bool
		)

		if exact {
			diff = wordDiff(actual.DType(), aw[i], ew[i])
			ok = diff <= tol.Abs+tol.Rel*math.Abs(e[i])
		} else {
			diff = absDiff(a[i], e[i])
			ok = isClose(a[i], e[i], tol)
		}

		sumAbs += diff
		tr.MaxAbs = math.Max(tr.MaxAbs, diff)
		tr.MaxRel = math.Max(tr.MaxRel, diff/math.Max(math.Abs(e[i]), relFloor))

		if ok {
			continue
		}

		tr.Mismatched++

		if diff > worstDiff {
			worst, worstDiff = i, diff
		}
	}

	if len(a) > 0 {
		tr.MeanAbs = sumAbs / float64(len(a))
	}

	tr.Passed = tr.Mismatched == 0

	if worst >= 0 {
		tr.Coord = actual.Coord(worst)
		tr.Actual = a[worst]
		tr.Expected = e[worst]
	}

	return tr
}

func isClose(a, e float64, tol Tolerance) bool {
	switch {
	case math.IsNaN(a) || math.IsNaN(e):
		return math.IsNaN(a) && math.IsNaN(e)
	case math.IsInf(a, 0) || math.IsInf(e, 0):
		return a == e
	default:
		return math.Abs(a-e) <= tol.Abs+tol.Rel*math.Abs(e)
	}
}

// wordDiff is |a-e| for int64 or uint64 element words, computed in integer
// arithmetic before the final conversion.
func wordDiff(dtype tensor.DType, a, e uint64) float64 {
	if a == e {
		return 0
	}

	if dtype == tensor.Int64 {
		if int64(a) < int64(e) {
			a, e = e, a
		}
	} else if a < e {
		a, e = e, a
	}

	return float64(a - e)
}

// absDiff is |a-e| with matching NaNs and infinities counted as equal and
// any other non-finite disagreement as +Inf.
func absDiff(a, e float64) float64 {
	switch {
	case math.IsNaN(a) && math.IsNaN(e):
		return 0
	case math.IsNaN(a) || math.IsNaN(e):
		return math.Inf(1)
	case a == e:
		return 0
	default:
		return math.Abs(a - e)
	}
}

// Summary is the per-unit detail line; empty when everything passed.
func (r Result) Summary() string {
	if r.Message != "" {
		return r.Message
	}

	var parts []string

	for _, tr := range r.Tensors {
		if tr.Passed {
			continue
		}

		if tr.Detail != "" {
			parts = append(parts, fmt.Sprintf("output%d %s", tr.Index, tr.Detail))
			continue
		}

		parts = append(parts, fmt.Sprintf(
			"output%d mismatch: %d/%d elements out of tolerance (max_abs=%s, max_rel=%s) at %v: actual=%s expected=%s",
			tr.Index, tr.Mismatched, tr.Total, formatFloat(tr.MaxAbs), formatFloat(tr.MaxRel),
			tr.Coord, formatFloat(tr.Actual), formatFloat(tr.Expected),
		))
	}

	return strings.Join(parts, "; ")
}

// Metrics flattens the per-tensor statistics and records the worst value of
// metric as metric_value. Non-finite values are rendered as strings so the
// map stays JSON-encodable.
func (r Result) Metrics(metric string) map[string]any {
	if metric == "" {
		metric = MetricMaxAbs
	}

	m := map[string]any{"metric": metric, "metric_value": jsonFloat(r.Score(metric))}

	for _, tr := range r.Tensors {
		prefix := "output" + strconv.Itoa(tr.Index) + "_"
		m[prefix+"max_abs"] = jsonFloat(tr.MaxAbs)
		m[prefix+"max_rel"] = jsonFloat(tr.MaxRel)
		m[prefix+"mean_abs"] = jsonFloat(tr.MeanAbs)
		m[prefix+"mismatched"] = tr.Mismatched
	}

	return m
}

// Score returns the worst value of metric across tensors.
func (r Result) Score(metric string) float64 {
	var worst float64

	for _, tr := range r.Tensors {
		switch metric {
		case MetricMeanAbs:
			worst = math.Max(worst, tr.MeanAbs)
		case MetricMaxRel:
			worst = math.Max(worst, tr.MaxRel)
		default:
			worst = math.Max(worst, tr.MaxAbs)
		}
	}

	return worst
}

func jsonFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return formatFloat(v)
	}

	return v
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}
