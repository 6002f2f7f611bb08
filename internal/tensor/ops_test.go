package tensor

import (
	"math"
	"testing"
)

func TestBroadcastAddRowVector(t *testing.T) {
	a := mustNew(t, Float32, []float64{1, 2, 3, 4, 5, 6}, []int64{2, 3})
	b := mustNew(t, Float32, []float64{10, 20, 30}, []int64{3})

	out, err := Broadcast(a, b, func(x, y float64) float64 { return x + y }, "add")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if !EqualShape(out.Shape(), []int64{2, 3}) {
		t.Fatalf("shape = %v", out.Shape())
	}

	assertClose(t, out.Data(), []float64{11, 22, 33, 14, 25, 36}, 0)

	if out.DType() != Float64 {
		t.Fatalf("dtype = %s, want float64", out.DType())
	}
}

func TestBroadcastShapeErrors(t *testing.T) {
	if _, err := BroadcastShape([]int64{2, 3}, []int64{4}); err == nil {
		t.Fatal("expected incompatible shapes error")
	}

	got, err := BroadcastShape([]int64{4, 1, 3}, []int64{2, 1})
	if err != nil {
		t.Fatalf("BroadcastShape: %v", err)
	}

	if !EqualShape(got, []int64{4, 2, 3}) {
		t.Fatalf("shape = %v, want [4 2 3]", got)
	}
}

func TestBroadcastTo(t *testing.T) {
	x := mustNew(t, Float32, []float64{1, 2}, []int64{2, 1})

	out, err := BroadcastTo(x, []int64{2, 3})
	if err != nil {
		t.Fatalf("BroadcastTo: %v", err)
	}

	assertClose(t, out.Data(), []float64{1, 1, 1, 2, 2, 2}, 0)

	if _, err := BroadcastTo(x, []int64{3}); err == nil {
		t.Fatal("expected broadcast_to error for incompatible target")
	}
}

func TestMatMulBatchedAndVector(t *testing.T) {
	a := mustNew(t, Float32, []float64{1, 2, 3, 4}, []int64{2, 2})
	b := mustNew(t, Float32, []float64{5, 6, 7, 8}, []int64{2, 2})

	out, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}

	assertClose(t, out.Data(), []float64{19, 22, 43, 50}, 0)

	v := mustNew(t, Float32, []float64{1, 1}, []int64{2})

	mv, err := MatMul(a, v)
	if err != nil {
		t.Fatalf("MatMul vec: %v", err)
	}

	if !EqualShape(mv.Shape(), []int64{2}) {
		t.Fatalf("matrix-vector shape = %v", mv.Shape())
	}

	assertClose(t, mv.Data(), []float64{3, 7}, 0)

	batched := mustNew(t, Float32, []float64{1, 0, 0, 1, 2, 0, 0, 2}, []int64{2, 2, 2})

	bo, err := MatMul(batched, b)
	if err != nil {
		t.Fatalf("MatMul batched: %v", err)
	}

	assertClose(t, bo.Data(), []float64{5, 6, 7, 8, 10, 12, 14, 16}, 0)

	if _, err := MatMul(a, mustNew(t, Float32, []float64{1, 2, 3}, []int64{3, 1})); err == nil {
		t.Fatal("expected K mismatch error")
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := mustNew(t, Float32, []float64{1, 2, 3, 1000, 1000, 1000}, []int64{2, 3})

	out, err := Softmax(x, -1)
	if err != nil {
		t.Fatalf("Softmax: %v", err)
	}

	d := out.Data()
	for row := range 2 {
		sum := d[row*3] + d[row*3+1] + d[row*3+2]
		if math.Abs(sum-1) > 1e-12 {
			t.Fatalf("row %d sums to %v", row, sum)
		}
	}

	assertClose(t, d[3:], []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, 1e-12)

	col, err := Softmax(x, 0)
	if err != nil {
		t.Fatalf("Softmax dim 0: %v", err)
	}

	if math.Abs(col.Data()[0]+col.Data()[3]-1) > 1e-12 {
		t.Fatal("column softmax does not normalize")
	}
}

func TestLayerNorm(t *testing.T) {
	x := mustNew(t, Float32, []float64{1, 2, 3, 4}, []int64{1, 4})

	out, err := LayerNorm(x, nil, nil, 1e-5)
	if err != nil {
		t.Fatalf("LayerNorm: %v", err)
	}

	var mean float64
	for _, v := range out.Data() {
		mean += v
	}

	if math.Abs(mean) > 1e-9 {
		t.Fatalf("normalized mean = %v", mean)
	}

	w := mustNew(t, Float32, []float64{1, 1, 1}, []int64{3})
	if _, err := LayerNorm(x, w, nil, 1e-5); err == nil {
		t.Fatal("expected weight shape mismatch error")
	}
}

func TestReduce(t *testing.T) {
	x := mustNew(t, Float32, []float64{1, 2, 3, 4, 5, 6}, []int64{2, 3})

	sum, err := Reduce(x, []int{1}, false, ReduceSum)
	if err != nil {
		t.Fatalf("Reduce sum: %v", err)
	}

	if !EqualShape(sum.Shape(), []int64{2}) {
		t.Fatalf("shape = %v", sum.Shape())
	}

	assertClose(t, sum.Data(), []float64{6, 15}, 0)

	mean, err := Reduce(x, []int{0}, true, ReduceMean)
	if err != nil {
		t.Fatalf("Reduce mean: %v", err)
	}

	if !EqualShape(mean.Shape(), []int64{1, 3}) {
		t.Fatalf("shape = %v", mean.Shape())
	}

	assertClose(t, mean.Data(), []float64{2.5, 3.5, 4.5}, 0)

	all, err := Reduce(x, nil, false, ReduceMax)
	if err != nil {
		t.Fatalf("Reduce max: %v", err)
	}

	if all.Rank() != 0 || all.Data()[0] != 6 {
		t.Fatalf("max over all = %v shape %v", all.Data(), all.Shape())
	}
}

func TestPool2D(t *testing.T) {
	x := mustNew(t, Float32, []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, []int64{1, 1, 4, 4})

	mx, err := Pool2D(x, [2]int64{2, 2}, [2]int64{2, 2}, [4]int64{}, PoolMax)
	if err != nil {
		t.Fatalf("Pool2D max: %v", err)
	}

	if !EqualShape(mx.Shape(), []int64{1, 1, 2, 2}) {
		t.Fatalf("shape = %v", mx.Shape())
	}

	assertClose(t, mx.Data(), []float64{6, 8, 14, 16}, 0)

	avg, err := Pool2D(x, [2]int64{2, 2}, [2]int64{2, 2}, [4]int64{}, PoolAvg)
	if err != nil {
		t.Fatalf("Pool2D avg: %v", err)
	}

	assertClose(t, avg.Data(), []float64{3.5, 5.5, 11.5, 13.5}, 0)

	if _, err := Pool2D(x, [2]int64{5, 5}, [2]int64{1, 1}, [4]int64{}, PoolMax); err == nil {
		t.Fatal("expected window-too-large error")
	}

	neg := mustNew(t, Float32, []float64{-1, -2, -3, -4}, []int64{1, 2, 2})

	padded, err := Pool2D(neg, [2]int64{2, 2}, [2]int64{2, 2}, [4]int64{1, 1, 1, 1}, PoolMax)
	if err != nil {
		t.Fatalf("Pool2D padded: %v", err)
	}

	if !EqualShape(padded.Shape(), []int64{1, 2, 2}) {
		t.Fatalf("padded shape = %v", padded.Shape())
	}

	// Each window overlaps the zero border.
	assertClose(t, padded.Data(), []float64{0, 0, 0, 0}, 0)

	avgPadded, err := Pool2D(neg, [2]int64{2, 2}, [2]int64{2, 2}, [4]int64{1, 1, 1, 1}, PoolAvg)
	if err != nil {
		t.Fatalf("Pool2D avg padded: %v", err)
	}

	assertClose(t, avgPadded.Data(), []float64{-0.25, -0.5, -0.75, -1}, 1e-12)
}
