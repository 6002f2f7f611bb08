package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Kernels in this file compute in float64 and return Float64 tensors; callers
// cast the result to the dtype a backend is expected to produce.

// Map applies fn element-wise.
func Map(x *Tensor, fn func(v float64) float64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: map on nil tensor")
	}

	out := make([]float64, len(x.data))
	for i, v := range x.data {
		out[i] = fn(v)
	}

	return newOwned(Float64, out, append([]int64(nil), x.shape...)), nil
}

// Broadcast applies fn element-wise with NumPy-style broadcasting.
func Broadcast(a, b *Tensor, fn func(x, y float64) float64, opName string) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", opName)
	}

	outShape, err := BroadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", opName, err)
	}

	total, err := ShapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	aPadShape := leftPadShape(a.shape, len(outShape))
	bPadShape := leftPadShape(b.shape, len(outShape))
	aPadStrides := computeStrides(aPadShape)
	bPadStrides := computeStrides(bPadShape)
	outStrides := computeStrides(outShape)
	coord := make([]int64, len(outShape))
	out := make([]float64, total)

	for i := range out {
		linearToCoord(int64(i), outShape, outStrides, coord)

		aOff := int64(0)
		bOff := int64(0)

		for d := range coord {
			ac := coord[d]
			if aPadShape[d] == 1 {
				ac = 0
			}

			bc := coord[d]
			if bPadShape[d] == 1 {
				bc = 0
			}

			aOff += ac * aPadStrides[d]
			bOff += bc * bPadStrides[d]
		}

		out[i] = fn(a.data[aOff], b.data[bOff])
	}

	return newOwned(Float64, out, outShape), nil
}

// BroadcastTo expands x to shape following broadcasting rules.
func BroadcastTo(x *Tensor, shape []int64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: broadcast_to on nil tensor")
	}

	got, err := BroadcastShape(x.shape, shape)
	if err != nil || !EqualShape(got, shape) {
		return nil, fmt.Errorf("tensor: cannot broadcast %v to %v", x.shape, shape)
	}

	target, err := Zeros(Float64, shape)
	if err != nil {
		return nil, err
	}

	return Broadcast(x, target, func(v, _ float64) float64 { return v }, "broadcast_to")
}

// BroadcastShape returns the broadcast result shape of a and b.
func BroadcastShape(a, b []int64) ([]int64, error) {
	outRank := max(len(a), len(b))

	out := make([]int64, outRank)
	for i := range outRank {
		ad := int64(1)
		if j := i - (outRank - len(a)); j >= 0 {
			ad = a[j]
		}

		bd := int64(1)
		if j := i - (outRank - len(b)); j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// MatMul performs batched matrix multiplication with broadcasting over batch
// dims. Rank-1 operands are promoted like numpy.matmul.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.Rank() == 0 || b.Rank() == 0 {
		return nil, errors.New("tensor: matmul does not accept scalars")
	}

	aShape := a.shape
	bShape := b.shape
	squeezeA := len(aShape) == 1
	squeezeB := len(bShape) == 1

	if squeezeA {
		aShape = []int64{1, aShape[0]}
	}

	if squeezeB {
		bShape = []int64{bShape[0], 1}
	}

	aRank := len(aShape)
	bRank := len(bShape)

	m := aShape[aRank-2]
	k := aShape[aRank-1]
	k2 := bShape[bRank-2]
	n := bShape[bRank-1]

	if k != k2 {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", a.shape, b.shape, k, k2)
	}

	batchShape, err := BroadcastShape(aShape[:aRank-2], bShape[:bRank-2])
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul batch broadcast: %w", err)
	}

	outShape := make([]int64, 0, len(batchShape)+2)
	outShape = append(outShape, batchShape...)
	outShape = append(outShape, m, n)

	total, err := ShapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	batchCount, err := ShapeElemCount(batchShape)
	if err != nil {
		return nil, err
	}

	aStrides := computeStrides(aShape)
	bStrides := computeStrides(bShape)
	outStrides := computeStrides(outShape)
	batchStrides := computeStrides(batchShape)
	batchCoords := make([]int64, len(batchShape))
	out := make([]float64, total)

	for batchIdx := range batchCount {
		linearToCoord(int64(batchIdx), batchShape, batchStrides, batchCoords)
		aBatchOffset := broadcastBatchOffset(batchCoords, aShape[:aRank-2], aStrides[:aRank-2])
		bBatchOffset := broadcastBatchOffset(batchCoords, bShape[:bRank-2], bStrides[:bRank-2])
		outBatchOffset := coordToLinear(batchCoords, outStrides[:len(batchShape)])

		for i := range m {
			for j := range n {
				var sum float64

				for kk := range k {
					aIdx := aBatchOffset + i*aStrides[aRank-2] + kk*aStrides[aRank-1]
					bIdx := bBatchOffset + kk*bStrides[bRank-2] + j*bStrides[bRank-1]
					sum += a.data[aIdx] * b.data[bIdx]
				}

				outIdx := outBatchOffset + i*outStrides[len(outShape)-2] + j*outStrides[len(outShape)-1]
				out[outIdx] = sum
			}
		}
	}

	switch {
	case squeezeA && squeezeB:
		outShape = outShape[:len(outShape)-2]
	case squeezeA:
		outShape = append(outShape[:len(outShape)-2], n)
	case squeezeB:
		outShape = outShape[:len(outShape)-1]
	}

	return newOwned(Float64, out, outShape), nil
}

// Softmax applies softmax along dim.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	axis := x.shape[dim]
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	inner, outer := splitAxis(x.shape, dim)
	out := append([]float64(nil), x.data...)

	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in
			maxV := math.Inf(-1)

			for k := range axis {
				maxV = math.Max(maxV, out[base+k*inner])
			}

			var sum float64

			for k := range axis {
				i := base + k*inner
				e := math.Exp(out[i] - maxV)
				out[i] = e
				sum += e
			}

			if sum == 0 {
				return nil, errors.New("tensor: softmax encountered zero normalization sum")
			}

			for k := range axis {
				out[base+k*inner] /= sum
			}
		}
	}

	return newOwned(Float64, out, append([]int64(nil), x.shape...)), nil
}

// LayerNorm normalizes the last dimension and applies optional weight/bias.
func LayerNorm(x, weight, bias *Tensor, eps float64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: layernorm input is nil")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: layernorm requires rank >= 1")
	}

	if eps <= 0 {
		return nil, errors.New("tensor: layernorm eps must be > 0")
	}

	d := x.shape[len(x.shape)-1]
	if d <= 0 {
		return nil, errors.New("tensor: layernorm last dimension must be > 0")
	}

	if weight != nil && (weight.Rank() != 1 || weight.shape[0] != d) {
		return nil, fmt.Errorf("tensor: layernorm weight shape %v does not match last dimension %d", weight.shape, d)
	}

	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != d) {
		return nil, fmt.Errorf("tensor: layernorm bias shape %v does not match last dimension %d", bias.shape, d)
	}

	out := append([]float64(nil), x.data...)
	dd := int(d)

	for o := range len(out) / dd {
		slice := out[o*dd : o*dd+dd]

		var mean float64
		for _, v := range slice {
			mean += v
		}

		mean /= float64(dd)

		var variance float64

		for _, v := range slice {
			delta := v - mean
			variance += delta * delta
		}

		variance /= float64(dd)

		invStd := 1.0 / math.Sqrt(variance+eps)
		for i := range dd {
			n := (slice[i] - mean) * invStd
			if weight != nil {
				n *= weight.data[i]
			}

			if bias != nil {
				n += bias.data[i]
			}

			slice[i] = n
		}
	}

	return newOwned(Float64, out, append([]int64(nil), x.shape...)), nil
}

// ReduceOp selects the accumulation used by Reduce.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMax
)

// Reduce folds the given axes (all axes when empty) with op.
func Reduce(x *Tensor, axes []int, keepDims bool, op ReduceOp) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: reduce on nil tensor")
	}

	rank := len(x.shape)
	reduced := make([]bool, rank)

	if len(axes) == 0 {
		for i := range reduced {
			reduced[i] = true
		}
	}

	for _, a := range axes {
		d, err := normalizeDim(a, rank)
		if err != nil {
			return nil, fmt.Errorf("tensor: reduce: %w", err)
		}

		reduced[d] = true
	}

	keptShape := make([]int64, rank)
	for i, dim := range x.shape {
		keptShape[i] = dim
		if reduced[i] {
			keptShape[i] = 1
		}
	}

	total, err := ShapeElemCount(keptShape)
	if err != nil {
		return nil, err
	}

	acc := make([]float64, total)
	counts := make([]int, total)

	if op == ReduceMax {
		for i := range acc {
			acc[i] = math.Inf(-1)
		}
	}

	srcStrides := computeStrides(x.shape)
	keptStrides := computeStrides(keptShape)
	coord := make([]int64, rank)

	for i, v := range x.data {
		linearToCoord(int64(i), x.shape, srcStrides, coord)

		for d := range coord {
			if reduced[d] {
				coord[d] = 0
			}
		}

		j := coordToLinear(coord, keptStrides)

		switch op {
		case ReduceMax:
			acc[j] = math.Max(acc[j], v)
		default:
			acc[j] += v
		}

		counts[j]++
	}

	if op == ReduceMean {
		for i := range acc {
			if counts[i] > 0 {
				acc[i] /= float64(counts[i])
			} else {
				acc[i] = math.NaN()
			}
		}
	}

	outShape := keptShape
	if !keepDims {
		outShape = make([]int64, 0, rank)
		for i, dim := range x.shape {
			if !reduced[i] {
				outShape = append(outShape, dim)
			}
		}
	}

	return newOwned(Float64, acc, outShape), nil
}

// PoolMode selects the window statistic used by Pool2D.
type PoolMode int

const (
	PoolMax PoolMode = iota
	PoolAvg
)

// Pool2D pools an NCHW (or CHW) tensor. padding is (top, bottom, left,
// right); padded cells hold zero and take part in both modes.
func Pool2D(x *Tensor, kernel, stride [2]int64, padding [4]int64, mode PoolMode) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: pool2d on nil tensor")
	}

	if x.Rank() != 3 && x.Rank() != 4 {
		return nil, fmt.Errorf("tensor: pool2d expects rank 3 or 4 input, got shape %v", x.shape)
	}

	if kernel[0] <= 0 || kernel[1] <= 0 || stride[0] <= 0 || stride[1] <= 0 {
		return nil, fmt.Errorf("tensor: pool2d kernel %v and stride %v must be positive", kernel, stride)
	}

	for _, p := range padding {
		if p < 0 {
			return nil, fmt.Errorf("tensor: pool2d padding %v must be non-negative", padding)
		}
	}

	rank := x.Rank()
	h := x.shape[rank-2]
	w := x.shape[rank-1]
	outH := (h+padding[0]+padding[1]-kernel[0])/stride[0] + 1
	outW := (w+padding[2]+padding[3]-kernel[1])/stride[1] + 1

	if h+padding[0]+padding[1] < kernel[0] || w+padding[2]+padding[3] < kernel[1] || outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("tensor: pool2d window %v does not fit input %v", kernel, x.shape)
	}

	if h == 0 || w == 0 {
		return nil, fmt.Errorf("tensor: pool2d on empty spatial dims %v", x.shape)
	}

	planes := int64(len(x.data)) / (h * w)
	outShape := append(append([]int64(nil), x.shape[:rank-2]...), outH, outW)
	out := make([]float64, planes*outH*outW)
	window := float64(kernel[0] * kernel[1])

	for p := range planes {
		src := x.data[p*h*w : (p+1)*h*w]
		dst := out[p*outH*outW : (p+1)*outH*outW]

		for oy := range outH {
			for ox := range outW {
				acc := 0.0
				if mode == PoolMax {
					acc = math.Inf(-1)
				}

				for ky := range kernel[0] {
					iy := oy*stride[0] + ky - padding[0]

					for kx := range kernel[1] {
						ix := ox*stride[1] + kx - padding[2]

						v := 0.0
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							v = src[iy*w+ix]
						}

						if mode == PoolMax {
							acc = math.Max(acc, v)
						} else {
							acc += v
						}
					}
				}

				if mode == PoolAvg {
					acc /= window
				}

				dst[oy*outW+ox] = acc
			}
		}
	}

	return newOwned(Float64, out, outShape), nil
}

func splitAxis(shape []int64, dim int) (inner, outer int64) {
	inner = 1
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	outer = 1
	for i := range dim {
		outer *= shape[i]
	}

	return inner, outer
}

func leftPadShape(shape []int64, rank int) []int64 {
	if len(shape) == rank {
		return append([]int64(nil), shape...)
	}

	out := make([]int64, rank)

	pad := rank - len(shape)
	for i := range pad {
		out[i] = 1
	}

	copy(out[pad:], shape)

	return out
}

func broadcastBatchOffset(batchCoords, srcBatchShape, srcBatchStrides []int64) int64 {
	if len(srcBatchShape) == 0 {
		return 0
	}

	pad := len(batchCoords) - len(srcBatchShape)
	var off int64

	for i := range srcBatchShape {
		coord := batchCoords[pad+i]
		if srcBatchShape[i] == 1 {
			coord = 0
		}

		off += coord * srcBatchStrides[i]
	}

	return off
}
