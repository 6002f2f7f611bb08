// Package tensor holds the dense tensors exchanged with backends: a dtype,
// a row-major shape and float64 element storage. float64 holds integers
// exactly up to 2^53; int64 and uint64 tensors decoded from bytes also keep
// their exact element words, so file round trips and comparisons of decoded
// tensors are lossless. Values computed in float64 are not.
package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Tensor is a dense, row-major tensor. Element values are always
// representable in the tensor's dtype.
type Tensor struct {
	dtype DType
	shape []int64
	data  []float64
	// words holds the exact elements of a decoded int64/uint64 tensor.
	words []uint64
}

// New creates a tensor from data and shape, rounding every element to dtype.
func New(dtype DType, data []float64, shape []int64) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("tensor: unsupported dtype %q", dtype)
	}

	total, err := ShapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	d := make([]float64, len(data))
	for i, v := range data {
		d[i] = dtype.Cast(v)
	}

	return &Tensor{dtype: dtype, shape: append([]int64(nil), shape...), data: d}, nil
}

// newOwned creates a Tensor taking ownership of data and shape without
// copying or casting. The caller guarantees the element count and values.
func newOwned(dtype DType, data []float64, shape []int64) *Tensor {
	return &Tensor{dtype: dtype, shape: shape, data: data}
}

// Zeros creates a zero-initialized tensor.
func Zeros(dtype DType, shape []int64) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("tensor: unsupported dtype %q", dtype)
	}

	total, err := ShapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
		data:  make([]float64, total),
	}, nil
}

// Full creates a tensor filled with value.
func Full(dtype DType, shape []int64, value float64) (*Tensor, error) {
	t, err := Zeros(dtype, shape)
	if err != nil {
		return nil, err
	}

	v := dtype.Cast(value)
	for i := range t.data {
		t.data[i] = v
	}

	return t, nil
}

func (t *Tensor) DType() DType {
	if t == nil {
		return ""
	}

	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Data returns a copy of the element values.
func (t *Tensor) Data() []float64 {
	if t == nil {
		return nil
	}

	return append([]float64(nil), t.data...)
}

// Words64 returns the exact element words of an int64 or uint64 tensor
// decoded from bytes. The slice is read-only.
func (t *Tensor) Words64() ([]uint64, bool) {
	if t == nil || t.words == nil {
		return nil, false
	}

	return t.words, true
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float64 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return &Tensor{
		dtype: t.dtype,
		shape: append([]int64(nil), t.shape...),
		data:  append([]float64(nil), t.data...),
		words: cloneWords(t.words),
	}
}

func cloneWords(w []uint64) []uint64 {
	if w == nil {
		return nil
	}

	return append([]uint64(nil), w...)
}

// Cast returns a copy converted to dtype.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: cast on nil tensor")
	}

	return New(dtype, t.data, t.shape)
}

// Reshape returns a copy with a new shape and the same element count.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := ShapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return &Tensor{
		dtype: t.dtype,
		shape: append([]int64(nil), shape...),
		data:  append([]float64(nil), t.data...),
		words: cloneWords(t.words),
	}, nil
}

// Coord converts a linear element index to a multi-dimensional coordinate.
func (t *Tensor) Coord(linear int) []int64 {
	if t == nil || len(t.shape) == 0 {
		return []int64{}
	}

	out := make([]int64, len(t.shape))
	linearToCoord(int64(linear), t.shape, computeStrides(t.shape), out)

	return out
}

// At returns the element at coord.
func (t *Tensor) At(coord ...int64) (float64, error) {
	if t == nil {
		return 0, errors.New("tensor: at on nil tensor")
	}

	if len(coord) != len(t.shape) {
		return 0, fmt.Errorf("tensor: coordinate %v has rank %d, tensor rank is %d", coord, len(coord), len(t.shape))
	}

	for i, c := range coord {
		if c < 0 || c >= t.shape[i] {
			return 0, fmt.Errorf("tensor: coordinate %v out of range for shape %v", coord, t.shape)
		}
	}

	return t.data[coordToLinear(coord, computeStrides(t.shape))], nil
}

// Transpose swaps dim1 and dim2.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	if d1 == d2 {
		return t.Clone(), nil
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	out, err := Zeros(t.dtype, outShape)
	if err != nil {
		return nil, err
	}

	srcStrides := computeStrides(t.shape)
	outStrides := computeStrides(outShape)
	outCoord := make([]int64, rank)
	srcCoord := make([]int64, rank)

	for i := range out.data {
		linearToCoord(int64(i), outShape, outStrides, outCoord)
		copy(srcCoord, outCoord)
		srcCoord[d1], srcCoord[d2] = outCoord[d2], outCoord[d1]
		out.data[i] = t.data[coordToLinear(srcCoord, srcStrides)]
	}

	return out, nil
}

// EqualShape reports whether two shapes are identical.
func EqualShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// ShapeElemCount returns the number of elements described by shape. A
// rank-0 shape holds one element.
func ShapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("tensor: shape %v overflows element count", shape)
		}

		total *= d
	}

	if total > int64(math.MaxInt) {
		return 0, fmt.Errorf("tensor: shape %v exceeds platform int size", shape)
	}

	return int(total), nil
}

func normalizeDim(dim, rank int) (int, error) {
	if rank < 0 {
		return 0, fmt.Errorf("invalid rank %d", rank)
	}

	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

func computeStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))

	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return strides
}

func linearToCoord(linear int64, shape, strides, out []int64) {
	for i := range shape {
		if shape[i] == 0 {
			out[i] = 0
			continue
		}

		out[i] = (linear / strides[i]) % shape[i]
	}
}

func coordToLinear(coord, strides []int64) int64 {
	var off int64
	for i, c := range coord {
		off += c * strides[i]
	}

	return off
}
