package tensor

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Encode serializes t as headerless little-endian element bytes, the layout
// numpy's tofile/fromfile use.
func Encode(t *Tensor) ([]byte, error) {
	if t == nil {
		return nil, errors.New("tensor: encode nil tensor")
	}

	size := t.dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("tensor: unsupported dtype %q", t.dtype)
	}

	raw := make([]byte, len(t.data)*size)

	if t.words != nil {
		for i, w := range t.words {
			binary.LittleEndian.PutUint64(raw[i*size:], w)
		}

		return raw, nil
	}

	for i, v := range t.data {
		putElem(raw[i*size:], t.dtype, v)
	}

	return raw, nil
}

// Decode parses raw element bytes into a tensor of the given dtype and shape.
func Decode(raw []byte, dtype DType, shape []int64) (*Tensor, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("tensor: unsupported dtype %q", dtype)
	}

	total, err := ShapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(raw) != total*size {
		return nil, fmt.Errorf(
			"tensor: %d bytes cannot hold shape %v of %s (need %d bytes)",
			len(raw), shape, dtype, total*size,
		)
	}

	data := make([]float64, total)
	for i := range data {
		data[i] = getElem(raw[i*size:], dtype)
	}

	t := newOwned(dtype, data, append([]int64(nil), shape...))

	if dtype == Int64 || dtype == Uint64 {
		t.words = make([]uint64, total)
		for i := range t.words {
			t.words[i] = binary.LittleEndian.Uint64(raw[i*size:])
		}
	}

	return t, nil
}

// ReadFile loads a raw tensor file and reshapes it to shape.
func ReadFile(path string, dtype DType, shape []int64) (*Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tensor: read %s: %w", path, err)
	}

	t, err := Decode(raw, dtype, shape)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}

	return t, nil
}

// WriteFile writes t as a raw tensor file, creating parent directories.
func WriteFile(path string, t *Tensor) error {
	raw, err := Encode(t)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("tensor: create directory for %s: %w", path, err)
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("tensor: write %s: %w", path, err)
	}

	return nil
}

// Digest returns the hex BLAKE3-256 hash of the tensor's raw encoding.
func Digest(t *Tensor) (string, error) {
	raw, err := Encode(t)
	if err != nil {
		return "", err
	}

	sum := blake3.Sum256(raw)

	return hex.EncodeToString(sum[:]), nil
}

func putElem(b []byte, dtype DType, v float64) {
	switch dtype {
	case Bool:
		if v != 0 {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case Int8:
		b[0] = byte(int8(v))
	case Uint8:
		b[0] = byte(uint8(v))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Float16:
		binary.LittleEndian.PutUint16(b, Float32ToFloat16(float32(v)))
	case BFloat16:
		binary.LittleEndian.PutUint16(b, Float32ToBFloat16(float32(v)))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case Uint64:
		u := uint64(math.MaxUint64)
		if v < math.MaxUint64 {
			u = uint64(v)
		}
		binary.LittleEndian.PutUint64(b, u)
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func getElem(b []byte, dtype DType) float64 {
	switch dtype {
	case Bool:
		if b[0] != 0 {
			return 1
		}
		return 0
	case Int8:
		return float64(int8(b[0]))
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Float16:
		return float64(Float16ToFloat32(binary.LittleEndian.Uint16(b)))
	case BFloat16:
		return float64(BFloat16ToFloat32(binary.LittleEndian.Uint16(b)))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}
