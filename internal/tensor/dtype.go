package tensor

import (
	"fmt"
	"math"
	"strings"
)

// DType names the element type of a tensor file.
type DType string

const (
	Bool     DType = "bool"
	Int8     DType = "int8"
	Int16    DType = "int16"
	Int32    DType = "int32"
	Int64    DType = "int64"
	Uint8    DType = "uint8"
	Uint16   DType = "uint16"
	Uint32   DType = "uint32"
	Uint64   DType = "uint64"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
	Float32  DType = "float32"
	Float64  DType = "float64"
)

// DefaultDType is used when neither a plan nor an assertion names one.
const DefaultDType = Float32

var dtypeAliases = map[string]DType{
	"bool":     Bool,
	"int8":     Int8,
	"i8":       Int8,
	"int16":    Int16,
	"i16":      Int16,
	"short":    Int16,
	"int32":    Int32,
	"i32":      Int32,
	"int":      Int32,
	"int64":    Int64,
	"i64":      Int64,
	"long":     Int64,
	"uint8":    Uint8,
	"u8":       Uint8,
	"uint16":   Uint16,
	"u16":      Uint16,
	"uint32":   Uint32,
	"u32":      Uint32,
	"uint64":   Uint64,
	"u64":      Uint64,
	"float16":  Float16,
	"fp16":     Float16,
	"f16":      Float16,
	"half":     Float16,
	"bfloat16": BFloat16,
	"bf16":     BFloat16,
	"float32":  Float32,
	"fp32":     Float32,
	"f32":      Float32,
	"float":    Float32,
	"float64":  Float64,
	"fp64":     Float64,
	"f64":      Float64,
	"double":   Float64,
}

// ParseDType resolves a dtype name or common alias.
func ParseDType(raw string) (DType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "np.")
	normalized = strings.TrimPrefix(normalized, "numpy.")
	if d, ok := dtypeAliases[normalized]; ok {
		return d, nil
	}
	return "", fmt.Errorf("tensor: unsupported dtype %q", raw)
}

// MustParseDType is ParseDType for constants known to be valid.
func MustParseDType(raw string) DType {
	d, err := ParseDType(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Size returns the encoded width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16, BFloat16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

func (d DType) IsFloat() bool {
	switch d {
	case Float16, BFloat16, Float32, Float64:
		return true
	default:
		return false
	}
}

func (d DType) IsInteger() bool {
	switch d {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64:
		return true
	default:
		return false
	}
}

func (d DType) String() string { return string(d) }

// Cast rounds v to the nearest value representable in d. Integer casts
// truncate toward zero and wrap, matching a C-style conversion.
func (d DType) Cast(v float64) float64 {
	switch d {
	case Float64:
		return v
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(Float16ToFloat32(Float32ToFloat16(float32(v))))
	case BFloat16:
		return float64(BFloat16ToFloat32(Float32ToBFloat16(float32(v))))
	case Bool:
		if v != 0 && !math.IsNaN(v) {
			return 1
		}
		return 0
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	i := int64(math.Trunc(v))
	switch d {
	case Int8:
		return float64(int8(i))
	case Int16:
		return float64(int16(i))
	case Int32:
		return float64(int32(i))
	case Int64:
		return float64(i)
	case Uint8:
		return float64(uint8(i))
	case Uint16:
		return float64(uint16(i))
	case Uint32:
		return float64(uint32(i))
	case Uint64:
		if v >= 0 {
			return float64(uint64(math.Trunc(v)))
		}
		return float64(uint64(i))
	default:
		return v
	}
}
