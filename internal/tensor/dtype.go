package tensor

import (
	"fmt"
	"strings"
)

// DType is the element encoding of a Buffer.
type DType uint8

const (
	F32 DType = iota + 1
	F16
	I32
)

// Size returns the element width in bytes.
func (dt DType) Size() int {
	switch dt {
	case F32, I32:
		return 4
	case F16:
		return 2
	default:
		return 0
	}
}

// IsFloat reports whether dt holds floating point activations.
func (dt DType) IsFloat() bool {
	return dt == F32 || dt == F16
}

func (dt DType) String() string {
	switch dt {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case I32:
		return "i32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(dt))
	}
}

// ParseDType accepts the names printed by DType.String plus the common
// long forms ("float32", "float16", "half").
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32", "float":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "i32", "int32":
		return I32, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q (expected f32 or f16)", s)
	}
}

func (dt DType) MarshalText() ([]byte, error) { return []byte(dt.String()), nil }
