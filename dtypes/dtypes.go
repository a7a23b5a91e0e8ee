// Package dtypes defines the element kinds of device tensors moved by the collective operations,
// and their sizes in bytes.
package dtypes

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DType is the element kind of a tensor.
//
// The numbering follows the PJRT/XLA primitive types, so a DType can be passed along to runtimes that use
// the same enumeration.
type DType int32

const (
	INVALID DType = 0
	PRED    DType = 1
	S8      DType = 2
	S16     DType = 3
	S32     DType = 4
	S64     DType = 5
	U8      DType = 6
	F16     DType = 10
	F32     DType = 11
	F64     DType = 12
	BF16    DType = 16
)

// Aliases to the dtypes above, with the names commonly used in Go.
const (
	// Invalid (an alias for INVALID) represents an invalid (or not set) dtype.
	Invalid = INVALID

	// Bool (an alias for PRED) is stored as one byte per element.
	Bool = PRED

	Int8  = S8
	Int16 = S16
	Int32 = S32
	Int64 = S64
	Uint8 = U8

	Float16  = F16
	Float32  = F32
	Float64  = F64
	BFloat16 = BF16
)

var dtypeNames = map[DType]string{
	INVALID: "Invalid",
	PRED:    "Bool",
	S8:      "Int8",
	S16:     "Int16",
	S32:     "Int32",
	S64:     "Int64",
	U8:      "Uint8",
	F16:     "Float16",
	F32:     "Float32",
	F64:     "Float64",
	BF16:    "BFloat16",
}

// dtypeSizes is the dtype-size lookup table. Kinds not listed have size 0 (unknown).
var dtypeSizes = map[DType]int{
	F64:  8,
	S64:  8,
	F32:  4,
	S32:  4,
	F16:  2,
	BF16: 2,
	S16:  2,
	S8:   1,
	U8:   1,
	PRED: 1,
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// Size returns the number of bytes of one element, or 0 if the dtype is not known.
func (dtype DType) Size() int {
	return dtypeSizes[dtype]
}

// IsKnown returns whether the dtype has an entry in the size table.
func (dtype DType) IsKnown() bool {
	return dtype.Size() > 0
}

// IsFloat returns whether the dtype is a floating point kind.
func (dtype DType) IsFloat() bool {
	switch dtype {
	case F16, BF16, F32, F64:
		return true
	}
	return false
}

// SizeForDimensions returns the number of bytes of a tensor with the given dimensions.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// MapOfNames maps the names of the dtypes (and a few common aliases, in upper or lower case) to the DType.
var MapOfNames = func() map[string]DType {
	m := make(map[string]DType)
	add := func(dtype DType, names ...string) {
		for _, name := range names {
			m[name] = dtype
			m[strings.ToLower(name)] = dtype
		}
	}
	for dtype, name := range dtypeNames {
		add(dtype, name, dtype.shortName())
	}
	return m
}()

func (dtype DType) shortName() string {
	switch dtype {
	case PRED:
		return "PRED"
	case S8:
		return "S8"
	case S16:
		return "S16"
	case S32:
		return "S32"
	case S64:
		return "S64"
	case U8:
		return "U8"
	case F16:
		return "F16"
	case F32:
		return "F32"
	case F64:
		return "F64"
	case BF16:
		return "BF16"
	}
	return "INVALID"
}

// Supported lists the Go types that have a corresponding DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | float16.Float16 | bfloat16.BFloat16 | float32 | float64
}

// FromGenerics returns the DType of the Go type T.
func FromGenerics[T Supported]() DType {
	var t T
	return FromAny(t)
}

// FromAny returns the DType of the Go value, or Invalid if it is not one of the Supported types.
func FromAny(value any) DType {
	switch value.(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return Invalid
}
