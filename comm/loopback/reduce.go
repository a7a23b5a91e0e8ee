package loopback

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/jitcomm/comm"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~float32 | ~float64
}

// codec reads and writes one little-endian element.
type codec[T number] struct {
	size int
	get  func([]byte) T
	put  func([]byte, T)
}

var (
	int8Codec  = codec[int8]{1, func(b []byte) int8 { return int8(b[0]) }, func(b []byte, v int8) { b[0] = byte(v) }}
	uint8Codec = codec[uint8]{1, func(b []byte) uint8 { return b[0] }, func(b []byte, v uint8) { b[0] = v }}
	int16Codec = codec[int16]{2,
		func(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) },
		func(b []byte, v int16) { binary.LittleEndian.PutUint16(b, uint16(v)) }}
	int32Codec = codec[int32]{4,
		func(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) },
		func(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) }}
	int64Codec = codec[int64]{8,
		func(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) },
		func(b []byte, v int64) { binary.LittleEndian.PutUint64(b, uint64(v)) }}
	float32Codec = codec[float32]{4,
		func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) },
		func(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }}
	float64Codec = codec[float64]{8,
		func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) },
		func(b []byte, v float64) { binary.LittleEndian.PutUint64(b, math.Float64bits(v)) }}

	// Half precision values are reduced in float32.
	float16Codec = codec[float32]{2,
		func(b []byte) float32 { return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32() },
		func(b []byte, v float32) { binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits()) }}
	bfloat16Codec = codec[float32]{2,
		func(b []byte) float32 { return bfloat16.BFloat16(binary.LittleEndian.Uint16(b)).Float32() },
		func(b []byte, v float32) { binary.LittleEndian.PutUint16(b, uint16(bfloat16.FromFloat32(v))) }}
)

func checkReduction(dtype dtypes.DType, op comm.ReduceOp) error {
	switch op {
	case comm.Sum, comm.Prod, comm.Max, comm.Min:
	default:
		return errors.Errorf("reduction %s not supported", op)
	}
	switch dtype {
	case dtypes.Int8, dtypes.Uint8, dtypes.Bool, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return nil
	}
	return errors.Errorf("reduction of dtype %s not supported", dtype)
}

// reduce accumulates src into acc, element by element.
func reduce(acc, src []byte, dtype dtypes.DType, op comm.ReduceOp) error {
	switch dtype {
	case dtypes.Int8:
		reduceWith(acc, src, int8Codec, op)
	case dtypes.Uint8, dtypes.Bool:
		reduceWith(acc, src, uint8Codec, op)
	case dtypes.Int16:
		reduceWith(acc, src, int16Codec, op)
	case dtypes.Int32:
		reduceWith(acc, src, int32Codec, op)
	case dtypes.Int64:
		reduceWith(acc, src, int64Codec, op)
	case dtypes.Float16:
		reduceWith(acc, src, float16Codec, op)
	case dtypes.BFloat16:
		reduceWith(acc, src, bfloat16Codec, op)
	case dtypes.Float32:
		reduceFloat32(acc, src, op)
	case dtypes.Float64:
		reduceWith(acc, src, float64Codec, op)
	default:
		return errors.Errorf("reduction of dtype %s not supported", dtype)
	}
	return nil
}

func reduceWith[T number](acc, src []byte, c codec[T], op comm.ReduceOp) {
	for i := 0; i+c.size <= len(acc); i += c.size {
		a, b := c.get(acc[i:]), c.get(src[i:])
		var r T
		switch op {
		case comm.Sum:
			r = a + b
		case comm.Prod:
			r = a * b
		case comm.Max:
			r = max(a, b)
		case comm.Min:
			r = min(a, b)
		}
		c.put(acc[i:], r)
	}
}

// reduceFloat32 propagates NaNs in Max and Min.
func reduceFloat32(acc, src []byte, op comm.ReduceOp) {
	switch op {
	case comm.Max:
		for i := 0; i+4 <= len(acc); i += 4 {
			float32Codec.put(acc[i:], math32.Max(float32Codec.get(acc[i:]), float32Codec.get(src[i:])))
		}
	case comm.Min:
		for i := 0; i+4 <= len(acc); i += 4 {
			float32Codec.put(acc[i:], math32.Min(float32Codec.get(acc[i:]), float32Codec.get(src[i:])))
		}
	default:
		reduceWith(acc, src, float32Codec, op)
	}
}
