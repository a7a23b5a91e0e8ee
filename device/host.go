package device

import (
	"unsafe"

	"github.com/gomlx/jitcomm/dtypes"
	"github.com/pkg/errors"
)

// hostBytes reinterprets the slice as its raw bytes, without copying.
func hostBytes[T dtypes.Supported](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*int(unsafe.Sizeof(zero)))
}

// FromSlice allocates a tensor on the device and enqueues the copy of values to it on the stream.
// If shape is not given, the tensor is one-dimensional with len(values) elements.
//
// values must not be modified until the copy is done: e.g. until the stream is synchronized.
func FromSlice[T dtypes.Supported](rt Runtime, device int, stream Stream, values []T, shape ...int) (*Tensor, error) {
	dtype := dtypes.FromGenerics[T]()
	if len(shape) == 0 {
		shape = []int{len(values)}
	}
	if size := dtype.SizeForDimensions(shape...) / dtype.Size(); size != len(values) {
		return nil, errors.Errorf("FromSlice: shape %v has %d elements, %d values given", shape, size, len(values))
	}
	t, err := Empty(rt, device, stream, dtype, shape...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return t, nil
	}
	if err := rt.MemcpyHtoD(t.Ptr(), hostBytes(values), stream); err != nil {
		return nil, errors.WithMessage(err, "FromSlice")
	}
	return t, nil
}

// ToSlice copies the tensor to the host on the stream, and waits for it.
// The type T must match the tensor's dtype.
func ToSlice[T dtypes.Supported](rt Runtime, t *Tensor, stream Stream) ([]T, error) {
	if dtype := dtypes.FromGenerics[T](); dtype != t.DType() {
		return nil, errors.Errorf("ToSlice: tensor is %s, requested %s", t.DType(), dtype)
	}
	values := make([]T, t.Size())
	if len(values) == 0 {
		return values, nil
	}
	if err := rt.MemcpyDtoH(hostBytes(values), t.Ptr(), stream); err != nil {
		return nil, errors.WithMessage(err, "ToSlice")
	}
	if err := stream.Synchronize(); err != nil {
		return nil, err
	}
	return values, nil
}
