package device

import (
	"fmt"
	"slices"

	"github.com/gomlx/jitcomm/dtypes"
	"github.com/pkg/errors"
)

// Tensor is a contiguous, shaped view of a device Buffer.
type Tensor struct {
	buffer Buffer
	dtype  dtypes.DType
	shape  []int
}

// NewTensor creates a tensor over the buffer. The buffer must hold at least the bytes of the shape.
func NewTensor(buffer Buffer, dtype dtypes.DType, shape ...int) (*Tensor, error) {
	if buffer == nil {
		return nil, errors.New("NewTensor given a nil buffer")
	}
	if !dtype.IsKnown() {
		return nil, errors.Errorf("NewTensor: dtype %s has no known size", dtype)
	}
	for axis, dim := range shape {
		if dim < 0 {
			return nil, errors.Errorf("NewTensor: negative dimension %d for axis %d in shape %v", dim, axis, shape)
		}
	}
	t := &Tensor{buffer: buffer, dtype: dtype, shape: slices.Clone(shape)}
	if t.NumBytes() > buffer.Size() {
		return nil, errors.Errorf("NewTensor: shape %v of %s requires %d bytes, buffer only has %d",
			shape, dtype, t.NumBytes(), buffer.Size())
	}
	return t, nil
}

// Empty allocates an uninitialized tensor on the device, associated with the stream.
func Empty(rt Runtime, device int, stream Stream, dtype dtypes.DType, shape ...int) (*Tensor, error) {
	if !dtype.IsKnown() {
		return nil, errors.Errorf("Empty: dtype %s has no known size", dtype)
	}
	buffer, err := rt.Alloc(device, dtype.SizeForDimensions(shape...), stream)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate tensor %s%v on device %d", dtype, shape, device)
	}
	return NewTensor(buffer, dtype, shape...)
}

// EmptyLike allocates an uninitialized tensor with the same dtype, shape and device as t.
func EmptyLike(rt Runtime, t *Tensor, stream Stream) (*Tensor, error) {
	return Empty(rt, t.Device(), stream, t.dtype, t.shape...)
}

// Buffer backing the tensor.
func (t *Tensor) Buffer() Buffer {
	return t.buffer
}

// Ptr returns the device address of the first element.
func (t *Tensor) Ptr() Ptr {
	return t.buffer.Ptr()
}

// Device ordinal holding the tensor.
func (t *Tensor) Device() int {
	return t.buffer.Device()
}

// DType of the elements.
func (t *Tensor) DType() dtypes.DType {
	return t.dtype
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.shape {
		size *= dim
	}
	return size
}

// NumBytes returns the number of bytes of the elements.
func (t *Tensor) NumBytes() int {
	return t.dtype.SizeForDimensions(t.shape...)
}

// Free releases the underlying buffer.
func (t *Tensor) Free() error {
	return t.buffer.Free()
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%s%v, device=%d, ptr=%#x]", t.dtype, t.shape, t.Device(), uint64(t.Ptr()))
}
