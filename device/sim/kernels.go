package sim

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Kernel is the Go implementation of a device kernel entry point.
type Kernel struct {
	// ParamSizes is the size in bytes of each kernel parameter, in order: 8 for pointers, size_t and long long,
	// 4 for int, etc.
	ParamSizes []int

	// Run executes the kernel for the whole grid.
	Run func(k *KernelContext) error
}

var (
	kernelsMu sync.RWMutex
	kernels   = make(map[string]*Kernel)
)

// RegisterKernel makes the kernel available to be compiled and loaded under the given entry name.
// Registering an existing name replaces it.
func RegisterKernel(entry string, kernel *Kernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[entry] = kernel
}

// lookupKernel returns the kernel registered with the entry name, or nil.
func lookupKernel(entry string) *Kernel {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	return kernels[entry]
}

// KernelContext is given to a Kernel at execution time.
type KernelContext struct {
	Grid, Block device.Dim3

	runtime *Runtime
	params  [][]byte
}

// NumParams returns the number of parameters captured at launch.
func (k *KernelContext) NumParams() int {
	return len(k.params)
}

func (k *KernelContext) param(i, size int) []byte {
	p := k.params[i]
	if len(p) < size {
		// Smaller parameters are zero-extended.
		extended := make([]byte, size)
		copy(extended, p)
		return extended
	}
	return p
}

// Uint64 returns the parameter i as a 64-bit value.
func (k *KernelContext) Uint64(i int) uint64 {
	return binary.LittleEndian.Uint64(k.param(i, 8))
}

// Int64 returns the parameter i as a signed 64-bit value.
func (k *KernelContext) Int64(i int) int64 {
	return int64(k.Uint64(i))
}

// Int32 returns the parameter i as a signed 32-bit value.
func (k *KernelContext) Int32(i int) int32 {
	return int32(binary.LittleEndian.Uint32(k.param(i, 4)))
}

// Ptr returns the parameter i as a device address.
func (k *KernelContext) Ptr(i int) device.Ptr {
	return device.Ptr(k.Uint64(i))
}

// Memory returns n bytes of device memory starting at ptr.
func (k *KernelContext) Memory(ptr device.Ptr, n int) ([]byte, error) {
	return k.runtime.Bytes(ptr, n)
}

func init() {
	RegisterKernel("memStrideCopyKernel_char", strideCopyKernel(1))
	RegisterKernel("memStrideCopyKernel_uint4", strideCopyKernel(16))
	RegisterKernel("x_add_y_f16", addKernel(2, func(x, y []byte, out []byte) {
		sum := float16.Frombits(binary.LittleEndian.Uint16(x)).Float32() +
			float16.Frombits(binary.LittleEndian.Uint16(y)).Float32()
		binary.LittleEndian.PutUint16(out, float16.Fromfloat32(sum).Bits())
	}))
	RegisterKernel("x_add_y_bf16", addKernel(2, func(x, y []byte, out []byte) {
		sum := bfloat16.BFloat16(binary.LittleEndian.Uint16(x)).Float32() +
			bfloat16.BFloat16(binary.LittleEndian.Uint16(y)).Float32()
		binary.LittleEndian.PutUint16(out, uint16(bfloat16.FromFloat32(sum)))
	}))
	RegisterKernel("x_add_y_f32", addKernel(4, func(x, y []byte, out []byte) {
		sum := math.Float32frombits(binary.LittleEndian.Uint32(x)) + math.Float32frombits(binary.LittleEndian.Uint32(y))
		binary.LittleEndian.PutUint32(out, math.Float32bits(sum))
	}))
	RegisterKernel("x_add_y_f64", addKernel(8, func(x, y []byte, out []byte) {
		sum := math.Float64frombits(binary.LittleEndian.Uint64(x)) + math.Float64frombits(binary.LittleEndian.Uint64(y))
		binary.LittleEndian.PutUint64(out, math.Float64bits(sum))
	}))
}

// strideCopyKernel implements memStrideCopyKernel(T* out, const T* in, size_t size, int height, int width)
// for an element of elementSize bytes: the input is seen as height*width rows of size elements, and row
// index is written to row (width*(index%height) + index/height) of the output.
func strideCopyKernel(elementSize int) *Kernel {
	return &Kernel{
		ParamSizes: []int{8, 8, 8, 4, 4},
		Run: func(k *KernelContext) error {
			outPtr, inPtr := k.Ptr(0), k.Ptr(1)
			size := int(k.Uint64(2))
			height, width := int(k.Int32(3)), int(k.Int32(4))
			if height < 0 || width < 0 {
				return errors.Errorf("memStrideCopyKernel: invalid height=%d, width=%d", height, width)
			}
			rows := height * width
			rowBytes := size * elementSize
			out, err := k.Memory(outPtr, rows*rowBytes)
			if err != nil {
				return errors.WithMessage(err, "memStrideCopyKernel output")
			}
			in, err := k.Memory(inPtr, rows*rowBytes)
			if err != nil {
				return errors.WithMessage(err, "memStrideCopyKernel input")
			}
			for index := range rows {
				target := width*(index%height) + index/height
				copy(out[target*rowBytes:(target+1)*rowBytes], in[index*rowBytes:(index+1)*rowBytes])
			}
			return nil
		},
	}
}

// addKernel implements x_add_y_<dtype>(T* out, const T* x, const T* y, long long n): out = x + y.
func addKernel(elementSize int, add func(x, y, out []byte)) *Kernel {
	return &Kernel{
		ParamSizes: []int{8, 8, 8, 8},
		Run: func(k *KernelContext) error {
			n := int(k.Int64(3))
			if n < 0 {
				return errors.Errorf("x_add_y: invalid number of elements %d", n)
			}
			numBytes := n * elementSize
			out, err := k.Memory(k.Ptr(0), numBytes)
			if err != nil {
				return err
			}
			x, err := k.Memory(k.Ptr(1), numBytes)
			if err != nil {
				return err
			}
			y, err := k.Memory(k.Ptr(2), numBytes)
			if err != nil {
				return err
			}
			for i := 0; i < numBytes; i += elementSize {
				add(x[i:i+elementSize], y[i:i+elementSize], out[i:i+elementSize])
			}
			return nil
		},
	}
}
