// Package device defines the device runtime used by the JIT kernel cache and by the collective operations:
// devices, execution streams, events, device memory, loaded modules and kernel launches.
//
// The runtime is an interface so the orchestration logic is independent of the driver: see sub-package sim for
// a simulated multi-device implementation that runs in-process.
//
// Ordering model: operations submitted to one Stream execute in submission order. An operation on stream B only
// observes the effects of an operation on stream A if an Event recorded on A after it has been blocked on by B.
package device

import (
	"fmt"
	"unsafe"
)

// Ptr is a device memory address.
type Ptr uint64

// Add returns the address offset by the given number of bytes.
func (p Ptr) Add(offset int) Ptr {
	return p + Ptr(offset)
}

// Dim3 is a 3-dimensional launch geometry (grid of blocks, or block of threads).
type Dim3 struct {
	X, Y, Z int
}

// Ones is the Dim3 with all axes set to 1, the default for any axis not given.
var Ones = Dim3{1, 1, 1}

// Size returns the total number of elements X*Y*Z.
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

// String implements fmt.Stringer.
func (d Dim3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z)
}

// Platform identifies the family of the device runtime: it selects the source preamble and the toolchain.
type Platform int

const (
	CUDA Platform = iota
	ROCm
)

// String implements fmt.Stringer.
func (p Platform) String() string {
	switch p {
	case CUDA:
		return "CUDA"
	case ROCm:
		return "ROCm"
	}
	return fmt.Sprintf("Platform(%d)", int(p))
}

// Preamble returns the headers prepended to every kernel source before compilation.
func (p Platform) Preamble() string {
	if p == ROCm {
		return "#include <hip/hip_runtime.h>\n"
	}
	return "#include <cuda_runtime.h>\n#include <cuda_fp16.h>\n"
}

// Stream is an ordered queue of device operations.
type Stream interface {
	// Device ordinal the stream belongs to.
	Device() int

	// Synchronize blocks the calling goroutine until all operations submitted so far are finished, and returns
	// the first error raised by any of them, if any.
	Synchronize() error
}

// Event is a reusable synchronization point between streams.
type Event interface {
	// Record captures the current tail of the stream: the event completes when all operations submitted to
	// the stream so far are finished. Recording again replaces the previous capture.
	Record(stream Stream) error

	// Block makes all future operations submitted to the stream wait for the most recent Record of the event.
	// It does not block the calling goroutine. Blocking on an event never recorded is a no-op.
	Block(stream Stream) error

	// Synchronize blocks the calling goroutine until the most recent Record completes.
	Synchronize() error
}

// Buffer is an allocation of device memory.
type Buffer interface {
	Ptr() Ptr
	Size() int
	Device() int

	// Free returns the memory to the allocator. It is safe to call more than once.
	Free() error
}

// Module is a compiled image loaded into one device.
type Module interface {
	// Function resolves a kernel entry point by name.
	Function(name string) (Function, error)
}

// Function is a resolved kernel entry point, bound to one device.
type Function interface {
	Name() string
	Device() int
}

// ModuleOptions are given to the loader along with the image.
type ModuleOptions struct {
	// OptimizationLevel of the loader's final code generation.
	OptimizationLevel int

	// MaxThreadsPerBlock hint, usually taken from the kernel's __launch_bounds__.
	MaxThreadsPerBlock int
}

// Runtime is the device driver API needed to compile, load and launch kernels and to coordinate streams.
//
// A Runtime is driven by a single host goroutine per device: it is not safe for concurrent use unless the
// implementation says otherwise.
type Runtime interface {
	Platform() Platform

	// DeviceCount returns the number of devices visible to the process.
	DeviceCount() (int, error)

	// Arch returns the architecture string of the device used to target compilation,
	// e.g. "80" for compute capability 8.0, or "gfx90a".
	Arch(device int) (string, error)

	// SetDevice selects the current device of the calling host thread.
	SetDevice(device int) error

	// CurrentDevice returns the device selected with SetDevice.
	CurrentDevice() int

	// DefaultStream returns the default (compute) stream of the device.
	DefaultStream(device int) Stream

	// NewStream creates a new stream, alive for the lifetime of the runtime.
	NewStream(device int) (Stream, error)

	// NewEvent creates a new event.
	NewEvent(device int) (Event, error)

	// LoadModule loads a compiled image into the device's module space.
	LoadModule(device int, image []byte, options ModuleOptions) (Module, error)

	// Launch submits the kernel to the stream. params holds the address of each kernel parameter's value;
	// the values are captured before Launch returns.
	Launch(fn Function, grid, block Dim3, stream Stream, params []unsafe.Pointer) error

	// MaxPotentialBlockSize returns the minimum grid size and the block size that achieve the maximum
	// occupancy for the function.
	MaxPotentialBlockSize(fn Function) (gridSize, blockSize int, err error)

	// Alloc allocates device memory associated with the stream: the allocator may reuse the memory for
	// other allocations on the same stream as soon as it is freed.
	Alloc(device int, size int, stream Stream) (Buffer, error)

	// RecordStream marks the buffer as in use on another stream: when freed, it is only reused after all
	// work submitted so far to that stream is finished.
	RecordStream(buffer Buffer, stream Stream) error

	// MemcpyHtoD submits a host-to-device copy. The source slice must not be changed until the copy executes.
	MemcpyHtoD(dst Ptr, src []byte, stream Stream) error

	// MemcpyDtoH submits a device-to-host copy. The destination is only valid after the stream is synchronized.
	MemcpyDtoH(dst []byte, src Ptr, stream Stream) error
}
