package jit

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
)

// LaunchConfig is created with Cache.Launch, configured with its methods, and submitted with Done.
//
// Kernel parameters are given in one of two conventions:
//
//   - WithTensors and WithScalars (or WithValues): each parameter is a pointer-sized value, tensors passed by
//     their device address, followed by the scalars, in the order given.
//   - WithArgs: the addresses of the parameter values, for kernels whose parameters have other sizes.
type LaunchConfig struct {
	cache  *Cache
	handle Handle

	device    int
	deviceSet bool
	stream    device.Stream
	grid      []int
	block     *device.Dim3

	values  []uint64
	hasArgs bool
	args    []unsafe.Pointer

	// err saves an error during the configuration.
	err error
}

// Launch returns a LaunchConfig for the kernel. It panics for an invalid handle.
func (c *Cache) Launch(h Handle) *LaunchConfig {
	c.kernel(h)
	return &LaunchConfig{cache: c, handle: h}
}

// OnDevice selects the device to launch on. The default is the device of the first tensor, or the
// runtime's current device.
func (l *LaunchConfig) OnDevice(dev int) *LaunchConfig {
	l.device = dev
	l.deviceSet = true
	return l
}

// OnStream selects the stream to launch on. The default is the device's default stream.
func (l *LaunchConfig) OnStream(stream device.Stream) *LaunchConfig {
	l.stream = stream
	return l
}

// WithGrid overrides the grid dimensions, in order x, y, z. Axes not given keep the annotated values.
func (l *LaunchConfig) WithGrid(dims ...int) *LaunchConfig {
	if l.err != nil {
		return l
	}
	if len(dims) > 3 {
		l.err = errors.Errorf("Launch().WithGrid() given %d dimensions, at most 3 are supported", len(dims))
		return l
	}
	l.grid = dims
	return l
}

// WithBlock overrides the block dimensions. The default is the annotated threads per block.
func (l *LaunchConfig) WithBlock(block device.Dim3) *LaunchConfig {
	l.block = &block
	return l
}

// WithTensors appends the device address of each tensor as a parameter.
func (l *LaunchConfig) WithTensors(tensors ...*device.Tensor) *LaunchConfig {
	if l.err != nil {
		return l
	}
	for i, t := range tensors {
		if t == nil {
			l.err = errors.Errorf("Launch().WithTensors() given a nil tensor at position %d", i)
			return l
		}
		if !l.deviceSet && len(l.values) == 0 {
			l.device = t.Device()
			l.deviceSet = true
		}
		l.values = append(l.values, uint64(t.Ptr()))
	}
	return l
}

// WithScalars appends the scalars as pointer-sized parameters.
func (l *LaunchConfig) WithScalars(scalars ...int64) *LaunchConfig {
	for _, s := range scalars {
		l.values = append(l.values, uint64(s))
	}
	return l
}

// WithValues appends pointer-sized parameter values, addresses or scalars.
func (l *LaunchConfig) WithValues(values ...uint64) *LaunchConfig {
	l.values = append(l.values, values...)
	return l
}

// WithArgs sets the addresses of the parameter values. It can't be combined with the pointer-sized conventions.
func (l *LaunchConfig) WithArgs(args ...unsafe.Pointer) *LaunchConfig {
	l.hasArgs = true
	l.args = append(l.args, args...)
	return l
}

// Done activates the kernel on the device, if not yet, and submits the launch to the stream.
func (l *LaunchConfig) Done() error {
	if l.err != nil {
		return l.err
	}
	if l.hasArgs && len(l.values) > 0 {
		return errors.New("Launch() parameters given both as pointer-sized values and as argument addresses")
	}
	rt := l.cache.runtime
	d := l.cache.Descriptor(l.handle)
	if !l.deviceSet {
		l.device = rt.CurrentDevice()
	}
	if err := rt.SetDevice(l.device); err != nil {
		return errors.WithMessagef(err, "failed to launch %q", d.Entry)
	}
	stream := l.stream
	if stream == nil {
		stream = rt.DefaultStream(l.device)
	}
	if stream == nil || stream.Device() != l.device {
		return errors.Errorf("failed to launch %q: no valid stream for device %d", d.Entry, l.device)
	}
	grid, err := d.grid(l.grid)
	if err != nil {
		return err
	}
	block := d.Threads
	if l.block != nil {
		block = *l.block
	}
	fn, err := l.cache.Activate(l.handle, l.device)
	if err != nil {
		return err
	}

	params := l.args
	if !l.hasArgs {
		params = make([]unsafe.Pointer, len(l.values))
		for i := range l.values {
			params[i] = unsafe.Pointer(&l.values[i])
		}
	}
	err = rt.Launch(fn, grid, block, stream, params)
	runtime.KeepAlive(l.values)
	if err != nil {
		return errors.WithMessagef(err, "failed to launch %q on device %d", d.Entry, l.device)
	}
	return nil
}
