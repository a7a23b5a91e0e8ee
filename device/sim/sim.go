// Package sim implements device.Runtime in-process: each device is a region of host memory, each stream is a
// goroutine executing its operations in order, events are completion signals and kernels are Go functions
// registered by entry name.
//
// It follows the ordering semantics of a GPU runtime closely enough to exercise stream/event coordination:
// work on different streams runs concurrently unless ordered by events, a freed buffer recorded on another
// stream is only reused once that stream's pending work is done, and kernel parameters are captured at launch.
//
// Kernel images are produced by Compiler, which implements the jit.Compiler contract, and can only be loaded by
// a sim.Runtime.
package sim

import (
	"fmt"
	"sync"

	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options to configure a simulated Runtime.
type Options struct {
	// NumDevices visible to the process. Defaults to 1.
	NumDevices int

	// CurrentDevice selected at creation.
	CurrentDevice int

	// Platform of the simulated runtime. Defaults to device.CUDA.
	Platform device.Platform

	// Arch reported for every device. Defaults to "80" for CUDA and "gfx90a" for ROCm.
	Arch string

	// MultiProcessors per device, used by the occupancy calculator. Defaults to 108.
	MultiProcessors int
}

// Runtime is a simulated device.Runtime. Create it with New.
//
// Like a driver context, the host-side methods are meant to be called from one goroutine (the "host thread") at a
// time, while the submitted work executes concurrently in the streams' goroutines.
type Runtime struct {
	options       Options
	currentDevice int

	mu             sync.Mutex
	defaultStreams []*Stream
	streams        []*Stream
	nextStreamID   int
	closed         bool

	memory *addressSpace
}

// Assert Runtime implements device.Runtime.
var _ device.Runtime = (*Runtime)(nil)

// New creates a simulated runtime.
func New(options Options) (*Runtime, error) {
	if options.NumDevices == 0 {
		options.NumDevices = 1
	}
	if options.NumDevices < 0 {
		return nil, errors.Errorf("sim.New: invalid number of devices %d", options.NumDevices)
	}
	if options.CurrentDevice < 0 || options.CurrentDevice >= options.NumDevices {
		return nil, errors.Errorf("sim.New: current device %d out of range for %d devices",
			options.CurrentDevice, options.NumDevices)
	}
	if options.Arch == "" {
		if options.Platform == device.ROCm {
			options.Arch = "gfx90a"
		} else {
			options.Arch = "80"
		}
	}
	if options.MultiProcessors <= 0 {
		options.MultiProcessors = 108
	}
	r := &Runtime{
		options:       options,
		currentDevice: options.CurrentDevice,
	}
	r.memory = newAddressSpace(r)
	r.defaultStreams = make([]*Stream, options.NumDevices)
	for dev := range r.defaultStreams {
		r.defaultStreams[dev] = r.startStream(dev, "default")
	}
	klog.V(1).Infof("sim: created runtime with %d %s device(s), arch %s", options.NumDevices, options.Platform, options.Arch)
	return r, nil
}

// Close stops all stream goroutines after their pending work is done. The Runtime is unusable afterwards.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	streams := r.streams
	r.streams = nil
	r.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Platform implements device.Runtime.
func (r *Runtime) Platform() device.Platform {
	return r.options.Platform
}

// DeviceCount implements device.Runtime.
func (r *Runtime) DeviceCount() (int, error) {
	return r.options.NumDevices, nil
}

func (r *Runtime) checkDevice(dev int) error {
	if dev < 0 || dev >= r.options.NumDevices {
		return errors.Errorf("invalid device ordinal %d, runtime has %d device(s)", dev, r.options.NumDevices)
	}
	return nil
}

// Arch implements device.Runtime.
func (r *Runtime) Arch(dev int) (string, error) {
	if err := r.checkDevice(dev); err != nil {
		return "", err
	}
	return r.options.Arch, nil
}

// SetDevice implements device.Runtime.
func (r *Runtime) SetDevice(dev int) error {
	if err := r.checkDevice(dev); err != nil {
		return errors.WithMessage(err, "SetDevice")
	}
	r.currentDevice = dev
	return nil
}

// CurrentDevice implements device.Runtime.
func (r *Runtime) CurrentDevice() int {
	return r.currentDevice
}

// DefaultStream implements device.Runtime. It returns nil for an invalid device.
func (r *Runtime) DefaultStream(dev int) device.Stream {
	if r.checkDevice(dev) != nil {
		return nil
	}
	return r.defaultStreams[dev]
}

// NewStream implements device.Runtime.
func (r *Runtime) NewStream(dev int) (device.Stream, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, errors.WithMessage(err, "NewStream")
	}
	return r.startStream(dev, ""), nil
}

func (r *Runtime) startStream(dev int, name string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextStreamID
	r.nextStreamID++
	if name == "" {
		name = fmt.Sprintf("stream#%d", id)
	}
	s := newStream(r, dev, id, name)
	r.streams = append(r.streams, s)
	return s
}

// stream converts a device.Stream to the concrete *Stream of this runtime.
func (r *Runtime) stream(s device.Stream) (*Stream, error) {
	if s == nil {
		return nil, errors.New("nil stream")
	}
	simStream, ok := s.(*Stream)
	if !ok {
		return nil, errors.Errorf("stream of type %T does not belong to a simulated runtime", s)
	}
	if simStream.runtime != r {
		return nil, errors.Errorf("%s belongs to a different simulated runtime", simStream)
	}
	return simStream, nil
}

// NewEvent implements device.Runtime.
func (r *Runtime) NewEvent(dev int) (device.Event, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, errors.WithMessage(err, "NewEvent")
	}
	return newEvent(r, dev), nil
}

// SynchronizeAll waits for all streams of the runtime and returns the first error found.
func (r *Runtime) SynchronizeAll() error {
	r.mu.Lock()
	streams := append([]*Stream(nil), r.streams...)
	r.mu.Unlock()
	var firstErr error
	for _, s := range streams {
		if err := s.Synchronize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
