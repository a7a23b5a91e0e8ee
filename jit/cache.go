// Package jit compiles kernel sources at run time and caches the resolved entry points per device.
//
// A kernel source is injected once with Cache.Inject, which returns a Handle. The source is only compiled for a
// device the first time it is activated (or launched) on that device, using the Backend strategy: the external
// toolchain (see NVCC), falling back to an in-process compiler.
//
// Example:
//
//	cache := jit.New(rt, nvrtc, jit.ConfigFromEnv())
//	h, err := cache.Inject(source)
//	...
//	err = cache.Launch(h).WithTensors(out, in).WithScalars(int64(n)).Done()
package jit

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Handle identifies an injected kernel. Handles are assigned sequentially from 0.
type Handle int

type slotState int

const (
	unresolved slotState = iota
	resolving
	resolved
)

// slot is the state of one kernel on one device.
type slot struct {
	state    slotState
	function device.Function
}

type kernel struct {
	descriptor Descriptor
	source     string // With preamble.
	slots      []slot // Indexed by device ordinal.
}

// Stats of a Cache.
type Stats struct {
	Kernels      int
	Compilations int
	Loads        int
}

// Cache of kernels. It is not safe for concurrent use: like the device runtime, it is meant to be driven by the
// host thread.
type Cache struct {
	runtime  device.Runtime
	compiler Compiler
	kernels  []*kernel
	stats    Stats
}

// New creates a Cache that compiles with the toolchain configured by config, falling back to runtimeCompiler.
// runtimeCompiler may be nil if there is no in-process compiler available.
func New(rt device.Runtime, runtimeCompiler Compiler, config Config) *Cache {
	aot := &NVCC{Home: config.ToolkitHome, Platform: rt.Platform()}
	return NewWithCompiler(rt, NewBackend(aot, runtimeCompiler, config.ForceRuntimeCompile))
}

// NewWithCompiler creates a Cache that uses the given compiler for all kernels.
func NewWithCompiler(rt device.Runtime, compiler Compiler) *Cache {
	return &Cache{runtime: rt, compiler: compiler}
}

// Runtime used by the cache.
func (c *Cache) Runtime() device.Runtime {
	return c.runtime
}

// Inject parses the kernel source annotations and registers it. The source is not compiled until it is
// activated on a device.
func (c *Cache) Inject(source string) (Handle, error) {
	d, err := ParseAnnotated(source)
	if err != nil {
		return -1, err
	}
	return c.InjectDescriptor(d), nil
}

// InjectDescriptor registers a kernel with an already parsed (or programmatically built) descriptor.
func (c *Cache) InjectDescriptor(d Descriptor) Handle {
	h := Handle(len(c.kernels))
	c.kernels = append(c.kernels, &kernel{
		descriptor: d,
		source:     c.runtime.Platform().Preamble() + d.Source,
	})
	c.stats.Kernels++
	klog.V(1).Infof("jit: injected kernel #%d %s", h, d)
	return h
}

func (c *Cache) kernel(h Handle) *kernel {
	if h < 0 || int(h) >= len(c.kernels) {
		exceptions.Panicf("jit: invalid kernel handle %d, only %d kernels injected", h, len(c.kernels))
	}
	return c.kernels[h]
}

// Descriptor returns the descriptor of the injected kernel. It panics for an invalid handle.
func (c *Cache) Descriptor(h Handle) Descriptor {
	return c.kernel(h).descriptor
}

// Source returns the kernel source, with the platform preamble, as given to the compiler.
func (c *Cache) Source(h Handle) string {
	return c.kernel(h).source
}

// Stats returns the counters of the cache.
func (c *Cache) Stats() Stats {
	return c.stats
}

// Activate returns the kernel's function on the device, compiling and loading it the first time.
//
// A failure leaves the kernel unresolved on the device, so the next activation tries again. A missing toolchain
// (ErrToolchainNotFound) is not recoverable and exits the program.
func (c *Cache) Activate(h Handle, dev int) (device.Function, error) {
	k := c.kernel(h)
	if dev < 0 {
		return nil, errors.Errorf("jit: invalid device %d to activate kernel %q", dev, k.descriptor.Entry)
	}
	if dev >= len(k.slots) {
		k.slots = append(k.slots, make([]slot, dev+1-len(k.slots))...)
	}
	s := &k.slots[dev]
	switch s.state {
	case resolved:
		return s.function, nil
	case resolving:
		return nil, errors.Errorf("jit: kernel %q is already being activated on device %d", k.descriptor.Entry, dev)
	}
	s.state = resolving
	fn, err := c.resolve(k, dev)
	if err != nil {
		s.state = unresolved
		return nil, errors.WithMessagef(err, "jit: failed to activate kernel #%d %q on device %d", h, k.descriptor.Entry, dev)
	}
	s.function = fn
	s.state = resolved
	return fn, nil
}

func (c *Cache) resolve(k *kernel, dev int) (device.Function, error) {
	arch, err := c.runtime.Arch(dev)
	if err != nil {
		return nil, err
	}
	img, err := c.compiler.Compile(Request{
		Source:   k.source,
		Entry:    k.descriptor.Entry,
		Arch:     arch,
		Platform: c.runtime.Platform(),
	})
	c.stats.Compilations++
	if errors.Is(err, ErrToolchainNotFound) {
		klog.Fatalf("%v", err)
	}
	compileErr := err
	if compileErr != nil {
		klog.V(1).Infof("jit: compilation of kernel %q for arch %s failed, loading an empty image: %v", k.descriptor.Entry, arch, compileErr)
	}
	module, err := c.runtime.LoadModule(dev, img, device.ModuleOptions{
		OptimizationLevel:  OptimizationLevel,
		MaxThreadsPerBlock: k.descriptor.LaunchBounds,
	})
	if err != nil {
		if compileErr != nil {
			return nil, errors.WithMessagef(compileErr, "loading the image failed (%v)", err)
		}
		return nil, err
	}
	c.stats.Loads++
	return module.Function(k.descriptor.Entry)
}
