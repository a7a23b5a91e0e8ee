package sim

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Image fields, encoded with protowire.
const (
	imageFieldMagic  protowire.Number = 1
	imageFieldArch   protowire.Number = 2
	imageFieldEntry  protowire.Number = 3
	imageFieldOption protowire.Number = 4

	imageMagic = "jitcomm.sim.image"

	// maxThreadsPerBlock supported by every simulated device.
	maxThreadsPerBlock = 1024

	// threadsPerMultiProcessor used by the occupancy calculator.
	threadsPerMultiProcessor = 2048
)

// image is the decoded content of a simulated kernel image.
type image struct {
	arch    string
	entry   string
	options []string
}

func (img *image) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, imageFieldMagic, protowire.BytesType)
	b = protowire.AppendString(b, imageMagic)
	b = protowire.AppendTag(b, imageFieldArch, protowire.BytesType)
	b = protowire.AppendString(b, img.arch)
	b = protowire.AppendTag(b, imageFieldEntry, protowire.BytesType)
	b = protowire.AppendString(b, img.entry)
	for _, opt := range img.options {
		b = protowire.AppendTag(b, imageFieldOption, protowire.BytesType)
		b = protowire.AppendString(b, opt)
	}
	return b
}

func decodeImage(b []byte) (*image, error) {
	img := &image{}
	var magic string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.WithMessage(protowire.ParseError(n), "invalid kernel image")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.WithMessage(protowire.ParseError(n), "invalid kernel image")
			}
			b = b[n:]
			continue
		}
		value, n := protowire.ConsumeString(b)
		if n < 0 {
			return nil, errors.WithMessage(protowire.ParseError(n), "invalid kernel image")
		}
		b = b[n:]
		switch num {
		case imageFieldMagic:
			magic = value
		case imageFieldArch:
			img.arch = value
		case imageFieldEntry:
			img.entry = value
		case imageFieldOption:
			img.options = append(img.options, value)
		}
	}
	if magic != imageMagic {
		return nil, errors.New("kernel image was not produced by the simulated compiler")
	}
	return img, nil
}

// Module is a kernel image loaded into a simulated device.
type Module struct {
	runtime *Runtime
	device  int
	image   *image
	options device.ModuleOptions
}

// Function is a kernel entry point of a loaded Module.
type Function struct {
	module *Module
	name   string
	kernel *Kernel
}

// Assert Module and Function implement the device interfaces.
var (
	_ device.Module   = (*Module)(nil)
	_ device.Function = (*Function)(nil)
)

// LoadModule implements device.Runtime.
func (r *Runtime) LoadModule(dev int, img []byte, options device.ModuleOptions) (device.Module, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, errors.WithMessage(err, "LoadModule")
	}
	if len(img) == 0 {
		return nil, errors.Errorf("LoadModule: empty kernel image for device %d", dev)
	}
	decoded, err := decodeImage(img)
	if err != nil {
		return nil, errors.WithMessage(err, "LoadModule")
	}
	if decoded.arch != r.options.Arch {
		return nil, errors.Errorf("LoadModule: image compiled for arch %q, device %d is arch %q",
			decoded.arch, dev, r.options.Arch)
	}
	if options.MaxThreadsPerBlock <= 0 || options.MaxThreadsPerBlock > maxThreadsPerBlock {
		options.MaxThreadsPerBlock = maxThreadsPerBlock
	}
	return &Module{runtime: r, device: dev, image: decoded, options: options}, nil
}

// Options the module was loaded with.
func (m *Module) Options() device.ModuleOptions {
	return m.options
}

// Function implements device.Module.
func (m *Module) Function(name string) (device.Function, error) {
	if name != m.image.entry {
		return nil, errors.Errorf("named symbol %q not found in module (entry is %q)", name, m.image.entry)
	}
	kernel := lookupKernel(name)
	if kernel == nil {
		return nil, errors.Errorf("named symbol %q has no simulated implementation", name)
	}
	return &Function{module: m, name: name, kernel: kernel}, nil
}

// Name implements device.Function.
func (f *Function) Name() string {
	return f.name
}

// Device implements device.Function.
func (f *Function) Device() int {
	return f.module.device
}

// String implements fmt.Stringer.
func (f *Function) String() string {
	return fmt.Sprintf("sim.Function(%s, device=%d)", f.name, f.module.device)
}

func (r *Runtime) function(fn device.Function) (*Function, error) {
	simFn, ok := fn.(*Function)
	if !ok || simFn == nil {
		return nil, errors.Errorf("function of type %T was not loaded by a simulated runtime", fn)
	}
	if simFn.module.runtime != r {
		return nil, errors.Errorf("%s was loaded by a different runtime", simFn)
	}
	return simFn, nil
}

// Launch implements device.Runtime.
func (r *Runtime) Launch(fn device.Function, grid, block device.Dim3, stream device.Stream, params []unsafe.Pointer) error {
	f, err := r.function(fn)
	if err != nil {
		return errors.WithMessage(err, "Launch")
	}
	s, err := r.stream(stream)
	if err != nil {
		return errors.WithMessage(err, "Launch")
	}
	if s.device != f.module.device {
		return errors.Errorf("Launch: %s is on device %d, %s is on device %d", f, f.module.device, s, s.device)
	}
	if grid.X < 1 || grid.Y < 1 || grid.Z < 1 {
		return errors.Errorf("Launch %s: invalid grid %s", f, grid)
	}
	if block.X < 1 || block.Y < 1 || block.Z < 1 || block.Size() > f.module.options.MaxThreadsPerBlock {
		return errors.Errorf("Launch %s: invalid block %s, max threads per block is %d",
			f, block, f.module.options.MaxThreadsPerBlock)
	}
	if len(params) != len(f.kernel.ParamSizes) {
		return errors.Errorf("Launch %s: kernel takes %d parameters, %d given", f, len(f.kernel.ParamSizes), len(params))
	}
	captured := make([][]byte, len(params))
	for i, p := range params {
		if p == nil {
			return errors.Errorf("Launch %s: nil address for parameter #%d", f, i)
		}
		captured[i] = append([]byte(nil), unsafe.Slice((*byte)(p), f.kernel.ParamSizes[i])...)
	}
	runtime.KeepAlive(params)
	k := &KernelContext{Grid: grid, Block: block, runtime: r, params: captured}
	return s.Enqueue("kernel."+f.name, func() error { return f.kernel.Run(k) })
}

// MaxPotentialBlockSize implements device.Runtime.
func (r *Runtime) MaxPotentialBlockSize(fn device.Function) (gridSize, blockSize int, err error) {
	f, err := r.function(fn)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "MaxPotentialBlockSize")
	}
	blockSize = f.module.options.MaxThreadsPerBlock
	gridSize = r.options.MultiProcessors * (threadsPerMultiProcessor / blockSize)
	return gridSize, blockSize, nil
}
