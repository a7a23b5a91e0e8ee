package jit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// UseRuntimeCompileEnv is the environment variable that, if set to a true value, skips the external
	// toolchain and always compiles kernels with the in-process compiler.
	UseRuntimeCompileEnv = "USE_NVRTC"

	// ToolkitHomeEnv is the environment variable with the location of the CUDA (or ROCm) toolkit.
	ToolkitHomeEnv = "CUDA_HOME"

	// DefaultToolkitHome is used if ToolkitHomeEnv is not set.
	DefaultToolkitHome = "/usr/local/cuda"

	// OptimizationLevel given to the toolchain and to the module loader.
	OptimizationLevel = 4
)

var (
	// ErrToolchainNotFound is returned by the ahead-of-time compiler when the toolchain executable is missing.
	// It is not recoverable: the Cache exits the program when it sees it.
	ErrToolchainNotFound = errors.New("kernel toolchain not found")

	// ErrCompileDeclined is returned by compilers that don't support the current platform.
	ErrCompileDeclined = errors.New("kernel compilation not supported on this platform")
)

// Request to compile one kernel source.
type Request struct {
	// Source is the complete source, including the platform preamble.
	Source string

	// Entry is the kernel entry point.
	Entry string

	// Arch is the target architecture, as returned by device.Runtime.Arch.
	Arch string

	Platform device.Platform
}

// Compiler converts a kernel source to a loadable image.
type Compiler interface {
	Compile(req Request) ([]byte, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(req Request) ([]byte, error)

// Compile implements Compiler.
func (f CompilerFunc) Compile(req Request) ([]byte, error) {
	return f(req)
}

// Config of the compilation strategy.
type Config struct {
	// ForceRuntimeCompile skips the ahead-of-time toolchain and uses the in-process compiler directly.
	ForceRuntimeCompile bool

	// ToolkitHome is the location of the toolkit: the toolchain is at <ToolkitHome>/bin and the headers at
	// <ToolkitHome>/include.
	ToolkitHome string
}

// ConfigFromEnv reads the configuration from the environment variables UseRuntimeCompileEnv and ToolkitHomeEnv.
func ConfigFromEnv() Config {
	home := os.Getenv(ToolkitHomeEnv)
	if home == "" {
		home = DefaultToolkitHome
	}
	return Config{
		ForceRuntimeCompile: isTrue(os.Getenv(UseRuntimeCompileEnv)),
		ToolkitHome:         home,
	}
}

func isTrue(value string) bool {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "1", "TRUE", "YES", "ON":
		return true
	}
	return false
}

// RuntimeCompileOptions returns the options for the in-process compiler (NVRTC or HIPRTC).
func RuntimeCompileOptions(req Request, toolkitHome string) []string {
	if req.Platform == device.ROCm {
		return []string{
			fmt.Sprintf("--gpu-architecture=%s", req.Arch),
			fmt.Sprintf("-O%d", OptimizationLevel),
		}
	}
	return []string{
		"--restrict",
		fmt.Sprintf("--include-path=%s", filepath.Join(toolkitHome, "include")),
		fmt.Sprintf("--gpu-architecture=compute_%s", req.Arch),
		"--use_fast_math",
		"--extra-device-vectorization",
	}
}

// runtimeCompileWarning is issued once per process.
var runtimeCompileWarning sync.Once

// Backend implements the compilation strategy: the ahead-of-time toolchain first, falling back to the
// in-process compiler if it fails, unless the in-process compiler is forced.
type Backend struct {
	aot, rtc     Compiler
	forceRuntime bool
}

// Assert Backend implements Compiler.
var _ Compiler = (*Backend)(nil)

// NewBackend creates a Backend. aot or rtc may be nil, in which case the strategy is skipped.
func NewBackend(aot, rtc Compiler, forceRuntime bool) *Backend {
	return &Backend{aot: aot, rtc: rtc, forceRuntime: forceRuntime}
}

// Compile implements Compiler.
//
// An ErrToolchainNotFound from the ahead-of-time compiler is returned as is, without fallback.
// When both strategies fail it returns an empty image along with the error, and the in-process compiler
// failure is logged as a warning once per process.
func (b *Backend) Compile(req Request) ([]byte, error) {
	var aotErr error
	if !b.forceRuntime && b.aot != nil {
		img, err := b.aot.Compile(req)
		if err == nil && len(img) > 0 {
			return img, nil
		}
		if errors.Is(err, ErrToolchainNotFound) {
			return nil, err
		}
		if err == nil {
			err = errors.New("toolchain produced an empty image")
		}
		aotErr = err
		klog.V(1).Infof("Ahead-of-time compilation of %q failed, falling back to the in-process compiler: %v", req.Entry, err)
	}
	if b.rtc == nil {
		if aotErr != nil {
			return nil, aotErr
		}
		return nil, errors.Errorf("no compiler available for kernel %q", req.Entry)
	}
	img, err := b.rtc.Compile(req)
	if err == nil && len(img) == 0 {
		err = errors.New("in-process compiler produced an empty image")
	}
	if err != nil {
		runtimeCompileWarning.Do(func() {
			klog.Warningf("Failed to compile kernel %q with the in-process compiler: %v", req.Entry, err)
		})
		return nil, errors.WithMessagef(err, "in-process compilation of kernel %q", req.Entry)
	}
	return img, nil
}
