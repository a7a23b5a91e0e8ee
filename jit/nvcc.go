package jit

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/jitcomm/device"
)

// NVCC is the ahead-of-time Compiler: it runs the toolkit's offline compiler (nvcc, or hipcc for ROCm) in a child
// process, on a temporary copy of the source.
//
// It is only supported on Linux: elsewhere Compile returns ErrCompileDeclined.
type NVCC struct {
	// Home of the toolkit. The compiler is expected at <Home>/bin/nvcc (or <Home>/bin/hipcc).
	Home string

	Platform device.Platform
}

// Assert NVCC implements Compiler.
var _ Compiler = (*NVCC)(nil)

// Path returns the path of the toolchain executable.
func (c *NVCC) Path() string {
	name := "nvcc"
	if c.Platform == device.ROCm {
		name = "hipcc"
	}
	return filepath.Join(c.Home, "bin", name)
}

// args returns the command line arguments to compile the source file into the image file.
func (c *NVCC) args(sourcePath, imagePath, arch string) []string {
	if c.Platform == device.ROCm {
		return []string{sourcePath, "-o", imagePath, "--genco", fmt.Sprintf("-O%d", OptimizationLevel), "-w",
			fmt.Sprintf("--amdgpu-target=%s", arch)}
	}
	return []string{sourcePath, "-o", imagePath, "--fatbin", fmt.Sprintf("-O%d", OptimizationLevel),
		"-gencode", fmt.Sprintf("arch=compute_%s,code=sm_%s", arch, arch)}
}
