//go:build linux

package jit

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compile implements Compiler.
//
// It returns ErrToolchainNotFound (wrapped) if the toolchain executable doesn't exist.
func (c *NVCC) Compile(req Request) ([]byte, error) {
	toolPath := c.Path()
	if _, err := os.Stat(toolPath); err != nil {
		return nil, errors.Wrapf(ErrToolchainNotFound,
			"failed to detect CUDA compiler file: %s, please set %s environment to configure CUDA SDK location correctly",
			toolPath, ToolkitHomeEnv)
	}

	sourceFile, err := os.CreateTemp("", "jitcomm-*.cu")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary kernel source file")
	}
	sourcePath := sourceFile.Name()
	imagePath := sourcePath + ".fatbin"
	defer func() {
		for _, p := range []string{sourcePath, imagePath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				klog.Warningf("Failed to remove temporary kernel file %q: %v", p, err)
			}
		}
	}()
	_, err = sourceFile.WriteString(req.Source)
	if closeErr := sourceFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to write kernel source to %q", sourcePath)
	}

	args := c.args(sourcePath, imagePath, req.Arch)
	klog.V(1).Infof("Compiling kernel %q: %s %v", req.Entry, toolPath, args)
	output, err := exec.Command(toolPath, args...).CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed to compile kernel %q:\n%s", toolPath, req.Entry, output)
	}
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s didn't produce the kernel image for %q", toolPath, req.Entry)
	}
	return img, nil
}
