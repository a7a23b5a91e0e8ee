//go:build !linux

package jit

// Compile implements Compiler. The toolchain is only driven on Linux.
func (c *NVCC) Compile(req Request) ([]byte, error) {
	return nil, ErrCompileDeclined
}
