package sim

import (
	"strings"
	"sync"

	"github.com/gomlx/jitcomm/jit"
	"github.com/pkg/errors"
)

// Compiler is the in-process compiler of the simulated runtime: it accepts any source that declares a
// registered kernel entry point and produces an image loadable by Runtime.LoadModule.
//
// It is safe for concurrent use, so it can be shared by the caches of many simulated ranks.
type Compiler struct {
	// ToolkitHome is used to build the in-process compiler options recorded in the image.
	ToolkitHome string

	mu       sync.Mutex
	requests []jit.Request
}

// Assert Compiler implements jit.Compiler.
var _ jit.Compiler = (*Compiler)(nil)

// NewCompiler returns a Compiler with the default toolkit home.
func NewCompiler() *Compiler {
	return &Compiler{ToolkitHome: jit.DefaultToolkitHome}
}

// Compile implements jit.Compiler.
func (c *Compiler) Compile(req jit.Request) ([]byte, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if req.Arch == "" {
		return nil, errors.Errorf("compiling %q: no target architecture given", req.Entry)
	}
	if !strings.Contains(req.Source, req.Entry) {
		return nil, errors.Errorf("compilation log:\nerror: entry point %q is not defined in the source", req.Entry)
	}
	if lookupKernel(req.Entry) == nil {
		return nil, errors.Errorf("compilation log:\nerror: kernel %q has no simulated implementation", req.Entry)
	}
	img := &image{
		arch:    req.Arch,
		entry:   req.Entry,
		options: jit.RuntimeCompileOptions(req, c.ToolkitHome),
	}
	return img.encode(), nil
}

// Requests returns a copy of the requests compiled so far, including failed ones.
func (c *Compiler) Requests() []jit.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]jit.Request(nil), c.requests...)
}

// ImageOptions returns the compiler options recorded in an image produced by Compile.
func ImageOptions(img []byte) ([]string, error) {
	decoded, err := decodeImage(img)
	if err != nil {
		return nil, err
	}
	return decoded.options, nil
}
