package sim

import (
	"runtime"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/gomlx/jitcomm/jit"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, options Options) *Runtime {
	rt, err := New(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestNew(t *testing.T) {
	_, err := New(Options{NumDevices: 2, CurrentDevice: 2})
	require.Error(t, err)

	rt := newTestRuntime(t, Options{NumDevices: 4, CurrentDevice: 1})
	require.Equal(t, 1, rt.CurrentDevice())
	require.Equal(t, 4, must.M1(rt.DeviceCount()))
	require.Equal(t, "80", must.M1(rt.Arch(3)))
	_, err = rt.Arch(4)
	require.Error(t, err)
	require.Error(t, rt.SetDevice(-1))
	require.NoError(t, rt.SetDevice(3))
	require.Equal(t, 3, rt.DefaultStream(3).Device())
	require.Nil(t, rt.DefaultStream(7))

	rocm := newTestRuntime(t, Options{Platform: device.ROCm})
	require.Equal(t, "gfx90a", must.M1(rocm.Arch(0)))
}

func TestStreamOrdering(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	s := rt.DefaultStream(0).(*Stream)
	var order []int
	for i := range 100 {
		require.NoError(t, s.Enqueue("append", func() error {
			order = append(order, i)
			return nil
		}))
	}
	require.NoError(t, s.Synchronize())
	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestStreamStickyError(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	s := must.M1(rt.NewStream(0)).(*Stream)
	var ran atomic.Bool
	require.NoError(t, s.Enqueue("fail", func() error { return errFailure }))
	require.NoError(t, s.Enqueue("after", func() error { ran.Store(true); return nil }))
	require.ErrorIs(t, s.Synchronize(), errFailure)
	require.True(t, ran.Load())
	require.ErrorIs(t, s.Synchronize(), errFailure)
}

var errFailure = errFailureType{}

type errFailureType struct{}

func (errFailureType) Error() string { return "failure" }

func TestEventOrdering(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	a := must.M1(rt.NewStream(0))
	b := must.M1(rt.NewStream(0))
	e := must.M1(rt.NewEvent(0))

	// Blocking on an event never recorded is a no-op.
	require.NoError(t, e.Block(b))
	require.NoError(t, b.Synchronize())

	release := make(chan struct{})
	var aDone, bSawA atomic.Bool
	require.NoError(t, a.(*Stream).Enqueue("slow", func() error {
		<-release
		aDone.Store(true)
		return nil
	}))
	require.NoError(t, e.Record(a))
	require.NoError(t, e.Block(b))
	require.NoError(t, b.(*Stream).Enqueue("check", func() error {
		bSawA.Store(aDone.Load())
		return nil
	}))
	require.False(t, e.(*Event).Query())
	close(release)
	require.NoError(t, b.Synchronize())
	require.True(t, bSawA.Load())
	require.NoError(t, e.Synchronize())
	require.True(t, e.(*Event).Query())
}

func TestEventBlockBindsToLatestRecord(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	a := must.M1(rt.NewStream(0))
	b := must.M1(rt.NewStream(0))
	e := must.M1(rt.NewEvent(0))

	require.NoError(t, e.Record(a))
	require.NoError(t, a.Synchronize())
	require.NoError(t, e.Block(b))

	// A later record, stuck behind a blocked operation, doesn't affect the wait already submitted.
	release := make(chan struct{})
	require.NoError(t, a.(*Stream).Enqueue("stuck", func() error { <-release; return nil }))
	require.NoError(t, e.Record(a))
	require.NoError(t, b.Synchronize())
	close(release)
	require.NoError(t, a.Synchronize())
}

func TestAllocator(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	compute := rt.DefaultStream(0)
	comm := must.M1(rt.NewStream(0))
	alive := BuffersAlive()

	buf := must.M1(rt.Alloc(0, 1000, compute))
	require.NotZero(t, buf.Ptr())
	require.Equal(t, 1000, buf.Size())
	require.Equal(t, alive+1, BuffersAlive())
	ptr := buf.Ptr()
	require.NoError(t, buf.Free())
	require.NoError(t, buf.Free())
	require.Equal(t, alive, BuffersAlive())

	// Freed memory is reused on the same stream only.
	other := must.M1(rt.Alloc(0, 1000, comm))
	require.NotEqual(t, ptr, other.Ptr())
	again := must.M1(rt.Alloc(0, 1000, compute))
	require.Equal(t, ptr, again.Ptr())
	allocated, reused := rt.AllocatorStats()
	require.Equal(t, 2, allocated)
	require.Equal(t, 1, reused)

	// Memory recorded on another stream is only reused after that stream's pending work.
	release := make(chan struct{})
	require.NoError(t, comm.(*Stream).Enqueue("using", func() error { <-release; return nil }))
	require.NoError(t, rt.RecordStream(again, comm))
	require.NoError(t, again.Free())
	fresh := must.M1(rt.Alloc(0, 1000, compute))
	require.NotEqual(t, ptr, fresh.Ptr())
	close(release)
	require.NoError(t, comm.Synchronize())
	reusedAfter := must.M1(rt.Alloc(0, 1000, compute))
	require.Equal(t, ptr, reusedAfter.Ptr())

	_, err := rt.Alloc(0, 10, must.M1(rt.NewStream(0)))
	require.NoError(t, err)
	_, err = rt.Alloc(1, 10, compute)
	require.Error(t, err)
	runtime.KeepAlive(other)
	runtime.KeepAlive(fresh)
	runtime.KeepAlive(reusedAfter)
}

func TestMemcpyAndBounds(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	s := rt.DefaultStream(0)
	tensor := must.M1(device.Empty(rt, 0, s, dtypes.Uint8, 4, 4))
	src := make([]byte, 16)
	for i := range src {
		src[i] = byte(i)
	}
	require.NoError(t, rt.MemcpyHtoD(tensor.Ptr(), src, s))
	dst := make([]byte, 8)
	require.NoError(t, rt.MemcpyDtoH(dst, tensor.Ptr().Add(8), s))
	require.NoError(t, s.Synchronize())
	require.Equal(t, src[8:], dst)

	_, err := rt.Bytes(tensor.Ptr().Add(8), 9)
	require.Error(t, err)
	_, err = rt.Bytes(1, 1)
	require.Error(t, err)
}

func TestCompileLoadLaunch(t *testing.T) {
	rt := newTestRuntime(t, Options{NumDevices: 2})
	compiler := NewCompiler()
	req := jit.Request{
		Source: device.CUDA.Preamble() + `extern "C" __global__ void memStrideCopyKernel_char(char* out, const char* in, size_t size, int height, int width) {}`,
		Entry:  "memStrideCopyKernel_char",
		Arch:   "80",
	}
	img := must.M1(compiler.Compile(req))
	options := must.M1(ImageOptions(img))
	require.Contains(t, options, "--gpu-architecture=compute_80")
	require.Contains(t, options, "--include-path=/usr/local/cuda/include")

	_, err := compiler.Compile(jit.Request{Source: "void unknown_kernel() {}", Entry: "unknown_kernel", Arch: "80"})
	require.Error(t, err)
	require.Len(t, compiler.Requests(), 2)

	_, err = rt.LoadModule(1, []byte("not an image"), device.ModuleOptions{})
	require.Error(t, err)
	_, err = rt.LoadModule(1, nil, device.ModuleOptions{})
	require.Error(t, err)
	wrongArch := must.M1(compiler.Compile(jit.Request{Source: req.Source, Entry: req.Entry, Arch: "70"}))
	_, err = rt.LoadModule(1, wrongArch, device.ModuleOptions{})
	require.Error(t, err)

	module := must.M1(rt.LoadModule(1, img, device.ModuleOptions{OptimizationLevel: 4, MaxThreadsPerBlock: 256}))
	_, err = module.Function("other")
	require.Error(t, err)
	fn := must.M1(module.Function("memStrideCopyKernel_char"))
	require.Equal(t, 1, fn.Device())
	grid, block := must.M2(rt.MaxPotentialBlockSize(fn))
	require.Equal(t, 256, block)
	require.Equal(t, 108*8, grid)

	s := rt.DefaultStream(1)
	in := must.M1(device.Empty(rt, 1, s, dtypes.Uint8, 6))
	out := must.M1(device.Empty(rt, 1, s, dtypes.Uint8, 6))
	require.NoError(t, rt.MemcpyHtoD(in.Ptr(), []byte{0, 1, 2, 3, 4, 5}, s))
	outPtr, inPtr := out.Ptr(), in.Ptr()
	size := uint64(1)
	height, width := int32(2), int32(3)
	params := []unsafe.Pointer{unsafe.Pointer(&outPtr), unsafe.Pointer(&inPtr), unsafe.Pointer(&size),
		unsafe.Pointer(&height), unsafe.Pointer(&width)}

	// Block larger than the launch bounds, wrong number of parameters, stream on another device.
	require.Error(t, rt.Launch(fn, device.Ones, device.Dim3{X: 512, Y: 1, Z: 1}, s, params))
	require.Error(t, rt.Launch(fn, device.Ones, device.Ones, s, params[:4]))
	require.Error(t, rt.Launch(fn, device.Ones, device.Ones, rt.DefaultStream(0), params))

	require.NoError(t, rt.Launch(fn, device.Ones, device.Dim3{X: 128, Y: 1, Z: 1}, s, params))
	// Parameters are captured at launch.
	height, width = 0, 0
	got := make([]byte, 6)
	require.NoError(t, rt.MemcpyDtoH(got, out.Ptr(), s))
	require.NoError(t, s.Synchronize())
	// Row index goes to width*(index%height) + index/height.
	require.Equal(t, []byte{0, 2, 4, 1, 3, 5}, got)
}
