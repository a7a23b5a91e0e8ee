package collective

import (
	"strings"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/gomlx/jitcomm/jit"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// strideCopySource is the kernel that transposes rows of size elements: row index of the input, seen as a
// matrix of height x width rows, is written to row (width*(index%height) + index/height) of the output.
// $T is replaced by the element type.
const strideCopySource = `
extern "C" __global__ void memStrideCopyKernel_$T(
    $T* __restrict__ out, const $T* __restrict__ in,
    const size_t size, const int height, const int width) {
  const size_t tid = threadIdx.x + blockIdx.x * blockDim.x;
  for (size_t i = tid; i < size * height * width; i += gridDim.x * blockDim.x) {
    const size_t index = i / size, offset = i % size;
    const size_t j = (width * (index % height) + index / height) * size + offset;
    out[j] = in[i];
  }
}
`

// vectorBytes is the size of the uint4 element of the vectorized stride copy.
const vectorBytes = 16

// strideCopyKernels are injected the first time the hierarchical all-to-all is used.
type strideCopyKernels struct {
	char, vector    jit.Handle
	grid, blockSize int
}

func (o *Orchestrator) ensureStrideCopy() (*strideCopyKernels, error) {
	if o.strideCopy != nil {
		return o.strideCopy, nil
	}
	k := &strideCopyKernels{}
	var err error
	if k.char, err = o.cache.Inject(expandElementType(strideCopySource, "char")); err != nil {
		return nil, err
	}
	if k.vector, err = o.cache.Inject(expandElementType(strideCopySource, "uint4")); err != nil {
		return nil, err
	}
	fn, err := o.cache.Activate(k.vector, o.device)
	if err != nil {
		return nil, err
	}
	k.grid, k.blockSize, err = o.runtime.MaxPotentialBlockSize(fn)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compute the stride copy occupancy")
	}
	klog.V(1).Infof("collective: stride copy kernels injected, grid=%d, block=%d", k.grid, k.blockSize)
	o.strideCopy = k
	return k, nil
}

func expandElementType(source, elementType string) string {
	return strings.ReplaceAll(source, "$T", elementType)
}

// launchStrideCopy launches the stride copy of height*width rows of rowBytes from in to out on the communication stream.
// The vectorized kernel is used when the rows are a multiple of 16 bytes.
func (o *Orchestrator) launchStrideCopy(k *strideCopyKernels, out, in device.Ptr, rowBytes, height, width int) error {
	h, size := k.char, uint64(rowBytes)
	if rowBytes%vectorBytes == 0 {
		h, size = k.vector, uint64(rowBytes/vectorBytes)
	}
	h32, w32 := int32(height), int32(width)
	return o.cache.Launch(h).
		OnDevice(o.device).
		OnStream(o.commStream).
		WithGrid(k.grid).
		WithBlock(device.Dim3{X: k.blockSize, Y: 1, Z: 1}).
		WithArgs(unsafe.Pointer(&out), unsafe.Pointer(&in), unsafe.Pointer(&size), unsafe.Pointer(&h32), unsafe.Pointer(&w32)).
		Done()
}

// AllToAll2DAsync exchanges input with all ranks: slice r of the input (of input.NumBytes()/worldSize bytes) is
// sent to rank r, and slice r of the result is received from rank r. It is issued on the communication stream.
//
// With more than one node and more than one device per node it runs hierarchically: an exchange among the devices
// of the node, followed by an exchange among the corresponding devices of all nodes, with a stride copy reordering
// the slices before each one. In that case the result is written in place and input is returned. Otherwise it runs
// one flat exchange and returns a new tensor.
//
// Event slots are not used: the caller orders it with the compute stream using the Release/Acquire primitives.
func (o *Orchestrator) AllToAll2DAsync(input *device.Tensor) (*device.Tensor, error) {
	primary := o.mustPrimary("AllToAll2DAsync")
	if input == nil {
		return nil, errors.New("AllToAll2DAsync: nil input")
	}
	worldSize, ngpus := primary.worldSize, o.localSize
	if input.NumBytes()%worldSize != 0 {
		return nil, errors.Errorf("AllToAll2DAsync: %d bytes can't be evenly divided among %d ranks", input.NumBytes(), worldSize)
	}
	if ngpus <= 0 || worldSize%ngpus != 0 {
		return nil, errors.Errorf("AllToAll2DAsync: world size %d is not a multiple of the local size %d", worldSize, ngpus)
	}
	sliceBytes := input.NumBytes() / worldSize
	nnodes := worldSize / ngpus
	hierarchical := ngpus > 1 && nnodes > 1
	var kernels *strideCopyKernels
	if hierarchical {
		var err error
		if kernels, err = o.ensureStrideCopy(); err != nil {
			return nil, errors.WithMessage(err, "AllToAll2DAsync")
		}
	}

	if err := o.runtime.RecordStream(input.Buffer(), o.commStream); err != nil {
		return nil, err
	}
	tmp, err := device.EmptyLike(o.runtime, input, o.commStream)
	if err != nil {
		return nil, errors.WithMessage(err, "AllToAll2DAsync")
	}
	c := primary.comm
	klog.V(2).Infof("collective: rank %d issuing 2-D all-to-all of %s (hierarchical=%v)",
		primary.rank, humanize.IBytes(uint64(input.NumBytes())), hierarchical)

	if !hierarchical {
		if err := c.GroupStart(); err != nil {
			return nil, err
		}
		for r := range worldSize {
			if err := c.Send(input.Ptr().Add(r*sliceBytes), sliceBytes, dtypes.Int8, r, o.commStream); err != nil {
				return nil, err
			}
			if err := c.Recv(tmp.Ptr().Add(r*sliceBytes), sliceBytes, dtypes.Int8, r, o.commStream); err != nil {
				return nil, err
			}
		}
		if err := c.GroupEnd(); err != nil {
			return nil, err
		}
		if err := o.runtime.RecordStream(tmp.Buffer(), o.computeStream); err != nil {
			return nil, err
		}
		return tmp, nil
	}

	nodeRank := primary.rank / ngpus

	// Group the slices by destination device, then node.
	if err := o.launchStrideCopy(kernels, tmp.Ptr(), input.Ptr(), sliceBytes, ngpus, nnodes); err != nil {
		return nil, err
	}
	// Intra-node: exchange with each device of the node the slices for its devices on every node.
	chunk := nnodes * sliceBytes
	if err := c.GroupStart(); err != nil {
		return nil, err
	}
	for g := range ngpus {
		peer := g + nodeRank*ngpus
		if err := c.Send(tmp.Ptr().Add(g*chunk), chunk, dtypes.Int8, peer, o.commStream); err != nil {
			return nil, err
		}
		if err := c.Recv(input.Ptr().Add(g*chunk), chunk, dtypes.Int8, peer, o.commStream); err != nil {
			return nil, err
		}
	}
	if err := c.GroupEnd(); err != nil {
		return nil, err
	}

	// Group the received slices by destination node.
	if err := o.launchStrideCopy(kernels, tmp.Ptr(), input.Ptr(), sliceBytes, nnodes, ngpus); err != nil {
		return nil, err
	}
	// Inter-node: exchange with the corresponding device of each node.
	chunk = ngpus * sliceBytes
	if err := c.GroupStart(); err != nil {
		return nil, err
	}
	for n := range nnodes {
		peer := n*ngpus + o.localRank
		if err := c.Send(tmp.Ptr().Add(n*chunk), chunk, dtypes.Int8, peer, o.commStream); err != nil {
			return nil, err
		}
		if err := c.Recv(input.Ptr().Add(n*chunk), chunk, dtypes.Int8, peer, o.commStream); err != nil {
			return nil, err
		}
	}
	if err := c.GroupEnd(); err != nil {
		return nil, err
	}
	if err := tmp.Free(); err != nil {
		return nil, errors.WithMessage(err, "AllToAll2DAsync: failed to release the scratch tensor")
	}
	return input, nil
}
