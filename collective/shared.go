package collective

import (
	"strings"

	"github.com/gomlx/jitcomm/comm"
	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/pkg/errors"
)

// Operations on the shared communicator. They are all issued on the compute stream.

// checkSizes validates per-rank element counts, and returns their total.
func checkSizes(what string, sizes []int64, worldSize int) (int, error) {
	if len(sizes) != worldSize {
		return 0, errors.Errorf("%s has %d values, one per rank (%d) is required", what, len(sizes), worldSize)
	}
	total := 0
	for rank, size := range sizes {
		if size < 0 {
			return 0, errors.Errorf("%s has negative size %d for rank %d", what, size, rank)
		}
		total += int(size)
	}
	return total, nil
}

func checkTensors(op string, ins, outs []*device.Tensor) error {
	if len(ins) != len(outs) {
		return errors.Errorf("%s: %d inputs and %d outputs given", op, len(ins), len(outs))
	}
	for i := range ins {
		if ins[i] == nil || outs[i] == nil {
			return errors.Errorf("%s: nil tensor at position %d", op, i)
		}
		if ins[i].DType() != outs[i].DType() {
			return errors.Errorf("%s: input %d is %s, output is %s", op, i, ins[i].DType(), outs[i].DType())
		}
		if !ins[i].DType().IsKnown() {
			return errors.Errorf("%s: dtype %s not supported", op, ins[i].DType())
		}
	}
	return nil
}

// AllToAllV exchanges variable sized slices with all ranks, for each pair of tensors (ins[k], outs[k]): the first
// inSizes[0] elements of ins[k] are sent to rank 0, the following inSizes[1] to rank 1, etc., and outSizes[r]
// elements received from rank r are written consecutively to outs[k].
//
// All inputs must have the same number of elements.
func (o *Orchestrator) AllToAllV(ins, outs []*device.Tensor, inSizes, outSizes []int64) error {
	shared := o.mustShared("AllToAllV")
	if err := checkTensors("AllToAllV", ins, outs); err != nil {
		return err
	}
	inTotal, err := checkSizes("AllToAllV inSizes", inSizes, shared.worldSize)
	if err != nil {
		return err
	}
	outTotal, err := checkSizes("AllToAllV outSizes", outSizes, shared.worldSize)
	if err != nil {
		return err
	}
	for k := range ins {
		if ins[k].Size() != ins[0].Size() {
			return errors.Errorf("AllToAllV: input %d has %d elements, input 0 has %d", k, ins[k].Size(), ins[0].Size())
		}
		if inTotal > ins[k].Size() || outTotal > outs[k].Size() {
			return errors.Errorf("AllToAllV: pair %d has %d input and %d output elements, sizes require %d and %d",
				k, ins[k].Size(), outs[k].Size(), inTotal, outTotal)
		}
	}

	c := shared.comm
	for k := range ins {
		elementSize := ins[k].DType().Size()
		if err := c.GroupStart(); err != nil {
			return err
		}
		inOffset, outOffset := 0, 0
		for r := range shared.worldSize {
			inBytes, outBytes := int(inSizes[r])*elementSize, int(outSizes[r])*elementSize
			if err := c.Send(ins[k].Ptr().Add(inOffset), inBytes, dtypes.Int8, r, o.computeStream); err != nil {
				return err
			}
			if err := c.Recv(outs[k].Ptr().Add(outOffset), outBytes, dtypes.Int8, r, o.computeStream); err != nil {
				return err
			}
			inOffset += inBytes
			outOffset += outBytes
		}
		if err := c.GroupEnd(); err != nil {
			return err
		}
	}
	return nil
}

// AllGatherV gathers variable sized contributions of all ranks, for each pair of tensors (ins[k], outs[k]): each rank
// sends its first outSizes[rank] elements of ins[k] to all ranks, and outs[k] receives the contributions of all
// ranks consecutively, outSizes[r] elements from rank r. Empty contributions are skipped.
//
// All inputs must have the same number of elements.
func (o *Orchestrator) AllGatherV(ins, outs []*device.Tensor, outSizes []int64) error {
	shared := o.mustShared("AllGatherV")
	if err := checkTensors("AllGatherV", ins, outs); err != nil {
		return err
	}
	outTotal, err := checkSizes("AllGatherV outSizes", outSizes, shared.worldSize)
	if err != nil {
		return err
	}
	own := int(outSizes[shared.rank])
	for k := range ins {
		if ins[k].Size() != ins[0].Size() {
			return errors.Errorf("AllGatherV: input %d has %d elements, input 0 has %d", k, ins[k].Size(), ins[0].Size())
		}
		if own > ins[k].Size() || outTotal > outs[k].Size() {
			return errors.Errorf("AllGatherV: pair %d has %d input and %d output elements, sizes require %d and %d",
				k, ins[k].Size(), outs[k].Size(), own, outTotal)
		}
	}

	c := shared.comm
	for k := range ins {
		elementSize := ins[k].DType().Size()
		if err := c.GroupStart(); err != nil {
			return err
		}
		outOffset := 0
		for r := range shared.worldSize {
			if own > 0 {
				if err := c.Send(ins[k].Ptr(), own*elementSize, dtypes.Int8, r, o.computeStream); err != nil {
					return err
				}
			}
			outBytes := int(outSizes[r]) * elementSize
			if outBytes > 0 {
				if err := c.Recv(outs[k].Ptr().Add(outOffset), outBytes, dtypes.Int8, r, o.computeStream); err != nil {
					return err
				}
			}
			outOffset += outBytes
		}
		if err := c.GroupEnd(); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast overwrites t on all ranks with its value on root.
func (o *Orchestrator) Broadcast(t *device.Tensor, root int) error {
	shared := o.mustShared("Broadcast")
	if t == nil {
		return errors.New("Broadcast: nil tensor")
	}
	if root < 0 || root >= shared.worldSize {
		return errors.Errorf("Broadcast: invalid root %d for world size %d", root, shared.worldSize)
	}
	return shared.comm.Broadcast(t.Ptr(), t.Size(), t.DType(), root, o.computeStream)
}

// addSource is the elementwise addition kernel, for the element type $T and the dtype suffix $S.
const addSource = `
// [thread_extent] threadIdx.x = 256
extern "C" __global__ __launch_bounds__(256) void x_add_y_$S(
    $T* __restrict__ out, const $T* __restrict__ x, const $T* __restrict__ y, const long long n) {
  for (long long i = blockIdx.x * (long long)blockDim.x + threadIdx.x; i < n; i += (long long)gridDim.x * blockDim.x)
    out[i] = x[i] + y[i];
}
`

// addElementTypes maps the dtypes supported by AddAllReduce to the kernel element type and entry suffix.
var addElementTypes = map[dtypes.DType][2]string{
	dtypes.Float16:  {"__half", "f16"},
	dtypes.BFloat16: {"__nv_bfloat16", "bf16"},
	dtypes.Float32:  {"float", "f32"},
	dtypes.Float64:  {"double", "f64"},
}

// maxAddBlocks caps the grid of the addition kernel, which strides over the elements.
const maxAddBlocks = 4096

// AddAllReduce sums t across all ranks, in place, and returns x + t in a new tensor. x and t must have the same
// shape and a floating point dtype.
func (o *Orchestrator) AddAllReduce(x, t *device.Tensor) (*device.Tensor, error) {
	shared := o.mustShared("AddAllReduce")
	if x == nil || t == nil {
		return nil, errors.New("AddAllReduce: nil tensor")
	}
	if x.DType() != t.DType() || x.Size() != t.Size() {
		return nil, errors.Errorf("AddAllReduce: x (%s, %d elements) and t (%s, %d elements) don't match",
			x.DType(), x.Size(), t.DType(), t.Size())
	}
	if !x.DType().IsFloat() {
		return nil, errors.Errorf("AddAllReduce: dtype %s is not a floating point type", x.DType())
	}
	types, found := addElementTypes[x.DType()]
	if !found {
		return nil, errors.Errorf("AddAllReduce: dtype %s not supported", x.DType())
	}
	h, found := o.addKernels[x.DType()]
	if !found {
		source := addSource
		if x.DType() == dtypes.BFloat16 {
			source = "#include <cuda_bf16.h>\n" + source
		}
		source = expandElementType(source, types[0])
		var err error
		if h, err = o.cache.Inject(replaceSuffix(source, types[1])); err != nil {
			return nil, err
		}
		o.addKernels[x.DType()] = h
	}

	if err := shared.comm.AllReduce(t.Ptr(), t.Ptr(), t.Size(), t.DType(), comm.Sum, o.computeStream); err != nil {
		return nil, errors.WithMessage(err, "AddAllReduce")
	}
	out, err := device.Empty(o.runtime, o.device, o.computeStream, x.DType(), x.Shape()...)
	if err != nil {
		return nil, errors.WithMessage(err, "AddAllReduce")
	}
	threads := o.cache.Descriptor(h).Threads.X
	blocks := min(max((x.Size()+threads-1)/threads, 1), maxAddBlocks)
	err = o.cache.Launch(h).
		OnDevice(o.device).
		OnStream(o.computeStream).
		WithGrid(blocks).
		WithTensors(out, x, t).
		WithScalars(int64(x.Size())).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "AddAllReduce of %s", x.DType())
	}
	return out, nil
}

func replaceSuffix(source, suffix string) string {
	return strings.ReplaceAll(source, "$S", suffix)
}
