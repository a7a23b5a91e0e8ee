package collective

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// splitPlan is the validated geometry of a pipelined scatter or gather.
//
// The data is seen as numSplits*slicesPerSplit slices of sliceBytes, where slice (j*numSplits + split) is the
// slice j of the split. Slice j is exchanged with rank worldSize*j/slicesPerSplit.
type splitPlan struct {
	worldSize      int
	numSplits      int
	slicesPerSplit int
	sliceBytes     int
	backward       bool
}

func (o *Orchestrator) planSplits(op string, totalBytes, numSplits, slicesPerSplit int, backward bool) (splitPlan, error) {
	p := splitPlan{
		worldSize:      o.primary.worldSize,
		numSplits:      numSplits,
		slicesPerSplit: slicesPerSplit,
		backward:       backward,
	}
	if numSplits <= 0 || numSplits > o.events.Capacity() {
		return p, errors.Errorf("%s: numSplits=%d must be between 1 and the number of event slots (%d)",
			op, numSplits, o.events.Capacity())
	}
	if slicesPerSplit <= 0 || slicesPerSplit%p.worldSize != 0 {
		return p, errors.Errorf("%s: slicesPerSplit=%d must be a positive multiple of the world size %d",
			op, slicesPerSplit, p.worldSize)
	}
	numSlices := numSplits * slicesPerSplit
	if totalBytes%numSlices != 0 {
		return p, errors.Errorf("%s: %d bytes can't be evenly divided in %d splits of %d slices",
			op, totalBytes, numSplits, slicesPerSplit)
	}
	p.sliceBytes = totalBytes / numSlices
	return p, nil
}

// split returns the split processed at step i.
func (p splitPlan) split(i int) SplitIndex {
	if p.backward {
		return SplitIndex(p.numSplits - 1 - i)
	}
	return SplitIndex(i)
}

// peer returns the rank slice j is exchanged with.
func (p splitPlan) peer(j int) int {
	return p.worldSize * j / p.slicesPerSplit
}

// offset returns the byte offset of slice j of the split in the interleaved tensor.
func (p splitPlan) offset(split SplitIndex, j int) int {
	return (j*p.numSplits + int(split)) * p.sliceBytes
}

// splitBytes is the size of one split.
func (p splitPlan) splitBytes() int {
	return p.slicesPerSplit * p.sliceBytes
}

// ScatterAsync splits input in numSplits*slicesPerSplit slices and exchanges them with the other ranks, one
// grouped send/receive per split. It returns one tensor of outputShape per split.
//
// The communication starts after the last record of slot 0 (see ReleaseOnCompute): the caller releases slot 0
// when the input is ready. Each split records its own slot on completion: the caller acquires slot k before
// consuming the output of split k. With isBackward the splits are issued in reverse order.
//
// Invalid geometries are reported before any operation is issued.
func (o *Orchestrator) ScatterAsync(input *device.Tensor, outputShape []int, numSplits, slicesPerSplit int, isBackward bool) ([]*device.Tensor, error) {
	primary := o.mustPrimary("ScatterAsync")
	if input == nil {
		return nil, errors.New("ScatterAsync: nil input")
	}
	plan, err := o.planSplits("ScatterAsync", input.NumBytes(), numSplits, slicesPerSplit, isBackward)
	if err != nil {
		return nil, err
	}
	if outputBytes := input.DType().SizeForDimensions(outputShape...); outputBytes != plan.splitBytes() {
		return nil, errors.Errorf("ScatterAsync: output shape %v of %s has %d bytes, but each split has %d bytes",
			outputShape, input.DType(), outputBytes, plan.splitBytes())
	}

	if err := o.runtime.RecordStream(input.Buffer(), o.commStream); err != nil {
		return nil, err
	}
	outputs := make([]*device.Tensor, numSplits)
	for i := range outputs {
		outputs[i], err = device.Empty(o.runtime, o.device, o.commStream, input.DType(), outputShape...)
		if err != nil {
			return nil, errors.WithMessage(err, "ScatterAsync")
		}
		if err := o.runtime.RecordStream(outputs[i].Buffer(), o.computeStream); err != nil {
			return nil, err
		}
	}

	if err := o.AcquireOnComm(0); err != nil {
		return nil, err
	}
	c := primary.comm
	for i := range numSplits {
		split := plan.split(i)
		if err := c.GroupStart(); err != nil {
			return nil, err
		}
		for j := range slicesPerSplit {
			peer := plan.peer(j)
			if err := c.Send(input.Ptr().Add(plan.offset(split, j)), plan.sliceBytes, dtypes.Int8, peer, o.commStream); err != nil {
				return nil, errors.WithMessagef(err, "ScatterAsync split %d", split)
			}
			if err := c.Recv(outputs[split].Ptr().Add(j*plan.sliceBytes), plan.sliceBytes, dtypes.Int8, peer, o.commStream); err != nil {
				return nil, errors.WithMessagef(err, "ScatterAsync split %d", split)
			}
		}
		if err := c.GroupEnd(); err != nil {
			return nil, err
		}
		if err := o.ReleaseOnComm(split); err != nil {
			return nil, err
		}
		klog.V(2).Infof("collective: rank %d issued scatter split %d (%d slices of %s)",
			primary.rank, split, slicesPerSplit, humanize.IBytes(uint64(plan.sliceBytes)))
	}
	return outputs, nil
}

// GatherAsync is the inverse of ScatterAsync: it takes one tensor per split and returns one tensor of outputShape
// with the slices received from the other ranks interleaved.
//
// The communication of split k starts after the last record of slot k: the caller releases slot k when the input
// of split k is ready. Slot 0 is recorded when the whole output is ready.
func (o *Orchestrator) GatherAsync(inputs []*device.Tensor, outputShape []int, numSplits, slicesPerSplit int, isBackward bool) (*device.Tensor, error) {
	primary := o.mustPrimary("GatherAsync")
	if len(inputs) != numSplits {
		return nil, errors.Errorf("GatherAsync: %d inputs given for %d splits", len(inputs), numSplits)
	}
	if numSplits == 0 {
		return nil, errors.New("GatherAsync: no inputs given")
	}
	for i, input := range inputs {
		if input == nil {
			return nil, errors.Errorf("GatherAsync: nil input for split %d", i)
		}
	}
	dtype := inputs[0].DType()
	plan, err := o.planSplits("GatherAsync", dtype.SizeForDimensions(outputShape...), numSplits, slicesPerSplit, isBackward)
	if err != nil {
		return nil, err
	}
	for i, input := range inputs {
		if input.DType() != dtype || input.NumBytes() != plan.splitBytes() {
			return nil, errors.Errorf("GatherAsync: input of split %d is %s with %d bytes, expected %s with %d bytes",
				i, input.DType(), input.NumBytes(), dtype, plan.splitBytes())
		}
	}

	for _, input := range inputs {
		if err := o.runtime.RecordStream(input.Buffer(), o.commStream); err != nil {
			return nil, err
		}
	}
	output, err := device.Empty(o.runtime, o.device, o.commStream, dtype, outputShape...)
	if err != nil {
		return nil, errors.WithMessage(err, "GatherAsync")
	}
	if err := o.runtime.RecordStream(output.Buffer(), o.computeStream); err != nil {
		return nil, err
	}

	c := primary.comm
	for i := range numSplits {
		split := plan.split(i)
		if err := o.AcquireOnComm(split); err != nil {
			return nil, err
		}
		if err := c.GroupStart(); err != nil {
			return nil, err
		}
		for j := range slicesPerSplit {
			peer := plan.peer(j)
			if err := c.Send(inputs[split].Ptr().Add(j*plan.sliceBytes), plan.sliceBytes, dtypes.Int8, peer, o.commStream); err != nil {
				return nil, errors.WithMessagef(err, "GatherAsync split %d", split)
			}
			if err := c.Recv(output.Ptr().Add(plan.offset(split, j)), plan.sliceBytes, dtypes.Int8, peer, o.commStream); err != nil {
				return nil, errors.WithMessagef(err, "GatherAsync split %d", split)
			}
		}
		if err := c.GroupEnd(); err != nil {
			return nil, err
		}
		klog.V(2).Infof("collective: rank %d issued gather split %d (%d slices of %s)",
			primary.rank, split, slicesPerSplit, humanize.IBytes(uint64(plan.sliceBytes)))
	}
	if err := o.ReleaseOnComm(0); err != nil {
		return nil, err
	}
	return output, nil
}
