package collective_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/jitcomm/collective"
	"github.com/gomlx/jitcomm/comm"
	"github.com/gomlx/jitcomm/comm/loopback"
	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/device/sim"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/gomlx/jitcomm/jit"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// testRank is one rank of a simulated world, with its own runtime.
type testRank struct {
	rank int
	rt   *sim.Runtime
	o    *collective.Orchestrator
}

// newRanks creates the orchestrators of worldSize ranks, localSize per node. Each rank uses the device
// rank % localSize of its own runtime. Communicators are not initialized.
func newRanks(t testing.TB, worldSize, localSize int) []*testRank {
	compiler := sim.NewCompiler()
	ranks := make([]*testRank, worldSize)
	for r := range ranks {
		rt := must.M1(sim.New(sim.Options{NumDevices: localSize, CurrentDevice: r % localSize}))
		t.Cleanup(func() { _ = rt.Close() })
		cache := jit.New(rt, compiler, jit.Config{ForceRuntimeCompile: true, ToolkitHome: jit.DefaultToolkitHome})
		ranks[r] = &testRank{
			rank: r,
			rt:   rt,
			o:    collective.New(rt, loopback.New(rt), cache, collective.Options{LocalSize: localSize}),
		}
	}
	return ranks
}

// forEachRank runs fn concurrently for all ranks, one goroutine each, and returns the first error.
func forEachRank(ranks []*testRank, fn func(r *testRank) error) error {
	var g errgroup.Group
	for _, r := range ranks {
		g.Go(func() error {
			if err := fn(r); err != nil {
				return errors.WithMessagef(err, "rank %d", r.rank)
			}
			return nil
		})
	}
	return g.Wait()
}

// initWorld creates the ranks and initializes the primary communicator with maxSplits event slots, and the
// shared communicator.
func initWorld(t testing.TB, worldSize, localSize, maxSplits int) []*testRank {
	ranks := newRanks(t, worldSize, localSize)
	primaryID := must.M1(ranks[0].o.GenerateUniqueID())
	sharedID := must.M1(ranks[0].o.GenerateUniqueID())
	require.NoError(t, forEachRank(ranks, func(r *testRank) error {
		if err := r.o.InitPrimary(primaryID, worldSize, r.rank, maxSplits); err != nil {
			return err
		}
		return r.o.InitShared(sharedID, worldSize, r.rank)
	}))
	return ranks
}

// upload creates a tensor with the data on the compute stream.
func (r *testRank) upload(dtype dtypes.DType, data []byte, shape ...int) (*device.Tensor, error) {
	s := r.o.ComputeStream()
	t, err := device.Empty(r.rt, r.rt.CurrentDevice(), s, dtype, shape...)
	if err != nil {
		return nil, err
	}
	if err := r.rt.MemcpyHtoD(t.Ptr(), data, s); err != nil {
		return nil, err
	}
	return t, nil
}

// download copies the tensor on the compute stream and waits for it.
func (r *testRank) download(t *device.Tensor) ([]byte, error) {
	s := r.o.ComputeStream()
	data := make([]byte, t.NumBytes())
	if err := r.rt.MemcpyDtoH(data, t.Ptr(), s); err != nil {
		return nil, err
	}
	if err := s.Synchronize(); err != nil {
		return nil, err
	}
	return data, nil
}

// pattern is the value of byte b of slice s of rank r.
func pattern(r, s, b int) byte {
	return byte(r*61 + s*17 + b)
}

func patternInput(rank, numSlices, sliceBytes int) []byte {
	data := make([]byte, numSlices*sliceBytes)
	for s := range numSlices {
		for b := range sliceBytes {
			data[s*sliceBytes+b] = pattern(rank, s, b)
		}
	}
	return data
}

// allToAll is the reference all-to-all: slice s of the result of rank r is slice r of the input of rank s.
func allToAll(inputs [][]byte, worldSize int) [][]byte {
	sliceBytes := len(inputs[0]) / worldSize
	outputs := make([][]byte, worldSize)
	for r := range outputs {
		outputs[r] = make([]byte, len(inputs[r]))
		for s := range worldSize {
			copy(outputs[r][s*sliceBytes:(s+1)*sliceBytes], inputs[s][r*sliceBytes:(r+1)*sliceBytes])
		}
	}
	return outputs
}

// uploadSlice creates a tensor with the values on the compute stream.
func uploadSlice[T dtypes.Supported](r *testRank, values []T, shape ...int) (*device.Tensor, error) {
	return device.FromSlice(r.rt, r.rt.CurrentDevice(), r.o.ComputeStream(), values, shape...)
}

// downloadSlice copies the tensor to the host on the compute stream and waits for it.
func downloadSlice[T dtypes.Supported](r *testRank, t *device.Tensor) ([]T, error) {
	return device.ToSlice[T](r.rt, t, r.o.ComputeStream())
}

func TestInit(t *testing.T) {
	ranks := newRanks(t, 2, 2)
	o := ranks[0].o
	require.Equal(t, 0, o.WorldSize())
	require.Equal(t, -1, o.Rank())
	require.Nil(t, o.Events())
	require.Nil(t, o.CommStream())
	require.NotNil(t, o.ComputeStream())

	// Operations before initialization are misuse.
	input := must.M1(ranks[0].upload(dtypes.Uint8, make([]byte, 8), 8))
	require.Panics(t, func() { _, _ = o.ScatterAsync(input, []int{4}, 1, 2, false) })
	require.Panics(t, func() { _, _ = o.AllToAll2DAsync(input) })
	require.Panics(t, func() { _ = o.ReleaseOnCompute(0) })
	require.Panics(t, func() { _ = o.Broadcast(input, 0) })

	id := must.M1(o.GenerateUniqueID())
	require.Error(t, o.InitPrimary(id, 2, 0, 0))
	require.Error(t, o.InitPrimary(id, 2, 2, 1))

	require.NoError(t, forEachRank(ranks, func(r *testRank) error {
		return r.o.InitPrimary(id, 2, r.rank, 3)
	}))
	for _, r := range ranks {
		require.Equal(t, 2, r.o.WorldSize())
		require.Equal(t, r.rank, r.o.Rank())
		require.Equal(t, 2, r.o.LocalSize())
		require.Equal(t, r.rank, r.o.LocalRank())
		require.Equal(t, 3, r.o.Events().Capacity())
		require.NotNil(t, r.o.CommStream())
		require.Equal(t, r.rank, r.o.CommStream().Device())
	}
	require.Panics(t, func() { _ = o.InitPrimary(id, 2, 0, 3) })
	require.Panics(t, func() { o.Events().Slot(3) })
	require.Panics(t, func() { o.SetComputeStream(nil) })
}

func TestLocalSizeFromEnv(t *testing.T) {
	t.Setenv(collective.LocalSizeEnv, "1")
	rt := must.M1(sim.New(sim.Options{NumDevices: 4}))
	t.Cleanup(func() { _ = rt.Close() })
	cache := jit.New(rt, sim.NewCompiler(), jit.Config{ForceRuntimeCompile: true})
	o := collective.New(rt, loopback.New(rt), cache, collective.Options{})
	require.NoError(t, o.InitPrimary(must.M1(o.GenerateUniqueID()), 1, 0, 1))
	require.Equal(t, 1, o.LocalSize())

	t.Setenv(collective.LocalSizeEnv, "zero")
	o = collective.New(rt, loopback.New(rt), cache, collective.Options{})
	require.Error(t, o.InitPrimary(must.M1(o.GenerateUniqueID()), 1, 0, 1))

	otherCache := jit.New(must.M1(sim.New(sim.Options{})), sim.NewCompiler(), jit.Config{ForceRuntimeCompile: true})
	require.Panics(t, func() { collective.New(rt, loopback.New(rt), otherCache, collective.Options{}) })
}

// TestScatterExample exchanges 4096 bytes among 4 ranks in one split of 4 slices: each rank receives slice r of
// every rank.
func TestScatterExample(t *testing.T) {
	const worldSize, sliceBytes = 4, 1024
	ranks := initWorld(t, worldSize, 1, 2)
	inputs := make([][]byte, worldSize)
	for r := range inputs {
		inputs[r] = patternInput(r, worldSize, sliceBytes)
	}
	results := make([][]byte, worldSize)
	require.NoError(t, forEachRank(ranks, func(r *testRank) error {
		input, err := r.upload(dtypes.Uint8, inputs[r.rank], worldSize*sliceBytes)
		if err != nil {
			return err
		}
		if err := r.o.ReleaseOnCompute(0); err != nil {
			return err
		}
		outputs, err := r.o.ScatterAsync(input, []int{worldSize * sliceBytes}, 1, worldSize, false)
		if err != nil {
			return err
		}
		if len(outputs) != 1 {
			return errors.Errorf("got %d outputs", len(outputs))
		}
		if err := r.o.AcquireOnCompute(0); err != nil {
			return err
		}
		results[r.rank], err = r.download(outputs[0])
		return err
	}))
	require.Equal(t, allToAll(inputs, worldSize), results)
}

func TestScatterGatherRoundTrip(t *testing.T) {
	const worldSize = 4
	for _, tc := range []struct {
		name                                  string
		numSplits, slicesPerSplit, sliceBytes int
		backward                              bool
	}{
		{"forward", 3, 4, 6, false},
		{"backward", 3, 4, 6, true},
		{"many slices per rank", 2, 8, 5, false},
		{"many slices per rank backward", 4, 8, 1, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ranks := initWorld(t, worldSize, 1, 4)
			numSlices := tc.numSplits * tc.slicesPerSplit
			splitBytes := tc.slicesPerSplit * tc.sliceBytes
			perRank := tc.slicesPerSplit / worldSize
			inputs := make([][]byte, worldSize)
			for r := range inputs {
				inputs[r] = patternInput(r, numSlices, tc.sliceBytes)
			}
			scattered := make([][][]byte, worldSize)
			gathered := make([][]byte, worldSize)
			require.NoError(t, forEachRank(ranks, func(r *testRank) error {
				o := r.o
				input, err := r.upload(dtypes.Uint8, inputs[r.rank], numSlices*tc.sliceBytes)
				if err != nil {
					return err
				}
				if err := o.ReleaseOnCompute(0); err != nil {
					return err
				}
				outputs, err := o.ScatterAsync(input, []int{splitBytes}, tc.numSplits, tc.slicesPerSplit, tc.backward)
				if err != nil {
					return err
				}
				scattered[r.rank] = make([][]byte, tc.numSplits)
				for k := range tc.numSplits {
					if err := o.AcquireOnCompute(collective.SplitIndex(k)); err != nil {
						return err
					}
					if scattered[r.rank][k], err = r.download(outputs[k]); err != nil {
						return err
					}
				}

				// The outputs are ready on the compute stream: release all splits for the gather.
				for k := range tc.numSplits {
					if err := o.ReleaseOnCompute(collective.SplitIndex(k)); err != nil {
						return err
					}
				}
				output, err := o.GatherAsync(outputs, []int{numSlices * tc.sliceBytes}, tc.numSplits, tc.slicesPerSplit, tc.backward)
				if err != nil {
					return err
				}
				if err := o.AcquireOnCompute(0); err != nil {
					return err
				}
				gathered[r.rank], err = r.download(output)
				return err
			}))

			// Slice j of split k received by rank p comes from rank j/perRank, that sent its slice
			// p*perRank + j%perRank of split k.
			for p := range worldSize {
				for k := range tc.numSplits {
					for j := range tc.slicesPerSplit {
						sender, i := j/perRank, p*perRank+j%perRank
						offset := (i*tc.numSplits + k) * tc.sliceBytes
						require.Equal(t, inputs[sender][offset:offset+tc.sliceBytes],
							scattered[p][k][j*tc.sliceBytes:(j+1)*tc.sliceBytes],
							"rank %d, split %d, slice %d", p, k, j)
					}
				}
			}
			require.Equal(t, inputs, gathered)
		})
	}
}

func TestScatterGatherErrors(t *testing.T) {
	ranks := initWorld(t, 2, 1, 2)
	o := ranks[0].o
	input := must.M1(ranks[0].upload(dtypes.Uint8, make([]byte, 12), 12))

	for _, tc := range []struct {
		name                      string
		outputShape               []int
		numSplits, slicesPerSplit int
	}{
		{"bytes don't divide", []int{3}, 2, 4},
		{"too many splits", []int{2}, 3, 2},
		{"no splits", []int{12}, 0, 2},
		{"slices not a multiple of world", []int{4}, 1, 3},
		{"output shape mismatch", []int{5}, 2, 2},
	} {
		_, err := o.ScatterAsync(input, tc.outputShape, tc.numSplits, tc.slicesPerSplit, false)
		require.Error(t, err, tc.name)
	}

	split := must.M1(ranks[0].upload(dtypes.Uint8, make([]byte, 6), 6))
	_, err := o.GatherAsync([]*device.Tensor{split}, []int{12}, 2, 2, false)
	require.Error(t, err, "wrong number of inputs")
	_, err = o.GatherAsync([]*device.Tensor{split, input}, []int{12}, 2, 2, false)
	require.Error(t, err, "wrong input size")
	_, err = o.GatherAsync(nil, []int{12}, 0, 2, false)
	require.Error(t, err, "no inputs")
	_, err = o.GatherAsync([]*device.Tensor{nil, split}, []int{12}, 2, 2, false)
	require.Error(t, err, "nil input")

	// No operation was issued: only the test tensors were allocated.
	require.NoError(t, o.CommStream().Synchronize())
	allocated, _ := ranks[0].rt.AllocatorStats()
	require.Equal(t, 2, allocated)
}

// TestScatterWaitsForRelease checks that the communication starts only after the compute stream releases slot 0,
// and that each split records its slot.
func TestScatterWaitsForRelease(t *testing.T) {
	ranks := initWorld(t, 1, 1, 2)
	r := ranks[0]
	o := r.o
	compute := o.ComputeStream().(*sim.Stream)

	gate := make(chan struct{})
	require.NoError(t, compute.Enqueue("gate", func() error {
		<-gate
		return nil
	}))
	input := must.M1(r.upload(dtypes.Uint8, patternInput(0, 4, 2), 8))
	require.NoError(t, o.ReleaseOnCompute(0))
	outputs := must.M1(o.ScatterAsync(input, []int{4}, 2, 2, false))
	require.Len(t, outputs, 2)

	// Split 1 is recorded on the communication stream, which is waiting for slot 0 of the compute stream.
	slot1 := o.Events().Slot(1).(*sim.Event)
	require.False(t, slot1.Query())
	close(gate)
	require.NoError(t, slot1.Synchronize())
	require.True(t, slot1.Query())

	require.NoError(t, o.AcquireOnCompute(1))
	require.NoError(t, o.AcquireOnCompute(0))
	data0 := must.M1(r.download(outputs[0]))
	data1 := must.M1(r.download(outputs[1]))
	// Slice j of split k is at (j*2 + k) in the input.
	input8 := patternInput(0, 4, 2)
	require.Equal(t, append(append([]byte{}, input8[0:2]...), input8[4:6]...), data0)
	require.Equal(t, append(append([]byte{}, input8[2:4]...), input8[6:8]...), data1)
}

func TestAllToAll2D(t *testing.T) {
	const worldSize = 4
	for _, tc := range []struct {
		name                  string
		localSize, sliceBytes int
		inPlace               bool
	}{
		{"flat single device nodes", 1, 24, false},
		{"flat single node", 4, 24, false},
		{"hierarchical vectorized", 2, 32, true},
		{"hierarchical bytes", 2, 3, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ranks := initWorld(t, worldSize, tc.localSize, 1)
			inputs := make([][]byte, worldSize)
			for r := range inputs {
				inputs[r] = patternInput(r, worldSize, tc.sliceBytes)
			}
			results := make([][]byte, worldSize)
			inPlace := make([]bool, worldSize)
			require.NoError(t, forEachRank(ranks, func(r *testRank) error {
				input, err := r.upload(dtypes.Uint8, inputs[r.rank], worldSize*tc.sliceBytes)
				if err != nil {
					return err
				}
				if err := r.o.ReleaseOnCompute(0); err != nil {
					return err
				}
				if err := r.o.AcquireOnComm(0); err != nil {
					return err
				}
				output, err := r.o.AllToAll2DAsync(input)
				if err != nil {
					return err
				}
				inPlace[r.rank] = output == input
				if err := r.o.ReleaseOnComm(0); err != nil {
					return err
				}
				if err := r.o.AcquireOnCompute(0); err != nil {
					return err
				}
				results[r.rank], err = r.download(output)
				return err
			}))
			require.Equal(t, allToAll(inputs, worldSize), results)
			for r := range worldSize {
				require.Equal(t, tc.inPlace, inPlace[r], "rank %d", r)
			}
		})
	}
}

// TestAllToAll2DReusesScratch runs the hierarchical exchange twice: the second run gets the scratch tensor of the
// first one back from the pool, and restores the original data.
func TestAllToAll2DReusesScratch(t *testing.T) {
	const worldSize, sliceBytes = 4, 16
	ranks := initWorld(t, worldSize, 2, 1)
	inputs := make([][]byte, worldSize)
	for r := range inputs {
		inputs[r] = patternInput(r, worldSize, sliceBytes)
	}
	results := make([][]byte, worldSize)
	require.NoError(t, forEachRank(ranks, func(r *testRank) error {
		input, err := r.upload(dtypes.Uint8, inputs[r.rank], worldSize*sliceBytes)
		if err != nil {
			return err
		}
		if err := r.o.ReleaseOnCompute(0); err != nil {
			return err
		}
		if err := r.o.AcquireOnComm(0); err != nil {
			return err
		}
		if _, err := r.o.AllToAll2DAsync(input); err != nil {
			return err
		}
		allocated, reused := r.rt.AllocatorStats()
		if _, err := r.o.AllToAll2DAsync(input); err != nil {
			return err
		}
		if a, u := r.rt.AllocatorStats(); a != allocated || u != reused+1 {
			return errors.Errorf("allocator went from (%d, %d) to (%d, %d), the scratch tensor was not reused",
				allocated, reused, a, u)
		}
		if err := r.o.ReleaseOnComm(0); err != nil {
			return err
		}
		if err := r.o.AcquireOnCompute(0); err != nil {
			return err
		}
		results[r.rank], err = r.download(input)
		return err
	}))
	require.Equal(t, inputs, results)
}

func TestAllToAll2DErrors(t *testing.T) {
	ranks := initWorld(t, 2, 1, 1)
	input := must.M1(ranks[0].upload(dtypes.Uint8, make([]byte, 3), 3))
	_, err := ranks[0].o.AllToAll2DAsync(input)
	require.Error(t, err)
	_, err = ranks[0].o.AllToAll2DAsync(nil)
	require.Error(t, err)
}

func TestAllToAllV(t *testing.T) {
	const worldSize = 4
	ranks := initWorld(t, worldSize, 1, 1)
	// Rank r sends r+s+1 values to rank s: value r*100 + s*10 + i.
	count := func(r, s int) int { return r + s + 1 }
	results := make([][]float32, worldSize)
	require.NoError(t, forEachRank(ranks, func(r *testRank) error {
		var values []float32
		inSizes := make([]int64, worldSize)
		outSizes := make([]int64, worldSize)
		for s := range worldSize {
			inSizes[s] = int64(count(r.rank, s))
			outSizes[s] = int64(count(s, r.rank))
			for i := range count(r.rank, s) {
				values = append(values, float32(r.rank*100+s*10+i))
			}
		}
		// Inputs are padded: only the first sum(inSizes) values are sent.
		values = append(values, -1, -1)
		in, err := uploadSlice(r, values)
		if err != nil {
			return err
		}
		outSize := 0
		for _, size := range outSizes {
			outSize += int(size)
		}
		out, err := device.Empty(r.rt, r.rt.CurrentDevice(), r.o.ComputeStream(), dtypes.Float32, outSize)
		if err != nil {
			return err
		}
		if err := r.o.AllToAllV([]*device.Tensor{in}, []*device.Tensor{out}, inSizes, outSizes); err != nil {
			return err
		}
		results[r.rank], err = downloadSlice[float32](r, out)
		return err
	}))
	for r := range worldSize {
		var want []float32
		for s := range worldSize {
			for i := range count(s, r) {
				want = append(want, float32(s*100+r*10+i))
			}
		}
		require.Equal(t, want, results[r], "rank %d", r)
	}

	o := ranks[0].o
	in := must.M1(uploadSlice(ranks[0], make([]float32, 2)))
	err := o.AllToAllV([]*device.Tensor{in}, []*device.Tensor{in}, []int64{1, 1}, []int64{1, 1, 0, 0})
	require.Error(t, err, "sizes must have one value per rank")
	err = o.AllToAllV([]*device.Tensor{in}, []*device.Tensor{in}, []int64{1, 1, 1, 0}, []int64{1, 0, 0, 0})
	require.Error(t, err, "input too small")
	err = o.AllToAllV([]*device.Tensor{in}, nil, []int64{1, 0, 0, 0}, []int64{1, 0, 0, 0})
	require.Error(t, err, "unpaired tensors")
}

func TestAllGatherV(t *testing.T) {
	const worldSize = 4
	ranks := initWorld(t, worldSize, 1, 1)
	// Rank r contributes r values, rank 0 contributes nothing.
	outSizes := []int64{0, 1, 2, 3}
	results := make([][]float32, worldSize)
	require.NoError(t, forEachRank(ranks, func(r *testRank) error {
		values := make([]float32, 4)
		for i := range values {
			values[i] = float32(r.rank*10 + i)
		}
		in, err := uploadSlice(r, values)
		if err != nil {
			return err
		}
		out, err := device.Empty(r.rt, r.rt.CurrentDevice(), r.o.ComputeStream(), dtypes.Float32, 6)
		if err != nil {
			return err
		}
		if err := r.o.AllGatherV([]*device.Tensor{in}, []*device.Tensor{out}, outSizes); err != nil {
			return err
		}
		results[r.rank], err = downloadSlice[float32](r, out)
		return err
	}))
	for r := range worldSize {
		require.Equal(t, []float32{10, 20, 21, 30, 31, 32}, results[r], "rank %d", r)
	}

	// All inputs must have the same number of elements.
	r0 := ranks[0]
	ins := []*device.Tensor{must.M1(uploadSlice(r0, make([]float32, 4))), must.M1(uploadSlice(r0, make([]float32, 3)))}
	outs := []*device.Tensor{must.M1(uploadSlice(r0, make([]float32, 6))), must.M1(uploadSlice(r0, make([]float32, 6)))}
	require.Error(t, r0.o.AllGatherV(ins, outs, outSizes))
	require.Error(t, r0.o.AllGatherV(ins[:1], outs[:1], []int64{5, 0, 0, 0}), "input smaller than its contribution")
}

func TestBroadcast(t *testing.T) {
	const worldSize = 4
	ranks := initWorld(t, worldSize, 2, 1)
	results := make([][]float32, worldSize)
	require.NoError(t, forEachRank(ranks, func(r *testRank) error {
		value := float32(r.rank)
		b, err := uploadSlice(r, []float32{value, value * 2})
		if err != nil {
			return err
		}
		if err := r.o.Broadcast(b, 2); err != nil {
			return err
		}
		results[r.rank], err = downloadSlice[float32](r, b)
		return err
	}))
	for r := range worldSize {
		require.Equal(t, []float32{2, 4}, results[r], "rank %d", r)
	}
	floats := must.M1(uploadSlice(ranks[0], make([]float32, 1)))
	require.Error(t, ranks[0].o.Broadcast(floats, worldSize))
}

// addAllReduce runs AddAllReduce on all ranks with x = [1, 2, 3] and t = [rank, 1, -rank], and returns the
// result and the reduced t of each rank.
func addAllReduce[T dtypes.Supported](t *testing.T, ranks []*testRank, convert func(float32) T) (sums, reduced [][]T) {
	sums, reduced = make([][]T, len(ranks)), make([][]T, len(ranks))
	require.NoError(t, forEachRank(ranks, func(r *testRank) error {
		value := float32(r.rank)
		x, err := uploadSlice(r, []T{convert(1), convert(2), convert(3)})
		if err != nil {
			return err
		}
		tensor, err := uploadSlice(r, []T{convert(value), convert(1), convert(-value)})
		if err != nil {
			return err
		}
		out, err := r.o.AddAllReduce(x, tensor)
		if err != nil {
			return err
		}
		if sums[r.rank], err = downloadSlice[T](r, out); err != nil {
			return err
		}
		reduced[r.rank], err = downloadSlice[T](r, tensor)
		return err
	}))
	return
}

func TestAddAllReduce(t *testing.T) {
	const worldSize = 4
	ranks := initWorld(t, worldSize, 2, 1)

	sums, reduced := addAllReduce(t, ranks, func(v float32) float32 { return v })
	for r := range worldSize {
		require.Equal(t, []float32{6, 4, -6}, reduced[r], "rank %d", r)
		require.Equal(t, []float32{7, 6, -3}, sums[r], "rank %d", r)
	}

	sums64, _ := addAllReduce(t, ranks, func(v float32) float64 { return float64(v) })
	for r := range worldSize {
		require.Equal(t, []float64{7, 6, -3}, sums64[r], "rank %d", r)
	}

	sumsBF16, reducedBF16 := addAllReduce(t, ranks, bfloat16.FromFloat32)
	for r := range worldSize {
		require.Equal(t, []bfloat16.BFloat16{bfloat16.FromFloat32(6), bfloat16.FromFloat32(4), bfloat16.FromFloat32(-6)},
			reducedBF16[r], "rank %d", r)
		require.Equal(t, []bfloat16.BFloat16{bfloat16.FromFloat32(7), bfloat16.FromFloat32(6), bfloat16.FromFloat32(-3)},
			sumsBF16[r], "rank %d", r)
	}

	o := ranks[0].o
	ints := must.M1(uploadSlice(ranks[0], make([]int32, 2)))
	_, err := o.AddAllReduce(ints, ints)
	require.Error(t, err, "integer dtypes are not supported")
	floats := must.M1(uploadSlice(ranks[0], make([]float32, 1)))
	_, err = o.AddAllReduce(floats, ints)
	require.Error(t, err, "mismatched tensors")
}

func TestUniqueIDs(t *testing.T) {
	ranks := newRanks(t, 1, 1)
	id1 := must.M1(ranks[0].o.GenerateUniqueID())
	id2 := must.M1(ranks[0].o.GenerateUniqueID())
	require.NotEqual(t, id1, id2)
	require.NotEqual(t, comm.UniqueID{}, id1)
}

func BenchmarkScatterGather(b *testing.B) {
	const worldSize, numSplits, numBytes = 2, 4, 1 << 16
	ranks := initWorld(b, worldSize, 1, numSplits)
	inputs := make([]*device.Tensor, worldSize)
	for _, r := range ranks {
		inputs[r.rank] = must.M1(device.Empty(r.rt, 0, r.o.ComputeStream(), dtypes.Uint8, numBytes))
	}
	b.SetBytes(numBytes * worldSize)
	b.ResetTimer()
	for range b.N {
		err := forEachRank(ranks, func(r *testRank) error {
			o := r.o
			if err := o.ReleaseOnCompute(0); err != nil {
				return err
			}
			outputs, err := o.ScatterAsync(inputs[r.rank], []int{numBytes / numSplits}, numSplits, worldSize, false)
			if err != nil {
				return err
			}
			for k := range numSplits {
				if err := o.AcquireOnCompute(collective.SplitIndex(k)); err != nil {
					return err
				}
				if err := o.ReleaseOnCompute(collective.SplitIndex(k)); err != nil {
					return err
				}
			}
			if _, err := o.GatherAsync(outputs, []int{numBytes}, numSplits, worldSize, false); err != nil {
				return err
			}
			if err := o.AcquireOnCompute(0); err != nil {
				return err
			}
			return o.ComputeStream().Synchronize()
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
