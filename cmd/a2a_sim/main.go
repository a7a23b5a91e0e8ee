// a2a_sim runs the pipelined scatter/gather and the 2-D all-to-all among simulated ranks in the same process, and
// reports the throughput of each.
//
// Each rank has its own simulated runtime with -local devices, and ranks communicate through the loopback library.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/jitcomm/collective"
	"github.com/gomlx/jitcomm/comm/loopback"
	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/device/sim"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/gomlx/jitcomm/jit"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagWorld      = flag.Int("world", 4, "Number of ranks.")
	flagLocal      = flag.Int("local", 2, "Number of ranks (devices) per node.")
	flagBytes      = flag.Int("bytes", 1<<20, "Size in bytes of the tensor exchanged by each rank.")
	flagDType      = flag.String("dtype", "uint8", "Element type of the exchanged tensor, e.g. float32, bf16 or f16.")
	flagSplits     = flag.Int("splits", 4, "Number of splits of the scatter/gather.")
	flagSlices     = flag.Int("slices", 0, "Number of slices per split. Defaults to the world size.")
	flagIterations = flag.Int("n", 10, "Number of iterations of each operation.")
)

// rank state.
type rank struct {
	id int
	rt *sim.Runtime
	o  *collective.Orchestrator
}

func main() {
	klog.InitFlags(flag.CommandLine)
	flag.Parse()
	if *flagWorld <= 0 || *flagLocal <= 0 || *flagWorld%*flagLocal != 0 {
		fmt.Fprintf(os.Stderr, "-world=%d must be a positive multiple of -local=%d\n", *flagWorld, *flagLocal)
		os.Exit(1)
	}
	slices := *flagSlices
	if slices == 0 {
		slices = *flagWorld
	}
	dtype, err := parseDType(*flagDType, *flagBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ranks := must.M1(setup(*flagWorld, *flagLocal, *flagSplits))
	defer func() {
		for _, r := range ranks {
			_ = r.rt.Close()
		}
	}()
	fmt.Printf("%d ranks (%d per node), %s of %s per rank, %d iterations\n",
		*flagWorld, *flagLocal, humanize.IBytes(uint64(*flagBytes)), dtype, *flagIterations)

	elapsed, err := run(ranks, dtype, func(r *rank, input *device.Tensor) error {
		return scatterGather(r, input, *flagSplits, slices)
	})
	report("scatter/gather", elapsed, err)
	elapsed, err = run(ranks, dtype, allToAll2D)
	report("2-D all-to-all", elapsed, err)
}

// parseDType resolves the name of the element type, which must evenly divide numBytes.
func parseDType(name string, numBytes int) (dtypes.DType, error) {
	dtype, found := dtypes.MapOfNames[name]
	if !found || !dtype.IsKnown() {
		return dtypes.Invalid, errors.Errorf("unknown -dtype=%q", name)
	}
	if numBytes%dtype.Size() != 0 {
		return dtypes.Invalid, errors.Errorf("-bytes=%d is not a multiple of the size of %s (%d bytes)", numBytes, dtype, dtype.Size())
	}
	return dtype, nil
}

// setup creates the ranks and initializes their primary communicator.
func setup(worldSize, localSize, maxSplits int) ([]*rank, error) {
	compiler := sim.NewCompiler()
	ranks := make([]*rank, worldSize)
	for i := range ranks {
		rt, err := sim.New(sim.Options{NumDevices: localSize, CurrentDevice: i % localSize})
		if err != nil {
			return nil, err
		}
		cache := jit.New(rt, compiler, jit.Config{ForceRuntimeCompile: true, ToolkitHome: jit.DefaultToolkitHome})
		ranks[i] = &rank{
			id: i,
			rt: rt,
			o:  collective.New(rt, loopback.New(rt), cache, collective.Options{LocalSize: localSize}),
		}
	}
	id, err := ranks[0].o.GenerateUniqueID()
	if err != nil {
		return nil, err
	}
	var g errgroup.Group
	for _, r := range ranks {
		g.Go(func() error {
			return r.o.InitPrimary(id, worldSize, r.id, maxSplits)
		})
	}
	return ranks, g.Wait()
}

// run executes op *flagIterations times on all ranks concurrently, and returns the elapsed time.
func run(ranks []*rank, dtype dtypes.DType, op func(r *rank, input *device.Tensor) error) (time.Duration, error) {
	start := time.Now()
	var g errgroup.Group
	for _, r := range ranks {
		g.Go(func() error {
			input, err := device.Empty(r.rt, r.rt.CurrentDevice(), r.o.ComputeStream(), dtype, *flagBytes/dtype.Size())
			if err != nil {
				return err
			}
			for range *flagIterations {
				if err := op(r, input); err != nil {
					return errors.WithMessagef(err, "rank %d", r.id)
				}
			}
			return r.o.ComputeStream().Synchronize()
		})
	}
	err := g.Wait()
	return time.Since(start), err
}

func scatterGather(r *rank, input *device.Tensor, numSplits, slicesPerSplit int) error {
	o := r.o
	shape := []int{input.Size() / numSplits}
	if err := o.ReleaseOnCompute(0); err != nil {
		return err
	}
	outputs, err := o.ScatterAsync(input, shape, numSplits, slicesPerSplit, false)
	if err != nil {
		return err
	}
	for k := range numSplits {
		// The experts would run on split k here, between acquire and release.
		if err := o.AcquireOnCompute(collective.SplitIndex(k)); err != nil {
			return err
		}
		if err := o.ReleaseOnCompute(collective.SplitIndex(k)); err != nil {
			return err
		}
	}
	if _, err := o.GatherAsync(outputs, input.Shape(), numSplits, slicesPerSplit, false); err != nil {
		return err
	}
	return o.AcquireOnCompute(0)
}

func allToAll2D(r *rank, input *device.Tensor) error {
	o := r.o
	if err := o.ReleaseOnCompute(0); err != nil {
		return err
	}
	if err := o.AcquireOnComm(0); err != nil {
		return err
	}
	if _, err := o.AllToAll2DAsync(input); err != nil {
		return err
	}
	if err := o.ReleaseOnComm(0); err != nil {
		return err
	}
	return o.AcquireOnCompute(0)
}

func report(name string, elapsed time.Duration, err error) {
	if err != nil {
		klog.Fatalf("%s failed: %+v", name, err)
	}
	total := uint64(*flagBytes) * uint64(*flagIterations) * uint64(*flagWorld)
	fmt.Printf("\t%-16s %10s in %s: %s/s\n", name, humanize.IBytes(total), elapsed,
		humanize.IBytes(uint64(float64(total)/elapsed.Seconds())))
}
