// Package collective implements the all-to-all collectives used to dispatch tokens to experts in Mixture-of-Experts
// models: a pipelined scatter/gather split in "splits" that overlap with computation, a hierarchical 2-D all-to-all
// that exploits the faster intra-node links, and simpler variable-length exchanges, broadcast and all-reduce.
//
// An Orchestrator owns two communicators: the primary one, used by the pipelined operations on a dedicated
// communication stream, and the shared one, used by the simpler operations on the compute stream. Each is
// initialized once, with a UniqueID generated by one rank and distributed to all ranks out of band.
//
// The hand-off of buffers between the compute stream and the communication stream is done only through the event
// slots of an EventRing, see Orchestrator.ReleaseOnCompute and friends.
//
// An Orchestrator is driven by one host goroutine: it is not safe for concurrent use.
package collective

import (
	"os"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/jitcomm/comm"
	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/gomlx/jitcomm/jit"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LocalSizeEnv is the environment variable that overrides the number of devices per node.
const LocalSizeEnv = "LOCAL_SIZE"

// Options of an Orchestrator.
type Options struct {
	// LocalSize is the number of devices (ranks) per node. If 0, it is read from LocalSizeEnv, and if that is not
	// set, from the runtime's device count.
	LocalSize int

	// ComputeStream is the caller's compute stream. Defaults to the default stream of the runtime's current device.
	ComputeStream device.Stream
}

// communicator is the state of an initialized communicator.
type communicator struct {
	comm      comm.Communicator
	worldSize int
	rank      int
}

// Orchestrator of the collective operations of one rank.
type Orchestrator struct {
	runtime device.Runtime
	library comm.Library
	cache   *jit.Cache
	options Options

	device        int
	computeStream device.Stream
	commStream    device.Stream

	primary, shared      *communicator
	localSize, localRank int
	events               *EventRing

	strideCopy *strideCopyKernels
	addKernels map[dtypes.DType]jit.Handle
}

// New creates an Orchestrator for the runtime's current device. The cache must use the same runtime: it is
// used to inject the kernels of the 2-D all-to-all and of AddAllReduce.
func New(rt device.Runtime, lib comm.Library, cache *jit.Cache, options Options) *Orchestrator {
	if cache.Runtime() != rt {
		exceptions.Panicf("collective.New: the kernel cache uses a different runtime")
	}
	o := &Orchestrator{
		runtime:    rt,
		library:    lib,
		cache:      cache,
		options:    options,
		device:     rt.CurrentDevice(),
		addKernels: make(map[dtypes.DType]jit.Handle),
	}
	o.computeStream = options.ComputeStream
	if o.computeStream == nil {
		o.computeStream = rt.DefaultStream(o.device)
	}
	return o
}

// GenerateUniqueID generates the token to initialize a communicator. It is called by one rank, and the token is
// distributed to the other ranks out of band.
func (o *Orchestrator) GenerateUniqueID() (comm.UniqueID, error) {
	return o.library.GetUniqueID()
}

// InitPrimary initializes the primary communicator, used by ScatterAsync, GatherAsync and AllToAll2DAsync, and the
// event ring with maxSplits slots. It blocks until all ranks joined. It can only be called once.
func (o *Orchestrator) InitPrimary(id comm.UniqueID, worldSize, rank, maxSplits int) error {
	if o.primary != nil {
		exceptions.Panicf("collective: primary communicator already initialized")
	}
	if maxSplits <= 0 {
		return errors.Errorf("InitPrimary: maxSplits must be positive, got %d", maxSplits)
	}
	localSize, err := o.resolveLocalSize()
	if err != nil {
		return err
	}
	c, err := o.initCommunicator(id, worldSize, rank)
	if err != nil {
		return errors.WithMessage(err, "InitPrimary")
	}
	events, err := NewEventRing(o.runtime, c.comm.Device(), maxSplits)
	if err != nil {
		return errors.WithMessage(err, "InitPrimary")
	}
	if o.commStream == nil {
		o.commStream, err = o.runtime.NewStream(c.comm.Device())
		if err != nil {
			return errors.WithMessage(err, "InitPrimary: failed to create the communication stream")
		}
	}
	o.primary = c
	o.events = events
	o.localSize = localSize
	o.localRank = c.comm.Device()
	klog.V(1).Infof("collective: primary communicator initialized: rank %d/%d, local rank %d/%d, %d event slots",
		rank, worldSize, o.localRank, o.localSize, maxSplits)
	return nil
}

// InitShared initializes the shared communicator, used by AllToAllV, AllGatherV, Broadcast and AddAllReduce.
// It blocks until all ranks joined. It can only be called once.
func (o *Orchestrator) InitShared(id comm.UniqueID, worldSize, rank int) error {
	if o.shared != nil {
		exceptions.Panicf("collective: shared communicator already initialized")
	}
	c, err := o.initCommunicator(id, worldSize, rank)
	if err != nil {
		return errors.WithMessage(err, "InitShared")
	}
	o.shared = c
	klog.V(1).Infof("collective: shared communicator initialized: rank %d/%d", rank, worldSize)
	return nil
}

func (o *Orchestrator) initCommunicator(id comm.UniqueID, worldSize, rank int) (*communicator, error) {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, worldSize)
	}
	c, err := o.library.InitRank(id, worldSize, rank)
	if err != nil {
		return nil, err
	}
	return &communicator{comm: c, worldSize: worldSize, rank: rank}, nil
}

func (o *Orchestrator) resolveLocalSize() (int, error) {
	if o.options.LocalSize > 0 {
		return o.options.LocalSize, nil
	}
	if value := os.Getenv(LocalSizeEnv); value != "" {
		localSize, err := strconv.Atoi(value)
		if err != nil || localSize <= 0 {
			return 0, errors.Errorf("invalid %s=%q: it must be a positive integer", LocalSizeEnv, value)
		}
		return localSize, nil
	}
	count, err := o.runtime.DeviceCount()
	if err != nil {
		return 0, errors.WithMessage(err, "failed to query the local device count")
	}
	return count, nil
}

func (o *Orchestrator) mustPrimary(op string) *communicator {
	if o.primary == nil {
		exceptions.Panicf("collective.%s: primary communicator not initialized, call InitPrimary first", op)
	}
	return o.primary
}

func (o *Orchestrator) mustShared(op string) *communicator {
	if o.shared == nil {
		exceptions.Panicf("collective.%s: shared communicator not initialized, call InitShared first", op)
	}
	return o.shared
}

// WorldSize of the primary communicator, or 0 if not initialized.
func (o *Orchestrator) WorldSize() int {
	if o.primary == nil {
		return 0
	}
	return o.primary.worldSize
}

// Rank in the primary communicator, or -1 if not initialized.
func (o *Orchestrator) Rank() int {
	if o.primary == nil {
		return -1
	}
	return o.primary.rank
}

// LocalSize is the number of devices per node.
func (o *Orchestrator) LocalSize() int {
	return o.localSize
}

// LocalRank is the device the primary communicator is bound to.
func (o *Orchestrator) LocalRank() int {
	return o.localRank
}

// Events returns the event ring, or nil if the primary communicator is not initialized.
func (o *Orchestrator) Events() *EventRing {
	return o.events
}

// CommStream returns the dedicated communication stream, or nil if the primary communicator is not initialized.
func (o *Orchestrator) CommStream() device.Stream {
	return o.commStream
}

// ComputeStream returns the caller's compute stream.
func (o *Orchestrator) ComputeStream() device.Stream {
	return o.computeStream
}

// SetComputeStream changes the compute stream used by the following operations.
func (o *Orchestrator) SetComputeStream(stream device.Stream) {
	if stream == nil {
		exceptions.Panicf("collective.SetComputeStream: nil stream")
	}
	o.computeStream = stream
}
