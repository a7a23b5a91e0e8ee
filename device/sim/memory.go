package sim

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// baseAddress of the simulated address space: non-zero, so a zero Ptr is always invalid.
	baseAddress device.Ptr = 0x7f00_0000_0000

	// allocationAlignment of every block.
	allocationAlignment = 512
)

// block of simulated device memory. Blocks are never unmapped: freed blocks go back to a pool, keyed by
// (device, size, allocation stream), and are reused by later allocations on the same stream.
type block struct {
	base   device.Ptr
	data   []byte
	device int
	stream *Stream

	// uses holds streams other than the allocation stream recorded with RecordStream.
	uses map[*Stream]struct{}
}

type poolKey struct {
	device int
	size   int
	stream *Stream
}

// streamMark is a position in a stream's queue.
type streamMark struct {
	stream *Stream
	seq    uint64
}

type deferredFree struct {
	block *block
	marks []streamMark
}

// addressSpace is the caching allocator of a Runtime.
type addressSpace struct {
	runtime *Runtime

	mu       sync.Mutex
	next     device.Ptr
	blocks   []*block // Sorted by base.
	pool     map[poolKey][]*block
	deferred []deferredFree

	allocated, reused int
}

func newAddressSpace(r *Runtime) *addressSpace {
	return &addressSpace{
		runtime: r,
		next:    baseAddress,
		pool:    make(map[poolKey][]*block),
	}
}

// alloc returns a block from the pool if one is available for the (device, size, stream), or maps a new one.
func (as *addressSpace) alloc(dev, size int, stream *Stream) *block {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.sweepLocked()
	key := poolKey{device: dev, size: size, stream: stream}
	if free := as.pool[key]; len(free) > 0 {
		b := free[len(free)-1]
		as.pool[key] = free[:len(free)-1]
		as.reused++
		return b
	}
	b := &block{
		base:   as.next,
		data:   make([]byte, size),
		device: dev,
		stream: stream,
	}
	span := (max(size, 1) + allocationAlignment - 1) / allocationAlignment * allocationAlignment
	as.next += device.Ptr(span)
	as.blocks = append(as.blocks, b)
	as.allocated++
	return b
}

// free returns the block to the pool, or defers it until the work pending in the streams recorded with
// RecordStream is done.
func (as *addressSpace) free(b *block) {
	as.mu.Lock()
	defer as.mu.Unlock()
	var marks []streamMark
	for s := range b.uses {
		if seq := s.tail(); !s.reached(seq) {
			marks = append(marks, streamMark{stream: s, seq: seq})
		}
	}
	b.uses = nil
	if len(marks) == 0 {
		as.releaseLocked(b)
		return
	}
	as.deferred = append(as.deferred, deferredFree{block: b, marks: marks})
}

func (as *addressSpace) releaseLocked(b *block) {
	key := poolKey{device: b.device, size: len(b.data), stream: b.stream}
	as.pool[key] = append(as.pool[key], b)
}

// sweepLocked moves deferred blocks whose streams have caught up into the pool.
func (as *addressSpace) sweepLocked() {
	pending := as.deferred[:0]
	for _, d := range as.deferred {
		ready := true
		for _, m := range d.marks {
			if !m.stream.reached(m.seq) {
				ready = false
				break
			}
		}
		if ready {
			as.releaseLocked(d.block)
		} else {
			pending = append(pending, d)
		}
	}
	clear(as.deferred[len(pending):])
	as.deferred = pending
}

// lookup returns the n bytes starting at ptr. The range must be within one block.
func (as *addressSpace) lookup(ptr device.Ptr, n int) ([]byte, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	idx := sort.Search(len(as.blocks), func(i int) bool { return as.blocks[i].base > ptr }) - 1
	if idx < 0 {
		return nil, errors.Errorf("invalid device address %#x", uint64(ptr))
	}
	b := as.blocks[idx]
	offset := int(ptr - b.base)
	if n < 0 || offset+n > len(b.data) {
		return nil, errors.Errorf("device access [%#x, %#x) out of bounds of allocation [%#x, %#x)",
			uint64(ptr), uint64(ptr)+uint64(n), uint64(b.base), uint64(b.base)+uint64(len(b.data)))
	}
	return b.data[offset : offset+n : offset+n], nil
}

// tail returns the sequence number of the last operation submitted to the stream.
func (s *Stream) tail() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// reached returns whether the operation with the given sequence number has completed.
func (s *Stream) reached(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed >= seq
}

// Buffer is a simulated device allocation. It is freed automatically when garbage collected.
type Buffer struct {
	wrapper *bufferWrapper
}

// Assert Buffer implements device.Buffer.
var _ device.Buffer = (*Buffer)(nil)

// bufferWrapper holds the state needed to free the Buffer, so it can be cleaned up after the Buffer is collected.
type bufferWrapper struct {
	space *addressSpace
	block *block
	freed atomic.Bool
}

func (w *bufferWrapper) free() {
	if w.freed.Swap(true) {
		return
	}
	w.space.free(w.block)
	buffersAlive.Add(-1)
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of simulated buffers allocated and not yet freed, across all runtimes.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

func newBuffer(space *addressSpace, b *block) *Buffer {
	buf := &Buffer{wrapper: &bufferWrapper{space: space, block: b}}
	buffersAlive.Add(1)
	runtime.AddCleanup(buf, func(w *bufferWrapper) {
		if !w.freed.Load() {
			klog.V(2).Infof("sim: freeing garbage collected buffer at %#x", uint64(w.block.base))
		}
		w.free()
	}, buf.wrapper)
	return buf
}

// Ptr implements device.Buffer.
func (b *Buffer) Ptr() device.Ptr {
	return b.wrapper.block.base
}

// Size implements device.Buffer.
func (b *Buffer) Size() int {
	return len(b.wrapper.block.data)
}

// Device implements device.Buffer.
func (b *Buffer) Device() int {
	return b.wrapper.block.device
}

// Free implements device.Buffer.
func (b *Buffer) Free() error {
	b.wrapper.free()
	return nil
}

// Alloc implements device.Runtime.
func (r *Runtime) Alloc(dev int, size int, stream device.Stream) (device.Buffer, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, errors.WithMessage(err, "Alloc")
	}
	if size < 0 {
		return nil, errors.Errorf("Alloc: invalid size %d", size)
	}
	s, err := r.stream(stream)
	if err != nil {
		return nil, errors.WithMessage(err, "Alloc")
	}
	if s.device != dev {
		return nil, errors.Errorf("Alloc: %s is not on device %d", s, dev)
	}
	return newBuffer(r.memory, r.memory.alloc(dev, size, s)), nil
}

// RecordStream implements device.Runtime.
func (r *Runtime) RecordStream(buffer device.Buffer, stream device.Stream) error {
	buf, ok := buffer.(*Buffer)
	if !ok || buf.wrapper.space != r.memory {
		return errors.Errorf("RecordStream: buffer of type %T was not allocated by this runtime", buffer)
	}
	s, err := r.stream(stream)
	if err != nil {
		return errors.WithMessage(err, "RecordStream")
	}
	if buf.wrapper.freed.Load() {
		return errors.Errorf("RecordStream: buffer at %#x already freed", uint64(buf.Ptr()))
	}
	b := buf.wrapper.block
	if s == b.stream {
		return nil
	}
	r.memory.mu.Lock()
	defer r.memory.mu.Unlock()
	if b.uses == nil {
		b.uses = make(map[*Stream]struct{})
	}
	b.uses[s] = struct{}{}
	return nil
}

// Bytes returns the device memory [ptr, ptr+n) as a slice. Accesses are not ordered with the streams:
// callers are responsible for synchronization, as with any memory shared with running kernels.
func (r *Runtime) Bytes(ptr device.Ptr, n int) ([]byte, error) {
	return r.memory.lookup(ptr, n)
}

// MemcpyHtoD implements device.Runtime.
func (r *Runtime) MemcpyHtoD(dst device.Ptr, src []byte, stream device.Stream) error {
	s, err := r.stream(stream)
	if err != nil {
		return errors.WithMessage(err, "MemcpyHtoD")
	}
	return s.Enqueue("memcpy.HtoD", func() error {
		mem, err := r.Bytes(dst, len(src))
		if err != nil {
			return err
		}
		copy(mem, src)
		return nil
	})
}

// MemcpyDtoH implements device.Runtime.
func (r *Runtime) MemcpyDtoH(dst []byte, src device.Ptr, stream device.Stream) error {
	s, err := r.stream(stream)
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoH")
	}
	return s.Enqueue("memcpy.DtoH", func() error {
		mem, err := r.Bytes(src, len(dst))
		if err != nil {
			return err
		}
		copy(dst, mem)
		return nil
	})
}

// AllocatorStats reports the number of blocks mapped and the number of allocations served from the pool.
func (r *Runtime) AllocatorStats() (allocated, reused int) {
	r.memory.mu.Lock()
	defer r.memory.mu.Unlock()
	return r.memory.allocated, r.memory.reused
}
