// Package loopback implements comm.Library for ranks running in the same process, each one usually with its own
// simulated device runtime (see package device/sim).
//
// Ranks rendezvous on a process-wide hub keyed by the UniqueID, and exchange messages through per-pair FIFO
// mailboxes. Communication operations are submitted to the device streams, so they take part in the stream and
// event ordering like any other device operation.
package loopback

import (
	"sync"

	"github.com/gomlx/jitcomm/comm"
	"github.com/gomlx/jitcomm/device"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// Memory gives the communicator access to device memory. *sim.Runtime implements it.
type Memory interface {
	// Bytes returns the device memory [ptr, ptr+n).
	Bytes(ptr device.Ptr, n int) ([]byte, error)

	// CurrentDevice the communicator is bound to at creation.
	CurrentDevice() int
}

// hostStream is a stream that accepts host operations, like *sim.Stream.
type hostStream interface {
	device.Stream
	Enqueue(name string, fn func() error) error
}

// Fields of the UniqueID payload.
const (
	idFieldMagic protowire.Number = 1
	idFieldKey   protowire.Number = 2

	idMagic = "jitcomm.loopback"
)

// Library implements comm.Library.
type Library struct {
	memory Memory
}

// Assert Library implements comm.Library.
var _ comm.Library = (*Library)(nil)

// New returns a Library whose communicators access device memory through memory.
func New(memory Memory) *Library {
	return &Library{memory: memory}
}

// GetUniqueID implements comm.Library.
func (l *Library) GetUniqueID() (comm.UniqueID, error) {
	key := uuid.New()
	var b []byte
	b = protowire.AppendTag(b, idFieldMagic, protowire.BytesType)
	b = protowire.AppendString(b, idMagic)
	b = protowire.AppendTag(b, idFieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, key[:])
	var id comm.UniqueID
	copy(id[:], b)
	return id, nil
}

// decodeKey extracts the rendezvous key from the UniqueID.
func decodeKey(id comm.UniqueID) (uuid.UUID, error) {
	b := id[:]
	var magic string
	var key []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num == 0 {
			// Zero padding after the payload.
			break
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return uuid.Nil, errors.Errorf("unique id has unexpected field %d of type %d", num, typ)
		}
		value, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return uuid.Nil, errors.WithMessage(protowire.ParseError(n), "invalid unique id")
		}
		b = b[n:]
		switch num {
		case idFieldMagic:
			magic = string(value)
		case idFieldKey:
			key = value
		}
	}
	if magic != idMagic {
		return uuid.Nil, errors.New("unique id was not generated by the loopback library")
	}
	parsed, err := uuid.FromBytes(key)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "invalid unique id key")
	}
	return parsed, nil
}

// world is the rendezvous of all ranks of one communicator.
type world struct {
	key  uuid.UUID
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	joined []bool
	count  int

	boxes [][]*mailbox // Indexed [source][destination].
}

var hub = struct {
	mu     sync.Mutex
	worlds map[uuid.UUID]*world
}{worlds: make(map[uuid.UUID]*world)}

// join blocks until all the ranks of the world joined.
func join(key uuid.UUID, size, rank int) (*world, error) {
	hub.mu.Lock()
	w, found := hub.worlds[key]
	if !found {
		w = &world{key: key, size: size, joined: make([]bool, size)}
		w.cond = sync.NewCond(&w.mu)
		w.boxes = make([][]*mailbox, size)
		for src := range w.boxes {
			w.boxes[src] = make([]*mailbox, size)
			for dst := range w.boxes[src] {
				w.boxes[src][dst] = newMailbox()
			}
		}
		hub.worlds[key] = w
	}
	hub.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size != size {
		return nil, errors.Errorf("rank %d joined with world size %d, but the communicator has world size %d", rank, size, w.size)
	}
	if w.joined[rank] {
		return nil, errors.Errorf("rank %d already joined the communicator", rank)
	}
	w.joined[rank] = true
	w.count++
	if w.count == w.size {
		hub.mu.Lock()
		delete(hub.worlds, key)
		hub.mu.Unlock()
		w.cond.Broadcast()
	}
	for w.count < w.size {
		w.cond.Wait()
	}
	return w, nil
}

// InitRank implements comm.Library.
func (l *Library) InitRank(id comm.UniqueID, worldSize, rank int) (comm.Communicator, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("InitRank: invalid world size %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("InitRank: rank %d out of range for world size %d", rank, worldSize)
	}
	key, err := decodeKey(id)
	if err != nil {
		return nil, errors.WithMessage(err, "InitRank")
	}
	w, err := join(key, worldSize, rank)
	if err != nil {
		return nil, errors.WithMessage(err, "InitRank")
	}
	klog.V(1).Infof("loopback: rank %d/%d joined communicator %s", rank, worldSize, key)
	return &Communicator{world: w, rank: rank, device: l.memory.CurrentDevice(), memory: l.memory}, nil
}
