// Package comm defines the point-to-point and collective communication library used by the collective
// operations, modeled after NCCL: communicators are created collectively from a UniqueID generated by one rank,
// and every operation is submitted to a device stream.
//
// Send and Recv issued between GroupStart and GroupEnd are submitted together, so the sends and receives of
// one rank can't deadlock on each other. Messages between a pair of ranks are matched in issue order.
package comm

import (
	"encoding/hex"
	"fmt"

	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/pkg/errors"
)

// UniqueIDSize is the size of the opaque UniqueID.
const UniqueIDSize = 128

// UniqueID is the opaque rendezvous token shared by all ranks of a communicator.
type UniqueID [UniqueIDSize]byte

// UniqueIDFromBytes converts the serialized token back to a UniqueID. The size must be exactly UniqueIDSize.
func UniqueIDFromBytes(b []byte) (UniqueID, error) {
	var id UniqueID
	if len(b) != UniqueIDSize {
		return id, errors.Errorf("unique id must have %d bytes, got %d", UniqueIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns a copy of the token, to be transported to the other ranks.
func (id UniqueID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

// String implements fmt.Stringer, with a shortened hex representation.
func (id UniqueID) String() string {
	return fmt.Sprintf("UniqueID(%s...)", hex.EncodeToString(id[:16]))
}

// ReduceOp is a reduction operation.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Prod
	Max
	Min
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Prod:
		return "Prod"
	case Max:
		return "Max"
	case Min:
		return "Min"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

// Communicator connects one rank to the other ranks of a group.
type Communicator interface {
	// Count returns the number of ranks.
	Count() int

	// Rank of this communicator.
	Rank() int

	// Device ordinal the communicator is bound to.
	Device() int

	// GroupStart starts a group of operations. Groups can be nested: they are submitted at the outermost GroupEnd.
	GroupStart() error

	// GroupEnd submits the operations issued since the matching GroupStart.
	GroupEnd() error

	// Send count elements at buf to the peer.
	Send(buf device.Ptr, count int, dtype dtypes.DType, peer int, stream device.Stream) error

	// Recv count elements into buf from the peer.
	Recv(buf device.Ptr, count int, dtype dtypes.DType, peer int, stream device.Stream) error

	// Broadcast count elements at buf from root to all ranks, in place.
	Broadcast(buf device.Ptr, count int, dtype dtypes.DType, root int, stream device.Stream) error

	// AllReduce reduces count elements of sendBuf across all ranks into recvBuf, which may be the same as sendBuf.
	AllReduce(sendBuf, recvBuf device.Ptr, count int, dtype dtypes.DType, op ReduceOp, stream device.Stream) error

	// Destroy releases the communicator.
	Destroy() error
}

// Library creates communicators.
type Library interface {
	// GetUniqueID generates a new token, usually by rank 0, to be shared with all ranks.
	GetUniqueID() (UniqueID, error)

	// InitRank creates the communicator of rank, blocking until all worldSize ranks joined with the same id.
	InitRank(id UniqueID, worldSize, rank int) (Communicator, error)
}
