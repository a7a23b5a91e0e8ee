package loopback

import (
	"fmt"

	"github.com/gomlx/jitcomm/comm"
	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/dtypes"
	"github.com/pkg/errors"
)

// groupOp is one operation of a group. All post functions of a group run before any complete function, so that
// sends never wait on receives.
type groupOp struct {
	name     string
	post     func() error
	complete func() error
}

// Communicator implements comm.Communicator. Like a device runtime it is meant to be driven by one host goroutine.
type Communicator struct {
	world  *world
	rank   int
	device int
	memory Memory

	groupDepth  int
	group       []groupOp
	groupStream hostStream
	groupErr    error

	destroyed bool
}

// Assert Communicator implements comm.Communicator.
var _ comm.Communicator = (*Communicator)(nil)

// String implements fmt.Stringer.
func (c *Communicator) String() string {
	return fmt.Sprintf("loopback.Communicator(rank %d/%d, device %d)", c.rank, c.world.size, c.device)
}

// Count implements comm.Communicator.
func (c *Communicator) Count() int {
	return c.world.size
}

// Rank implements comm.Communicator.
func (c *Communicator) Rank() int {
	return c.rank
}

// Device implements comm.Communicator.
func (c *Communicator) Device() int {
	return c.device
}

// GroupStart implements comm.Communicator.
func (c *Communicator) GroupStart() error {
	if c.destroyed {
		return errors.Errorf("%s: GroupStart on destroyed communicator", c)
	}
	c.groupDepth++
	return nil
}

// GroupEnd implements comm.Communicator.
func (c *Communicator) GroupEnd() error {
	if c.groupDepth == 0 {
		return errors.Errorf("%s: GroupEnd without GroupStart", c)
	}
	c.groupDepth--
	if c.groupDepth > 0 {
		return nil
	}
	ops, stream, err := c.group, c.groupStream, c.groupErr
	c.group, c.groupStream, c.groupErr = nil, nil, nil
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return c.submit(stream, ops)
}

// submit enqueues the operations as one stream operation.
func (c *Communicator) submit(stream hostStream, ops []groupOp) error {
	name := ops[0].name
	if len(ops) > 1 {
		name = fmt.Sprintf("group(%d ops)", len(ops))
	}
	return stream.Enqueue("loopback."+name, func() error {
		for _, op := range ops {
			if op.post == nil {
				continue
			}
			if err := op.post(); err != nil {
				return errors.WithMessagef(err, "%s: %s", c, op.name)
			}
		}
		for _, op := range ops {
			if op.complete == nil {
				continue
			}
			if err := op.complete(); err != nil {
				return errors.WithMessagef(err, "%s: %s", c, op.name)
			}
		}
		return nil
	})
}

// issue adds the operation to the current group, or submits it right away.
func (c *Communicator) issue(stream device.Stream, op groupOp) error {
	if c.destroyed {
		return errors.Errorf("%s: %s on destroyed communicator", c, op.name)
	}
	s, ok := stream.(hostStream)
	if !ok {
		return errors.Errorf("%s: %s given a stream of type %T, that doesn't accept host operations", c, op.name, stream)
	}
	if s.Device() != c.device {
		return errors.Errorf("%s: %s given a stream on device %d", c, op.name, s.Device())
	}
	if c.groupDepth == 0 {
		return c.submit(s, []groupOp{op})
	}
	if c.groupStream == nil {
		c.groupStream = s
	} else if c.groupStream != s && c.groupErr == nil {
		c.groupErr = errors.Errorf("%s: operations of a group submitted to different streams", c)
	}
	c.group = append(c.group, op)
	return nil
}

func (c *Communicator) checkPeer(peer int, what string) error {
	if peer < 0 || peer >= c.world.size {
		return errors.Errorf("%s: invalid %s %d", c, what, peer)
	}
	return nil
}

func numBytes(count int, dtype dtypes.DType) (int, error) {
	if count < 0 {
		return 0, errors.Errorf("invalid count %d", count)
	}
	if !dtype.IsKnown() {
		return 0, errors.Errorf("dtype %s not supported", dtype)
	}
	return count * dtype.Size(), nil
}

// read returns a copy of the device memory.
func (c *Communicator) read(ptr device.Ptr, n int) ([]byte, error) {
	mem, err := c.memory.Bytes(ptr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), mem...), nil
}

func (c *Communicator) write(ptr device.Ptr, data []byte) error {
	mem, err := c.memory.Bytes(ptr, len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

// receive takes the next message from the peer and writes it to ptr. Its size must be exactly n.
func (c *Communicator) receive(ptr device.Ptr, n, peer int) error {
	message := c.world.boxes[peer][c.rank].take()
	if len(message) != n {
		return errors.Errorf("message from rank %d has %d bytes, %d expected", peer, len(message), n)
	}
	return c.write(ptr, message)
}

// Send implements comm.Communicator.
func (c *Communicator) Send(buf device.Ptr, count int, dtype dtypes.DType, peer int, stream device.Stream) error {
	n, err := numBytes(count, dtype)
	if err != nil {
		return errors.WithMessagef(err, "%s: Send", c)
	}
	if err := c.checkPeer(peer, "peer"); err != nil {
		return err
	}
	return c.issue(stream, groupOp{
		name: fmt.Sprintf("send(%d bytes to %d)", n, peer),
		post: func() error {
			data, err := c.read(buf, n)
			if err != nil {
				return err
			}
			c.world.boxes[c.rank][peer].post(data)
			return nil
		},
	})
}

// Recv implements comm.Communicator.
func (c *Communicator) Recv(buf device.Ptr, count int, dtype dtypes.DType, peer int, stream device.Stream) error {
	n, err := numBytes(count, dtype)
	if err != nil {
		return errors.WithMessagef(err, "%s: Recv", c)
	}
	if err := c.checkPeer(peer, "peer"); err != nil {
		return err
	}
	return c.issue(stream, groupOp{
		name:     fmt.Sprintf("recv(%d bytes from %d)", n, peer),
		complete: func() error { return c.receive(buf, n, peer) },
	})
}

// Broadcast implements comm.Communicator.
func (c *Communicator) Broadcast(buf device.Ptr, count int, dtype dtypes.DType, root int, stream device.Stream) error {
	n, err := numBytes(count, dtype)
	if err != nil {
		return errors.WithMessagef(err, "%s: Broadcast", c)
	}
	if err := c.checkPeer(root, "root"); err != nil {
		return err
	}
	op := groupOp{name: fmt.Sprintf("broadcast(%d bytes from %d)", n, root)}
	if c.rank == root {
		op.post = func() error {
			data, err := c.read(buf, n)
			if err != nil {
				return err
			}
			for peer := range c.world.size {
				if peer != root {
					c.world.boxes[root][peer].post(data)
				}
			}
			return nil
		}
	} else {
		op.complete = func() error { return c.receive(buf, n, root) }
	}
	return c.issue(stream, op)
}

// AllReduce implements comm.Communicator. Contributions are reduced in rank order, so every rank computes
// the same result.
func (c *Communicator) AllReduce(sendBuf, recvBuf device.Ptr, count int, dtype dtypes.DType, reduceOp comm.ReduceOp, stream device.Stream) error {
	n, err := numBytes(count, dtype)
	if err != nil {
		return errors.WithMessagef(err, "%s: AllReduce", c)
	}
	if err := checkReduction(dtype, reduceOp); err != nil {
		return errors.WithMessagef(err, "%s: AllReduce", c)
	}
	var own []byte
	return c.issue(stream, groupOp{
		name: fmt.Sprintf("allreduce(%d x %s, %s)", count, dtype, reduceOp),
		post: func() error {
			data, err := c.read(sendBuf, n)
			if err != nil {
				return err
			}
			own = data
			for peer := range c.world.size {
				if peer != c.rank {
					c.world.boxes[c.rank][peer].post(data)
				}
			}
			return nil
		},
		complete: func() error {
			var acc []byte
			for peer := range c.world.size {
				contribution := own
				if peer != c.rank {
					contribution = c.world.boxes[peer][c.rank].take()
					if len(contribution) != n {
						return errors.Errorf("contribution from rank %d has %d bytes, %d expected", peer, len(contribution), n)
					}
				}
				if acc == nil {
					acc = append([]byte(nil), contribution...)
					continue
				}
				if err := reduce(acc, contribution, dtype, reduceOp); err != nil {
					return err
				}
			}
			return c.write(recvBuf, acc)
		},
	})
}

// Destroy implements comm.Communicator.
func (c *Communicator) Destroy() error {
	c.destroyed = true
	return nil
}
