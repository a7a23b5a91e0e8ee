package sim

import (
	"fmt"
	"sync"

	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// operation queued in a Stream.
type operation struct {
	name string
	fn   func() error
}

// Stream executes its operations in submission order, in its own goroutine.
//
// Errors are sticky: the first operation error is kept and returned by every following Synchronize. Following
// operations still execute, so events recorded after a failure still complete.
type Stream struct {
	runtime *Runtime
	device  int
	id      int
	name    string

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []operation
	submitted uint64
	completed uint64
	err       error
	closing   bool
	done      chan struct{}
}

// Assert Stream implements device.Stream.
var _ device.Stream = (*Stream)(nil)

func newStream(r *Runtime, dev, id int, name string) *Stream {
	s := &Stream{
		runtime: r,
		device:  dev,
		id:      id,
		name:    name,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("sim.Stream(%s, device=%d)", s.name, s.device)
}

// Device implements device.Stream.
func (s *Stream) Device() int {
	return s.device
}

// Enqueue submits a host function to be executed in stream order. It returns an error only if the stream
// is closed: errors returned by fn are reported by Synchronize.
//
// This is the hook used by other simulated components (e.g. the loopback communicator) to take part in the
// stream ordering.
func (s *Stream) Enqueue(name string, fn func() error) error {
	_, err := s.enqueue(name, fn)
	return err
}

// enqueue returns the sequence number of the submitted operation, counted from 1.
func (s *Stream) enqueue(name string, fn func() error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return 0, errors.Errorf("%s is closed, can't enqueue %q", s, name)
	}
	s.queue = append(s.queue, operation{name: name, fn: fn})
	s.submitted++
	s.cond.Broadcast()
	return s.submitted, nil
}

func (s *Stream) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = operation{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := op.fn()

		s.mu.Lock()
		if err != nil {
			err = errors.WithMessagef(err, "%s: operation %q failed", s, op.name)
			if s.err == nil {
				s.err = err
			}
			klog.Errorf("%v", err)
		}
		s.completed++
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// waitFor blocks until the operation with the given sequence number is completed.
func (s *Stream) waitFor(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.completed < seq {
		s.cond.Wait()
	}
}

// Synchronize implements device.Stream.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.submitted
	for s.completed < target {
		s.cond.Wait()
	}
	return s.err
}

// Err returns the sticky error of the stream, without waiting.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// close drains the queue and stops the goroutine.
func (s *Stream) close() error {
	s.mu.Lock()
	s.closing = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
	return s.Err()
}
