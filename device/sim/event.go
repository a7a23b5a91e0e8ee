package sim

import (
	"sync"

	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
)

// Event captures the tail of a stream at Record time.
type Event struct {
	runtime *Runtime
	device  int

	mu      sync.Mutex
	pending chan struct{} // Closed when the last Record completes. Nil if never recorded.
}

// Assert Event implements device.Event.
var _ device.Event = (*Event)(nil)

func newEvent(r *Runtime, dev int) *Event {
	return &Event{runtime: r, device: dev}
}

// Record implements device.Event.
func (e *Event) Record(stream device.Stream) error {
	s, err := e.runtime.stream(stream)
	if err != nil {
		return errors.WithMessage(err, "Event.Record")
	}
	signal := make(chan struct{})
	if err := s.Enqueue("event.record", func() error {
		close(signal)
		return nil
	}); err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = signal
	e.mu.Unlock()
	return nil
}

// last returns the signal of the most recent Record.
func (e *Event) last() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Block implements device.Event.
// The wait is bound to the most recent Record at the time of the call: later records don't affect it.
func (e *Event) Block(stream device.Stream) error {
	s, err := e.runtime.stream(stream)
	if err != nil {
		return errors.WithMessage(err, "Event.Block")
	}
	signal := e.last()
	if signal == nil {
		return nil
	}
	return s.Enqueue("event.block", func() error {
		<-signal
		return nil
	})
}

// Synchronize implements device.Event.
func (e *Event) Synchronize() error {
	if signal := e.last(); signal != nil {
		<-signal
	}
	return nil
}

// Query returns whether the most recent Record has completed (or the event was never recorded).
func (e *Event) Query() bool {
	signal := e.last()
	if signal == nil {
		return true
	}
	select {
	case <-signal:
		return true
	default:
		return false
	}
}
