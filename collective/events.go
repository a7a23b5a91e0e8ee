package collective

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
)

// SplitIndex identifies a split of a pipelined operation, and the event slot it uses.
type SplitIndex int

// EventRing is a fixed set of reusable events, one per split index.
type EventRing struct {
	events []device.Event
}

// NewEventRing creates the events of the ring. The capacity can't be changed afterwards.
func NewEventRing(rt device.Runtime, dev, capacity int) (*EventRing, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("event ring capacity must be positive, got %d", capacity)
	}
	r := &EventRing{events: make([]device.Event, capacity)}
	for i := range r.events {
		e, err := rt.NewEvent(dev)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create event slot %d", i)
		}
		r.events[i] = e
	}
	return r, nil
}

// Capacity is the number of slots.
func (r *EventRing) Capacity() int {
	return len(r.events)
}

// Slot returns the event of the split. It panics if the index is out of range.
func (r *EventRing) Slot(i SplitIndex) device.Event {
	if i < 0 || int(i) >= len(r.events) {
		exceptions.Panicf("event slot %d out of range, the ring has %d slots", i, len(r.events))
	}
	return r.events[i]
}

// ReleaseOnCompute records the split's slot on the compute stream: e.g. the input of the split is ready.
func (o *Orchestrator) ReleaseOnCompute(i SplitIndex) error {
	o.mustPrimary("ReleaseOnCompute")
	return o.events.Slot(i).Record(o.computeStream)
}

// AcquireOnCompute makes the compute stream wait for the last record of the split's slot: e.g. before consuming
// the output of the split.
func (o *Orchestrator) AcquireOnCompute(i SplitIndex) error {
	o.mustPrimary("AcquireOnCompute")
	return o.events.Slot(i).Block(o.computeStream)
}

// ReleaseOnComm records the split's slot on the communication stream.
func (o *Orchestrator) ReleaseOnComm(i SplitIndex) error {
	o.mustPrimary("ReleaseOnComm")
	return o.events.Slot(i).Record(o.commStream)
}

// AcquireOnComm makes the communication stream wait for the last record of the split's slot.
func (o *Orchestrator) AcquireOnComm(i SplitIndex) error {
	o.mustPrimary("AcquireOnComm")
	return o.events.Slot(i).Block(o.commStream)
}
