package ring

import "github.com/evkernel/ekernel/internal/wire"

// EventRing is the user-to-kernel ring: the user allocates a RingEvent
// inside the mapped ring, the kernel reads it once on notify(Submit).
type EventRing struct {
	raw *byteRing
}

// NewEventRing creates an event ring. useMmap selects real shared-memory
// backing (for a process's dual-mapped pages) versus a plain heap slice
// (convenient for unit tests that only exercise one side).
func NewEventRing(useMmap bool) (*EventRing, error) {
	raw, err := newByteRing(uint32(wire.EventSlotSize), useMmap)
	if err != nil {
		return nil, err
	}
	return &EventRing{raw: raw}, nil
}

// Close releases backing memory.
func (r *EventRing) Close() error { return r.raw.Close() }

// Push encodes e and enqueues it. Returns false on overflow.
func (r *EventRing) Push(e *wire.RingEvent) bool {
	return r.raw.push(wire.Marshal(e))
}

// Pop dequeues the oldest event into e. Returns false if empty.
func (r *EventRing) Pop(e *wire.RingEvent) bool {
	buf := make([]byte, wire.EventSlotSize)
	if !r.raw.pop(buf) {
		return false
	}
	_ = wire.Unmarshal(buf, e)
	return true
}

// Len reports the number of queued-but-unconsumed events.
func (r *EventRing) Len() int { return r.raw.Len() }
