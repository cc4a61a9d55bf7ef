package ring

import "github.com/evkernel/ekernel/internal/wire"

// ResultRing is the kernel-to-user ring: the Execution deck writes
// RingResults, the user consumes them.
type ResultRing struct {
	raw *byteRing
}

// NewResultRing creates a result ring with the same backing choice as
// NewEventRing.
func NewResultRing(useMmap bool) (*ResultRing, error) {
	raw, err := newByteRing(uint32(wire.ResultSlotSize), useMmap)
	if err != nil {
		return nil, err
	}
	return &ResultRing{raw: raw}, nil
}

// Close releases backing memory.
func (r *ResultRing) Close() error { return r.raw.Close() }

// Push encodes res and enqueues it. Returns false on overflow; the
// Execution deck treats this as a bounded-retry-then-drop condition
// (spec.md §4.3).
func (r *ResultRing) Push(res *wire.RingResult) bool {
	return r.raw.push(wire.Marshal(res))
}

// Pop dequeues the oldest result into res. Returns false if empty.
func (r *ResultRing) Pop(res *wire.RingResult) bool {
	buf := make([]byte, wire.ResultSlotSize)
	if !r.raw.pop(buf) {
		return false
	}
	_ = wire.Unmarshal(buf, res)
	return true
}

// Len reports the number of queued-but-unconsumed results.
func (r *ResultRing) Len() int { return r.raw.Len() }
