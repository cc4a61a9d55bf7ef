// Package wire defines the fixed-layout structures that cross the
// user/kernel boundary inside the shared ring-buffer pages, and their
// manual little-endian marshal/unmarshal (spec.md §3, §6).
package wire

import "unsafe"

// MaxPayload is the largest RingEvent/RingResult payload, in bytes.
const MaxPayload = 512

// MaxRoute is the number of deck prefixes a route carries (spec.md §3);
// route[i] == 0 terminates.
const MaxRoute = 8

// RingEvent is placed by the user into the event ring. The kernel reads it
// once on submit and copies it into a RoutingEntry's owned snapshot.
type RingEvent struct {
	ID          uint64
	WorkflowID  uint64
	Type        uint32
	_           uint32 // padding to keep Route 8-byte aligned
	Route       [MaxRoute]uint8
	_           [0]byte
	PayloadSize uint32
	Timestamp   int64
	Payload     [MaxPayload]byte
}

// References the struct size at package level; this evaluates
// unsafe.Sizeof but asserts no bound, so a growing struct is not caught at
// compile time.
var _ = unsafe.Sizeof(RingEvent{})

// RingResult is written by the kernel into the result ring.
type RingResult struct {
	EventID        uint64
	WorkflowID     uint64
	CompletionTime int64
	Status         int32 // 0 ok, negative error
	ErrorCode      uint16
	_              uint16
	ResultSize     uint32
	Result         [MaxPayload]byte
}

var _ = unsafe.Sizeof(RingResult{})

// EventSlotSize and ResultSlotSize are the ring's fixed per-slot sizes,
// 64-byte aligned per spec.md §6.
var (
	EventSlotSize  = align64(unsafe.Sizeof(RingEvent{}))
	ResultSlotSize = align64(unsafe.Sizeof(RingResult{}))
)

func align64(n uintptr) uintptr {
	const align = 64
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}
