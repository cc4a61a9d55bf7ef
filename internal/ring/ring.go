// Package ring implements the fixed-capacity, power-of-two, lock-free
// single-producer/single-consumer ring buffers described in spec.md §4.1:
// one event ring per process (user to kernel) and one result ring (kernel
// to user). Each ring has its own backing memory: an anonymous MAP_SHARED
// mapping (in the style of the teacher's mmapQueues) or a heap slice. The
// two rings of a process are separate regions, not one contiguous mapping.
package ring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Capacity is the fixed number of slots per ring (spec.md §3).
const Capacity = 256

// byteRing is the raw fixed-size-slot SPSC ring. Slot contents are opaque
// marshaled records; EventRing/ResultRing add the typed encode/decode.
type byteRing struct {
	mem      []byte // mmap'd backing storage, nil if heap-backed
	slots    []byte // slotSize * Capacity bytes, aliases mem when mmap'd
	slotSize uint32
	head     cursor // consumer-owned
	tail     cursor // producer-owned
}

// newByteRing allocates a ring with Capacity slots of slotSize bytes each.
// When useMmap is true the backing storage is an anonymous MAP_SHARED
// mapping, matching the real dual-mapped kernel/user ring pages from
// spec.md §3; tests and purely in-process rings may skip the mmap.
func newByteRing(slotSize uint32, useMmap bool) (*byteRing, error) {
	total := int(slotSize) * Capacity
	r := &byteRing{slotSize: slotSize}
	if useMmap {
		mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("ring: mmap %d bytes: %w", total, err)
		}
		r.mem = mem
		r.slots = mem
	} else {
		r.slots = make([]byte, total)
	}
	return r, nil
}

// Close releases the mmap'd backing storage, if any.
func (r *byteRing) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	r.slots = nil
	return err
}

// full reports tail-head == Capacity, i.e. no free slot.
func (r *byteRing) full(head, tail uint32) bool {
	return tail-head == Capacity
}

// empty reports head == tail, i.e. nothing to consume.
func (r *byteRing) empty(head, tail uint32) bool {
	return head == tail
}

func (r *byteRing) slot(index uint32) []byte {
	i := index % Capacity
	off := uint32(i) * r.slotSize
	return r.slots[off : off+r.slotSize]
}

// push writes data (which must be <= slotSize) into the next slot and
// advances tail. Returns false if the ring is full (overflow: caller
// returns immediately with an overflow status per spec.md §4.1 — there is
// no kernel-side backpressure beyond that).
func (r *byteRing) push(data []byte) bool {
	head := r.head.loadAcquire()
	tail := r.tail.load()
	if r.full(head, tail) {
		return false
	}
	dst := r.slot(tail)
	n := copy(dst, data)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	r.tail.storeRelease(tail + 1)
	return true
}

// pop reads the oldest slot into dst (which must be >= slotSize) and
// advances head. Returns false if the ring is empty.
func (r *byteRing) pop(dst []byte) bool {
	tail := r.tail.loadAcquire()
	head := r.head.load()
	if r.empty(head, tail) {
		return false
	}
	src := r.slot(head)
	copy(dst, src)
	r.head.storeRelease(head + 1)
	return true
}

// Len reports the number of slots currently occupied. Safe to call from
// either side; it is a snapshot, not a synchronization point.
func (r *byteRing) Len() int {
	return int(r.tail.load() - r.head.load())
}
