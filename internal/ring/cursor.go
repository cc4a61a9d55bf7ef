package ring

import "sync/atomic"

// cacheLineSize is sized so two cursors never share a cache line; false
// sharing between producer and consumer cursors would serialize what is
// meant to be a lock-free handoff.
const cacheLineSize = 64

// cursor is a single producer- or consumer-owned position counter, padded
// to its own cache line.
type cursor struct {
	v   atomic.Uint32
	_   [cacheLineSize - 4]byte
}

func (c *cursor) load() uint32 {
	return c.v.Load()
}

// storeRelease publishes a new cursor value after the caller has finished
// writing (or reading) the slot it guards; paired with loadAcquire on the
// other side of the ring.
func (c *cursor) storeRelease(n uint32) {
	c.v.Store(n)
}

// loadAcquire reads the counterpart cursor before touching the slot it
// guards.
func (c *cursor) loadAcquire() uint32 {
	return c.v.Load()
}
