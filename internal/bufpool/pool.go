// Package bufpool pools the byte slices the Storage deck borrows for reads
// at or above pooledReadThreshold (internal/decks/storage.go), and that the
// Execution deck returns once a routing.ResultPooled result has been copied
// into its RingResult or dropped. Nothing in this repo ever asks for a
// buffer below 128KiB (storage.go falls back to a plain make() under that)
// or above MaxFileRead (1MiB, the Storage deck's own read-length ceiling),
// so the bucket ladder stops exactly at that bound instead of carrying a
// catch-all "everything larger" bucket.
//
// Uses the *[]byte pattern to avoid sync.Pool's interface-allocation
// overhead.
package bufpool

import "sync"

// Buffer size thresholds. size1m doubles as the hard ceiling: the Storage
// deck never requests more than MaxFileRead (1MiB), so GetBuffer panics
// past it instead of silently handing back an undersized buffer.
const (
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
)

// globalPool is the shared buffer pool for pooled Storage-deck reads.
var globalPool = struct {
	pool128k sync.Pool
	pool256k sync.Pool
	pool512k sync.Pool
	pool1m   sync.Pool
}{
	pool128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool512k: sync.Pool{New: func() any { b := make([]byte, size512k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a pooled buffer of at least the requested size.
// Caller must call PutBuffer when done. Panics if size exceeds the largest
// bucket: every call site bounds its request to MaxFileRead before
// reaching here, so an oversized request means that bound was dropped
// somewhere upstream.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size128k:
		return (*globalPool.pool128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*globalPool.pool256k.Get().(*[]byte))[:size]
	case size <= size512k:
		return (*globalPool.pool512k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		panic("bufpool: requested size exceeds the largest bucket (1MiB)")
	}
}

// PutBuffer returns a buffer to the pool it came from.
// The buffer's capacity determines which pool it goes to; a buffer with a
// non-standard capacity (not one GetBuffer handed out) is simply dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	// Restore full capacity before returning to pool
	buf = buf[:c]
	switch c {
	case size128k:
		globalPool.pool128k.Put(&buf)
	case size256k:
		globalPool.pool256k.Put(&buf)
	case size512k:
		globalPool.pool512k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}
