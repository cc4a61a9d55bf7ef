// Package routing implements the routing table and RoutingEntry described
// in spec.md §3/§4.2: a fixed-size hash of in-flight entries, each
// tracking one event's progress through its deck route.
package routing

import (
	"sync"

	"github.com/evkernel/ekernel/internal/wire"
)

// MaxRoute mirrors wire.MaxRoute: an 8-entry, zero-terminated deck prefix
// sequence.
const MaxRoute = wire.MaxRoute

// State is a RoutingEntry's lifecycle state (spec.md §3).
type State int

const (
	StateProcessing State = iota
	StateSuspended
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ResultKind classifies a deck result's ownership per Design Notes §9's
// tagged-sum recommendation: freeing a routing entry is then exactly
// determined by this tag instead of a raw pointer-plus-kind convention.
type ResultKind int

const (
	ResultNone ResultKind = iota
	ResultValue
	ResultStatic
	ResultHeap
	ResultMemoryMapped
	ResultPooled // backed by internal/bufpool, released via bufpool.PutBuffer
)

// DeckResult is one deck step's output. Exactly one of Scalar/Bytes is
// meaningful, selected by Kind.
type DeckResult struct {
	Kind   ResultKind
	Scalar uint64 // valid when Kind == ResultValue
	Bytes  []byte // valid when Kind in {ResultStatic, ResultHeap, ResultMemoryMapped}
}

// ResumeToken identifies a suspended routing entry's slot (Design Notes
// §9: explicit suspension state machine, not a coroutine). Table.Complete
// does not take one: a suspending agent (a timer, a pending socket read)
// resumes Guide-driven processing by passing the entry's event id.
type ResumeToken struct {
	entryIdx int
	bucket   int
}

// Entry is the kernel-side bookkeeping for one in-flight event.
type Entry struct {
	mu sync.Mutex

	EventID      uint64
	EventCopy    wire.RingEvent
	Prefixes     [MaxRoute]uint8
	CurrentIndex int
	State        State

	DeckResults    [MaxRoute]DeckResult
	DeckTimestamps [MaxRoute]int64
	Transferred    [MaxRoute]bool // true once a workflow node has taken ownership

	AbortFlag bool
	ErrorCode uint16

	// resumeWaiter, if non-nil, is notified (closed) when the entry
	// transitions out of StateSuspended via Complete.
	resumeWaiter chan struct{}

	// queued tracks whether this entry is currently sitting in some deck's
	// Queue, so the Guide never double-enqueues it across scan passes.
	queued bool
}

// Lock and Unlock expose the entry's own mutex to callers outside this
// package (the Guide, decks) that need to read or mutate entry state
// across a routing/draining pass without a data race.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// NextPrefix returns the deck prefix awaiting processing, or 0 if the
// route is exhausted (the entry is complete per spec.md §3's invariant).
func (e *Entry) NextPrefix() uint8 {
	if e.CurrentIndex >= MaxRoute {
		return 0
	}
	return e.Prefixes[e.CurrentIndex]
}

// IsComplete reports prefixes[current_index] == 0.
func (e *Entry) IsComplete() bool {
	return e.NextPrefix() == 0
}

// SetResult records deck step output at the current index, advances
// current_index, and clears the prefix so Guide re-routes (spec.md §4.3
// step (a)-(c)).
func (e *Entry) SetResult(result DeckResult, timestampNs int64) {
	idx := e.CurrentIndex
	if idx >= MaxRoute {
		return
	}
	e.DeckResults[idx] = result
	e.DeckTimestamps[idx] = timestampNs
	e.Prefixes[idx] = 0
	e.CurrentIndex++
}

// FreeResults releases every deck result whose Kind is Heap, MemoryMapped
// or Pooled and which was not transferred to a workflow node (spec.md §8
// invariant 5), and zeroes every untransferred slot. release is called for
// each such result so the caller can return heap buffers to a pool or
// munmap a mapped region.
func (e *Entry) FreeResults(release func(DeckResult)) {
	for i := 0; i < MaxRoute; i++ {
		if e.Transferred[i] {
			continue
		}
		r := e.DeckResults[i]
		if r.Kind == ResultHeap || r.Kind == ResultMemoryMapped || r.Kind == ResultPooled {
			release(r)
		}
		e.DeckResults[i] = DeckResult{}
	}
}
