package routing

import (
	"sync"
	"sync/atomic"

	"github.com/evkernel/ekernel/internal/wire"
)

// DefaultBuckets is the default bucket count (spec.md §4.2): a power of
// two, bucket index = event_id mod N.
const DefaultBuckets = 64

// bucket is an intrusive-list-in-spirit, ordinary-map-in-practice chain of
// routing entries (Design Notes §9: an ordinary owning container per
// bucket is permitted since the invariant is "one bucket per event"). Only
// this bucket's mutex is ever taken to look up or mutate its entries.
type bucket struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
}

// Table is the process-wide routing table: a fixed array of buckets keyed
// by event_id mod len(buckets), each independently locked.
type Table struct {
	buckets []bucket
	nextID  atomic.Uint64 // monotonically increasing event id counter

	countProcessing atomic.Int64
}

// NewTable creates a routing table with n buckets (rounded up to the
// teacher-style default if n <= 0).
func NewTable(n int) *Table {
	if n <= 0 {
		n = DefaultBuckets
	}
	t := &Table{buckets: make([]bucket, n)}
	for i := range t.buckets {
		t.buckets[i].entries = make(map[uint64]*Entry)
	}
	return t
}

func (t *Table) bucketFor(eventID uint64) *bucket {
	return &t.buckets[eventID%uint64(len(t.buckets))]
}

// Insert assigns a globally unique monotonically increasing event id,
// snapshots event into a fresh RoutingEntry, and inserts it into the
// table. Returning the assigned id directly (rather than relying on the
// caller re-reading event.ID) resolves the aliasing ambiguity noted in
// spec.md §9's Open Questions.
func (t *Table) Insert(event *wire.RingEvent, timestampNs int64) (uint64, *Entry) {
	id := t.nextID.Add(1)

	entry := &Entry{
		EventID:      id,
		EventCopy:    *event,
		CurrentIndex: 0,
		State:        StateProcessing,
	}
	entry.EventCopy.ID = id
	copy(entry.Prefixes[:], event.Route[:])
	entry.EventCopy.Timestamp = timestampNs

	b := t.bucketFor(id)
	b.mu.Lock()
	b.entries[id] = entry
	b.mu.Unlock()

	t.countProcessing.Add(1)
	return id, entry
}

// Get looks up an entry by event id.
func (t *Table) Get(eventID uint64) (*Entry, bool) {
	b := t.bucketFor(eventID)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[eventID]
	return e, ok
}

// Remove deletes an entry from the table (Execution deck step (f)).
func (t *Table) Remove(eventID uint64) {
	b := t.bucketFor(eventID)
	b.mu.Lock()
	_, existed := b.entries[eventID]
	delete(b.entries, eventID)
	b.mu.Unlock()
	if existed {
		t.countProcessing.Add(-1)
	}
}

// Complete resumes a suspended entry: it restores state to Processing,
// records the suspending agent's result at the current step, and lets the
// Guide pick it back up on its next scan (spec.md §4.3's
// complete_entry(entry, result, type)).
func (t *Table) Complete(eventID uint64, result DeckResult, timestampNs int64) bool {
	b := t.bucketFor(eventID)
	b.mu.Lock()
	e, ok := b.entries[eventID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.SetResult(result, timestampNs)
	e.State = StateProcessing
	waiter := e.resumeWaiter
	e.resumeWaiter = nil
	e.mu.Unlock()
	if waiter != nil {
		close(waiter)
	}
	return true
}

// Count returns the number of entries currently tracked.
func (t *Table) Count() int64 {
	return t.countProcessing.Load()
}

// ForEachBucket visits every bucket's entries under that bucket's lock,
// the access pattern the Guide's scan pass uses (spec.md §4.2). fn must
// not call back into the table (Insert/Remove/Get) while holding the
// bucket lock; it may only mutate the Entry it was given and enqueue it
// on a deck queue.
func (t *Table) ForEachBucket(fn func(e *Entry)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for _, e := range b.entries {
			fn(e)
		}
		b.mu.Unlock()
	}
}
