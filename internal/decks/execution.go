package decks

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/evkernel/ekernel/internal/bufpool"
	"github.com/evkernel/ekernel/internal/ring"
	"github.com/evkernel/ekernel/internal/routing"
	"github.com/evkernel/ekernel/internal/wire"
)

// resultPushSpins bounds how many cpu-pause spins the Execution deck
// retries a full result ring before giving up (spec.md §4.3/§5).
const resultPushSpins = 10_000

// WorkflowNotifier is implemented by the workflow engine (injected rather
// than imported, to avoid decks depending on workflow) and is invoked once
// per completed entry (spec.md §4.4's on_event_completed).
type WorkflowNotifier interface {
	OnEventCompleted(entry *routing.Entry, lastResultIndex int, errorCode uint16)
}

// ExecutionMetrics is the event-completion recorder the Execution deck
// notifies (satisfied structurally by *ekernel.Metrics).
type ExecutionMetrics interface {
	RecordEventCompleted(latencyNs uint64)
	RecordEventErrored(latencyNs uint64)
	RecordResultRingDrop()
}

// ExecutionDeck is the terminal deck (spec.md §4.3): builds a RingResult,
// pushes it to the result ring the deck was constructed with, raises the
// completion interrupt, invokes the workflow callback, frees untransferred
// deck results, and removes the routing entry. Every result goes to that
// one ring; results are not routed to a process's own ResultRing.
type ExecutionDeck struct {
	stats     Stats
	queue     *routing.Queue
	table     *routing.Table
	results   *ring.ResultRing
	notifier  WorkflowNotifier
	interrupt chan uint64 // completion interrupt: process/workflow ids made ready
	metrics   ExecutionMetrics
}

// NewExecutionDeck wires the terminal deck to the routing table it removes
// entries from, the result ring it publishes to, and the workflow engine
// it notifies. interruptBacklog sizes the completion-interrupt channel.
func NewExecutionDeck(table *routing.Table, results *ring.ResultRing, notifier WorkflowNotifier, interruptBacklog int) *ExecutionDeck {
	if interruptBacklog <= 0 {
		interruptBacklog = 256
	}
	return &ExecutionDeck{
		queue:     routing.NewQueue(),
		table:     table,
		results:   results,
		notifier:  notifier,
		interrupt: make(chan uint64, interruptBacklog),
	}
}

// WithMetrics attaches m and returns the deck, for chaining at construction.
func (d *ExecutionDeck) WithMetrics(m ExecutionMetrics) *ExecutionDeck {
	d.metrics = m
	return d
}

// Prefix is 0: the Execution deck has no event-type band of its own, it is
// reached whenever a route is exhausted (prefixes[current_index] == 0).
func (d *ExecutionDeck) Prefix() uint8         { return 0 }
func (d *ExecutionDeck) Queue() *routing.Queue { return d.queue }

var _ routing.Deck = (*ExecutionDeck)(nil)

func (d *ExecutionDeck) Stats() (processed, errs uint64) { return d.stats.Snapshot() }

// Interrupt exposes the completion-interrupt channel for the scheduler to
// select on when waking Waiting processes (spec.md §4.5).
func (d *ExecutionDeck) Interrupt() <-chan uint64 { return d.interrupt }

func (d *ExecutionDeck) Process(_ context.Context, e *routing.Entry) routing.Outcome {
	e.Lock()
	lastIdx := lastNonNoneResult(e)
	submittedAt := e.EventCopy.Timestamp
	now := time.Now()
	result := wire.RingResult{
		EventID:        e.EventID,
		WorkflowID:     e.EventCopy.WorkflowID,
		CompletionTime: now.UnixNano(),
		ErrorCode:      e.ErrorCode,
	}
	if e.AbortFlag {
		result.Status = -1
	}
	if lastIdx >= 0 {
		packResult(&result, e.DeckResults[lastIdx])
	}
	errorCode := e.ErrorCode
	e.Unlock()

	latencyNs := uint64(now.UnixNano() - submittedAt)
	if d.metrics != nil {
		if errorCode == 0 {
			d.metrics.RecordEventCompleted(latencyNs)
		} else {
			d.metrics.RecordEventErrored(latencyNs)
		}
	}

	pushed := d.pushResult(&result)
	if !pushed {
		d.stats.recordError()
		if d.metrics != nil {
			d.metrics.RecordResultRingDrop()
		}
	}

	select {
	case d.interrupt <- result.WorkflowID:
	default:
		// Backlog full: the interrupt is a best-effort wakeup, the owning
		// process will still observe completion on its next Poll/Wait.
	}

	if d.notifier != nil {
		d.notifier.OnEventCompleted(e, lastIdx, errorCode)
	}

	e.FreeResults(func(r routing.DeckResult) {
		switch r.Kind {
		case routing.ResultMemoryMapped:
			_ = UnmapResult(r)
		case routing.ResultPooled:
			bufpool.PutBuffer(r.Bytes)
		}
	})

	d.table.Remove(e.EventID)
	d.stats.recordProcessed()
	return routing.OutcomeCompleted
}

// pushResult retries a bounded number of spins before giving up (spec.md
// §4.3's result-ring push policy).
func (d *ExecutionDeck) pushResult(r *wire.RingResult) bool {
	if d.results == nil {
		return true
	}
	for i := 0; i < resultPushSpins; i++ {
		if d.results.Push(r) {
			return true
		}
		pauseHint()
	}
	return false
}

// lastNonNoneResult returns the highest index with a non-None result, or
// -1 if the entry never reached a deck. Caller must hold e's lock.
func lastNonNoneResult(e *routing.Entry) int {
	for i := routing.MaxRoute - 1; i >= 0; i-- {
		if e.DeckResults[i].Kind != routing.ResultNone {
			return i
		}
	}
	return -1
}

// packResult copies a DeckResult into a RingResult's fixed payload:
// Value results pack their scalar as 8 little-endian bytes, Heap/Mapped
// results copy their bytes up to MaxPayload (spec.md §3).
func packResult(out *wire.RingResult, r routing.DeckResult) {
	switch r.Kind {
	case routing.ResultValue:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], r.Scalar)
		out.ResultSize = uint32(copy(out.Result[:], buf[:]))
	case routing.ResultStatic, routing.ResultHeap, routing.ResultMemoryMapped, routing.ResultPooled:
		out.ResultSize = uint32(copy(out.Result[:], r.Bytes))
	}
}
