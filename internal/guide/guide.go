// Package guide implements the single scan pass that shuffles routing
// entries between deck queues (spec.md §4.2). The Guide does not run deck
// logic itself beyond invoking each deck's own drain step; it only decides,
// for every Processing entry, which queue it belongs on next.
package guide

import (
	"context"

	"github.com/evkernel/ekernel/internal/errcode"
	"github.com/evkernel/ekernel/internal/routing"
)

// Metrics is the deck-throughput recorder a Guide notifies after each
// deck's drain pass (satisfied structurally by *ekernel.Metrics, so this
// package never imports the root one).
type Metrics interface {
	RecordDeckProcessed(prefix uint8)
	RecordDeckError(prefix uint8)
}

// Guide owns the deck registry it dispatches to: the four addressable
// decks keyed by route prefix, plus the Execution deck reached implicitly
// whenever a route is exhausted.
type Guide struct {
	table     *routing.Table
	decks     map[uint8]routing.Deck
	execution routing.Deck
	metrics   Metrics
}

// New builds a Guide over the given table and decks. execution is the
// terminal deck; decks should be keyed by their own Prefix().
func New(table *routing.Table, decks map[uint8]routing.Deck, execution routing.Deck) *Guide {
	return &Guide{table: table, decks: decks, execution: execution}
}

// WithMetrics attaches a throughput recorder and returns the Guide, for
// chaining at construction time.
func (g *Guide) WithMetrics(m Metrics) *Guide {
	g.metrics = m
	return g
}

// Scan performs one full pass: route every Processing entry onto the queue
// matching its next prefix (or onto Execution if the route is exhausted),
// skipping Suspended entries entirely, then lets every deck drain its own
// queue. current_index only advances inside a deck's Process call, via
// Entry.SetResult — never during routing itself (spec.md §4.2 point 1).
func (g *Guide) Scan(ctx context.Context) {
	g.route()

	for _, d := range g.decks {
		g.drain(ctx, d)
	}
	g.drain(ctx, g.execution)
}

func (g *Guide) route() {
	g.table.ForEachBucket(func(e *routing.Entry) {
		e.Lock()
		st := e.State
		next := e.NextPrefix()
		e.Unlock()

		if st != routing.StateProcessing {
			return
		}

		if next == 0 {
			g.execution.Queue().Enqueue(e)
			return
		}

		d, ok := g.decks[next]
		if !ok {
			g.forceError(e, errcode.NotImplemented)
			g.execution.Queue().Enqueue(e)
			return
		}
		d.Queue().Enqueue(e)
	})
}

func (g *Guide) drain(ctx context.Context, d routing.Deck) {
	d.Queue().DrainAll(func(e *routing.Entry) {
		switch d.Process(ctx, e) {
		case routing.OutcomeError:
			g.forceError(e, errcode.HardwareUnreachable) // deck overrides e.ErrorCode before returning OutcomeError
			if g.metrics != nil {
				g.metrics.RecordDeckError(d.Prefix())
			}
		case routing.OutcomeSuspended:
			e.Lock()
			e.State = routing.StateSuspended
			e.Unlock()
		case routing.OutcomeCompleted:
			// current_index already advanced by the deck via SetResult.
			if g.metrics != nil {
				g.metrics.RecordDeckProcessed(d.Prefix())
			}
		}
	})
}

// forceError marks an entry aborted and zeroes its remaining route so the
// next scan routes it straight to Execution, where the workflow engine's
// error policy takes over (spec.md §7).
func (g *Guide) forceError(e *routing.Entry, fallback errcode.Code) {
	e.Lock()
	e.AbortFlag = true
	if e.ErrorCode == 0 {
		e.ErrorCode = uint16(fallback)
	}
	for i := e.CurrentIndex; i < routing.MaxRoute; i++ {
		e.Prefixes[i] = 0
	}
	e.Unlock()
}
