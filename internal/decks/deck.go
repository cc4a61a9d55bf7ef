// Package decks implements the five stage processors from spec.md §4.3:
// Operations, Storage, Hardware, Network, and the terminal Execution deck.
// Each satisfies routing.Deck so the Guide can drive it uniformly.
package decks

import (
	"sync/atomic"

	"github.com/evkernel/ekernel/internal/errcode"
)

// Event-type bands a deck accepts (spec.md §4.3's "event-type ranges").
const (
	OperationsTypeLo, OperationsTypeHi uint32 = 100, 199
	StorageTypeLo, StorageTypeHi      uint32 = 200, 299
	HardwareTypeLo, HardwareTypeHi    uint32 = 300, 399
	NetworkTypeLo, NetworkTypeHi      uint32 = 400, 499
)

// Per-operation upper bounds (spec.md §4.3's validation contract).
const (
	MaxFileRead    = 1 << 20        // 1 MiB
	MaxMemoryMap   = 64 << 20       // 64 MiB
	MaxTimerDelay  = 3_600_000      // ms, one hour
	MaxPathLength  = 255
	MaxNameLength  = 64
)

// Stats tracks a deck's processed/error counters (spec.md §4.3: "owns
// statistics"). Safe for concurrent use.
type Stats struct {
	processed atomic.Uint64
	errors    atomic.Uint64
}

func (s *Stats) recordProcessed() { s.processed.Add(1) }
func (s *Stats) recordError()     { s.errors.Add(1) }

// Snapshot returns the current processed/error counts.
func (s *Stats) Snapshot() (processed, errs uint64) {
	return s.processed.Load(), s.errors.Load()
}

// inBand reports whether typ falls within [lo, hi].
func inBand(typ, lo, hi uint32) bool {
	return typ >= lo && typ <= hi
}

// bandError is the NotImplemented error every deck returns for an event
// type outside its numeric band.
func bandError() errcode.Code {
	return errcode.NotImplemented
}
