package routing

import "context"

// Outcome is a deck's verdict on one Process call (spec.md §4.3).
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeError
	OutcomeSuspended
)

// Deck is the uniform shape of the five stage processors (Operations,
// Storage, Hardware, Network, Execution). The Guide moves entries onto a
// deck's Queue; the deck drains its own queue inside the same scan pass.
type Deck interface {
	// Prefix returns the deck's route prefix (1..N), or 0 for the
	// Execution deck, which is reached implicitly when a route is
	// exhausted rather than addressed by a literal prefix value.
	Prefix() uint8
	Queue() *Queue
	Process(ctx context.Context, e *Entry) Outcome
}
