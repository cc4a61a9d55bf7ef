package decks

import "errors"

var (
	errInvalidRLE    = errors.New("decks: malformed RLE stream")
	errInvalidXOR    = errors.New("decks: malformed XOR payload")
	errInvalidVector = errors.New("decks: vector payload not a multiple of 8 bytes")
)
