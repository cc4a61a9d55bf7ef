package decks

import (
	"context"
	"encoding/binary"

	"github.com/evkernel/ekernel/internal/errcode"
	"github.com/evkernel/ekernel/internal/routing"
)

// Network sub-op codes, within the 400-499 event-type band. Treated as a
// placeholder parallel to Hardware (spec.md §4.3): an io_uring socket
// backend on Linux (network_iouring_linux.go), the standard-library net
// backend (network_net.go) otherwise.
const (
	NetworkOpSocketOpen uint32 = 400
	NetworkOpSend       uint32 = 401
	NetworkOpRecv       uint32 = 402
	NetworkOpClose      uint32 = 403
)

const maxRecvSize = 64 * 1024

// networkBackend is the minimal socket contract the Network deck drives.
// Connect dials a stream socket and returns a backend-chosen handle; the
// deck never interprets the handle beyond passing it back.
type networkBackend interface {
	Connect(ctx context.Context, host string, port uint16) (uint64, error)
	Send(ctx context.Context, handle uint64, data []byte) (int, error)
	Recv(ctx context.Context, handle uint64, max int) ([]byte, error)
	Close(ctx context.Context, handle uint64) error
}

// NetworkDeck implements socket connect/send/recv/close.
type NetworkDeck struct {
	stats   Stats
	queue   *routing.Queue
	backend networkBackend
}

// NewNetworkDeck builds a Network deck over backend. A nil backend gets
// the platform default (io_uring on Linux, net.Dial elsewhere).
func NewNetworkDeck(backend networkBackend) *NetworkDeck {
	if backend == nil {
		backend = defaultNetworkBackend()
	}
	return &NetworkDeck{queue: routing.NewQueue(), backend: backend}
}

func (d *NetworkDeck) Prefix() uint8         { return 4 }
func (d *NetworkDeck) Queue() *routing.Queue { return d.queue }

var _ routing.Deck = (*NetworkDeck)(nil)

func (d *NetworkDeck) Stats() (processed, errs uint64) { return d.stats.Snapshot() }

func (d *NetworkDeck) Process(ctx context.Context, e *routing.Entry) routing.Outcome {
	e.Lock()
	typ := e.EventCopy.Type
	size := e.EventCopy.PayloadSize
	payload := append([]byte(nil), e.EventCopy.Payload[:size]...)
	e.Unlock()

	if !inBand(typ, NetworkTypeLo, NetworkTypeHi) {
		return d.fail(e, bandError())
	}

	result, code := d.dispatch(ctx, typ, payload)
	if code != errcode.OK {
		return d.fail(e, code)
	}

	e.Lock()
	e.SetResult(result, 0)
	e.Unlock()
	d.stats.recordProcessed()
	return routing.OutcomeCompleted
}

func (d *NetworkDeck) fail(e *routing.Entry, code errcode.Code) routing.Outcome {
	e.Lock()
	e.ErrorCode = uint16(code)
	e.Unlock()
	d.stats.recordError()
	return routing.OutcomeError
}

func (d *NetworkDeck) dispatch(ctx context.Context, typ uint32, p []byte) (routing.DeckResult, errcode.Code) {
	switch typ {
	case NetworkOpSocketOpen:
		host, rest, ok := readLengthPrefixed(p, MaxNameLength)
		if !ok || len(rest) < 2 {
			return routing.DeckResult{}, errcode.InvalidParameter
		}
		port := binary.LittleEndian.Uint16(rest)
		handle, err := d.backend.Connect(ctx, host, port)
		if err != nil {
			return routing.DeckResult{}, errcode.NetworkUnreachable
		}
		return routing.DeckResult{Kind: routing.ResultValue, Scalar: handle}, errcode.OK

	case NetworkOpSend:
		if len(p) < 8 {
			return routing.DeckResult{}, errcode.InvalidParameter
		}
		handle := binary.LittleEndian.Uint64(p)
		n, err := d.backend.Send(ctx, handle, p[8:])
		if err != nil {
			return routing.DeckResult{}, errcode.NetworkUnreachable
		}
		return routing.DeckResult{Kind: routing.ResultValue, Scalar: uint64(n)}, errcode.OK

	case NetworkOpRecv:
		if len(p) < 12 {
			return routing.DeckResult{}, errcode.InvalidParameter
		}
		handle := binary.LittleEndian.Uint64(p)
		maxLen := binary.LittleEndian.Uint32(p[8:])
		if maxLen > maxRecvSize {
			maxLen = maxRecvSize
		}
		data, err := d.backend.Recv(ctx, handle, int(maxLen))
		if err != nil {
			return routing.DeckResult{}, errcode.NetworkTimeout
		}
		return routing.DeckResult{Kind: routing.ResultHeap, Bytes: data}, errcode.OK

	case NetworkOpClose:
		if len(p) < 8 {
			return routing.DeckResult{}, errcode.InvalidParameter
		}
		handle := binary.LittleEndian.Uint64(p)
		if err := d.backend.Close(ctx, handle); err != nil {
			return routing.DeckResult{}, errcode.NetworkInvalidSocket
		}
		return routing.DeckResult{Kind: routing.ResultNone}, errcode.OK

	default:
		return routing.DeckResult{}, errcode.NotImplemented
	}
}
