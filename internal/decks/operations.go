package decks

import (
	"context"
	"hash/crc32"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/evkernel/ekernel/internal/errcode"
	"github.com/evkernel/ekernel/internal/routing"
)

// Operations sub-op codes, within the 100-199 event-type band.
const (
	OpCRC32    uint32 = 100
	OpDJB2     uint32 = 101
	OpRLEEnc   uint32 = 102
	OpRLEDec   uint32 = 103
	OpXOREnc   uint32 = 104
	OpXORDec   uint32 = 105
	OpVecAddI32 uint32 = 106
)

const djb2Seed uint32 = 5381

// OperationsDeck implements pure CPU transforms: hashing, RLE, XOR, integer
// vector math. Hash results are scalar Value results; byte-producing
// transforms return Heap results.
type OperationsDeck struct {
	stats Stats
	queue *routing.Queue
}

// NewOperationsDeck constructs an Operations deck with its own queue.
func NewOperationsDeck() *OperationsDeck {
	return &OperationsDeck{queue: routing.NewQueue()}
}

func (d *OperationsDeck) Prefix() uint8         { return 1 }
func (d *OperationsDeck) Queue() *routing.Queue { return d.queue }

var _ routing.Deck = (*OperationsDeck)(nil)

func (d *OperationsDeck) Stats() (processed, errs uint64) { return d.stats.Snapshot() }

func (d *OperationsDeck) Process(_ context.Context, e *routing.Entry) routing.Outcome {
	e.Lock()
	typ := e.EventCopy.Type
	size := e.EventCopy.PayloadSize
	payload := append([]byte(nil), e.EventCopy.Payload[:size]...)
	e.Unlock()

	if !inBand(typ, OperationsTypeLo, OperationsTypeHi) {
		return d.fail(e, bandError())
	}

	var result routing.DeckResult
	var code errcode.Code

	switch typ {
	case OpCRC32:
		result, code = hashResult(uint64(crc32.ChecksumIEEE(payload)))
	case OpDJB2:
		result, code = hashResult(uint64(djb2(payload)))
	case OpRLEEnc:
		result, code = bytesResult(rleEncode(payload))
	case OpRLEDec:
		out, err := rleDecode(payload)
		if err != nil {
			code = errcode.InvalidParameter
		} else {
			result, code = bytesResult(out)
		}
	case OpXOREnc, OpXORDec:
		out, err := xorCrypt(payload)
		if err != nil {
			code = errcode.InvalidParameter
		} else {
			result, code = bytesResult(out)
		}
	case OpVecAddI32:
		out, err := vecAddI32(payload)
		if err != nil {
			code = errcode.InvalidParameter
		} else {
			result, code = bytesResult(out)
		}
	default:
		code = errcode.NotImplemented
	}

	if code != errcode.OK {
		return d.fail(e, code)
	}

	e.Lock()
	e.SetResult(result, 0)
	e.Unlock()
	d.stats.recordProcessed()
	return routing.OutcomeCompleted
}

func (d *OperationsDeck) fail(e *routing.Entry, code errcode.Code) routing.Outcome {
	e.Lock()
	e.ErrorCode = uint16(code)
	e.Unlock()
	d.stats.recordError()
	return routing.OutcomeError
}

func hashResult(v uint64) (routing.DeckResult, errcode.Code) {
	return routing.DeckResult{Kind: routing.ResultValue, Scalar: v}, errcode.OK
}

func bytesResult(b []byte) (routing.DeckResult, errcode.Code) {
	return routing.DeckResult{Kind: routing.ResultHeap, Bytes: b}, errcode.OK
}

// djb2 is Daniel Bernstein's string-hash: hash = hash*33 + c, seeded at 5381.
func djb2(data []byte) uint32 {
	h := djb2Seed
	for _, c := range data {
		h = ((h << 5) + h) + uint32(c)
	}
	return h
}

// rleEncode run-length-encodes data as (count byte, value byte) pairs, runs
// capped at 255. Uses an mcache scratch buffer since the worst case (no
// repeats) doubles the input size and the final result is copied out once
// sized correctly.
func rleEncode(data []byte) []byte {
	scratch := mcache.Malloc(len(data) * 2)
	defer mcache.Free(scratch)

	n := 0
	for i := 0; i < len(data); {
		run := byte(1)
		for i+int(run) < len(data) && data[i+int(run)] == data[i] && run < 255 {
			run++
		}
		scratch[n] = run
		scratch[n+1] = data[i]
		n += 2
		i += int(run)
	}
	out := make([]byte, n)
	copy(out, scratch[:n])
	return out
}

// rleDecode reverses rleEncode; an odd-length input is a validation error.
func rleDecode(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, errInvalidRLE
	}
	total := 0
	for i := 0; i < len(data); i += 2 {
		total += int(data[i])
	}
	out := make([]byte, 0, total)
	for i := 0; i < len(data); i += 2 {
		run, val := data[i], data[i+1]
		for j := byte(0); j < run; j++ {
			out = append(out, val)
		}
	}
	return out, nil
}

// xorCrypt applies a repeating XOR key to the payload. Wire layout: one
// length-prefix byte giving the key length, the key itself, then the data.
// XOR is its own inverse so the same routine serves encrypt and decrypt.
func xorCrypt(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, errInvalidXOR
	}
	keyLen := int(data[0])
	if keyLen == 0 || 1+keyLen > len(data) {
		return nil, errInvalidXOR
	}
	key := data[1 : 1+keyLen]
	body := data[1+keyLen:]
	out := make([]byte, len(body))
	for i, b := range body {
		out[i] = b ^ key[i%len(key)]
	}
	return out, nil
}

// vecAddI32 adds two equal-length little-endian int32 vectors packed
// back-to-back: payload = a[0..n) ++ b[0..n), each 4 bytes.
func vecAddI32(data []byte) ([]byte, error) {
	if len(data)%8 != 0 {
		return nil, errInvalidVector
	}
	n := len(data) / 8
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		a := int32(le32(data[i*4:]))
		b := int32(le32(data[n*4+i*4:]))
		putLE32(out[i*4:], uint32(a+b))
	}
	return out, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
