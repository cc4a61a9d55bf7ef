package decks

import (
	"context"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evkernel/ekernel/internal/routing"
	"github.com/evkernel/ekernel/internal/wire"
)

func newOpsEntry(typ uint32, payload []byte) *routing.Entry {
	event := &wire.RingEvent{Type: typ, PayloadSize: uint32(len(payload))}
	copy(event.Payload[:], payload)
	tbl := routing.NewTable(1)
	_, e := tbl.Insert(event, 0)
	return e
}

func TestOperationsDeck_CRC32(t *testing.T) {
	d := NewOperationsDeck()
	e := newOpsEntry(OpCRC32, []byte("abc"))

	outcome := d.Process(context.Background(), e)
	require.Equal(t, routing.OutcomeCompleted, outcome)
	require.Equal(t, routing.ResultValue, e.DeckResults[0].Kind)
	require.EqualValues(t, crc32.ChecksumIEEE([]byte("abc")), e.DeckResults[0].Scalar)
}

func TestOperationsDeck_DJB2(t *testing.T) {
	d := NewOperationsDeck()
	e := newOpsEntry(OpDJB2, []byte("abc"))

	d.Process(context.Background(), e)
	require.Equal(t, uint64(djb2([]byte("abc"))), e.DeckResults[0].Scalar)
}

func TestOperationsDeck_RLERoundTrip(t *testing.T) {
	d := NewOperationsDeck()
	original := []byte("aaaaabbbccccccccccd")

	enc := newOpsEntry(OpRLEEnc, original)
	d.Process(context.Background(), enc)
	require.Equal(t, routing.ResultHeap, enc.DeckResults[0].Kind)

	dec := newOpsEntry(OpRLEDec, enc.DeckResults[0].Bytes)
	outcome := d.Process(context.Background(), dec)
	require.Equal(t, routing.OutcomeCompleted, outcome)
	require.Equal(t, original, dec.DeckResults[0].Bytes)
}

func TestOperationsDeck_XORRoundTrip(t *testing.T) {
	d := NewOperationsDeck()
	key := []byte("key")
	plain := []byte("the quick brown fox")

	payload := append([]byte{byte(len(key))}, append(key, plain...)...)
	enc := newOpsEntry(OpXOREnc, payload)
	d.Process(context.Background(), enc)

	cipher := enc.DeckResults[0].Bytes
	decPayload := append([]byte{byte(len(key))}, append(key, cipher...)...)
	dec := newOpsEntry(OpXORDec, decPayload)
	d.Process(context.Background(), dec)

	require.Equal(t, plain, dec.DeckResults[0].Bytes)
}

func TestOperationsDeck_VecAdd(t *testing.T) {
	d := NewOperationsDeck()
	payload := make([]byte, 16)
	putLE32(payload[0:], 10)
	putLE32(payload[4:], 20)
	putLE32(payload[8:], 1)
	putLE32(payload[12:], 2)

	e := newOpsEntry(OpVecAddI32, payload)
	d.Process(context.Background(), e)

	out := e.DeckResults[0].Bytes
	require.Equal(t, int32(11), int32(le32(out[0:])))
	require.Equal(t, int32(22), int32(le32(out[4:])))
}

func TestOperationsDeck_RejectsOutOfBandType(t *testing.T) {
	d := NewOperationsDeck()
	e := newOpsEntry(300, []byte("x"))

	outcome := d.Process(context.Background(), e)
	require.Equal(t, routing.OutcomeError, outcome)
	require.NotZero(t, e.ErrorCode)
}
