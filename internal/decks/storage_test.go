package decks

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evkernel/ekernel/internal/routing"
	"github.com/evkernel/ekernel/internal/wire"
)

func newStorageEntry(typ uint32, payload []byte) *routing.Entry {
	event := &wire.RingEvent{Type: typ, PayloadSize: uint32(len(payload))}
	copy(event.Payload[:], payload)
	tbl := routing.NewTable(1)
	_, e := tbl.Insert(event, 0)
	return e
}

func lenPrefixed(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.LittleEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func TestStorageDeck_AllocProducesHeapBuffer(t *testing.T) {
	d := NewStorageDeck(nil)
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, 128)

	e := newStorageEntry(StorageOpAlloc, payload)
	outcome := d.Process(context.Background(), e)
	require.Equal(t, routing.OutcomeCompleted, outcome)
	require.Equal(t, routing.ResultHeap, e.DeckResults[0].Kind)
	require.Len(t, e.DeckResults[0].Bytes, 128)
}

func TestStorageDeck_CreateOpenReadWrite(t *testing.T) {
	d := NewStorageDeck(nil)

	payload := lenPrefixed("notes.txt")
	payload = append(payload, 0, 0) // zero tags
	e := newStorageEntry(StorageOpCreateTagged, payload)
	d.Process(context.Background(), e)
	require.Equal(t, routing.ResultValue, e.DeckResults[0].Kind)
	fd := uint32(e.DeckResults[0].Scalar)

	writePayload := make([]byte, 12)
	binary.LittleEndian.PutUint32(writePayload, fd)
	binary.LittleEndian.PutUint64(writePayload[4:], 0)
	writePayload = append(writePayload, []byte("hello")...)
	w := newStorageEntry(StorageOpWrite, writePayload)
	d.Process(context.Background(), w)
	require.EqualValues(t, 5, w.DeckResults[0].Scalar)

	readPayload := make([]byte, 16)
	binary.LittleEndian.PutUint32(readPayload, fd)
	binary.LittleEndian.PutUint64(readPayload[4:], 0)
	binary.LittleEndian.PutUint32(readPayload[12:], 5)
	r := newStorageEntry(StorageOpRead, readPayload)
	d.Process(context.Background(), r)
	require.Equal(t, []byte("hello"), r.DeckResults[0].Bytes)
}

func TestStorageDeck_TagAddAndQuery(t *testing.T) {
	d := NewStorageDeck(nil)

	payload := lenPrefixed("img.bin")
	payload = append(payload, 0, 0)
	e := newStorageEntry(StorageOpCreateTagged, payload)
	d.Process(context.Background(), e)
	fd := uint32(e.DeckResults[0].Scalar)

	tagPayload := make([]byte, 4)
	binary.LittleEndian.PutUint32(tagPayload, fd)
	tagPayload = append(tagPayload, lenPrefixed("image")...)
	tagAdd := newStorageEntry(StorageOpTagAdd, tagPayload)
	outcome := d.Process(context.Background(), tagAdd)
	require.Equal(t, routing.OutcomeCompleted, outcome)

	query := newStorageEntry(StorageOpTagQuery, lenPrefixed("image"))
	d.Process(context.Background(), query)
	require.Len(t, query.DeckResults[0].Bytes, 4)
	require.Equal(t, fd, binary.LittleEndian.Uint32(query.DeckResults[0].Bytes))
}

func TestStorageDeck_LargeReadUsesPooledBuffer(t *testing.T) {
	d := NewStorageDeck(nil)

	payload := lenPrefixed("big.bin")
	payload = append(payload, 0, 0)
	e := newStorageEntry(StorageOpCreateTagged, payload)
	d.Process(context.Background(), e)
	fd := uint32(e.DeckResults[0].Scalar)

	const total = pooledReadThreshold + 4096
	chunk := make([]byte, 400)
	for off := 0; off < total; off += len(chunk) {
		n := len(chunk)
		if off+n > total {
			n = total - off
		}
		writePayload := make([]byte, 12)
		binary.LittleEndian.PutUint32(writePayload, fd)
		binary.LittleEndian.PutUint64(writePayload[4:], uint64(off))
		writePayload = append(writePayload, chunk[:n]...)
		w := newStorageEntry(StorageOpWrite, writePayload)
		outcome := d.Process(context.Background(), w)
		require.Equal(t, routing.OutcomeCompleted, outcome)
	}

	readPayload := make([]byte, 16)
	binary.LittleEndian.PutUint32(readPayload, fd)
	binary.LittleEndian.PutUint32(readPayload[12:], uint32(total))
	r := newStorageEntry(StorageOpRead, readPayload)
	outcome := d.Process(context.Background(), r)
	require.Equal(t, routing.OutcomeCompleted, outcome)
	require.Equal(t, routing.ResultPooled, r.DeckResults[0].Kind)
	require.Len(t, r.DeckResults[0].Bytes, total)
}

func TestStorageDeck_ReadInvalidFDFails(t *testing.T) {
	d := NewStorageDeck(nil)
	readPayload := make([]byte, 16)
	binary.LittleEndian.PutUint32(readPayload, 99)
	e := newStorageEntry(StorageOpRead, readPayload)
	outcome := d.Process(context.Background(), e)
	require.Equal(t, routing.OutcomeError, outcome)
	require.EqualValues(t, 0x0202, e.ErrorCode) // StorageInvalidFD
}

func TestStorageDeck_RejectsOutOfBandType(t *testing.T) {
	d := NewStorageDeck(nil)
	e := newStorageEntry(100, nil)
	outcome := d.Process(context.Background(), e)
	require.Equal(t, routing.OutcomeError, outcome)
}
