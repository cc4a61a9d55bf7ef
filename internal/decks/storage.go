package decks

import (
	"context"
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/evkernel/ekernel/internal/bufpool"
	"github.com/evkernel/ekernel/internal/errcode"
	"github.com/evkernel/ekernel/internal/routing"
)

// pooledReadThreshold is the read length at or above which opRead borrows its
// buffer from bufpool instead of a plain make([]byte, n) (bufpool's
// smallest bucket is 128 KiB; below that, pooling a buffer costs more in
// bucket overhead than it saves).
const pooledReadThreshold = 128 * 1024

// Storage sub-op codes, within the 200-299 event-type band.
const (
	StorageOpAlloc        uint32 = 200
	StorageOpMmap         uint32 = 201
	StorageOpCreateTagged uint32 = 202
	StorageOpOpen         uint32 = 203
	StorageOpClose        uint32 = 204
	StorageOpRead         uint32 = 205
	StorageOpWrite        uint32 = 206
	StorageOpStat         uint32 = 207
	StorageOpTagAdd       uint32 = 208
	StorageOpTagRemove    uint32 = 209
	StorageOpTagQuery     uint32 = 210
)

// fdTableSize is the fixed file-descriptor table size (spec.md §4.3).
const fdTableSize = 256

type fdSlot struct {
	used bool
	fid  FileID
}

// fdTable is the Storage deck's 256-slot descriptor table, behind one
// mutex (spec.md §4.3, §5's "shared resource policy").
type fdTable struct {
	mu    sync.Mutex
	slots [fdTableSize]fdSlot
}

func (t *fdTable) alloc(fid FileID) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.slots[i].used {
			t.slots[i] = fdSlot{used: true, fid: fid}
			return uint32(i), true
		}
	}
	return 0, false
}

func (t *fdTable) lookup(fd uint32) (FileID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= fdTableSize || !t.slots[fd].used {
		return 0, false
	}
	return t.slots[fd].fid, true
}

func (t *fdTable) release(fd uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= fdTableSize || !t.slots[fd].used {
		return false
	}
	t.slots[fd] = fdSlot{}
	return true
}

// StorageDeck implements memory allocation, memory-mapping, and
// tag-filesystem operations (spec.md §4.3).
type StorageDeck struct {
	stats Stats
	queue *routing.Queue
	fds   fdTable
	fs    TagFS
}

// NewStorageDeck builds a Storage deck over fs. A nil fs gets the default
// in-process MemTagFS.
func NewStorageDeck(fs TagFS) *StorageDeck {
	if fs == nil {
		fs = NewMemTagFS(nil)
	}
	return &StorageDeck{queue: routing.NewQueue(), fs: fs}
}

func (d *StorageDeck) Prefix() uint8         { return 2 }
func (d *StorageDeck) Queue() *routing.Queue { return d.queue }

var _ routing.Deck = (*StorageDeck)(nil)

func (d *StorageDeck) Stats() (processed, errs uint64) { return d.stats.Snapshot() }

func (d *StorageDeck) Process(ctx context.Context, e *routing.Entry) routing.Outcome {
	e.Lock()
	typ := e.EventCopy.Type
	size := e.EventCopy.PayloadSize
	payload := append([]byte(nil), e.EventCopy.Payload[:size]...)
	e.Unlock()

	if !inBand(typ, StorageTypeLo, StorageTypeHi) {
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

func (d *StorageDeck) fail(e *routing.Entry, code errcode.Code) routing.Outcome {
	e.Lock()
	e.ErrorCode = uint16(code)
	e.Unlock()
	d.stats.recordError()
	return routing.OutcomeError
}

func (d *StorageDeck) dispatch(ctx context.Context, typ uint32, p []byte) (routing.DeckResult, errcode.Code) {
	switch typ {
	case StorageOpAlloc:
		return d.opAlloc(p)
	case StorageOpMmap:
		return d.opMmap(p)
	case StorageOpCreateTagged:
		return d.opCreateTagged(ctx, p)
	case StorageOpOpen:
		return d.opOpen(ctx, p)
	case StorageOpClose:
		return d.opClose(p)
	case StorageOpRead:
		return d.opRead(ctx, p)
	case StorageOpWrite:
		return d.opWrite(ctx, p)
	case StorageOpStat:
		return d.opStat(ctx, p)
	case StorageOpTagAdd:
		return d.opTagMutate(ctx, p, true)
	case StorageOpTagRemove:
		return d.opTagMutate(ctx, p, false)
	case StorageOpTagQuery:
		return d.opTagQuery(ctx, p)
	default:
		return routing.DeckResult{}, errcode.NotImplemented
	}
}

func (d *StorageDeck) opAlloc(p []byte) (routing.DeckResult, errcode.Code) {
	if len(p) < 4 {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	n := binary.LittleEndian.Uint32(p)
	if n > MaxMemoryMap {
		return routing.DeckResult{}, errcode.StorageMapTooLarge
	}
	return routing.DeckResult{Kind: routing.ResultHeap, Bytes: make([]byte, n)}, errcode.OK
}

func (d *StorageDeck) opMmap(p []byte) (routing.DeckResult, errcode.Code) {
	if len(p) < 4 {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	n := binary.LittleEndian.Uint32(p)
	if n == 0 || n > MaxMemoryMap {
		return routing.DeckResult{}, errcode.StorageMapTooLarge
	}
	mapped, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return routing.DeckResult{}, errcode.OutOfMemory
	}
	return routing.DeckResult{Kind: routing.ResultMemoryMapped, Bytes: mapped}, errcode.OK
}

// UnmapResult releases a ResultMemoryMapped DeckResult's backing pages.
// Called by whoever ultimately frees an unclaimed Storage result (the
// Execution deck, or a workflow node dropping a transferred one).
func UnmapResult(r routing.DeckResult) error {
	if r.Kind != routing.ResultMemoryMapped || len(r.Bytes) == 0 {
		return nil
	}
	return unix.Munmap(r.Bytes)
}

func readLengthPrefixed(p []byte, maxLen int) (string, []byte, bool) {
	if len(p) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(p))
	if n > maxLen || len(p) < 2+n {
		return "", nil, false
	}
	return string(p[2 : 2+n]), p[2+n:], true
}

func (d *StorageDeck) opCreateTagged(ctx context.Context, p []byte) (routing.DeckResult, errcode.Code) {
	name, rest, ok := readLengthPrefixed(p, MaxPathLength)
	if !ok {
		return routing.DeckResult{}, errcode.StoragePathTooLong
	}
	if len(rest) < 2 {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	tagCount := int(binary.LittleEndian.Uint16(rest))
	rest = rest[2:]
	tags := make([]string, 0, tagCount)
	for i := 0; i < tagCount; i++ {
		tag, next, ok := readLengthPrefixed(rest, MaxNameLength)
		if !ok {
			return routing.DeckResult{}, errcode.StorageTagNameTooLong
		}
		tags = append(tags, tag)
		rest = next
	}
	fid, err := d.fs.CreateTagged(ctx, name, tags)
	if err != nil {
		return routing.DeckResult{}, errcode.StorageFileNotFound
	}
	fd, ok := d.fds.alloc(fid)
	if !ok {
		return routing.DeckResult{}, errcode.StorageFDTableFull
	}
	return routing.DeckResult{Kind: routing.ResultValue, Scalar: uint64(fd)}, errcode.OK
}

func (d *StorageDeck) opOpen(ctx context.Context, p []byte) (routing.DeckResult, errcode.Code) {
	name, _, ok := readLengthPrefixed(p, MaxPathLength)
	if !ok {
		return routing.DeckResult{}, errcode.StoragePathTooLong
	}
	fid, err := d.fs.Open(ctx, name)
	if err != nil {
		return routing.DeckResult{}, errcode.StorageFileNotFound
	}
	fd, ok := d.fds.alloc(fid)
	if !ok {
		return routing.DeckResult{}, errcode.StorageFDTableFull
	}
	return routing.DeckResult{Kind: routing.ResultValue, Scalar: uint64(fd)}, errcode.OK
}

func (d *StorageDeck) opClose(p []byte) (routing.DeckResult, errcode.Code) {
	if len(p) < 4 {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	fd := binary.LittleEndian.Uint32(p)
	if !d.fds.release(fd) {
		return routing.DeckResult{}, errcode.StorageInvalidFD
	}
	return routing.DeckResult{Kind: routing.ResultNone}, errcode.OK
}

func (d *StorageDeck) opRead(ctx context.Context, p []byte) (routing.DeckResult, errcode.Code) {
	if len(p) < 16 {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	fd := binary.LittleEndian.Uint32(p)
	offset := int64(binary.LittleEndian.Uint64(p[4:]))
	length := binary.LittleEndian.Uint32(p[12:])
	if length > MaxFileRead {
		return routing.DeckResult{}, errcode.StorageReadTooLarge
	}
	fid, ok := d.fds.lookup(fd)
	if !ok {
		return routing.DeckResult{}, errcode.StorageInvalidFD
	}
	if length >= pooledReadThreshold {
		buf := bufpool.GetBuffer(length)
		n, err := d.fs.ReadAt(ctx, fid, offset, buf)
		if err != nil {
			bufpool.PutBuffer(buf)
			return routing.DeckResult{}, errcode.StorageFileNotFound
		}
		return routing.DeckResult{Kind: routing.ResultPooled, Bytes: buf[:n]}, errcode.OK
	}

	buf := make([]byte, length)
	n, err := d.fs.ReadAt(ctx, fid, offset, buf)
	if err != nil {
		return routing.DeckResult{}, errcode.StorageFileNotFound
	}
	return routing.DeckResult{Kind: routing.ResultHeap, Bytes: buf[:n]}, errcode.OK
}

func (d *StorageDeck) opWrite(ctx context.Context, p []byte) (routing.DeckResult, errcode.Code) {
	if len(p) < 12 {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	fd := binary.LittleEndian.Uint32(p)
	offset := int64(binary.LittleEndian.Uint64(p[4:]))
	data := p[12:]
	fid, ok := d.fds.lookup(fd)
	if !ok {
		return routing.DeckResult{}, errcode.StorageInvalidFD
	}
	n, err := d.fs.WriteAt(ctx, fid, offset, data)
	if err != nil {
		return routing.DeckResult{}, errcode.StorageDiskFull
	}
	return routing.DeckResult{Kind: routing.ResultValue, Scalar: uint64(n)}, errcode.OK
}

func (d *StorageDeck) opStat(ctx context.Context, p []byte) (routing.DeckResult, errcode.Code) {
	if len(p) < 4 {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	fd := binary.LittleEndian.Uint32(p)
	fid, ok := d.fds.lookup(fd)
	if !ok {
		return routing.DeckResult{}, errcode.StorageInvalidFD
	}
	st, err := d.fs.Stat(ctx, fid)
	if err != nil {
		return routing.DeckResult{}, errcode.StorageFileNotFound
	}
	return routing.DeckResult{Kind: routing.ResultValue, Scalar: uint64(st.Size)}, errcode.OK
}

func (d *StorageDeck) opTagMutate(ctx context.Context, p []byte, add bool) (routing.DeckResult, errcode.Code) {
	if len(p) < 4 {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	fd := binary.LittleEndian.Uint32(p)
	tag, _, ok := readLengthPrefixed(p[4:], MaxNameLength)
	if !ok {
		return routing.DeckResult{}, errcode.StorageTagNameTooLong
	}
	fid, ok := d.fds.lookup(fd)
	if !ok {
		return routing.DeckResult{}, errcode.StorageInvalidFD
	}
	mem, ok := d.fs.(*MemTagFS)
	if !ok {
		return routing.DeckResult{}, errcode.NotImplemented
	}
	var err error
	if add {
		err = mem.Index().Add(ctx, tag, fid)
	} else {
		err = mem.Index().Remove(ctx, tag, fid)
	}
	if err != nil {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	return routing.DeckResult{Kind: routing.ResultNone}, errcode.OK
}

func (d *StorageDeck) opTagQuery(ctx context.Context, p []byte) (routing.DeckResult, errcode.Code) {
	tag, _, ok := readLengthPrefixed(p, MaxNameLength)
	if !ok {
		return routing.DeckResult{}, errcode.StorageTagNameTooLong
	}
	mem, ok := d.fs.(*MemTagFS)
	if !ok {
		return routing.DeckResult{}, errcode.NotImplemented
	}
	fids, err := mem.Index().Query(ctx, tag)
	if err != nil {
		return routing.DeckResult{}, errcode.InvalidParameter
	}
	out := make([]byte, len(fids)*4)
	for i, fid := range fids {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(fid))
	}
	return routing.DeckResult{Kind: routing.ResultHeap, Bytes: out}, errcode.OK
}
