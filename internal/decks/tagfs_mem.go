package decks

import (
	"context"
	"sync"

	"github.com/evkernel/ekernel/internal/errcode"
)

// memShardSize mirrors the teacher's RAM-backend sharding: large enough to
// keep per-I/O lock overhead low, small enough that one file's shards don't
// dominate contention under concurrent Storage deck callers.
const memShardSize = 64 * 1024

// memFile is a sharded, growable byte buffer — the same "lock only the
// shards an I/O touches" shape as the teacher's RAM-disk backend, minus the
// fixed device size (tagged files grow on write).
type memFile struct {
	mu     sync.Mutex // guards len/shard-count growth; shard locks guard content
	data   []byte
	shards []sync.RWMutex
}

func newMemFile() *memFile {
	return &memFile{}
}

func (f *memFile) shardRange(off, length int64) (start, end int) {
	start = int(off / memShardSize)
	end = int((off + length - 1) / memShardSize)
	return start, end
}

func (f *memFile) ensureCapacity(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.data)) >= n {
		return
	}
	grown := make([]byte, n)
	copy(grown, f.data)
	f.data = grown
	needShards := int((n + memShardSize - 1) / memShardSize)
	for len(f.shards) < needShards {
		f.shards = append(f.shards, sync.RWMutex{})
	}
}

func (f *memFile) readAt(buf []byte, off int64) int {
	f.mu.Lock()
	size := int64(len(f.data))
	f.mu.Unlock()
	if off >= size {
		return 0
	}
	if off+int64(len(buf)) > size {
		buf = buf[:size-off]
	}
	start, end := f.shardRange(off, int64(len(buf)))
	for i := start; i <= end && i < len(f.shards); i++ {
		f.shards[i].RLock()
		defer f.shards[i].RUnlock()
	}
	return copy(buf, f.data[off:off+int64(len(buf))])
}

func (f *memFile) writeAt(data []byte, off int64) int {
	f.ensureCapacity(off + int64(len(data)))
	start, end := f.shardRange(off, int64(len(data)))
	for i := start; i <= end && i < len(f.shards); i++ {
		f.shards[i].Lock()
		defer f.shards[i].Unlock()
	}
	return copy(f.data[off:off+int64(len(data))], data)
}

func (f *memFile) size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

// MemTagFS is the default in-process TagFS: files live as memFile buffers
// keyed by name, tags tracked in a separate TagIndex.
type MemTagFS struct {
	mu      sync.Mutex
	files   map[FileID]*memFile
	names   map[string]FileID
	tagsOf  map[FileID][]string
	nextFID FileID

	index TagIndex
}

// NewMemTagFS builds an in-process TagFS. index may be nil, in which case
// an in-process MemTagIndex is created.
func NewMemTagFS(index TagIndex) *MemTagFS {
	if index == nil {
		index = NewMemTagIndex()
	}
	return &MemTagFS{
		files:  make(map[FileID]*memFile),
		names:  make(map[string]FileID),
		tagsOf: make(map[FileID][]string),
		index:  index,
	}
}

func (m *MemTagFS) Index() TagIndex { return m.index }

func (m *MemTagFS) CreateTagged(ctx context.Context, name string, tags []string) (FileID, error) {
	m.mu.Lock()
	if _, exists := m.names[name]; exists {
		m.mu.Unlock()
		return 0, errcode.New(errcode.StorageFileNotFound)
	}
	m.nextFID++
	fid := m.nextFID
	m.files[fid] = newMemFile()
	m.names[name] = fid
	m.tagsOf[fid] = append([]string(nil), tags...)
	m.mu.Unlock()

	for _, tag := range tags {
		if err := m.index.Add(ctx, tag, fid); err != nil {
			return fid, err
		}
	}
	return fid, nil
}

func (m *MemTagFS) Open(_ context.Context, name string) (FileID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fid, ok := m.names[name]
	if !ok {
		return 0, errcode.New(errcode.StorageFileNotFound)
	}
	return fid, nil
}

func (m *MemTagFS) Close(_ context.Context, _ FileID) error {
	return nil
}

func (m *MemTagFS) ReadAt(_ context.Context, fid FileID, offset int64, buf []byte) (int, error) {
	m.mu.Lock()
	f, ok := m.files[fid]
	m.mu.Unlock()
	if !ok {
		return 0, errcode.New(errcode.StorageInvalidFD)
	}
	return f.readAt(buf, offset), nil
}

func (m *MemTagFS) WriteAt(_ context.Context, fid FileID, offset int64, data []byte) (int, error) {
	m.mu.Lock()
	f, ok := m.files[fid]
	m.mu.Unlock()
	if !ok {
		return 0, errcode.New(errcode.StorageInvalidFD)
	}
	return f.writeAt(data, offset), nil
}

func (m *MemTagFS) Stat(_ context.Context, fid FileID) (FileStat, error) {
	m.mu.Lock()
	f, ok := m.files[fid]
	tags := m.tagsOf[fid]
	m.mu.Unlock()
	if !ok {
		return FileStat{}, errcode.New(errcode.StorageInvalidFD)
	}
	return FileStat{Size: f.size(), Tags: tags}, nil
}

// MemTagIndex is the default in-process TagIndex: a mutex-guarded set of
// file ids per tag string.
type MemTagIndex struct {
	mu sync.Mutex
	m  map[string]map[FileID]struct{}
}

func NewMemTagIndex() *MemTagIndex {
	return &MemTagIndex{m: make(map[string]map[FileID]struct{})}
}

func (t *MemTagIndex) Add(_ context.Context, tag string, fid FileID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.m[tag]
	if !ok {
		set = make(map[FileID]struct{})
		t.m[tag] = set
	}
	set[fid] = struct{}{}
	return nil
}

func (t *MemTagIndex) Remove(_ context.Context, tag string, fid FileID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.m[tag]; ok {
		delete(set, fid)
	}
	return nil
}

func (t *MemTagIndex) Query(_ context.Context, tag string) ([]FileID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.m[tag]
	out := make([]FileID, 0, len(set))
	for fid := range set {
		out = append(out, fid)
	}
	return out, nil
}
