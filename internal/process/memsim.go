package process

import "sync"

// pageSize is the page granularity Create rounds allocations to.
const pageSize = 4096

// BitmapAllocator is a fixed-arena physical-page allocator: one simulated
// physical-memory arena handed out page-by-page from a bump pointer, with
// freed pages returned to a reuse list. It stands in for the external
// physical-memory manager spec.md §6 treats as a consumed collaborator,
// the way the teacher's Memory backend hands out byte ranges from one
// fixed arena behind sharded locks (backend/mem.go) rather than a real
// block device.
type BitmapAllocator struct {
	mu    sync.Mutex
	pages int
	next  int
	free  []int // page indices released by Free, reused before next
}

// NewBitmapAllocator builds an allocator over totalBytes of simulated
// physical memory, rounded down to a whole number of pages.
func NewBitmapAllocator(totalBytes int) *BitmapAllocator {
	return &BitmapAllocator{pages: totalBytes / pageSize}
}

// Alloc reserves a contiguous run of pages, preferring a matching run off
// the free list before extending the bump pointer.
func (a *BitmapAllocator) Alloc(pages int) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n >= pages {
		base := a.free[n-pages]
		contiguous := true
		for i := 1; i < pages; i++ {
			if a.free[n-pages+i] != base+i {
				contiguous = false
				break
			}
		}
		if contiguous {
			a.free = a.free[:n-pages]
			return uintptr(base) * pageSize, true
		}
	}

	if a.next+pages > a.pages {
		return 0, false
	}
	base := a.next
	a.next += pages
	return uintptr(base) * pageSize, true
}

// Free returns pages worth of pages starting at phys to the free list.
func (a *BitmapAllocator) Free(phys uintptr, pages int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := int(phys / pageSize)
	for i := 0; i < pages; i++ {
		a.free = append(a.free, base+i)
	}
}

// Allocated reports how many pages are currently handed out (bump pointer
// minus whatever has been returned to the free list), for test
// observability of Free's bookkeeping.
func (a *BitmapAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next - len(a.free)
}

// mapping records one Map call's arguments, for FlatAddressSpace's own
// bookkeeping and for test observability of the mapping sequence.
type mapping struct {
	phys       uintptr
	pages      int
	writable   bool
	executable bool
}

// FlatAddressSpace is a bookkeeping-only virtual-memory manager: each
// context is a set of mapped virtual ranges, with no real page table or
// MMU behind it. It is the process package's default AddressSpace,
// standing in for the consumed virtual-memory-manager collaborator
// (spec.md §6) the same way BitmapAllocator stands in for the physical
// allocator.
type FlatAddressSpace struct {
	mu      sync.Mutex
	nextCtx uintptr
	maps    map[uintptr]map[uintptr]mapping
}

// NewFlatAddressSpace builds an empty address-space manager. Context 0 is
// reserved for KernelContext and is never handed out by CreateContext.
func NewFlatAddressSpace() *FlatAddressSpace {
	return &FlatAddressSpace{maps: make(map[uintptr]map[uintptr]mapping)}
}

func (s *FlatAddressSpace) CreateContext() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCtx++
	ctx := s.nextCtx
	s.maps[ctx] = make(map[uintptr]mapping)
	return ctx
}

func (s *FlatAddressSpace) Map(ctx, vaddr, phys uintptr, pages int, writable, executable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[ctx]
	if !ok {
		return errUnknownContext
	}
	m[vaddr] = mapping{phys: phys, pages: pages, writable: writable, executable: executable}
	return nil
}

func (s *FlatAddressSpace) Unmap(ctx, vaddr uintptr, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[ctx]
	if !ok {
		return errUnknownContext
	}
	delete(m, vaddr)
	return nil
}

func (s *FlatAddressSpace) Destroy(ctx uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.maps, ctx)
}

// KernelContext is always context 0: no context CreateContext hands out
// ever collides with it.
func (s *FlatAddressSpace) KernelContext() uintptr { return 0 }
