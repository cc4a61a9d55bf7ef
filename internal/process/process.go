// Package process implements process lifecycle (spec.md §4.6): creation,
// the usermode transition, and destruction, over the physical/virtual
// memory manager collaborators consumed as interfaces (spec.md §6). There
// is no real ring-0/ring-3 transition in a userspace port — a goroutine
// loop stands in for the saved CPU frame and the usermode transition.
package process

import (
	"sync"

	"github.com/evkernel/ekernel/internal/ring"
)

// State is a Process's scheduling state (spec.md §3).
type State int

const (
	StateReady State = iota
	StateRunning
	StateWaiting
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// StackSize is the fixed per-process stack allocation (spec.md §4.6 step 2).
const StackSize = 16 * 1024

// PhysicalAllocator is the consumed physical-page allocator (spec.md §6).
type PhysicalAllocator interface {
	Alloc(pages int) (phys uintptr, ok bool)
	Free(phys uintptr, pages int)
}

// AddressSpace is the consumed virtual-memory-manager collaborator
// (spec.md §6): create_context/map/unmap/destroy/handle_page_fault plus a
// kernel-context accessor.
type AddressSpace interface {
	CreateContext() (ctx uintptr)
	Map(ctx, vaddr, phys uintptr, pages int, writable, executable bool) error
	Unmap(ctx, vaddr uintptr, pages int) error
	Destroy(ctx uintptr)
	KernelContext() uintptr
}

// MapFlags records what Map was last called with, purely for test
// observability of Create's mapping sequence.
type MapFlags struct {
	VAddr      uintptr
	Pages      int
	Writable   bool
	Executable bool
}

// Process is the kernel-side bookkeeping for one user program (spec.md
// §3's Process type). Its "saved CPU frame" and "mapped code/stack/rings
// base addresses" are represented as plain fields rather than a hardware
// frame, since EnterUsermode here means "start running the process's
// goroutine loop", not an IRETQ.
type Process struct {
	mu sync.Mutex

	PID   uint64
	State State

	ctx         uintptr
	codeBase    uintptr
	stackBase   uintptr
	ringBase    uintptr
	codePhys    uintptr
	stackPhys   uintptr
	mappedCode  int
	mappedStack int

	EventRing  *ring.EventRing
	ResultRing *ring.ResultRing

	CurrentWorkflowID uint64
	CompletionReady   bool
	LastSyscallTick   uint64
	SyscallCount      uint64

	// entry is invoked by EnterUsermode on a fresh goroutine, standing in
	// for "restore the saved frame and return to user space".
	entry func(*Process)
	mem   PhysicalAllocator
	space AddressSpace
}

// Create allocates a page-table context, physical pages for code and
// stack, and a ring-buffer pair, maps code and stack into the context, and
// initializes a Ready Process (spec.md §4.6's process_create). The rings
// get their own backing memory and are not mapped into the context;
// ringBase is recorded only. entry stands in for the saved
// frame's rip/rsp: it is the function EnterUsermode later runs.
func Create(pid uint64, mem PhysicalAllocator, space AddressSpace, codeSize int, entry func(*Process)) (*Process, error) {
	ctx := space.CreateContext()

	codePages := pagesFor(codeSize)
	codePhys, ok := mem.Alloc(codePages)
	if !ok {
		space.Destroy(ctx)
		return nil, errOutOfMemory
	}

	stackPages := pagesFor(StackSize)
	stackPhys, ok := mem.Alloc(stackPages)
	if !ok {
		mem.Free(codePhys, codePages)
		space.Destroy(ctx)
		return nil, errOutOfMemory
	}

	eventRing, err := ring.NewEventRing(true)
	if err != nil {
		mem.Free(codePhys, codePages)
		mem.Free(stackPhys, stackPages)
		space.Destroy(ctx)
		return nil, err
	}
	resultRing, err := ring.NewResultRing(true)
	if err != nil {
		_ = eventRing.Close()
		mem.Free(codePhys, codePages)
		mem.Free(stackPhys, stackPages)
		space.Destroy(ctx)
		return nil, err
	}

	const (
		codeBase  = 0x0000_4000_0000
		stackBase = 0x0000_5000_0000
		ringBase  = 0x0000_6000_0000
	)

	if err := space.Map(ctx, codeBase, codePhys, codePages, false, true); err != nil {
		return nil, err
	}
	if err := space.Map(ctx, stackBase, stackPhys, stackPages, true, false); err != nil {
		return nil, err
	}

	p := &Process{
		PID:         pid,
		State:       StateReady,
		ctx:         ctx,
		codeBase:    codeBase,
		stackBase:   stackBase,
		ringBase:    ringBase,
		codePhys:    codePhys,
		stackPhys:   stackPhys,
		mappedCode:  codePages,
		mappedStack: stackPages,
		EventRing:   eventRing,
		ResultRing:  resultRing,
		entry:       entry,
		mem:         mem,
		space:       space,
	}
	return p, nil
}

// pagesFor rounds a byte size up to a 4 KiB page count.
func pagesFor(size int) int {
	const pageSize = 4096
	return (size + pageSize - 1) / pageSize
}

// EnterUsermode switches the address-space root and starts the process's
// goroutine loop (spec.md §4.6's process_enter_usermode). It does not
// return the way a real IRETQ "does not return" — it launches the loop
// and returns immediately, the caller's scheduler yields control instead.
func (p *Process) EnterUsermode() {
	p.mu.Lock()
	p.State = StateRunning
	entry := p.entry
	p.mu.Unlock()

	if entry != nil {
		go entry(p)
	}
}

// Destroy releases the process's page-table context (and every page it
// mapped) and zeroes the record (spec.md §4.6's process_destroy).
// Requires State == Zombie.
func (p *Process) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State != StateZombie {
		return errNotZombie
	}

	if p.EventRing != nil {
		_ = p.EventRing.Close()
	}
	if p.ResultRing != nil {
		_ = p.ResultRing.Close()
	}
	p.space.Destroy(p.ctx)
	if p.mem != nil {
		p.mem.Free(p.codePhys, p.mappedCode)
		p.mem.Free(p.stackPhys, p.mappedStack)
	}

	p.ctx = 0
	p.codeBase = 0
	p.stackBase = 0
	p.codePhys = 0
	p.stackPhys = 0
	p.mappedCode = 0
	p.mappedStack = 0
	p.EventRing = nil
	p.ResultRing = nil
	return nil
}

// SetState transitions the process's scheduling state under its own lock.
func (p *Process) SetState(s State) {
	p.mu.Lock()
	p.State = s
	p.mu.Unlock()
}

// GetState reads the process's scheduling state under its own lock.
func (p *Process) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}
