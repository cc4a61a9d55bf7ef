package process

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAllocator struct {
	next atomic.Uint64
}

func (f *fakeAllocator) Alloc(pages int) (uintptr, bool) {
	if pages <= 0 {
		return 0, false
	}
	return uintptr(f.next.Add(uint64(pages) * 4096)), true
}

func (f *fakeAllocator) Free(uintptr, int) {}

type fakeSpace struct {
	mapped  []MapFlags
	created int
	destroyed int
}

func (s *fakeSpace) CreateContext() uintptr {
	s.created++
	return uintptr(s.created)
}

func (s *fakeSpace) Map(_ uintptr, vaddr, _ uintptr, pages int, writable, executable bool) error {
	s.mapped = append(s.mapped, MapFlags{VAddr: vaddr, Pages: pages, Writable: writable, Executable: executable})
	return nil
}

func (s *fakeSpace) Unmap(uintptr, uintptr, int) error { return nil }
func (s *fakeSpace) Destroy(uintptr)                    { s.destroyed++ }
func (s *fakeSpace) KernelContext() uintptr             { return 0 }

func TestCreate_MapsCodeReadExecAndStackReadWrite(t *testing.T) {
	mem := &fakeAllocator{}
	space := &fakeSpace{}

	p, err := Create(1, mem, space, 8192, func(*Process) {})
	require.NoError(t, err)
	require.Equal(t, StateReady, p.GetState())
	require.Len(t, space.mapped, 2)

	code := space.mapped[0]
	require.False(t, code.Writable)
	require.True(t, code.Executable)

	stack := space.mapped[1]
	require.True(t, stack.Writable)
	require.False(t, stack.Executable)
	require.Equal(t, pagesFor(StackSize), stack.Pages)
}

func TestEnterUsermode_RunsEntryAndSetsRunning(t *testing.T) {
	mem := &fakeAllocator{}
	space := &fakeSpace{}

	done := make(chan uint64, 1)
	p, err := Create(2, mem, space, 4096, func(pr *Process) {
		done <- pr.PID
	})
	require.NoError(t, err)

	p.EnterUsermode()
	require.Equal(t, StateRunning, p.GetState())
	require.Equal(t, uint64(2), <-done)
}

func TestDestroy_RequiresZombieState(t *testing.T) {
	mem := &fakeAllocator{}
	space := &fakeSpace{}

	p, err := Create(3, mem, space, 4096, nil)
	require.NoError(t, err)

	require.Error(t, p.Destroy())

	p.SetState(StateZombie)
	require.NoError(t, p.Destroy())
	require.Equal(t, 1, space.destroyed)
	require.Nil(t, p.EventRing)
}
