//go:build linux

package decks

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// defaultNetworkBackend uses io_uring on Linux, the platform the Network
// deck's real backend targets; other platforms get netBackend
// (network_portable.go).
func defaultNetworkBackend() networkBackend {
	b, err := newIOURingBackend()
	if err != nil {
		// io_uring unavailable (old kernel, seccomp, container policy):
		// fall back rather than leave the deck unusable.
		return newNetBackend()
	}
	return b
}

const ioURingEntries = 64

// iouringBackend drives sockets through a single shared io_uring instance,
// one submission/completion round-trip per deck call — the deck's process
// model is synchronous, so this forgoes the teacher reference's batched
// event loop (internal/uring's ioLoop) in favor of the simplest correct
// usage of the same ring primitives.
type iouringBackend struct {
	mu   sync.Mutex
	ring *giouring.Ring
	fds  map[uint64]int32
	next uint64
}

func newIOURingBackend() (*iouringBackend, error) {
	ring, err := giouring.CreateRing(ioURingEntries)
	if err != nil {
		return nil, fmt.Errorf("network: create io_uring: %w", err)
	}
	return &iouringBackend{ring: ring, fds: make(map[uint64]int32)}, nil
}

// submitOne prepares one SQE via prep, submits, and waits for its single
// completion.
func (b *iouringBackend) submitOne(prep func(*giouring.SubmissionQueueEntry)) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sqe := b.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("network: submission queue full")
	}
	prep(sqe)
	sqe.UserData = 1

	if _, err := b.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("network: submit: %w", err)
	}
	var cqes [1]*giouring.CompletionQueueEvent
	peeked := b.ring.PeekBatchCQE(cqes[:])
	if peeked == 0 {
		return 0, fmt.Errorf("network: no completion")
	}
	res := cqes[0].Res
	b.ring.CQAdvance(1)
	if res < 0 {
		return 0, syscall.Errno(-res)
	}
	return res, nil
}

func (b *iouringBackend) Connect(_ context.Context, host string, port uint16) (uint64, error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return 0, err
	}

	fdRes, err := b.submitOne(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareSocket(unix.AF_INET, unix.SOCK_STREAM, 0, 0)
	})
	if err != nil {
		return 0, err
	}
	fd := fdRes

	addr := unix.RawSockaddrInet4{Family: unix.AF_INET}
	addr.Port = htons(port)
	copy(addr.Addr[:], ip)

	_, err = b.submitOne(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareConnect(fd, uintptr(unsafe.Pointer(&addr)), uint64(unsafe.Sizeof(addr)))
	})
	if err != nil {
		unix.Close(int(fd))
		return 0, err
	}

	b.mu.Lock()
	b.next++
	handle := b.next
	b.fds[handle] = fd
	b.mu.Unlock()
	return handle, nil
}

func (b *iouringBackend) Send(_ context.Context, handle uint64, data []byte) (int, error) {
	fd, ok := b.fd(handle)
	if !ok {
		return 0, fmt.Errorf("network: unknown handle %d", handle)
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := b.submitOne(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareSend(fd, uintptr(unsafe.Pointer(&data[0])), uint32(len(data)), 0)
	})
	return int(n), err
}

// Recv reads directly via the raw fd rather than through the ring: the
// confirmed giouring recv opcode in this codebase is multishot-only
// (designed for a provided-buffer event loop), which doesn't fit this
// deck's one-shot synchronous call shape.
func (b *iouringBackend) Recv(_ context.Context, handle uint64, max int) ([]byte, error) {
	fd, ok := b.fd(handle)
	if !ok {
		return nil, fmt.Errorf("network: unknown handle %d", handle)
	}
	buf := make([]byte, max)
	n, err := unix.Read(int(fd), buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (b *iouringBackend) Close(_ context.Context, handle uint64) error {
	fd, ok := b.fd(handle)
	if !ok {
		return fmt.Errorf("network: unknown handle %d", handle)
	}
	_, err := b.submitOne(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareClose(fd)
	})
	b.mu.Lock()
	delete(b.fds, handle)
	b.mu.Unlock()
	return err
}

func (b *iouringBackend) fd(handle uint64) (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd, ok := b.fds[handle]
	return fd, ok
}

func resolveIPv4(host string) ([]byte, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("network: no A record for %s", host)
}

func htons(port uint16) uint16 {
	return (port << 8) | (port >> 8)
}
