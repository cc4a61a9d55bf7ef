package decks

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/evkernel/ekernel/internal/errcode"
	"github.com/evkernel/ekernel/internal/routing"
)

// Hardware sub-op codes, within the 300-399 event-type band.
const (
	HardwareOpTimerCreate uint32 = 300
	HardwareOpTimerCancel uint32 = 301
	HardwareOpSleep       uint32 = 302
	HardwareOpGetTicks    uint32 = 303
	HardwareOpDeviceOpen  uint32 = 304 // stub, mirrors spec's "stubs in current repo"
	HardwareOpDeviceIO    uint32 = 305
)

// hardwareTimerSlots is the fixed timer table size (spec.md §4.3).
const hardwareTimerSlots = 64

type timerSlot struct {
	used  bool
	id    uint32
	timer *time.Timer
}

// HardwareDeck implements timer create/cancel/sleep/now and device
// open/ioctl/read/write stubs (spec.md §4.3). complete is called when a
// sleep fires, to resume the suspended routing entry via
// routing.Table.Complete; a plain timer create only frees its slot on fire.
type HardwareDeck struct {
	stats    Stats
	queue    *routing.Queue
	mu       sync.Mutex
	slots    [hardwareTimerSlots]timerSlot
	nextID   uint32
	boot     time.Time
	complete func(eventID uint64, result routing.DeckResult, timestampNs int64)
}

// NewHardwareDeck builds a Hardware deck. complete is the table's Complete
// callback (typically table.Complete), used to resume an entry a sleep or
// timer operation suspended.
func NewHardwareDeck(complete func(eventID uint64, result routing.DeckResult, timestampNs int64)) *HardwareDeck {
	return &HardwareDeck{queue: routing.NewQueue(), boot: time.Now(), complete: complete}
}

func (d *HardwareDeck) Prefix() uint8         { return 3 }
func (d *HardwareDeck) Queue() *routing.Queue { return d.queue }

var _ routing.Deck = (*HardwareDeck)(nil)

func (d *HardwareDeck) Stats() (processed, errs uint64) { return d.stats.Snapshot() }

func (d *HardwareDeck) Process(_ context.Context, e *routing.Entry) routing.Outcome {
	e.Lock()
	typ := e.EventCopy.Type
	size := e.EventCopy.PayloadSize
	payload := append([]byte(nil), e.EventCopy.Payload[:size]...)
	eventID := e.EventID
	e.Unlock()

	if !inBand(typ, HardwareTypeLo, HardwareTypeHi) {
		return d.fail(e, bandError())
	}

	switch typ {
	case HardwareOpGetTicks:
		ticks := uint64(time.Since(d.boot).Milliseconds())
		e.Lock()
		e.SetResult(routing.DeckResult{Kind: routing.ResultValue, Scalar: ticks}, 0)
		e.Unlock()
		d.stats.recordProcessed()
		return routing.OutcomeCompleted

	case HardwareOpTimerCreate:
		if len(payload) < 4 {
			return d.fail(e, errcode.InvalidParameter)
		}
		delayMs := binary.LittleEndian.Uint32(payload)
		if delayMs > MaxTimerDelay {
			return d.fail(e, errcode.HardwareDelayOutOfRange)
		}
		id, ok := d.createTimer(time.Duration(delayMs)*time.Millisecond, eventID, false)
		if !ok {
			return d.fail(e, errcode.HardwareTimerTableFull)
		}
		e.Lock()
		e.SetResult(routing.DeckResult{Kind: routing.ResultValue, Scalar: uint64(id)}, 0)
		e.Unlock()
		d.stats.recordProcessed()
		return routing.OutcomeCompleted

	case HardwareOpTimerCancel:
		if len(payload) < 4 {
			return d.fail(e, errcode.InvalidParameter)
		}
		id := binary.LittleEndian.Uint32(payload)
		if !d.cancelTimer(id) {
			return d.fail(e, errcode.HardwareInvalidTimer)
		}
		e.Lock()
		e.SetResult(routing.DeckResult{Kind: routing.ResultNone}, 0)
		e.Unlock()
		d.stats.recordProcessed()
		return routing.OutcomeCompleted

	case HardwareOpSleep:
		if len(payload) < 4 {
			return d.fail(e, errcode.InvalidParameter)
		}
		delayMs := binary.LittleEndian.Uint32(payload)
		if delayMs > MaxTimerDelay {
			return d.fail(e, errcode.HardwareDelayOutOfRange)
		}
		if _, ok := d.createTimer(time.Duration(delayMs)*time.Millisecond, eventID, true); !ok {
			return d.fail(e, errcode.HardwareTimerTableFull)
		}
		d.stats.recordProcessed()
		return routing.OutcomeSuspended

	case HardwareOpDeviceOpen, HardwareOpDeviceIO:
		// Legacy device drivers (ATA, PIT, keyboard, serial) are an
		// external collaborator out of scope (spec.md §1); these stubs
		// report unreachable without inspecting the payload.
		return d.fail(e, errcode.HardwareUnreachable)

	default:
		return d.fail(e, errcode.NotImplemented)
	}
}

func (d *HardwareDeck) fail(e *routing.Entry, code errcode.Code) routing.Outcome {
	e.Lock()
	e.ErrorCode = uint16(code)
	e.Unlock()
	d.stats.recordError()
	return routing.OutcomeError
}

// ScheduleCallback arms a timer-table slot that invokes fn directly on
// fire, instead of resuming a suspended routing entry via the table's
// Complete callback. This is the collaborator the workflow engine uses to
// schedule a retry's exponential backoff through the Hardware deck's timer
// rather than resubmitting immediately (spec.md §4.4 step 3).
func (d *HardwareDeck) ScheduleCallback(delay time.Duration, fn func()) bool {
	d.mu.Lock()
	idx := -1
	for i := range d.slots {
		if !d.slots[i].used {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return false
	}
	d.nextID++
	d.slots[idx] = timerSlot{used: true, id: d.nextID}
	d.mu.Unlock()

	t := time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.slots[idx] = timerSlot{}
		d.mu.Unlock()
		fn()
	})

	d.mu.Lock()
	d.slots[idx].timer = t
	d.mu.Unlock()
	return true
}

// createTimer allocates a timer slot and arms a time.Timer that, on fire,
// calls the completer for eventID (sleep, resume true) or just frees the
// slot (plain timer create, resume false — the caller polls
// GetTicks/Cancel instead of suspending).
func (d *HardwareDeck) createTimer(delay time.Duration, eventID uint64, resume bool) (uint32, bool) {
	d.mu.Lock()
	idx := -1
	for i := range d.slots {
		if !d.slots[i].used {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return 0, false
	}
	d.nextID++
	id := d.nextID
	slot := timerSlot{used: true, id: id}
	d.slots[idx] = slot
	d.mu.Unlock()

	t := time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.slots[idx] = timerSlot{}
		d.mu.Unlock()
		if resume && d.complete != nil {
			d.complete(eventID, routing.DeckResult{Kind: routing.ResultValue, Scalar: uint64(delay.Milliseconds())}, time.Now().UnixNano())
		}
	})

	d.mu.Lock()
	d.slots[idx].timer = t
	d.mu.Unlock()
	return id, true
}

func (d *HardwareDeck) cancelTimer(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.slots {
		if d.slots[i].used && d.slots[i].id == id {
			if d.slots[i].timer != nil {
				d.slots[i].timer.Stop()
			}
			d.slots[i] = timerSlot{}
			return true
		}
	}
	return false
}

// pauseHint mirrors the original's cpu_pause primitive (spec.md §6); Go has
// no inline-asm pause here, so it yields to the scheduler instead.
func pauseHint() { unix.Nanosleep(&unix.Timespec{Sec: 0, Nsec: 0}, nil) }
