package ekernel

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evkernel/ekernel/internal/decks"
	"github.com/evkernel/ekernel/internal/errcode"
	"github.com/evkernel/ekernel/internal/guide"
	"github.com/evkernel/ekernel/internal/process"
	"github.com/evkernel/ekernel/internal/ring"
	"github.com/evkernel/ekernel/internal/routing"
	"github.com/evkernel/ekernel/internal/scheduler"
	"github.com/evkernel/ekernel/internal/wire"
	"github.com/evkernel/ekernel/internal/workflow"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(WithoutMmapRings(), WithPhysicalMemory(1<<20))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		k.Stop()
	})
	k.Run(ctx, time.Millisecond)
	return k
}

func awaitWorkflow(t *testing.T, k *Kernel, id uint64, timeout time.Duration) *workflow.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, ok := k.Workflows.Get(id)
		require.True(t, ok)
		if wf.State == workflow.StateCompleted || wf.State == workflow.StateError {
			return wf
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("workflow %d did not reach a terminal state within %s", id, timeout)
	return nil
}

// spec.md §8 scenario 1: a single-node workflow through the Hardware deck's
// EVENT_TIMER_GETTICKS, route [3,0,...].
func TestScenario_SingleNodeHardwareWorkflow(t *testing.T) {
	k := newTestKernel(t)

	// HardwareOpGetTicks is 303, inside the hardware band; the route only
	// needs the deck prefix (3), the sub-op rides in the event type.
	var hwRoute [wire.MaxRoute]uint8
	hwRoute[0] = 3

	id, err := k.Workflows.Register("ticks", hwRoute, 0, []workflow.NodeTemplate{
		{Type: decks.HardwareOpGetTicks, Route: hwRoute},
	})
	require.NoError(t, err)
	require.NoError(t, k.Workflows.Activate(context.Background(), id, nil))

	wf := awaitWorkflow(t, k, id, time.Second)
	require.Equal(t, workflow.StateCompleted, wf.State)
	require.Equal(t, 1, wf.CompletedEvents())
	require.Equal(t, 0, wf.ErrorEvents())
}

// spec.md §8 scenario 2: a two-node CRC32-then-DJB2 chain through the
// Operations deck, asserting the workflow is Ready after Register and ends
// Completed with both nodes completed and no errors.
func TestScenario_TwoNodeOperationsChain(t *testing.T) {
	k := newTestKernel(t)

	var opsRoute [wire.MaxRoute]uint8
	opsRoute[0] = 1

	id, err := k.Workflows.Register("hash-chain", opsRoute, 0, []workflow.NodeTemplate{
		{Type: decks.OpCRC32, Route: opsRoute, Payload: []byte("abc")},
		{Type: decks.OpDJB2, Route: opsRoute, Payload: []byte("abc"), Deps: []int{0}},
	})
	require.NoError(t, err)

	wf, ok := k.Workflows.Get(id)
	require.True(t, ok)
	require.Equal(t, workflow.StateReady, wf.State)

	require.NoError(t, k.Workflows.Activate(context.Background(), id, nil))

	wf = awaitWorkflow(t, k, id, time.Second)
	require.Equal(t, workflow.StateCompleted, wf.State)
	require.Equal(t, 2, wf.CompletedEvents())
	require.Equal(t, 0, wf.ErrorEvents())
}

// spec.md §8 scenario 3: a node that fails with a transient error twice
// then succeeds retries through the workflow engine's backoff, using a
// hand-built flaky deck since none of the four production decks can be
// made to fail deterministically this way. The real Hardware deck is
// reused only for its ScheduleCallback timer, the same collaborator the
// workflow engine schedules retries through in production.
type flakyDeck struct {
	queue    *routing.Queue
	attempts atomic.Int32
	failFor  int32
}

func newFlakyDeck(failFor int32) *flakyDeck {
	return &flakyDeck{queue: routing.NewQueue(), failFor: failFor}
}

func (d *flakyDeck) Prefix() uint8          { return 9 }
func (d *flakyDeck) Queue() *routing.Queue  { return d.queue }
func (d *flakyDeck) Process(_ context.Context, e *routing.Entry) routing.Outcome {
	n := d.attempts.Add(1)
	if n <= d.failFor {
		e.Lock()
		e.ErrorCode = uint16(errcode.Timeout)
		e.Unlock()
		return routing.OutcomeError
	}
	e.Lock()
	e.SetResult(routing.DeckResult{Kind: routing.ResultValue, Scalar: 1}, 0)
	e.Unlock()
	return routing.OutcomeCompleted
}

func TestScenario_TransientFailureRetries(t *testing.T) {
	table := routing.NewTable(0)
	resultsRing, err := ring.NewResultRing(false)
	require.NoError(t, err)

	flaky := newFlakyDeck(2)
	hw := decks.NewHardwareDeck(table.Complete) // only its ScheduleCallback timer is used here

	eng := workflow.New(table, hw)
	execDeck := decks.NewExecutionDeck(table, resultsRing, eng, 16)
	g := guide.New(table, map[uint8]routing.Deck{9: flaky}, execDeck)

	var route [wire.MaxRoute]uint8
	route[0] = 9

	id, err := eng.Register("flaky", route, 0, []workflow.NodeTemplate{
		{Type: 900, Route: route},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, eng.Activate(context.Background(), id, nil))

	deadline := time.Now().Add(2 * time.Second)
	var wf *workflow.Workflow
	for time.Now().Before(deadline) {
		g.Scan(context.Background())
		w, ok := eng.Get(id)
		require.True(t, ok)
		if w.State == workflow.StateCompleted || w.State == workflow.StateError {
			wf = w
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, wf, "workflow did not complete before the deadline")
	elapsed := time.Since(start)

	require.Equal(t, workflow.StateCompleted, wf.State)
	require.Equal(t, 1, wf.CompletedEvents())
	require.EqualValues(t, 3, flaky.attempts.Load(), "exactly three submissions: two failures plus the retry that succeeds")
	require.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "two backoff waits of 100ms and 200ms must have elapsed")
}

// spec.md §8 scenario 4: a three-node chain where the middle node fails
// permanently; the default Abort policy must mark every other unterminated
// node errored and stop the chain without node 2 ever completing.
func TestScenario_AbortPolicyStopsChain(t *testing.T) {
	k := newTestKernel(t)

	var opsRoute [wire.MaxRoute]uint8
	opsRoute[0] = 1

	id, err := k.Workflows.Register("abort-chain", opsRoute, 0, []workflow.NodeTemplate{
		{Type: decks.OpCRC32, Route: opsRoute, Payload: []byte("abc")},
		{Type: 199, Route: opsRoute, Deps: []int{0}}, // unmapped Operations sub-op: permanent failure
		{Type: decks.OpDJB2, Route: opsRoute, Payload: []byte("abc"), Deps: []int{1}},
	})
	require.NoError(t, err)

	wf, ok := k.Workflows.Get(id)
	require.True(t, ok)
	require.Equal(t, workflow.PolicyAbort, wf.ErrorPolicy)

	require.NoError(t, k.Workflows.Activate(context.Background(), id, nil))

	wf = awaitWorkflow(t, k, id, time.Second)
	require.Equal(t, workflow.StateError, wf.State)
	require.Equal(t, 1, wf.CompletedEvents())
	require.Equal(t, 2, wf.ErrorEvents())
}

// spec.md §8 scenario 5: a process that submits a slow event and waits
// yields the CPU cooperatively; a second process runs in the meantime, and
// the waiting process is moved back out of Waiting once the slow event's
// completion interrupt fires.
func TestScenario_CooperativeWaitUnblocksOnCompletion(t *testing.T) {
	// This scenario drives the Guide directly rather than through
	// Kernel.Run, so the scheduler's own time-slice-expiry yield (tied to
	// Scheduler.Tick, unrelated to this scenario) cannot race the
	// cooperative Wait/yield sequence the test is asserting on.
	k, err := New(WithoutMmapRings(), WithPhysicalMemory(1<<20))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		k.Stop()
	})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.Guide.Scan(ctx)
			}
		}
	}()

	p, err := k.NewProcess(4096, func(*process.Process) {})
	require.NoError(t, err)
	q, err := k.NewProcess(4096, func(*process.Process) {})
	require.NoError(t, err)

	k.Scheduler.YieldCooperative() // bootstrap: p is head of the ready queue
	require.Equal(t, p, k.Scheduler.Current())

	const sleepMs = 80
	var ev wire.RingEvent
	ev.Type = decks.HardwareOpSleep
	ev.PayloadSize = 4
	binary.LittleEndian.PutUint32(ev.Payload[:4], sleepMs)
	require.True(t, p.EventRing.Push(&ev))

	n, err := k.Scheduler.Notify(p, k.Table, 0, scheduler.OpSubmit)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	start := time.Now()
	_, err = k.Scheduler.Notify(p, k.Table, 0, scheduler.OpWait)
	require.NoError(t, err)

	require.Equal(t, q, k.Scheduler.Current(), "q must run while p waits")
	require.Equal(t, process.StateWaiting, p.GetState())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && p.GetState() == process.StateWaiting {
		time.Sleep(time.Millisecond)
	}
	require.NotEqual(t, process.StateWaiting, p.GetState(), "p must be woken once its event completes")
	require.GreaterOrEqual(t, time.Since(start), sleepMs*time.Millisecond)
}

// spec.md §8 scenario 6: a process that stops making syscalls is killed by
// the watchdog within its stale-tick window, and its code/stack pages are
// returned to the physical allocator once the scheduler reaps the zombie.
func TestScenario_WatchdogKillsStaleProcess(t *testing.T) {
	k := newTestKernel(t)

	before := k.mem.Allocated()
	p, err := k.NewProcess(4096, func(*process.Process) {})
	require.NoError(t, err)
	afterCreate := k.mem.Allocated()
	require.Greater(t, afterCreate, before, "process creation must reserve physical pages")

	// One syscall establishes last_syscall_tick, then the process goes
	// quiet (a tight loop that never calls Notify again).
	_, err = k.Scheduler.Notify(p, k.Table, 0, scheduler.OpYield)
	require.NoError(t, err)

	for i := 0; i < scheduler.WatchdogStaleTicks+scheduler.TimeSliceTicks+scheduler.WatchdogPeriodTicks; i++ {
		k.Scheduler.Tick()
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && k.mem.Allocated() > before {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, before, k.mem.Allocated(), "the zombie's code/stack pages must be released back to the allocator")
}
