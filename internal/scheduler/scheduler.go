// Package scheduler implements the ready queue, cooperative yield, timer
// tick and watchdog, completion-interrupt handling, and the Notify syscall
// entry point (spec.md §4.5). Scheduling here is workflow-completion
// driven: the timer is a backstop, not the primary mechanism.
package scheduler

import (
	"sync"

	"github.com/evkernel/ekernel/internal/process"
)

// MaxProcesses bounds the ready queue's circular buffer (spec.md §4.5's
// "bounded by max process count").
const MaxProcesses = 256

// TimeSliceTicks is a Running process's default quantum before a tick-driven
// yield (spec.md §4.5: "default 10 ticks = 100 ms").
const TimeSliceTicks = 10

// WatchdogPeriodTicks is how often the watchdog scan runs.
const WatchdogPeriodTicks = 100

// WatchdogStaleTicks is how old last_syscall_tick must be, for a process
// that has made at least one syscall, before the watchdog kills it.
const WatchdogStaleTicks = 1000

// readyQueue is a bounded circular FIFO of process references.
type readyQueue struct {
	mu    sync.Mutex
	items []*process.Process
	head  int
	count int
}

func newReadyQueue(capacity int) *readyQueue {
	return &readyQueue{items: make([]*process.Process, capacity)}
}

// add enqueues p and sets it Ready. If p is already queued it is only set
// Ready, not queued a second time. Returns false if the queue is full.
func (q *readyQueue) add(p *process.Process) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < q.count; i++ {
		if q.items[(q.head+i)%len(q.items)] == p {
			p.SetState(process.StateReady)
			return true
		}
	}
	if q.count == len(q.items) {
		return false
	}
	idx := (q.head + q.count) % len(q.items)
	q.items[idx] = p
	q.count++
	p.SetState(process.StateReady)
	return true
}

// remove removes p by identity, O(n) (spec.md §4.5).
func (q *readyQueue) remove(p *process.Process) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.items)
		if q.items[idx] != p {
			continue
		}
		for j := i; j < q.count-1; j++ {
			from := (q.head + j + 1) % len(q.items)
			to := (q.head + j) % len(q.items)
			q.items[to] = q.items[from]
		}
		last := (q.head + q.count - 1) % len(q.items)
		q.items[last] = nil
		q.count--
		return true
	}
	return false
}

// pickNext dequeues from the head, or returns nil if empty.
func (q *readyQueue) pickNext() *process.Process {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	p := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return p
}

func (q *readyQueue) snapshot() []*process.Process {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*process.Process, 0, q.count)
	for i := 0; i < q.count; i++ {
		out = append(out, q.items[(q.head+i)%len(q.items)])
	}
	return out
}

// workflowStatus reports whether a workflow has finished, for Poll.
type workflowStatus interface {
	IsWorkflowCompleted(workflowID uint64) (completed bool, ok bool)
}

// Metrics is the submission/watchdog recorder a Scheduler notifies
// (satisfied structurally by *ekernel.Metrics).
type Metrics interface {
	RecordEventSubmitted()
	RecordWatchdogKill()
}

// Scheduler drives cooperative scheduling across the process table, ticks
// the watchdog, and implements the Notify entry point.
type Scheduler struct {
	mu sync.Mutex

	ready      *readyQueue
	all        map[uint64]*process.Process
	current    *process.Process
	totalTicks uint64
	sliceUsed  int

	workflows workflowStatus
	interrupt <-chan uint64 // consumes decks.ExecutionDeck.Interrupt()
	stop      chan struct{}
	wg        sync.WaitGroup
	metrics   Metrics
}

// WithMetrics attaches m and returns the Scheduler, for chaining at
// construction.
func (s *Scheduler) WithMetrics(m Metrics) *Scheduler {
	s.metrics = m
	return s
}

// New builds a Scheduler. workflows answers Poll's completion question;
// interrupt is the Execution deck's completion-interrupt channel.
func New(workflows workflowStatus, interrupt <-chan uint64) *Scheduler {
	s := &Scheduler{
		ready:     newReadyQueue(MaxProcesses),
		all:       make(map[uint64]*process.Process),
		workflows: workflows,
		interrupt: interrupt,
		stop:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.interruptLoop()
	return s
}

// Close stops the scheduler's background interrupt loop.
func (s *Scheduler) Close() {
	close(s.stop)
	s.wg.Wait()
}

// Register adds p to the process table and the ready queue.
func (s *Scheduler) Register(p *process.Process) {
	s.mu.Lock()
	s.all[p.PID] = p
	s.mu.Unlock()
	s.ready.add(p)
}

// interruptLoop implements spec.md §4.5's completion interrupt handler: on
// each wakeup id, set completion_ready=1 on the current process (if any)
// and re-add every Waiting process to the ready queue. The wakeup id
// itself does not narrow which process woke — any workflow completing may
// unblock any Waiting process, which re-checks its own flag on next
// schedule, matching the spec's "target wakes then consult their own flag".
func (s *Scheduler) interruptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.interrupt:
			s.onCompletionInterrupt()
		}
	}
}

func (s *Scheduler) onCompletionInterrupt() {
	s.mu.Lock()
	if s.current != nil {
		s.current.CompletionReady = true
	}
	waiting := make([]*process.Process, 0)
	for _, p := range s.all {
		if p.GetState() == process.StateWaiting {
			waiting = append(waiting, p)
		}
	}
	s.mu.Unlock()

	for _, p := range waiting {
		s.ready.add(p)
	}
}

// Tick advances total_ticks by one, runs the watchdog every
// WatchdogPeriodTicks ticks, and forces a cooperative yield if the current
// process's time slice has expired (spec.md §4.5's timer tick).
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.totalTicks++
	tick := s.totalTicks
	s.sliceUsed++
	expired := s.current != nil && s.sliceUsed >= TimeSliceTicks
	s.mu.Unlock()

	if tick%WatchdogPeriodTicks == 0 {
		s.watchdogScan(tick)
	}
	if expired {
		s.YieldCooperative()
	}
}

// watchdogScan marks Zombie every process that has made at least one
// syscall and whose last_syscall_tick is more than WatchdogStaleTicks old.
func (s *Scheduler) watchdogScan(tick uint64) {
	s.mu.Lock()
	procs := make([]*process.Process, 0, len(s.all))
	for _, p := range s.all {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		if p.SyscallCount == 0 {
			continue
		}
		if tick-p.LastSyscallTick > WatchdogStaleTicks {
			p.SetState(process.StateZombie)
			if s.metrics != nil {
				s.metrics.RecordWatchdogKill()
			}
		}
	}
}

// YieldCooperative implements spec.md §4.5's cooperative yield: re-enqueue
// a still-Running caller, destroy a Zombie one, leave a Waiting one
// unqueued (completion will re-add it), then pick and run the next ready
// process.
func (s *Scheduler) YieldCooperative() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.sliceUsed = 0
	s.mu.Unlock()

	if prev != nil {
		switch prev.GetState() {
		case process.StateRunning:
			s.ready.add(prev)
		case process.StateZombie:
			_ = prev.Destroy()
			s.mu.Lock()
			delete(s.all, prev.PID)
			s.mu.Unlock()
		case process.StateWaiting:
			// Not re-enqueued; the completion interrupt handles this.
		}
	}

	next := s.ready.pickNext()
	if next == nil {
		return
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	next.EnterUsermode()
}

// Current returns the currently scheduled process, or nil if idle.
func (s *Scheduler) Current() *process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
