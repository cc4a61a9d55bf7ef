package scheduler

import (
	"time"

	"github.com/evkernel/ekernel/internal/errcode"
	"github.com/evkernel/ekernel/internal/process"
	"github.com/evkernel/ekernel/internal/routing"
	"github.com/evkernel/ekernel/internal/wire"
)

// Op is the Notify syscall's sum-typed operation (Design Notes §9: a
// closed set of variants at the Go type boundary, not a bitmask a caller
// could combine invalidly).
type Op int

const (
	OpSubmit Op = iota
	OpWait
	OpPoll
	OpYield
	OpExit
)

// MaxEventType is Submit's per-event type upper bound (spec.md §4.5).
const MaxEventType = 255

// inserter is the routing-table collaborator Submit drains events into.
type inserter interface {
	Insert(event *wire.RingEvent, timestampNs int64) (uint64, *routing.Entry)
}

// Notify implements the single syscall (spec.md §4.5): every call updates
// last_syscall_tick and increments syscall_count before dispatching on op.
func (s *Scheduler) Notify(p *process.Process, table inserter, workflowID uint64, op Op) (int, error) {
	s.mu.Lock()
	p.LastSyscallTick = s.totalTicks
	s.mu.Unlock()
	p.SyscallCount++

	switch op {
	case OpSubmit:
		return s.notifySubmit(p, table, workflowID)
	case OpWait:
		return 0, s.notifyWait(p, workflowID)
	case OpPoll:
		return s.notifyPoll(workflowID)
	case OpYield:
		s.YieldCooperative()
		return 0, nil
	case OpExit:
		p.SetState(process.StateZombie)
		s.YieldCooperative()
		return 0, nil
	default:
		return 0, errcode.New(errcode.InvalidParameter)
	}
}

// notifySubmit drains the caller's event ring, validates each event
// (workflow id match, payload <= 512, type <= MaxEventType), assigns id
// and timestamp via the routing table, and returns the count processed.
func (s *Scheduler) notifySubmit(p *process.Process, table inserter, workflowID uint64) (int, error) {
	if p.EventRing == nil {
		return 0, errcode.New(errcode.InvalidParameter)
	}

	processed := 0
	var ev wire.RingEvent
	for p.EventRing.Pop(&ev) {
		if ev.WorkflowID != workflowID {
			continue
		}
		if ev.PayloadSize > wire.MaxPayload {
			continue
		}
		if ev.Type > MaxEventType {
			continue
		}
		table.Insert(&ev, time.Now().UnixNano())
		processed++
		if s.metrics != nil {
			s.metrics.RecordEventSubmitted()
		}
	}
	return processed, nil
}

// notifyWait implements Wait: clear and return immediately if
// completion_ready, otherwise block the caller Waiting and yield.
func (s *Scheduler) notifyWait(p *process.Process, workflowID uint64) error {
	if p.CompletionReady {
		p.CompletionReady = false
		return nil
	}
	p.CurrentWorkflowID = workflowID
	p.SetState(process.StateWaiting)
	s.YieldCooperative()
	p.CompletionReady = false
	return nil
}

// notifyPoll returns 0 if the workflow is Completed, 1 if still in progress.
func (s *Scheduler) notifyPoll(workflowID uint64) (int, error) {
	if s.workflows == nil {
		return 1, nil
	}
	completed, ok := s.workflows.IsWorkflowCompleted(workflowID)
	if !ok {
		return 0, errcode.New(errcode.WorkflowNotFound)
	}
	if completed {
		return 0, nil
	}
	return 1, nil
}
