// Package workflow implements the workflow engine (spec.md §4.4): a
// process-wide registry of DAG-structured workflows, DAG activation,
// completion callbacks, retry/backoff, and error-policy application.
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/evkernel/ekernel/internal/errcode"
	"github.com/evkernel/ekernel/internal/routing"
	"github.com/evkernel/ekernel/internal/wire"
)

// MaxNodes is a workflow's fixed DAG node capacity (spec.md §3).
const MaxNodes = 16

// ErrorPolicy controls how a workflow reacts to a node's terminal failure
// (spec.md §4.4 step 4).
type ErrorPolicy int

const (
	PolicyAbort ErrorPolicy = iota
	PolicyContinue
	PolicySkip
	PolicyRetry
)

// State is a Workflow's lifecycle state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// RetryConfig mirrors spec.md §4.4's default retry policy.
type RetryConfig struct {
	Enabled      bool
	MaxRetries   int
	BaseDelayMs  uint32
	Exponential  bool
}

// DefaultRetryConfig is the engine's Register-time default.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Enabled: true, MaxRetries: 3, BaseDelayMs: 100, Exponential: true}
}

// NodeTemplate is the registration-time description of one DAG node: the
// event it submits and the nodes it depends on.
type NodeTemplate struct {
	Type    uint32
	Route   [wire.MaxRoute]uint8
	Payload []byte
	Deps    []int // indices into the owning workflow's node array
}

// node is a DAG node's live, per-activation state.
type node struct {
	tmpl        NodeTemplate
	eventID     uint64
	completed   bool
	errored     bool
	ready       bool
	retryCount  int
	resultKind  routing.ResultKind
	resultBytes []byte
	resultVal   uint64
}

func (n *node) depsSatisfied(nodes []*node) bool {
	for _, d := range n.tmpl.Deps {
		if d < 0 || d >= len(nodes) || !nodes[d].completed || nodes[d].errored {
			return false
		}
	}
	return true
}

// Workflow is one registered DAG (spec.md §3's Workflow type).
type Workflow struct {
	ID          uint64
	Name        string
	OwnerPID    uint64
	Route       [wire.MaxRoute]uint8
	State       State
	ErrorPolicy ErrorPolicy
	Retry       RetryConfig
	CorrelationID string

	completedEvents int
	errorEvents     int
	activatedAt     time.Time

	nodes []*node
}

// CompletedEvents reports how many nodes finished successfully.
func (w *Workflow) CompletedEvents() int { return w.completedEvents }

// ErrorEvents reports how many nodes terminated with an error.
func (w *Workflow) ErrorEvents() int { return w.errorEvents }

// submitter is the minimal routing-table contract the engine needs to turn
// a node template into an in-flight routing entry. Defined here (not
// imported from routing) to keep the dependency direction workflow ->
// routing only where the concrete Table type is actually required.
type submitter interface {
	Insert(event *wire.RingEvent, timestampNs int64) (uint64, *routing.Entry)
}

// Metrics is the workflow-lifecycle recorder the engine notifies
// (satisfied structurally by *ekernel.Metrics).
type Metrics interface {
	RecordWorkflowRegistered()
	RecordWorkflowActivated()
	RecordWorkflowCompleted()
	RecordWorkflowErrored()
	RecordWorkflowRetry()
}

// timerScheduler is the Hardware-deck-shaped collaborator the engine uses
// to schedule a delayed retry instead of resubmitting immediately (spec.md
// §4.4 step 3's "production path should schedule via the Hardware deck's
// timer" note, resolved in DESIGN.md). Satisfied by
// (*decks.HardwareDeck).ScheduleCallback.
type timerScheduler interface {
	ScheduleCallback(delay time.Duration, fn func()) bool
}

// Engine is the process-wide workflow registry: one spinlock (a
// sync.Mutex standing in for it) protecting the id counter and the
// workflow map, exactly spec.md §4.4's "intrusive list... protected by one
// spinlock".
type Engine struct {
	mu        sync.Mutex
	nextID    uint64
	workflows map[uint64]*Workflow

	table   submitter
	timers  timerScheduler
	tracer  trace.Tracer
	now     func() time.Time
	metrics Metrics
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithTracer attaches an OpenTelemetry tracer; Activate and the completion
// callback each wrap their work in a span when set. Omitted, a no-op
// tracer from otel's global provider is used.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides time.Now, for deterministic cleanup-age tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches a lifecycle recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds a workflow engine over table (where activated nodes are
// submitted) and timers (where retries are scheduled).
func New(table submitter, timers timerScheduler, opts ...Option) *Engine {
	e := &Engine{
		workflows: make(map[uint64]*Workflow),
		table:     table,
		timers:    timers,
		tracer:    otel.Tracer("ekernel/workflow"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register copies name, route, and node templates into a freshly
// allocated Workflow record, assigns the next workflow id (starting at
// 1), and initializes error_policy=Abort, retry=DefaultRetryConfig
// (spec.md §4.4's Register).
func (e *Engine) Register(name string, route [wire.MaxRoute]uint8, ownerPID uint64, templates []NodeTemplate) (uint64, error) {
	if len(templates) == 0 || len(templates) > MaxNodes {
		return 0, errcode.New(errcode.WorkflowInvalidRoute)
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	nodes := make([]*node, len(templates))
	for i, t := range templates {
		nodes[i] = &node{tmpl: t}
	}

	wf := &Workflow{
		ID:            id,
		Name:          name,
		OwnerPID:      ownerPID,
		Route:         route,
		State:         StateReady,
		ErrorPolicy:   PolicyAbort,
		Retry:         DefaultRetryConfig(),
		CorrelationID: uuid.NewString(),
		nodes:         nodes,
	}

	e.mu.Lock()
	e.workflows[id] = wf
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordWorkflowRegistered()
	}
	return id, nil
}

// Unregister drops a workflow record.
func (e *Engine) Unregister(id uint64) {
	e.mu.Lock()
	delete(e.workflows, id)
	e.mu.Unlock()
}

// IsWorkflowCompleted reports whether id's workflow has reached
// StateCompleted, for the scheduler's Notify(Poll) (spec.md §4.5).
func (e *Engine) IsWorkflowCompleted(id uint64) (completed bool, ok bool) {
	wf, ok := e.Get(id)
	if !ok {
		return false, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return wf.State == StateCompleted, true
}

// Get returns the workflow by id.
func (e *Engine) Get(id uint64) (*Workflow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

// Activate clears node states, copies optional params into node 0's
// payload, moves the workflow Ready -> Running, and runs the initial
// activation scan (spec.md §4.4's Activate).
func (e *Engine) Activate(ctx context.Context, id uint64, params []byte) error {
	wf, ok := e.Get(id)
	if !ok {
		return errcode.New(errcode.WorkflowNotFound)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.Activate")
	defer span.End()

	e.mu.Lock()
	for _, n := range wf.nodes {
		*n = node{tmpl: n.tmpl}
	}
	if len(wf.nodes) > 0 && len(params) > 0 {
		wf.nodes[0].tmpl.Payload = append([]byte(nil), params...)
	}
	wf.State = StateRunning
	wf.completedEvents = 0
	wf.errorEvents = 0
	wf.activatedAt = e.now()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordWorkflowActivated()
	}

	e.scan(ctx, wf)
	return nil
}

// scan submits every node whose dependencies are all satisfied and which
// has not already been submitted (spec.md §4.4's activation scan, reused
// by both Activate and the completion callback's step 5).
func (e *Engine) scan(_ context.Context, wf *Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, n := range wf.nodes {
		if n.completed || n.errored || n.ready {
			continue
		}
		if !n.depsSatisfied(wf.nodes) {
			continue
		}
		n.ready = true
		e.submitLocked(wf, n)
	}
}

// submitLocked constructs a RingEvent from a node template and inserts it
// into the routing table. Caller must hold e.mu.
func (e *Engine) submitLocked(wf *Workflow, n *node) {
	ev := wire.RingEvent{
		WorkflowID: wf.ID,
		Type:       n.tmpl.Type,
		Route:      n.tmpl.Route,
	}
	if ev.Route == ([wire.MaxRoute]uint8{}) {
		ev.Route = wf.Route
	}
	size := copy(ev.Payload[:], n.tmpl.Payload)
	ev.PayloadSize = uint32(size)

	id, _ := e.table.Insert(&ev, e.now().UnixNano())
	n.eventID = id
}

// OnEventCompleted implements decks.WorkflowNotifier: invoked by the
// Execution deck once a routing entry reaches its terminal step (spec.md
// §4.4's on-event-completed callback).
func (e *Engine) OnEventCompleted(entry *routing.Entry, lastResultIndex int, errorCode uint16) {
	wf, n, ok := e.locateNode(entry.EventCopy.WorkflowID, entry.EventID)
	if !ok {
		return
	}

	ctx, span := e.tracer.Start(context.Background(), "workflow.onEventCompleted")
	defer span.End()

	if errorCode == 0 {
		e.completeNode(wf, n, entry, lastResultIndex)
		e.scan(ctx, wf)
		e.maybeFinish(wf)
		return
	}

	if e.maybeRetry(wf, n, errcode.Code(errorCode)) {
		return
	}

	e.applyErrorPolicy(wf, n, errorCode)
	e.scan(ctx, wf)
	e.maybeFinish(wf)
}

func (e *Engine) locateNode(workflowID, eventID uint64) (*Workflow, *node, bool) {
	wf, ok := e.Get(workflowID)
	if !ok {
		return nil, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range wf.nodes {
		if n.eventID == eventID && !n.completed && !n.errored {
			return wf, n, true
		}
	}
	return nil, nil, false
}

// completeNode marks a node completed and takes ownership of its deck
// result, per step 2: "take ownership of the result pointer (so Execution
// must skip freeing it)". Ownership here means copying the bytes out
// before Execution's FreeResults pass; entry.Transferred[i] is set so that
// pass leaves the slot alone.
func (e *Engine) completeNode(wf *Workflow, n *node, entry *routing.Entry, lastResultIndex int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n.completed = true
	wf.completedEvents++

	if lastResultIndex < 0 {
		return
	}
	entry.Lock()
	r := entry.DeckResults[lastResultIndex]
	entry.Transferred[lastResultIndex] = true
	entry.Unlock()

	n.resultKind = r.Kind
	n.resultVal = r.Scalar
	if len(r.Bytes) > 0 {
		n.resultBytes = append([]byte(nil), r.Bytes...)
	}
}

// maybeRetry re-submits a transiently-failed node after an exponential
// backoff scheduled via the Hardware deck's timer, instead of resubmitting
// immediately (spec.md §4.4 step 3, resolved per DESIGN.md). Returns true
// if a retry was scheduled.
func (e *Engine) maybeRetry(wf *Workflow, n *node, code errcode.Code) bool {
	e.mu.Lock()
	cfg := wf.Retry
	eligible := cfg.Enabled && errcode.IsTransient(code) && n.retryCount < cfg.MaxRetries
	if eligible {
		n.retryCount++
		n.ready = false
	}
	retryCount := n.retryCount
	e.mu.Unlock()

	if !eligible || e.timers == nil {
		return false
	}

	if e.metrics != nil {
		e.metrics.RecordWorkflowRetry()
	}

	delay := backoffDelay(cfg, retryCount)
	return e.timers.ScheduleCallback(delay, func() {
		e.mu.Lock()
		n.ready = true
		e.submitLocked(wf, n)
		e.mu.Unlock()
	})
}

// backoffDelay computes the retry's delay: base_delay_ms, doubled per
// attempt when exponential is set.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	ms := cfg.BaseDelayMs
	if cfg.Exponential {
		for i := 1; i < attempt; i++ {
			ms *= 2
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// applyErrorPolicy marks n errored and applies the workflow's terminal
// error policy (spec.md §4.4 step 4).
func (e *Engine) applyErrorPolicy(wf *Workflow, n *node, code uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n.errored = true
	wf.errorEvents++

	switch wf.ErrorPolicy {
	case PolicyAbort:
		wf.State = StateError
		if e.metrics != nil {
			e.metrics.RecordWorkflowErrored()
		}
		for _, other := range wf.nodes {
			if !other.completed && !other.errored {
				other.errored = true
				wf.errorEvents++
			}
		}
	case PolicySkip:
		e.markDependentsErrored(wf, n)
	case PolicyContinue, PolicyRetry:
		// Leave other nodes running; nothing further to do here.
	}
}

// markDependentsErrored transitively marks every node depending (directly
// or transitively) on n as errored with WorkflowDependencyFailed.
func (e *Engine) markDependentsErrored(wf *Workflow, failed *node) {
	failedIdx := -1
	for i, n := range wf.nodes {
		if n == failed {
			failedIdx = i
			break
		}
	}
	if failedIdx < 0 {
		return
	}

	changed := true
	for changed {
		changed = false
		for _, n := range wf.nodes {
			if n.completed || n.errored {
				continue
			}
			for _, d := range n.tmpl.Deps {
				if d == failedIdx || (d >= 0 && d < len(wf.nodes) && wf.nodes[d].errored) {
					n.errored = true
					wf.errorEvents++
					changed = true
					break
				}
			}
		}
	}
}

// maybeFinish moves the workflow to Completed once every node is terminal
// (spec.md §4.4 step 6).
func (e *Engine) maybeFinish(wf *Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if wf.State == StateError {
		return
	}
	for _, n := range wf.nodes {
		if !n.completed && !n.errored {
			return
		}
	}
	wf.State = StateCompleted
	if e.metrics != nil {
		e.metrics.RecordWorkflowCompleted()
	}
}

// CleanupCompleted reaps completed workflows whose activation age exceeds
// maxAge, freeing node result buffers but keeping the workflow record for
// re-activation (spec.md §4.4's workflow_cleanup_completed).
func (e *Engine) CleanupCompleted(maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	freed := 0
	now := e.now()
	for _, wf := range e.workflows {
		if wf.State != StateCompleted {
			continue
		}
		if now.Sub(wf.activatedAt) < maxAge {
			continue
		}
		for _, n := range wf.nodes {
			n.resultBytes = nil
		}
		freed++
	}
	return freed
}
