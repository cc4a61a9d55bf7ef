package ekernel

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for the kernel
// core. All fields are lock-free atomics so the hot path (deck Process,
// guide Scan, scheduler tick) never blocks on a mutex to record a sample.
type Metrics struct {
	EventsSubmitted atomic.Uint64
	EventsCompleted atomic.Uint64
	EventsErrored   atomic.Uint64
	EventsAborted   atomic.Uint64

	WorkflowsRegistered atomic.Uint64
	WorkflowsActivated  atomic.Uint64
	WorkflowsCompleted  atomic.Uint64
	WorkflowsErrored    atomic.Uint64
	WorkflowRetries     atomic.Uint64

	DeckProcessed [5]atomic.Uint64 // indexed by deck prefix - 1
	DeckErrors    [5]atomic.Uint64

	ResultRingDrops atomic.Uint64 // bounded-retry pushes that gave up

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	WatchdogKills atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime stamped now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordEventSubmitted increments the submitted counter.
func (m *Metrics) RecordEventSubmitted() {
	m.EventsSubmitted.Add(1)
}

// RecordEventCompleted increments completed and records latency.
func (m *Metrics) RecordEventCompleted(latencyNs uint64) {
	m.EventsCompleted.Add(1)
	m.recordLatency(latencyNs)
}

// RecordEventErrored increments errored and records latency.
func (m *Metrics) RecordEventErrored(latencyNs uint64) {
	m.EventsErrored.Add(1)
	m.recordLatency(latencyNs)
}

// RecordDeckProcessed records a successful step through the named deck.
func (m *Metrics) RecordDeckProcessed(prefix uint8) {
	if idx := int(prefix) - 1; idx >= 0 && idx < len(m.DeckProcessed) {
		m.DeckProcessed[idx].Add(1)
	}
}

// RecordDeckError records a failed step through the named deck.
func (m *Metrics) RecordDeckError(prefix uint8) {
	if idx := int(prefix) - 1; idx >= 0 && idx < len(m.DeckErrors) {
		m.DeckErrors[idx].Add(1)
	}
}

// RecordResultRingDrop increments the count of result pushes that
// exhausted their retry spins and gave up (decks.ExecutionDeck's
// bounded-retry push policy).
func (m *Metrics) RecordResultRingDrop() {
	m.ResultRingDrops.Add(1)
}

// RecordWorkflowRegistered increments the registered-workflow counter.
func (m *Metrics) RecordWorkflowRegistered() {
	m.WorkflowsRegistered.Add(1)
}

// RecordWorkflowActivated increments the activated-workflow counter.
func (m *Metrics) RecordWorkflowActivated() {
	m.WorkflowsActivated.Add(1)
}

// RecordWorkflowCompleted increments the completed-workflow counter.
func (m *Metrics) RecordWorkflowCompleted() {
	m.WorkflowsCompleted.Add(1)
}

// RecordWorkflowErrored increments the errored-workflow counter.
func (m *Metrics) RecordWorkflowErrored() {
	m.WorkflowsErrored.Add(1)
}

// RecordWorkflowRetry increments the node-retry counter.
func (m *Metrics) RecordWorkflowRetry() {
	m.WorkflowRetries.Add(1)
}

// RecordWatchdogKill increments the watchdog-kill counter.
func (m *Metrics) RecordWatchdogKill() {
	m.WatchdogKills.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
			return
		}
	}
}

// AverageLatencyNs returns the running average operation latency.
func (m *Metrics) AverageLatencyNs() uint64 {
	count := m.OpCount.Load()
	if count == 0 {
		return 0
	}
	return m.TotalLatencyNs.Load() / count
}

// Uptime returns the time elapsed since NewMetrics was called.
func (m *Metrics) Uptime() time.Duration {
	return time.Duration(time.Now().UnixNano() - m.StartTime.Load())
}
