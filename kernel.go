// Package ekernel wires the routing table, the Guide dispatcher, the five
// decks, the workflow engine, and the scheduler into one runnable kernel
// core (spec.md §4), the way the teacher's backend.go wires a controller,
// queue runners, and metrics into one Device.
package ekernel

import (
	"context"
	"sync"
	"time"

	"github.com/evkernel/ekernel/internal/decks"
	"github.com/evkernel/ekernel/internal/guide"
	"github.com/evkernel/ekernel/internal/logging"
	"github.com/evkernel/ekernel/internal/process"
	"github.com/evkernel/ekernel/internal/ring"
	"github.com/evkernel/ekernel/internal/routing"
	"github.com/evkernel/ekernel/internal/scheduler"
	"github.com/evkernel/ekernel/internal/workflow"
)

// KernelConfig configures a Kernel at construction (spec.md §4's top-level
// wiring). The zero value is not meant to be used directly; New always
// starts from DefaultKernelConfig and applies Options on top, mirroring
// the teacher's DefaultParams/Options pattern in backend.go.
type KernelConfig struct {
	Buckets          int
	InterruptBacklog int
	UseMmapRings     bool
	PhysicalMemory   int // bytes of simulated physical RAM (process.BitmapAllocator)
	TagFS            decks.TagFS
	Metrics          *Metrics
	Logger           *logging.Logger
}

// DefaultKernelConfig returns the configuration New starts from.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		Buckets:          routing.DefaultBuckets,
		InterruptBacklog: 256,
		UseMmapRings:     true,
		PhysicalMemory:   256 << 20,
	}
}

// Option mutates a KernelConfig at construction.
type Option func(*KernelConfig)

// WithBuckets overrides the routing table's bucket count.
func WithBuckets(n int) Option { return func(c *KernelConfig) { c.Buckets = n } }

// WithTagFS overrides the Storage deck's tag-based filesystem. The default
// is an in-process, map-backed TagFS (internal/decks/tagfs_mem.go).
func WithTagFS(fs decks.TagFS) Option { return func(c *KernelConfig) { c.TagFS = fs } }

// WithMetrics attaches a shared *Metrics instance (e.g. one also served by
// a PromCollector); the default is a fresh instance, reachable as
// Kernel.Metrics.
func WithMetrics(m *Metrics) Option { return func(c *KernelConfig) { c.Metrics = m } }

// WithLogger overrides the kernel's logger; the default is logging.Default().
func WithLogger(l *logging.Logger) Option { return func(c *KernelConfig) { c.Logger = l } }

// WithoutMmapRings backs process rings with plain heap slices instead of
// an anonymous mmap, for tests that create many processes.
func WithoutMmapRings() Option { return func(c *KernelConfig) { c.UseMmapRings = false } }

// WithPhysicalMemory overrides the simulated physical-RAM arena size
// backing the default process.BitmapAllocator.
func WithPhysicalMemory(bytes int) Option { return func(c *KernelConfig) { c.PhysicalMemory = bytes } }

// Kernel is the fully wired event-driven workflow core: the routing
// table, the Guide dispatcher, the five decks, the workflow engine, and
// the scheduler, plus a background loop driving Guide.Scan and
// Scheduler.Tick (spec.md §4's operational loop). Adapted from the
// teacher's Device/CreateAndServe: construct controller, wire queues and
// decks, start loops.
type Kernel struct {
	cfg KernelConfig

	Table     *routing.Table
	Guide     *guide.Guide
	Workflows *workflow.Engine
	Scheduler *scheduler.Scheduler
	Metrics   *Metrics
	Logger    *logging.Logger

	results *ring.ResultRing
	mem     *process.BitmapAllocator
	space   *process.FlatAddressSpace

	operations *decks.OperationsDeck
	storage    *decks.StorageDeck
	hardware   *decks.HardwareDeck
	network    *decks.NetworkDeck
	execution  *decks.ExecutionDeck

	nextPID uint64
	pidMu   sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Kernel: a routing table, all five decks wired to a
// shared results ring and to each other through the Execution deck's
// WorkflowNotifier callback, the workflow engine, and the scheduler. It
// does not start the background loop; call Run for that.
func New(opts ...Option) (*Kernel, error) {
	cfg := DefaultKernelConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	table := routing.NewTable(cfg.Buckets)

	resultsRing, err := ring.NewResultRing(cfg.UseMmapRings)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		Table:   table,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
		results: resultsRing,
		mem:     process.NewBitmapAllocator(cfg.PhysicalMemory),
		space:   process.NewFlatAddressSpace(),
		stop:    make(chan struct{}),
	}

	k.operations = decks.NewOperationsDeck()
	k.storage = decks.NewStorageDeck(cfg.TagFS)
	k.hardware = decks.NewHardwareDeck(table.Complete)
	k.network = decks.NewNetworkDeck(nil)

	k.Workflows = workflow.New(table, k.hardware, workflow.WithMetrics(cfg.Metrics))

	k.execution = decks.NewExecutionDeck(table, resultsRing, k.Workflows, cfg.InterruptBacklog).WithMetrics(cfg.Metrics)

	deckRegistry := map[uint8]routing.Deck{
		k.operations.Prefix(): k.operations,
		k.storage.Prefix():    k.storage,
		k.hardware.Prefix():   k.hardware,
		k.network.Prefix():    k.network,
	}
	k.Guide = guide.New(table, deckRegistry, k.execution).WithMetrics(cfg.Metrics)

	k.Scheduler = scheduler.New(k.Workflows, k.execution.Interrupt()).WithMetrics(cfg.Metrics)

	return k, nil
}

// Run starts the kernel's background loop: a Guide.Scan pass followed by
// a Scheduler.Tick, repeated every tickInterval until ctx is cancelled or
// Stop is called. This is the userspace stand-in for the spec's per-tick
// "invoke the guide once" loop (DESIGN.md Open Question 1's resolution).
func (k *Kernel) Run(ctx context.Context, tickInterval time.Duration) {
	if tickInterval <= 0 {
		tickInterval = 10 * time.Millisecond
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-k.stop:
				return
			case <-ticker.C:
				k.Guide.Scan(ctx)
				k.Scheduler.Tick()
			}
		}
	}()
}

// Stop halts the background loop started by Run and the scheduler's
// interrupt-handling goroutine, and waits for both to exit.
func (k *Kernel) Stop() {
	close(k.stop)
	k.wg.Wait()
	k.Scheduler.Close()
}

// NewProcess creates and registers a process with its own code/stack
// mapping and ring-buffer pair (spec.md §4.6's process_create), driven by
// entry once scheduled onto the CPU.
func (k *Kernel) NewProcess(codeSize int, entry func(*process.Process)) (*process.Process, error) {
	k.pidMu.Lock()
	k.nextPID++
	pid := k.nextPID
	k.pidMu.Unlock()

	p, err := process.Create(pid, k.mem, k.space, codeSize, entry)
	if err != nil {
		return nil, err
	}
	k.Scheduler.Register(p)
	return p, nil
}

// Results exposes the shared result ring every Execution deck push lands
// on, for callers driving the kernel directly rather than through a
// process's own notify loop.
func (k *Kernel) Results() *ring.ResultRing { return k.results }
