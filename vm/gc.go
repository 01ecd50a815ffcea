package vm

import (
	"runtime"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Collector interface
// ---------------------------------------------------------------------------

// Collector is the memory manager the interpreter reports to. Go's runtime
// owns reclamation; a Collector paces incremental work from the allocation
// accounting, keeps write-barrier bookkeeping and may shrink or relocate a
// thread's stack at checkpoints.
//
// Checkpoint is only called at points where the interpreter holds no stack
// positions other than indices, so it may call Thread.ShrinkStack or
// Thread.RelocateStack freely.
type Collector interface {
	// Allocated accounts size bytes of new collectable memory.
	Allocated(size int)
	// Checkpoint gives the collector a chance to run a step.
	Checkpoint(t *Thread)
	// Barrier records that collectable v was stored into owner (a closed
	// upvalue or a userdata).
	Barrier(owner any, v Value)
	// BarrierBack records that a collectable value was stored into tbl.
	BarrierBack(tbl *Table)
}

// Stepper is implemented by collectors that support explicit steps, driven
// by collectgarbage.
type Stepper interface {
	// Step runs one unit of work; it reports whether a cycle finished.
	Step(t *Thread) bool
	// FullCycle runs a complete cycle.
	FullCycle(t *Thread)
}

// GCStats is a snapshot of collector activity.
type GCStats struct {
	Allocated    uint64 // bytes accounted since creation
	Debt         int64  // bytes accounted since the last step
	Checkpoints  uint64
	Steps        uint64
	Cycles       uint64
	Barriers     uint64
	BackBarriers uint64
	Shrinks      uint64
}

// ---------------------------------------------------------------------------
// IncrementalCollector
// ---------------------------------------------------------------------------

// DefaultStepSize is the allocation debt, in bytes, that triggers a step.
const DefaultStepSize = 64 << 10

// stepsPerCycle steps make up one reported cycle.
const stepsPerCycle = 8

// IncrementalCollector paces steps by allocation debt. A step optionally
// shrinks the stack of the thread at the checkpoint. Only FullCycle forces a
// collection in the Go runtime.
type IncrementalCollector struct {
	stepSize int64
	shrink   bool
	log      commonlog.Logger

	debt  atomic.Int64
	stats struct {
		allocated    atomic.Uint64
		checkpoints  atomic.Uint64
		steps        atomic.Uint64
		cycles       atomic.Uint64
		barriers     atomic.Uint64
		backBarriers atomic.Uint64
		shrinks      atomic.Uint64
	}
}

// NewIncrementalCollector creates a collector stepping every stepSize bytes
// of allocation. shrink enables stack shrinking during steps.
func NewIncrementalCollector(stepSize int, shrink bool) *IncrementalCollector {
	if stepSize <= 0 {
		stepSize = DefaultStepSize
	}
	return &IncrementalCollector{
		stepSize: int64(stepSize),
		shrink:   shrink,
		log:      commonlog.GetLogger("cobalt.gc"),
	}
}

func (c *IncrementalCollector) Allocated(size int) {
	c.stats.allocated.Add(uint64(size))
	c.debt.Add(int64(size))
}

func (c *IncrementalCollector) Checkpoint(t *Thread) {
	c.stats.checkpoints.Add(1)
	if c.debt.Load() >= c.stepSize {
		c.Step(t)
	}
}

func (c *IncrementalCollector) Barrier(owner any, v Value) {
	c.stats.barriers.Add(1)
}

func (c *IncrementalCollector) BarrierBack(tbl *Table) {
	c.stats.backBarriers.Add(1)
}

// Step pays off the current debt.
func (c *IncrementalCollector) Step(t *Thread) bool {
	debt := c.debt.Swap(0)
	steps := c.stats.steps.Add(1)
	if c.shrink && t != nil {
		before := t.StackSize()
		t.ShrinkStack()
		if after := t.StackSize(); after != before {
			c.stats.shrinks.Add(1)
			c.log.Debugf("shrunk stack of thread %s: %d -> %d slots", t.ID(), before, after)
		}
	}
	if steps%stepsPerCycle == 0 {
		c.log.Debugf("cycle %d finished", c.stats.cycles.Add(1))
		return true
	}
	c.log.Debugf("step %d paid %d bytes of debt", steps, debt)
	return false
}

// FullCycle runs a complete cycle immediately.
func (c *IncrementalCollector) FullCycle(t *Thread) {
	c.debt.Store(0)
	if c.shrink && t != nil {
		t.ShrinkStack()
	}
	runtime.GC()
	c.log.Debugf("full cycle %d finished", c.stats.cycles.Add(1))
}

// Stats returns a snapshot of the collector's counters.
func (c *IncrementalCollector) Stats() GCStats {
	return GCStats{
		Allocated:    c.stats.allocated.Load(),
		Debt:         c.debt.Load(),
		Checkpoints:  c.stats.checkpoints.Load(),
		Steps:        c.stats.steps.Load(),
		Cycles:       c.stats.cycles.Load(),
		Barriers:     c.stats.barriers.Load(),
		BackBarriers: c.stats.backBarriers.Load(),
		Shrinks:      c.stats.shrinks.Load(),
	}
}

// MemoryInUse returns the Go heap in use, in bytes.
func MemoryInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
