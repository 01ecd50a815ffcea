package vm

import (
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Debug hooks
// ---------------------------------------------------------------------------

// HookMask selects the events a hook receives.
type HookMask uint8

const (
	HookCall HookMask = 1 << iota
	HookReturn
	HookLine
	HookCount
)

// HookEventKind is the event a hook is invoked for.
type HookEventKind uint8

const (
	HookEventCall HookEventKind = iota
	HookEventReturn
	HookEventLine
	HookEventCount
	HookEventTailCall
)

var hookEventNames = [...]string{"call", "return", "line", "count", "tail call"}

func (k HookEventKind) String() string { return hookEventNames[k] }

// HookEvent describes the point at which a hook fires.
type HookEvent struct {
	Kind   HookEventKind
	Line   int // for line events
	Source string
	Depth  int
	Go     bool // the frame runs a Go function
	Name   string
}

// HookFunc observes execution. Hooks do not fire while a hook runs. A
// returned error is raised in the running code.
type HookFunc func(t *Thread, ev HookEvent) error

// SetHook installs fn for the events in mask; count is the instruction
// interval of HookCount. A nil fn or zero mask removes the hook.
func (t *Thread) SetHook(fn HookFunc, mask HookMask, count int) {
	if fn == nil || mask == 0 {
		fn, mask = nil, 0
	}
	if count <= 0 {
		mask &^= HookCount
	}
	t.hook = fn
	t.hookMask = mask
	t.baseCount = count
	t.hookCount = count
	if mask != 0 {
		t.oldPC = 0
	}
}

// runHook invokes the hook for the current frame.
func (t *Thread) runHook(kind HookEventKind, line int) {
	if t.hook == nil || !t.allowHook {
		return
	}
	ci := t.ci
	top, ciTop := t.top, ci.top
	if ci.isLua() && t.top < ci.top {
		t.top = ci.top
	}
	t.checkStack(minGoStack)
	if ci.top < t.top+minGoStack {
		ci.top = t.top + minGoStack
	}
	ev := HookEvent{Kind: kind, Line: line, Depth: t.nci, Go: !ci.isLua()}
	switch f := t.stack[ci.fn].(type) {
	case *Closure:
		ev.Source = f.Proto.ChunkID()
		ev.Name = f.Proto.String()
	case *GoFunction:
		ev.Source = "[Go]"
		ev.Name = f.Name
	}
	t.allowHook = false
	ci.status |= cistHooked
	err := t.hook(t, ev)
	ci.status &^= cistHooked
	t.allowHook = true
	ci.top = ciTop
	t.top = top
	if err != nil {
		t.raiseGo(err)
	}
}

// hookCall fires the call hook for a script frame that is about to run its
// first instruction.
func (t *Thread) hookCall(ci *callInfo) {
	t.oldPC = 0
	if t.hookMask&HookCall == 0 {
		return
	}
	kind := HookEventCall
	if ci.status&cistTail != 0 {
		kind = HookEventTailCall
	}
	ci.savedPC++
	t.runHook(kind, -1)
	ci.savedPC--
}

// retHook fires the return hook and re-anchors line tracking in the caller.
func (t *Thread) retHook(ci *callInfo, nres int) {
	if t.hookMask&HookReturn != 0 {
		t.runHook(HookEventReturn, -1)
	}
	if prev := ci.prev; prev != nil && prev.isLua() && prev != &t.baseCI {
		t.oldPC = prev.currentPC()
	}
}

// traceExec fires count and line hooks before the instruction at savedPC.
func (t *Thread) traceExec(ci *callInfo, p *Proto) {
	mask := t.hookMask
	npci := ci.savedPC
	countHook := false
	if mask&HookCount != 0 {
		t.hookCount--
		if t.hookCount == 0 {
			t.hookCount = t.baseCount
			countHook = true
		}
	}
	if !countHook && mask&HookLine == 0 {
		return
	}
	// while the hook runs the frame reports the pending instruction
	ci.savedPC++
	if !p.Code[npci].isIT() {
		t.top = ci.top
	}
	if countHook {
		t.runHook(HookEventCount, -1)
	}
	if mask&HookLine != 0 {
		oldpc := t.oldPC
		if oldpc >= len(p.Code) {
			oldpc = 0
		}
		if npci <= oldpc || p.Line(oldpc) != p.Line(npci) {
			t.runHook(HookEventLine, p.Line(npci))
		}
		t.oldPC = npci
	}
	ci.savedPC--
}

// ---------------------------------------------------------------------------
// Interrupts
// ---------------------------------------------------------------------------

// Interrupt asks the thread to stop at its next poll with reason. It is
// safe to call from any goroutine.
func (t *Thread) Interrupt(reason error) {
	t.interrupt.Store(&reason)
}

// poll checks for a pending interrupt or a cancelled context.
func (t *Thread) poll() {
	t.pollCount = t.g.opts.InterruptInterval
	if p := t.interrupt.Swap(nil); p != nil {
		t.throw(&Error{Kind: KindInterrupt, Value: String("interrupted: " + (*p).Error()), Cause: *p})
	}
	if err := t.ctx.Err(); err != nil {
		t.throw(&Error{Kind: KindInterrupt, Value: String("interrupted: " + err.Error()), Cause: err})
	}
}

// ---------------------------------------------------------------------------
// Instruction tracing
// ---------------------------------------------------------------------------

// TraceEvent describes an instruction about to execute.
type TraceEvent struct {
	Thread      *Thread
	Proto       *Proto
	PC          int
	Instruction Instruction
	Depth       int
}

// Tracer observes every executed instruction.
type Tracer interface {
	TraceInstruction(ev TraceEvent)
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(ev TraceEvent)

func (f TracerFunc) TraceInstruction(ev TraceEvent) { f(ev) }

// LogTracer logs every instruction at debug level.
func LogTracer(log commonlog.Logger) Tracer {
	return TracerFunc(func(ev TraceEvent) {
		log.Debugf("%s:%d [%04d] depth=%d %s", ev.Proto.ChunkID(), ev.Proto.Line(ev.PC), ev.PC, ev.Depth, ev.Instruction)
	})
}
