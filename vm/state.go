package vm

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// DispatchMode selects how the interpreter dispatches opcodes.
type DispatchMode int

const (
	// DispatchSwitch runs a switch over opcodes with the hot paths inlined.
	DispatchSwitch DispatchMode = iota
	// DispatchTable indexes a table of per-opcode handlers.
	DispatchTable
)

func (m DispatchMode) String() string {
	if m == DispatchTable {
		return "table"
	}
	return "switch"
}

// Default limits.
const (
	DefaultMaxCallDepth      = 200000
	DefaultMaxStackSize      = 1000000
	DefaultMaxNativeDepth    = 200
	DefaultInterruptInterval = 1024

	basicStackSize  = 40
	minGoStack      = 20
	errorStackExtra = 200
)

// Options configures a State.
type Options struct {
	// MaxCallDepth bounds the number of active call frames per thread.
	MaxCallDepth int
	// MaxStackSize bounds the number of stack slots per thread.
	MaxStackSize int
	// MaxNativeDepth bounds nested re-entries of the interpreter from Go
	// (metamethods, Go functions calling back into scripts).
	MaxNativeDepth int
	// Dispatch selects the opcode dispatch strategy.
	Dispatch DispatchMode
	// InterruptInterval is the number of instructions between interrupt polls.
	InterruptInterval int
	// Trace logs every executed instruction at debug level.
	Trace bool
	// Tracer receives every executed instruction. Overrides Trace.
	Tracer Tracer
	// Collector receives allocation, barrier and checkpoint notifications.
	// Defaults to an IncrementalCollector.
	Collector Collector
	// Profiler counts calls per prototype when set.
	Profiler *Profiler
	// DisableNative ignores Proto.Native implementations.
	DisableNative bool
	// Natives installs Go implementations on prototypes the Profiler
	// reports hot. Requires Profiler.
	Natives *NativeRegistry
	// Logger overrides the "cobalt.vm" logger.
	Logger commonlog.Logger
	// Stdout receives the output of print. Defaults to os.Stdout.
	Stdout io.Writer
}

func (o *Options) setDefaults() {
	if o.MaxCallDepth <= 0 {
		o.MaxCallDepth = DefaultMaxCallDepth
	}
	if o.MaxStackSize <= 0 {
		o.MaxStackSize = DefaultMaxStackSize
	}
	if o.MaxNativeDepth <= 0 {
		o.MaxNativeDepth = DefaultMaxNativeDepth
	}
	if o.InterruptInterval <= 0 {
		o.InterruptInterval = DefaultInterruptInterval
	}
	if o.Logger == nil {
		o.Logger = commonlog.GetLogger("cobalt.vm")
	}
	if o.Collector == nil {
		o.Collector = NewIncrementalCollector(DefaultStepSize, true)
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Tracer == nil && o.Trace {
		o.Tracer = LogTracer(o.Logger)
	}
}

// ---------------------------------------------------------------------------
// State: globals shared by all threads
// ---------------------------------------------------------------------------

// State is an independent VM instance: a global table, a registry, the
// metatables of the basic types and a main thread. A State and its threads
// must be driven from one goroutine at a time.
type State struct {
	opts     Options
	globals  *Table
	registry *Table
	typeMeta [numTypes]*Table

	gc       Collector
	log      commonlog.Logger
	profiler *Profiler
	tracer   Tracer

	main *Thread

	mu         sync.Mutex
	coroutines map[*Thread]struct{}
	closed     bool
}

// NewState creates a State with the given options and no libraries loaded.
func NewState(opts Options) *State {
	opts.setDefaults()
	g := &State{
		opts:       opts,
		globals:    NewTable(0, 32),
		registry:   NewTable(0, 8),
		gc:         opts.Collector,
		log:        opts.Logger,
		profiler:   opts.Profiler,
		tracer:     opts.Tracer,
		coroutines: make(map[*Thread]struct{}),
	}
	g.main = newThread(g)
	g.registry.SetStr("_G", g.globals)
	if opts.Natives != nil && opts.Profiler != nil {
		opts.Natives.Attach(opts.Profiler)
	}
	g.log.Debugf("new state: dispatch=%s max-depth=%d max-stack=%d", opts.Dispatch, opts.MaxCallDepth, opts.MaxStackSize)
	return g
}

// Globals returns the global table.
func (g *State) Globals() *Table { return g.globals }

// Registry returns the registry table, private to Go code.
func (g *State) Registry() *Table { return g.registry }

// Main returns the main thread.
func (g *State) Main() *Thread { return g.main }

// Options returns the effective options.
func (g *State) Options() Options { return g.opts }

// Collector returns the state's collector.
func (g *State) Collector() Collector { return g.gc }

// Profiler returns the state's profiler, if any.
func (g *State) Profiler() *Profiler { return g.profiler }

// SetTypeMetatable installs mt as the shared metatable for every value of
// type typ (other than tables and userdata, which carry their own).
func (g *State) SetTypeMetatable(typ Type, mt *Table) { g.typeMeta[typ] = mt }

// SetGlobal stores a global variable.
func (g *State) SetGlobal(name string, v Value) { g.globals.SetStr(String(name), v) }

// GetGlobal reads a global variable.
func (g *State) GetGlobal(name string) Value { return g.globals.GetStr(String(name)) }

// Register installs a Go function as a global.
func (g *State) Register(name string, fn GoFunc) {
	g.SetGlobal(name, NewGoFunction(name, fn))
}

// Load wraps p in a closure whose first upvalue, if any, is the global
// environment.
func (g *State) Load(p *Proto) *Closure {
	cl := NewClosure(p)
	if len(cl.upvals) > 0 {
		cl.upvals[0].set(g.globals)
	}
	g.gc.Allocated(closureSize(cl))
	return cl
}

// Do loads p and calls it on the main thread with args.
func (g *State) Do(ctx context.Context, p *Proto, args ...Value) ([]Value, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cl := g.Load(p)
	return g.main.CallContext(ctx, cl, args...)
}

// Close terminates every suspended coroutine, running their pending
// to-be-closed variables, and stops their goroutines.
func (g *State) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cos := make([]*Thread, 0, len(g.coroutines))
	for co := range g.coroutines {
		cos = append(cos, co)
	}
	g.mu.Unlock()

	var first error
	for _, co := range cos {
		if err := co.closeCoroutine(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *State) trackCoroutine(co *Thread, live bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if live {
		g.coroutines[co] = struct{}{}
	} else {
		delete(g.coroutines, co)
	}
}

// ---------------------------------------------------------------------------
// Thread: a stack of call frames
// ---------------------------------------------------------------------------

// Thread is an execution stack: the value stack, the chain of call frames,
// open upvalues and pending to-be-closed variables. The main thread and every
// coroutine is a Thread.
type Thread struct {
	g  *State
	id uuid.UUID

	stack []Value
	top   int

	ci     *callInfo
	baseCI callInfo
	nci    int

	// nested interpreter entries from Go
	nCcalls int
	// running a message handler; frames get errorStackExtra slack
	handlingError bool
	// message handler of the innermost PCall
	errFunc Value

	openUpvals []*Upvalue
	tbcList    []int

	hook      HookFunc
	hookMask  HookMask
	hookCount int
	baseCount int
	allowHook bool
	oldPC     int

	pollCount int
	interrupt atomic.Pointer[error]
	ctx       context.Context

	co *coroutine
}

func newThread(g *State) *Thread {
	t := &Thread{
		g:         g,
		id:        uuid.New(),
		stack:     make([]Value, basicStackSize),
		allowHook: true,
		pollCount: g.opts.InterruptInterval,
		ctx:       context.Background(),
	}
	t.baseCI.fn = 0
	t.baseCI.top = 1 + minGoStack
	t.baseCI.nresults = 0
	t.baseCI.status = cistGo
	t.ci = &t.baseCI
	t.top = 1
	return t
}

// ID returns the thread's unique identifier.
func (t *Thread) ID() uuid.UUID { return t.id }

// State returns the State the thread belongs to.
func (t *Thread) State() *State { return t.g }

// Logger returns the VM logger.
func (t *Thread) Logger() commonlog.Logger { return t.g.log }
