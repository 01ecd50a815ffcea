package vm

import "fmt"

// ---------------------------------------------------------------------------
// Prototypes
// ---------------------------------------------------------------------------

// Proto is an immutable compiled function: code, constants, nested
// prototypes, upvalue descriptors and debug information.
type Proto struct {
	Source          string
	LineDefined     int
	LastLineDefined int
	NumParams       int
	IsVararg        bool
	MaxStackSize    int

	Code      []Instruction
	Constants []Value
	Upvalues  []UpvalueDesc
	Protos    []*Proto

	// LineInfo holds the source line of each instruction; it may be empty.
	LineInfo []int32
	LocVars  []LocVar

	// Native, when set, replaces interpretation of this prototype: calls run
	// the Go implementation with the frame's arguments instead of the code.
	Native NativeFunc
}

// NativeFunc is a Go implementation installed on a Proto.
type NativeFunc func(t *Thread, cl *Closure, args []Value) ([]Value, error)

// UpvalueDesc describes where a closure captures an upvalue from: a register
// of the enclosing function (InStack) or one of its upvalues.
type UpvalueDesc struct {
	Name    string
	InStack bool
	Index   int
}

// LocVar names a register over a range of instructions [StartPC, EndPC).
type LocVar struct {
	Name    string
	StartPC int
	EndPC   int
}

// Line returns the source line of instruction pc, or 0 when unknown.
func (p *Proto) Line(pc int) int {
	if pc >= 0 && pc < len(p.LineInfo) {
		return int(p.LineInfo[pc])
	}
	return 0
}

// LocalName returns the name of the n-th (1-based) local active at pc.
func (p *Proto) LocalName(n, pc int) string {
	for _, v := range p.LocVars {
		if v.StartPC > pc {
			break
		}
		if pc < v.EndPC {
			n--
			if n == 0 {
				return v.Name
			}
		}
	}
	return ""
}

// ChunkID returns the short source name used in messages.
func (p *Proto) ChunkID() string {
	if p.Source == "" {
		return "?"
	}
	if p.Source[0] == '=' || p.Source[0] == '@' {
		return p.Source[1:]
	}
	return fmt.Sprintf("[string %q]", p.Source)
}

func (p *Proto) String() string {
	return fmt.Sprintf("function <%s:%d>", p.ChunkID(), p.LineDefined)
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

// Closure is a Proto paired with its captured upvalues.
type Closure struct {
	Proto  *Proto
	upvals []*Upvalue
}

// NewClosure creates a closure whose upvalues are all fresh closed cells
// holding nil.
func NewClosure(p *Proto) *Closure {
	cl := &Closure{Proto: p, upvals: make([]*Upvalue, len(p.Upvalues))}
	for i := range cl.upvals {
		cl.upvals[i] = newClosedUpvalue(nil)
	}
	return cl
}

func (*Closure) Type() Type { return TypeFunction }

// Upvalue returns the value of the closure's n-th upvalue.
func (cl *Closure) Upvalue(n int) Value {
	return cl.upvals[n].Get()
}

// SetUpvalue stores into the closure's n-th upvalue.
func (cl *Closure) SetUpvalue(n int, v Value) {
	cl.upvals[n].set(v)
}

// NumUpvalues returns the number of captured upvalues.
func (cl *Closure) NumUpvalues() int { return len(cl.upvals) }

// ---------------------------------------------------------------------------
// Go functions
// ---------------------------------------------------------------------------

// GoFunc is the signature of functions implemented in Go. args is a copy of
// the call's arguments; the returned values become the call's results. A
// returned error is raised as a script error.
type GoFunc func(t *Thread, args []Value) ([]Value, error)

// GoFunction is a callable Go function value.
type GoFunction struct {
	Name string
	Fn   GoFunc
}

// NewGoFunction wraps fn as a callable value.
func NewGoFunction(name string, fn GoFunc) *GoFunction {
	return &GoFunction{Name: name, Fn: fn}
}

func (*GoFunction) Type() Type { return TypeFunction }
