package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// ProtoBuilder: helper for constructing prototypes
// ---------------------------------------------------------------------------

// ProtoBuilder assembles a Proto instruction by instruction. Constants are
// deduplicated, jumps may target labels defined later, and the frame size is
// derived from the registers the code touches unless set explicitly.
type ProtoBuilder struct {
	p        Proto
	consts   map[Value]int
	labels   []*Label
	line     int32
	hasLines bool
	maxStack int // explicit frame size; 0 derives it
	err      error
}

// NewProtoBuilder starts a prototype for the given chunk source.
func NewProtoBuilder(source string) *ProtoBuilder {
	return &ProtoBuilder{
		p:      Proto{Source: source},
		consts: make(map[Value]int),
	}
}

// Source overrides the chunk source.
func (b *ProtoBuilder) Source(s string) *ProtoBuilder {
	b.p.Source = s
	return b
}

// Params sets the number of fixed parameters.
func (b *ProtoBuilder) Params(n int) *ProtoBuilder {
	b.p.NumParams = n
	return b
}

// Vararg marks the function as taking a variable number of arguments.
func (b *ProtoBuilder) Vararg() *ProtoBuilder {
	b.p.IsVararg = true
	return b
}

// Defined sets the source lines the function spans.
func (b *ProtoBuilder) Defined(first, last int) *ProtoBuilder {
	b.p.LineDefined, b.p.LastLineDefined = first, last
	return b
}

// MaxStack fixes the frame size instead of deriving it.
func (b *ProtoBuilder) MaxStack(n int) *ProtoBuilder {
	b.maxStack = n
	return b
}

// Line sets the source line of the instructions emitted next.
func (b *ProtoBuilder) Line(n int) *ProtoBuilder {
	b.line = int32(n)
	b.hasLines = true
	return b
}

// PC returns the index the next instruction will get.
func (b *ProtoBuilder) PC() int { return len(b.p.Code) }

// Constant interns v and returns its index.
func (b *ProtoBuilder) Constant(v Value) int {
	if f, ok := v.(Float); ok && math.IsNaN(float64(f)) {
		b.p.Constants = append(b.p.Constants, v)
		return len(b.p.Constants) - 1
	}
	if k, ok := b.consts[v]; ok {
		return k
	}
	k := len(b.p.Constants)
	b.p.Constants = append(b.p.Constants, v)
	b.consts[v] = k
	return k
}

// AddConstant appends v without interning, so the constant table can be
// rebuilt exactly.
func (b *ProtoBuilder) AddConstant(v Value) int {
	k := len(b.p.Constants)
	b.p.Constants = append(b.p.Constants, v)
	if _, ok := b.consts[v]; !ok {
		if f, isF := v.(Float); !isF || !math.IsNaN(float64(f)) {
			b.consts[v] = k
		}
	}
	return k
}

// Upvalue declares an upvalue and returns its index.
func (b *ProtoBuilder) Upvalue(name string, inStack bool, index int) int {
	b.p.Upvalues = append(b.p.Upvalues, UpvalueDesc{Name: name, InStack: inStack, Index: index})
	return len(b.p.Upvalues) - 1
}

// Local names a register for the instructions [startPC, endPC).
func (b *ProtoBuilder) Local(name string, startPC, endPC int) {
	b.p.LocVars = append(b.p.LocVars, LocVar{Name: name, StartPC: startPC, EndPC: endPC})
}

// Child adds a nested prototype for CLOSURE and returns its index.
func (b *ProtoBuilder) Child(p *Proto) int {
	b.p.Protos = append(b.p.Protos, p)
	return len(b.p.Protos) - 1
}

// Emit appends i and returns its pc.
func (b *ProtoBuilder) Emit(i Instruction) int {
	b.p.Code = append(b.p.Code, i)
	b.p.LineInfo = append(b.p.LineInfo, b.line)
	return len(b.p.Code) - 1
}

// ABC emits an iABC instruction.
func (b *ProtoBuilder) ABC(op Opcode, a, bb, c int, k bool) int {
	return b.Emit(CreateABC(op, a, bb, c, k))
}

// ABx emits an iABx instruction.
func (b *ProtoBuilder) ABx(op Opcode, a, bx int) int { return b.Emit(CreateABx(op, a, bx)) }

// AsBx emits an iAsBx instruction.
func (b *ProtoBuilder) AsBx(op Opcode, a, sbx int) int { return b.Emit(CreateAsBx(op, a, sbx)) }

// Ax emits an iAx instruction.
func (b *ProtoBuilder) Ax(op Opcode, ax int) int { return b.Emit(CreateAx(op, ax)) }

// LoadK loads constant v into register a, using LOADKX for large indices.
func (b *ProtoBuilder) LoadK(a int, v Value) int {
	k := b.Constant(v)
	if k <= MaxArgBx {
		return b.ABx(OpLoadK, a, k)
	}
	pc := b.ABx(OpLoadKX, a, 0)
	b.Ax(OpExtraArg, k)
	return pc
}

// NewTable creates a table in register a sized for narray list items and
// nhash fields. The hash size is rounded up to a power of two.
func (b *ProtoBuilder) NewTable(a, narray, nhash int) int {
	bb := 0
	for nhash > 0 && 1<<bb < nhash {
		bb++
	}
	if nhash > 0 {
		bb++
	}
	pc := b.ABC(OpNewTable, a, bb, narray%(MaxArgC+1), narray > MaxArgC)
	b.Ax(OpExtraArg, narray/(MaxArgC+1))
	return pc
}

// SetList stores the n values above register a into the table in a,
// starting at list index first (1-based). n == 0 stores up to top.
func (b *ProtoBuilder) SetList(a, n, first int) int {
	c := first - 1
	if c <= MaxArgC {
		return b.ABC(OpSetList, a, n, c, false)
	}
	pc := b.ABC(OpSetList, a, n, c%(MaxArgC+1), true)
	b.Ax(OpExtraArg, c/(MaxArgC+1))
	return pc
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

type jumpKind uint8

const (
	jumpSJ       jumpKind = iota // sJ relative to the next instruction
	jumpForward                  // Bx = target - (pc+1)
	jumpBackward                 // Bx = (pc+1) - target
)

type labelRef struct {
	pc   int
	kind jumpKind
}

// Label is a jump target that may be marked after the jumps to it.
type Label struct {
	Name     string
	resolved bool
	position int
	refs     []labelRef
}

// NewLabel creates an unresolved label.
func (b *ProtoBuilder) NewLabel(name string) *Label {
	l := &Label{Name: name}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves label to the next instruction.
func (b *ProtoBuilder) Mark(l *Label) {
	if l.resolved {
		b.fail("label %q marked twice", l.Name)
		return
	}
	l.resolved = true
	l.position = b.PC()
	for _, ref := range l.refs {
		b.patch(ref, l.position)
	}
	l.refs = nil
}

func (b *ProtoBuilder) refer(l *Label, pc int, kind jumpKind) {
	ref := labelRef{pc: pc, kind: kind}
	if l.resolved {
		b.patch(ref, l.position)
	} else {
		l.refs = append(l.refs, ref)
	}
}

func (b *ProtoBuilder) patch(ref labelRef, target int) {
	i := b.p.Code[ref.pc]
	switch ref.kind {
	case jumpSJ:
		b.p.Code[ref.pc] = CreateSJ(i.Op(), target-(ref.pc+1))
	case jumpForward:
		if off := target - (ref.pc + 1); off >= 0 {
			b.p.Code[ref.pc] = CreateABx(i.Op(), i.A(), off)
		} else {
			b.fail("%s at pc %d cannot jump backwards", i.Op(), ref.pc)
		}
	case jumpBackward:
		if off := ref.pc + 1 - target; off >= 0 {
			b.p.Code[ref.pc] = CreateABx(i.Op(), i.A(), off)
		} else {
			b.fail("%s at pc %d cannot jump forwards", i.Op(), ref.pc)
		}
	}
}

// Jump emits JMP to l.
func (b *ProtoBuilder) Jump(l *Label) int {
	pc := b.Emit(CreateSJ(OpJmp, 0))
	b.refer(l, pc, jumpSJ)
	return pc
}

// JumpTo emits op with A operand a and a label operand. l names the FORLOOP
// for FORPREP, the TFORCALL for TFORPREP and the loop body for FORLOOP and
// TFORLOOP.
func (b *ProtoBuilder) JumpTo(op Opcode, a int, l *Label) int {
	pc := b.ABx(op, a, 0)
	switch op {
	case OpForPrep, OpTForPrep:
		b.refer(l, pc, jumpForward)
	case OpForLoop, OpTForLoop:
		b.refer(l, pc, jumpBackward)
	case OpJmp:
		b.p.Code[pc] = CreateSJ(OpJmp, 0)
		b.refer(l, pc, jumpSJ)
	default:
		b.fail("%s does not take a label", op)
	}
	return pc
}

func (b *ProtoBuilder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

// Build resolves the frame size and returns the validated prototype.
func (b *ProtoBuilder) Build() (*Proto, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("label %q used but never marked", l.Name)
		}
	}
	p := b.p
	if !b.hasLines {
		p.LineInfo = nil
	}
	p.MaxStackSize = b.maxStack
	if p.MaxStackSize == 0 {
		p.MaxStackSize = frameSize(&p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// MustBuild is Build for prototypes known to be valid; it panics otherwise.
func (b *ProtoBuilder) MustBuild() *Proto {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// frameSize derives the number of registers p's code touches.
func frameSize(p *Proto) int {
	size := p.NumParams
	for _, i := range p.Code {
		registers(i, func(r int) {
			if r+1 > size {
				size = r + 1
			}
		})
	}
	if size < 2 {
		size = 2
	}
	return size
}
