package vm

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T, opts Options) *State {
	t.Helper()
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	g := NewState(opts)
	OpenLibraries(g)
	t.Cleanup(func() { g.Close() })
	return g
}

// chunk starts a main function whose upvalue 0 is the global environment.
func chunk(params int) *ProtoBuilder {
	b := NewProtoBuilder("=test").Params(params)
	b.Upvalue("_ENV", true, 0)
	return b
}

func run(t *testing.T, g *State, p *Proto, args ...Value) []Value {
	t.Helper()
	res, err := g.Do(context.Background(), p, args...)
	require.NoError(t, err)
	return res
}

func runError(t *testing.T, g *State, p *Proto, args ...Value) *Error {
	t.Helper()
	_, err := g.Do(context.Background(), p, args...)
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok, "expected *Error, got %T", err)
	return e
}

func forEachDispatch(t *testing.T, fn func(t *testing.T, mode DispatchMode)) {
	for _, mode := range []DispatchMode{DispatchSwitch, DispatchTable} {
		t.Run(mode.String(), func(t *testing.T) { fn(t, mode) })
	}
}

func loadI(b *ProtoBuilder, a, v int) int { return b.AsBx(OpLoadI, a, v) }

func getGlobal(b *ProtoBuilder, a int, name string) int {
	return b.ABC(OpGetTabUp, a, 0, b.Constant(String(name)), false)
}

// addI emits R[a] := R[r] + imm with its metamethod fallback.
func addI(b *ProtoBuilder, a, r, imm int) {
	b.ABC(OpAddI, a, r, imm+OffsetSC, false)
	b.ABC(OpMMBinI, r, imm+OffsetSC, TMAdd, false)
}

// recursive wraps child in a chunk that passes its nargs arguments on and
// returns the first result. child's upvalue 0 must capture register nargs,
// where the chunk keeps the closure.
func recursive(child *Proto, nargs int) *Proto {
	b := chunk(nargs)
	fn := nargs
	b.ABx(OpClosure, fn, b.Child(child))
	b.ABC(OpMove, fn+1, fn, 0, false)
	for i := 0; i < nargs; i++ {
		b.ABC(OpMove, fn+2+i, i, 0, false)
	}
	b.ABC(OpCall, fn+1, nargs+1, 2, false)
	b.ABC(OpReturn, fn+1, 2, 0, true)
	return b.MustBuild()
}

// fib is the naive doubly recursive Fibonacci function.
func fib() *Proto {
	b := NewProtoBuilder("=fib").Params(1).Defined(1, 4)
	b.Upvalue("fib", true, 1)
	rec := b.NewLabel("rec")
	b.ABC(OpLtI, 0, 2+OffsetSC, 0, false)
	b.Jump(rec)
	b.ABC(OpReturn1, 0, 0, 0, false)
	b.Mark(rec)
	b.ABC(OpGetUpval, 1, 0, 0, false)
	addI(b, 2, 0, -1)
	b.ABC(OpCall, 1, 2, 2, false)
	b.ABC(OpGetUpval, 2, 0, 0, false)
	addI(b, 3, 0, -2)
	b.ABC(OpCall, 2, 2, 2, false)
	b.ABC(OpAdd, 1, 1, 2, false)
	b.ABC(OpMMBin, 1, 2, TMAdd, false)
	b.ABC(OpReturn1, 1, 0, 0, false)
	return b.MustBuild()
}

// depth recurses n times without tail calls and returns n.
func depth(frame int) *Proto {
	b := NewProtoBuilder("=depth").Params(1).Defined(1, 3).MaxStack(frame)
	b.Upvalue("depth", true, 1)
	rec := b.NewLabel("rec")
	b.ABC(OpEqI, 0, 0+OffsetSC, 0, false)
	b.Jump(rec)
	b.ABC(OpReturn1, 0, 0, 0, false)
	b.Mark(rec)
	b.ABC(OpGetUpval, 1, 0, 0, false)
	addI(b, 2, 0, -1)
	b.ABC(OpCall, 1, 2, 2, false)
	addI(b, 1, 1, 1)
	b.ABC(OpReturn1, 1, 0, 0, false)
	return b.MustBuild()
}

func fibGo(n int64) int64 {
	if n < 2 {
		return n
	}
	return fibGo(n-1) + fibGo(n-2)
}

// opCounter counts executed instructions per opcode.
type opCounter struct {
	counts   map[Opcode]int
	maxDepth int
}

func newOpCounter() *opCounter { return &opCounter{counts: make(map[Opcode]int)} }

func (c *opCounter) TraceInstruction(ev TraceEvent) {
	c.counts[ev.Instruction.Op()]++
	if ev.Depth > c.maxDepth {
		c.maxDepth = ev.Depth
	}
}

func (c *opCounter) total() int {
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}
