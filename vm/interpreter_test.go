package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// accumulate computes: a = 1; for i = 1, 3 do a = a + i end; return a
func accumulate() *Proto {
	b := chunk(0)
	loadI(b, 0, 1)
	loadI(b, 1, 1)
	loadI(b, 2, 3)
	loadI(b, 3, 1)
	loop, body := b.NewLabel("loop"), b.NewLabel("body")
	b.JumpTo(OpForPrep, 1, loop)
	b.Mark(body)
	b.ABC(OpAdd, 0, 0, 4, false)
	b.ABC(OpMMBin, 0, 4, TMAdd, false)
	b.Mark(loop)
	b.JumpTo(OpForLoop, 1, body)
	b.ABC(OpReturn1, 0, 0, 0, false)
	return b.MustBuild()
}

func TestNumericForLoop(t *testing.T) {
	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		ops := newOpCounter()
		g := newTestState(t, Options{Dispatch: mode, Tracer: ops})

		res := run(t, g, accumulate())
		assert.Equal(t, []Value{Int(7)}, res)
		assert.Equal(t, 3, ops.counts[OpForLoop])
		assert.Equal(t, 3, ops.counts[OpAdd])
		assert.Zero(t, ops.counts[OpMMBin], "integer addition must not reach the metamethod fallback")
	})
}

func TestForLoopEdges(t *testing.T) {
	// for i = init, limit, step do n = n + 1 end; return n
	count := func(init, limit, step Value) *Proto {
		b := chunk(0)
		loadI(b, 0, 0)
		b.LoadK(1, init)
		b.LoadK(2, limit)
		b.LoadK(3, step)
		loop, body := b.NewLabel("loop"), b.NewLabel("body")
		b.JumpTo(OpForPrep, 1, loop)
		b.Mark(body)
		addI(b, 0, 0, 1)
		b.Mark(loop)
		b.JumpTo(OpForLoop, 1, body)
		b.ABC(OpReturn1, 0, 0, 0, false)
		return b.MustBuild()
	}

	tests := []struct {
		name              string
		init, limit, step Value
		want              Int
	}{
		{"empty", Int(3), Int(1), Int(1), 0},
		{"down", Int(10), Int(1), Int(-3), 4},
		{"float", Float(0), Float(1), Float(0.25), 5},
		{"float limit", Int(1), Float(3.5), Int(1), 3},
		{"near maxint", Int(math.MaxInt64 - 2), Int(math.MaxInt64), Int(1), 3},
		{"huge step", Int(math.MinInt64), Int(math.MaxInt64), Int(math.MaxInt64), 3},
		{"string limit coerced", Int(1), String("4"), Int(1), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestState(t, Options{})
			res := run(t, g, count(tt.init, tt.limit, tt.step))
			assert.Equal(t, []Value{tt.want}, res)
		})
	}

	t.Run("zero step", func(t *testing.T) {
		g := newTestState(t, Options{})
		e := runError(t, g, count(Int(1), Int(2), Int(0)))
		assert.Contains(t, e.Error(), "'for' step is zero")
	})
	t.Run("bad limit", func(t *testing.T) {
		g := newTestState(t, Options{})
		e := runError(t, g, count(Int(1), Bool(true), Int(1)))
		assert.Equal(t, KindType, e.Kind)
		assert.Contains(t, e.Error(), "'for' limit must be a number")
	})
}

func TestIndexNonTable(t *testing.T) {
	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		b := chunk(0).Line(1)
		b.ABC(OpLoadTrue, 0, 0, 0, false)
		b.ABC(OpGetField, 1, 0, b.Constant(String("x")), false)
		b.ABC(OpReturn1, 1, 0, 0, false)

		g := newTestState(t, Options{Dispatch: mode})
		e := runError(t, g, b.MustBuild())
		assert.Equal(t, KindIndex, e.Kind)
		assert.Contains(t, e.Error(), "test:1: attempt to index a boolean value")
		require.NotEmpty(t, e.Traceback)
		assert.Equal(t, "main chunk", e.Traceback[0].Function)
		assert.Equal(t, 1, e.Traceback[0].Line)
	})
}

func TestIndexNamesVariable(t *testing.T) {
	b := chunk(0).Line(2)
	getGlobal(b, 0, "missing")
	b.ABC(OpGetField, 1, 0, b.Constant(String("field")), false)
	b.ABC(OpReturn1, 1, 0, 0, false)

	g := newTestState(t, Options{})
	e := runError(t, g, b.MustBuild())
	assert.Equal(t, "test:2: attempt to index a nil value (global 'missing')", e.Error())
}

// binary evaluates R[0] op R[1] through the register-register form.
func binary(op Opcode, ev int) *Proto {
	b := NewProtoBuilder("=test").Params(2)
	b.ABC(op, 2, 0, 1, false)
	b.ABC(OpMMBin, 0, 1, ev, false)
	b.ABC(OpReturn1, 2, 0, 0, false)
	return b.MustBuild()
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		ev   int
		a, b Value
		want Value
	}{
		{"add ints", OpAdd, TMAdd, Int(2), Int(3), Int(5)},
		{"add wraps", OpAdd, TMAdd, Int(math.MaxInt64), Int(1), Int(math.MinInt64)},
		{"add mixed", OpAdd, TMAdd, Int(1), Float(0.5), Float(1.5)},
		{"sub", OpSub, TMSub, Int(2), Int(5), Int(-3)},
		{"mul", OpMul, TMMul, Float(1.5), Int(4), Float(6)},
		{"div ints", OpDiv, TMDiv, Int(7), Int(2), Float(3.5)},
		{"div by zero", OpDiv, TMDiv, Int(1), Int(0), Float(math.Inf(1))},
		{"idiv floors", OpIDiv, TMIDiv, Int(-7), Int(2), Int(-4)},
		{"idiv minint", OpIDiv, TMIDiv, Int(math.MinInt64), Int(-1), Int(math.MinInt64)},
		{"idiv floats", OpIDiv, TMIDiv, Float(7), Float(2), Float(3)},
		{"mod sign of divisor", OpMod, TMMod, Int(-7), Int(3), Int(2)},
		{"mod negative divisor", OpMod, TMMod, Int(7), Int(-3), Int(-2)},
		{"mod floats", OpMod, TMMod, Float(5.5), Int(2), Float(1.5)},
		{"pow", OpPow, TMPow, Int(2), Int(10), Float(1024)},
		{"string coerced", OpAdd, TMAdd, String("10"), Int(1), Int(11)},
		{"float string coerced", OpMul, TMMul, String("0x10"), String("0.5"), Float(8)},
		{"band", OpBAnd, TMBAnd, Int(6), Int(3), Int(2)},
		{"band integral float", OpBAnd, TMBAnd, Float(3), Int(1), Int(1)},
		{"bor", OpBOr, TMBOr, Int(4), Int(1), Int(5)},
		{"bxor", OpBXor, TMBXor, Int(5), Int(1), Int(4)},
		{"shl", OpShl, TMShl, Int(1), Int(63), Int(math.MinInt64)},
		{"shl out of range", OpShl, TMShl, Int(1), Int(64), Int(0)},
		{"shr is logical", OpShr, TMShr, Int(-1), Int(63), Int(1)},
		{"negative shift", OpShl, TMShl, Int(8), Int(-2), Int(2)},
		{"bor string coerced", OpBOr, TMBOr, String("3"), Int(1), Int(3)},
		{"bxor integral float string", OpBXor, TMBXor, String("3.0"), Int(1), Int(2)},
		{"shl hex strings", OpShl, TMShl, String("1"), String("0x4"), Int(16)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
				g := newTestState(t, Options{Dispatch: mode})
				res := run(t, g, binary(tt.op, tt.ev), tt.a, tt.b)
				assert.Equal(t, []Value{tt.want}, res)
			})
		})
	}
}

func TestArithmeticErrors(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		ev   int
		a, b Value
		kind ErrorKind
		msg  string
	}{
		{"idiv by zero", OpIDiv, TMIDiv, Int(1), Int(0), KindArith, "attempt to perform 'n//0'"},
		{"mod by zero", OpMod, TMMod, Int(1), Int(0), KindArith, "attempt to perform 'n%0'"},
		{"fractional bitwise", OpBAnd, TMBAnd, Float(1.5), Int(1), KindArith, "number has no integer representation"},
		{"table operand", OpAdd, TMAdd, NewTable(0, 0), Int(1), KindType, "attempt to perform arithmetic on a table value"},
		{"bad string", OpSub, TMSub, Int(1), String("x"), KindType, "attempt to perform arithmetic on a string value"},
		{"bitwise on bool", OpBOr, TMBOr, Int(1), Bool(true), KindType, "attempt to perform bitwise operation on a boolean value"},
		{"fractional string bitwise", OpBOr, TMBOr, String("1.5"), Int(1), KindArith, "number has no integer representation"},
		{"bad string bitwise", OpBAnd, TMBAnd, Int(1), String("x"), KindType, "attempt to perform bitwise operation on a string value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestState(t, Options{})
			e := runError(t, g, binary(tt.op, tt.ev), tt.a, tt.b)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Contains(t, e.Error(), tt.msg)
		})
	}
}

func TestImmediateAndConstantForms(t *testing.T) {
	b := NewProtoBuilder("=test").Params(1)
	k := b.Constant(Float(0.5))
	b.ABC(OpAddI, 1, 0, -3+OffsetSC, false)
	b.ABC(OpMMBinI, 0, -3+OffsetSC, TMAdd, false)
	b.ABC(OpMulK, 2, 0, k, false)
	b.ABC(OpMMBinK, 0, k, TMMul, false)
	b.ABC(OpShrI, 3, 0, 1+OffsetSC, false)
	b.ABC(OpMMBinI, 0, 1+OffsetSC, TMShr, false)
	b.ABC(OpShlI, 4, 0, 1+OffsetSC, false)
	b.ABC(OpMMBinI, 0, 1+OffsetSC, TMShl, true)
	b.ABC(OpReturn, 1, 5, 0, false)
	p := b.MustBuild()

	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		g := newTestState(t, Options{Dispatch: mode})
		assert.Equal(t, []Value{Int(7), Float(5), Int(5), Int(1024)}, run(t, g, p, Int(10)))

		// numeric strings are coerced by both arithmetic and bitwise fallbacks
		assert.Equal(t, []Value{Int(7), Float(5), Int(5), Int(1024)}, run(t, g, p, String("10")))
		e := runError(t, g, p, String("1.5"))
		assert.Equal(t, KindArith, e.Kind)
		assert.Contains(t, e.Error(), "number has no integer representation")
	})
}

func TestUnaryOperators(t *testing.T) {
	b := NewProtoBuilder("=test").Params(1)
	b.ABC(OpUnm, 1, 0, 0, false)
	b.ABC(OpBNot, 2, 0, 0, false)
	b.ABC(OpNot, 3, 0, 0, false)
	b.ABC(OpReturn, 1, 4, 0, false)
	p := b.MustBuild()

	g := newTestState(t, Options{})
	assert.Equal(t, []Value{Int(-5), Int(-6), Bool(false)}, run(t, g, p, Int(5)))
	assert.Equal(t, []Value{Int(math.MinInt64), Int(math.MaxInt64), Bool(false)}, run(t, g, p, Int(math.MinInt64)))

	e := runError(t, g, p, Float(1.5))
	assert.Equal(t, KindArith, e.Kind)
}

// compare returns whether R[0] op R[1] holds.
func compare(op Opcode) *Proto {
	b := NewProtoBuilder("=test").Params(2)
	yes := b.NewLabel("yes")
	b.ABC(op, 0, 1, 0, true)
	b.Jump(yes)
	b.ABC(OpLoadFalse, 2, 0, 0, false)
	b.ABC(OpReturn1, 2, 0, 0, false)
	b.Mark(yes)
	b.ABC(OpLoadTrue, 2, 0, 0, false)
	b.ABC(OpReturn1, 2, 0, 0, false)
	return b.MustBuild()
}

func TestComparisons(t *testing.T) {
	nan := Float(math.NaN())
	tests := []struct {
		name string
		op   Opcode
		a, b Value
		want bool
	}{
		{"lt ints", OpLt, Int(1), Int(2), true},
		{"lt equal", OpLt, Int(2), Int(2), false},
		{"le equal", OpLe, Int(2), Int(2), true},
		{"lt mixed", OpLt, Int(1), Float(1.5), true},
		{"lt beyond float precision", OpLt, Int(math.MaxInt64), Float(9223372036854775808.0), true},
		{"le beyond float precision", OpLe, Float(9223372036854775808.0), Int(math.MaxInt64), false},
		{"lt nan", OpLt, nan, Int(1), false},
		{"le nan", OpLe, nan, nan, false},
		{"lt strings", OpLt, String("a"), String("b"), true},
		{"le strings", OpLe, String("b"), String("ab"), false},
		{"eq int float", OpEq, Int(1), Float(1), true},
		{"eq nan", OpEq, nan, nan, false},
		{"eq different types", OpEq, String("1"), Int(1), false},
		{"eq nils", OpEq, Value(nil), Value(nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
				g := newTestState(t, Options{Dispatch: mode})
				res := run(t, g, compare(tt.op), tt.a, tt.b)
				assert.Equal(t, []Value{Bool(tt.want)}, res)
			})
		})
	}

	g := newTestState(t, Options{})
	e := runError(t, g, compare(OpLt), Int(1), String("2"))
	assert.Equal(t, KindType, e.Kind)
	assert.Contains(t, e.Error(), "attempt to compare number with string")
	e = runError(t, g, compare(OpLe), NewTable(0, 0), NewTable(0, 0))
	assert.Contains(t, e.Error(), "attempt to compare two table values")
}

func TestImmediateComparisons(t *testing.T) {
	// returns R[0] < 5, R[0] >= 5, R[0] == 5
	b := NewProtoBuilder("=test").Params(1)
	for n, op := range []Opcode{OpLtI, OpGeI, OpEqI} {
		yes, done := b.NewLabel("yes"), b.NewLabel("done")
		b.ABC(op, 0, 5+OffsetSC, 0, true)
		b.Jump(yes)
		b.ABC(OpLoadFalse, 1+n, 0, 0, false)
		b.Jump(done)
		b.Mark(yes)
		b.ABC(OpLoadTrue, 1+n, 0, 0, false)
		b.Mark(done)
	}
	b.ABC(OpReturn, 1, 4, 0, false)
	p := b.MustBuild()

	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		g := newTestState(t, Options{Dispatch: mode})
		assert.Equal(t, []Value{Bool(true), Bool(false), Bool(false)}, run(t, g, p, Int(4)))
		assert.Equal(t, []Value{Bool(false), Bool(true), Bool(true)}, run(t, g, p, Float(5)))
		assert.Equal(t, []Value{Bool(false), Bool(false), Bool(false)}, run(t, g, p, Float(math.NaN())))
	})
}

func TestConcat(t *testing.T) {
	b := NewProtoBuilder("=test").Params(3)
	b.ABC(OpConcat, 0, 3, 0, false)
	b.ABC(OpReturn1, 0, 0, 0, false)
	p := b.MustBuild()

	g := newTestState(t, Options{})
	assert.Equal(t, []Value{String("a12.5")}, run(t, g, p, String("a"), Int(1), Float(2.5)))
	assert.Equal(t, []Value{String("x2.0y")}, run(t, g, p, String("x"), Float(2), String("y")))

	e := runError(t, g, p, String("a"), NewTable(0, 0), String("b"))
	assert.Equal(t, KindType, e.Kind)
	assert.Contains(t, e.Error(), "attempt to concatenate a table value")
}

func TestLoadInstructions(t *testing.T) {
	b := NewProtoBuilder("=test")
	b.AsBx(OpLoadF, 0, -2)
	b.ABC(OpLoadNil, 1, 1, 0, false)
	b.ABC(OpLFalseSkip, 3, 0, 0, false)
	b.ABC(OpLoadTrue, 3, 0, 0, false)
	b.ABC(OpReturn, 0, 5, 0, false)
	p := b.MustBuild()

	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		g := newTestState(t, Options{Dispatch: mode})
		assert.Equal(t, []Value{Float(-2), nil, nil, Bool(false)}, run(t, g, p))
	})
}

func TestLoadKX(t *testing.T) {
	b := NewProtoBuilder("=test")
	for n := 0; n <= MaxArgBx; n++ {
		b.AddConstant(Int(n))
	}
	b.LoadK(0, String("far"))
	b.ABC(OpReturn1, 0, 0, 0, false)
	p := b.MustBuild()
	require.Equal(t, OpLoadKX, p.Code[0].Op())

	g := newTestState(t, Options{})
	assert.Equal(t, []Value{String("far")}, run(t, g, p))
}

func TestDispatchModesAgree(t *testing.T) {
	programs := map[string]struct {
		p    *Proto
		args []Value
	}{
		"fib":        {recursive(fib(), 1), []Value{Int(15)}},
		"accumulate": {accumulate(), nil},
		"depth":      {recursive(depth(4), 1), []Value{Int(100)}},
	}
	for name, prog := range programs {
		t.Run(name, func(t *testing.T) {
			var results [2][]Value
			var counts [2]*opCounter
			for n, mode := range []DispatchMode{DispatchSwitch, DispatchTable} {
				counts[n] = newOpCounter()
				g := newTestState(t, Options{Dispatch: mode, Tracer: counts[n]})
				results[n] = run(t, g, prog.p, prog.args...)
			}
			assert.Equal(t, results[0], results[1])
			assert.Equal(t, counts[0].counts, counts[1].counts)
		})
	}
}

func TestFib(t *testing.T) {
	g := newTestState(t, Options{})
	p := recursive(fib(), 1)
	for _, n := range []int64{0, 1, 2, 10, 20} {
		assert.Equal(t, []Value{Int(fibGo(n))}, run(t, g, p, Int(n)))
	}
}

func TestTracerSeesEveryInstruction(t *testing.T) {
	var pcs []int
	tracer := TracerFunc(func(ev TraceEvent) {
		assert.Equal(t, ev.Proto.Code[ev.PC], ev.Instruction)
		pcs = append(pcs, ev.PC)
	})
	g := newTestState(t, Options{Tracer: tracer})
	run(t, g, accumulate())
	// 4 loads, FORPREP, then 3 x (ADD, FORLOOP), RETURN1
	assert.Len(t, pcs, 4+1+3*2+1)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 7}, pcs[:7])
}
