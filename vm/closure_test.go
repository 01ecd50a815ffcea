package vm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterChunk builds:
//
//	local n = 0
//	local function inc() n = n + 1 end
//	local function get() return n end
//	inc(); inc()
//	return inc, get, get()
func counterChunk() *Proto {
	get := NewProtoBuilder("=test").Defined(3, 3)
	get.Upvalue("n", true, 0)
	get.ABC(OpGetUpval, 0, 0, 0, false)
	get.ABC(OpReturn1, 0, 0, 0, false)

	b := chunk(0)
	loadI(b, 0, 0)
	b.ABx(OpClosure, 1, b.Child(incUpvalue()))
	b.ABx(OpClosure, 2, b.Child(get.MustBuild()))
	for range 2 {
		b.ABC(OpMove, 3, 1, 0, false)
		b.ABC(OpCall, 3, 1, 1, false)
	}
	b.ABC(OpMove, 3, 2, 0, false)
	b.ABC(OpCall, 3, 1, 2, false)
	b.ABC(OpReturn, 1, 4, 0, true)
	return b.MustBuild()
}

func TestUpvaluesAreShared(t *testing.T) {
	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		g := newTestState(t, Options{Dispatch: mode})
		res := run(t, g, counterChunk())
		require.Len(t, res, 3)
		assert.Equal(t, Int(2), res[2])

		inc, get := res[0].(*Closure), res[1].(*Closure)
		assert.Same(t, inc.upvals[0], get.upvals[0])
		assert.False(t, inc.upvals[0].isOpen(), "returning closes the frame's upvalues")
		assert.Equal(t, Int(2), get.Upvalue(0))

		_, err := g.Main().Call(inc)
		require.NoError(t, err)
		out, err := g.Main().Call(get)
		require.NoError(t, err)
		assert.Equal(t, []Value{Int(3)}, out)
	})
}

func TestOpenUpvalueAliasesRegister(t *testing.T) {
	// local v = 5
	// local function outer() return function() return v end end
	// local f = outer(); v = 9; return f()
	inner := NewProtoBuilder("=test").Defined(2, 2)
	inner.Upvalue("v", false, 0)
	inner.ABC(OpGetUpval, 0, 0, 0, false)
	inner.ABC(OpReturn1, 0, 0, 0, false)

	outer := NewProtoBuilder("=test").Defined(2, 2)
	outer.Upvalue("v", true, 0)
	outer.ABx(OpClosure, 0, outer.Child(inner.MustBuild()))
	outer.ABC(OpReturn1, 0, 0, 0, false)

	b := chunk(0)
	loadI(b, 0, 5)
	b.ABx(OpClosure, 1, b.Child(outer.MustBuild()))
	b.ABC(OpMove, 2, 1, 0, false)
	b.ABC(OpCall, 2, 1, 2, false)
	loadI(b, 0, 9)
	b.ABC(OpCall, 2, 1, 2, false)
	b.ABC(OpReturn, 2, 2, 0, true)

	g := newTestState(t, Options{})
	assert.Equal(t, []Value{Int(9)}, run(t, g, b.MustBuild()))
}

// closeLog installs globals a and b whose __close metamethod records the
// closing order and the error each one received.
type closeLog struct {
	order []string
	errs  []Value
	fail  string // name whose __close raises
}

func newCloseLog(g *State) *closeLog {
	l := &closeLog{}
	mt := NewTable(0, 1)
	mt.SetStr("__close", NewGoFunction("close", func(t *Thread, args []Value) ([]Value, error) {
		tbl := args[0].(*Table)
		l.order = append(l.order, string(tbl.GetStr("name").(String)))
		l.errs = append(l.errs, args[1])
		if name := l.order[len(l.order)-1]; name == l.fail {
			return nil, errors.New("close-" + name + " failed")
		}
		return nil, nil
	}))
	for _, name := range []string{"a", "b"} {
		obj := NewTable(0, 1)
		obj.SetStr("name", String(name))
		obj.SetMetatable(mt)
		g.SetGlobal(name, obj)
	}
	return l
}

// tbcChunk marks globals a and b to-be-closed, then either returns 42 or
// indexes a boolean.
func tbcChunk(fail bool) *Proto {
	b := chunk(0).Line(1)
	getGlobal(b, 0, "a")
	b.ABC(OpTBC, 0, 0, 0, false)
	getGlobal(b, 1, "b")
	b.ABC(OpTBC, 1, 0, 0, false)
	if fail {
		b.ABC(OpLoadFalse, 2, 0, 0, false)
		b.ABC(OpGetField, 2, 2, b.Constant(String("x")), false)
	} else {
		loadI(b, 2, 42)
	}
	b.ABC(OpReturn, 2, 2, 0, true)
	return b.MustBuild()
}

func TestToBeClosedRunInReverseOrder(t *testing.T) {
	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		g := newTestState(t, Options{Dispatch: mode})
		log := newCloseLog(g)

		assert.Equal(t, []Value{Int(42)}, run(t, g, tbcChunk(false)))
		assert.Equal(t, []string{"b", "a"}, log.order)
		assert.Equal(t, []Value{nil, nil}, log.errs)
	})
}

func TestToBeClosedRunOnError(t *testing.T) {
	g := newTestState(t, Options{})
	log := newCloseLog(g)

	e := runError(t, g, tbcChunk(true))
	msg := String("test:1: attempt to index a boolean value")
	assert.Equal(t, msg, e.Value)
	assert.Equal(t, []string{"b", "a"}, log.order)
	assert.Equal(t, []Value{msg, msg}, log.errs)
}

func TestCloseErrorReplacesError(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		g := newTestState(t, Options{})
		log := newCloseLog(g)
		log.fail = "b"

		e := runError(t, g, tbcChunk(true))
		assert.Equal(t, "close-b failed", e.Error())
		assert.Equal(t, []string{"b", "a"}, log.order)
		assert.Equal(t, []Value{String("test:1: attempt to index a boolean value"), String("close-b failed")}, log.errs)
	})

	t.Run("return", func(t *testing.T) {
		g := newTestState(t, Options{})
		log := newCloseLog(g)
		log.fail = "b"

		e := runError(t, g, tbcChunk(false))
		assert.Equal(t, "close-b failed", e.Error())
		assert.Equal(t, []string{"b", "a"}, log.order)
		assert.Equal(t, []Value{nil, String("close-b failed")}, log.errs)
	})
}

// tbcThenTailCall marks global a to-be-closed and tail-calls a function
// that returns its argument 7 through ret.
func tbcThenTailCall(ret Instruction) *Proto {
	inner := NewProtoBuilder("=inner").Params(1)
	inner.Emit(ret)

	b := chunk(0)
	getGlobal(b, 0, "a")
	b.ABC(OpTBC, 0, 0, 0, false)
	b.ABx(OpClosure, 1, b.Child(inner.MustBuild()))
	loadI(b, 2, 7)
	b.ABC(OpTailCall, 1, 2, 0, false)
	return b.MustBuild()
}

func TestTailCallClosesToBeClosed(t *testing.T) {
	returns := map[string]Instruction{
		"return1": CreateABC(OpReturn1, 0, 0, 0, false),
		"return":  CreateABC(OpReturn, 0, 2, 0, true),
	}
	for name, ret := range returns {
		t.Run(name, func(t *testing.T) {
			forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
				g := newTestState(t, Options{Dispatch: mode})
				log := newCloseLog(g)

				assert.Equal(t, []Value{Int(7)}, run(t, g, tbcThenTailCall(ret)))
				assert.Equal(t, []string{"a"}, log.order)
				assert.Empty(t, g.Main().tbcList)
			})
		})
	}
}

func TestFastReturnsCloseToBeClosed(t *testing.T) {
	build := func(ret Instruction) *Proto {
		b := chunk(0)
		getGlobal(b, 0, "a")
		b.ABC(OpTBC, 0, 0, 0, false)
		loadI(b, 1, 5)
		b.Emit(ret)
		return b.MustBuild()
	}
	tests := []struct {
		name string
		ret  Instruction
		want []Value
	}{
		{"return0", CreateABC(OpReturn0, 0, 0, 0, false), []Value{}},
		{"return1", CreateABC(OpReturn1, 1, 0, 0, false), []Value{Int(5)}},
		{"return without k", CreateABC(OpReturn, 1, 2, 0, false), []Value{Int(5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
				g := newTestState(t, Options{Dispatch: mode})
				log := newCloseLog(g)

				assert.Equal(t, tt.want, run(t, g, build(tt.ret)))
				assert.Equal(t, []string{"a"}, log.order)
				assert.Equal(t, []Value{nil}, log.errs)
				assert.Empty(t, g.Main().tbcList)
			})
		})
	}
}

func TestToBeClosedNeedsMetamethod(t *testing.T) {
	g := newTestState(t, Options{})
	g.SetGlobal("x", Int(5))

	b := chunk(0)
	getGlobal(b, 0, "x")
	b.ABC(OpTBC, 0, 0, 0, false)
	b.ABC(OpReturn0, 0, 0, 0, false)
	b.Local("x", 0, 3)

	e := runError(t, g, b.MustBuild())
	assert.Equal(t, KindType, e.Kind)
	assert.Equal(t, "test: variable 'x' got a non-closable value", e.Error())

	// nil and false need no closing
	nothing := chunk(0)
	getGlobal(nothing, 0, "missing")
	nothing.ABC(OpTBC, 0, 0, 0, false)
	nothing.ABC(OpLoadFalse, 1, 0, 0, false)
	nothing.ABC(OpTBC, 1, 0, 0, false)
	nothing.ABC(OpReturn, 0, 1, 0, true)
	assert.Empty(t, run(t, g, nothing.MustBuild()))
}

func TestCloseInstruction(t *testing.T) {
	g := newTestState(t, Options{})
	log := newCloseLog(g)

	b := chunk(0)
	getGlobal(b, 0, "a")
	b.ABC(OpTBC, 0, 0, 0, false)
	getGlobal(b, 1, "b")
	b.ABC(OpTBC, 1, 0, 0, false)
	b.ABC(OpClose, 1, 0, 0, false)
	b.ABC(OpGetTabUp, 2, 0, b.Constant(String("peek")), false)
	b.ABC(OpCall, 2, 1, 1, false)
	b.ABC(OpReturn, 0, 1, 0, true)

	var seen []string
	g.Register("peek", func(t *Thread, args []Value) ([]Value, error) {
		seen = append(seen, log.order...)
		return nil, nil
	})

	run(t, g, b.MustBuild())
	assert.Equal(t, []string{"b"}, seen, "CLOSE 1 closes only b")
	assert.Equal(t, []string{"b", "a"}, log.order)
}

// sumValues adds up the values a generic for visits:
//
//	local s = 0; for _, v in <iter>(t) do s = s + v end; return s
func sumValues(iter string) *Proto {
	b := chunk(1)
	loadI(b, 1, 0)
	getGlobal(b, 2, iter)
	b.ABC(OpMove, 3, 0, 0, false)
	b.ABC(OpCall, 2, 2, 4, false)
	b.ABC(OpLoadNil, 5, 0, 0, false)
	call, body := b.NewLabel("call"), b.NewLabel("body")
	b.JumpTo(OpTForPrep, 2, call)
	b.Mark(body)
	b.ABC(OpAdd, 1, 1, 7, false)
	b.ABC(OpMMBin, 1, 7, TMAdd, false)
	b.Mark(call)
	b.ABC(OpTForCall, 2, 0, 2, false)
	b.JumpTo(OpTForLoop, 2, body)
	b.ABC(OpReturn1, 1, 0, 0, false)
	return b.MustBuild()
}

func TestGenericFor(t *testing.T) {
	tbl := NewTable(3, 1)
	for i, v := range []int64{10, 20, 30} {
		tbl.SetInt(int64(i+1), Int(v))
	}
	tbl.SetStr("x", Int(5))

	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		ops := newOpCounter()
		g := newTestState(t, Options{Dispatch: mode, Tracer: ops})

		assert.Equal(t, []Value{Int(65)}, run(t, g, sumValues("pairs"), tbl))
		assert.Equal(t, 5, ops.counts[OpTForLoop], "three list items, one field, then nil")
		assert.Equal(t, []Value{Int(60)}, run(t, g, sumValues("ipairs"), tbl))
		assert.Equal(t, []Value{Int(0)}, run(t, g, sumValues("pairs"), NewTable(0, 0)))
	})
}
