package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCollector records every notification. With relocate set it moves
// the stack at each checkpoint, the way a compacting collector would.
type recordingCollector struct {
	allocated   int
	checkpoints int
	barriers    []Value
	backs       []*Table
	relocate    bool
}

func (c *recordingCollector) Allocated(size int) { c.allocated += size }

func (c *recordingCollector) Checkpoint(t *Thread) {
	c.checkpoints++
	if c.relocate {
		t.RelocateStack()
	}
}

func (c *recordingCollector) Barrier(owner any, v Value) { c.barriers = append(c.barriers, v) }

func (c *recordingCollector) BarrierBack(tbl *Table) { c.backs = append(c.backs, tbl) }

// incUpvalue is function() n = n + 1 end for an n in register 0 of the
// enclosing function.
func incUpvalue() *Proto {
	b := NewProtoBuilder("=test").Defined(2, 2)
	b.Upvalue("n", true, 0)
	b.ABC(OpGetUpval, 0, 0, 0, false)
	addI(b, 0, 0, 1)
	b.ABC(OpSetUpval, 0, 0, 0, false)
	b.ABC(OpReturn0, 0, 0, 0, false)
	return b.MustBuild()
}

func TestUpvalueBarriers(t *testing.T) {
	// local u; (function() u = {} end)(); return u
	child := NewProtoBuilder("=test").Defined(1, 1)
	child.Upvalue("u", true, 0)
	child.NewTable(0, 0, 0)
	child.ABC(OpSetUpval, 0, 0, 0, false)
	child.ABC(OpReturn0, 0, 0, 0, false)

	b := chunk(0)
	b.ABC(OpLoadNil, 0, 0, 0, false)
	b.ABx(OpClosure, 1, b.Child(child.MustBuild()))
	b.ABC(OpMove, 2, 1, 0, false)
	b.ABC(OpCall, 2, 1, 1, false)
	b.ABC(OpReturn, 0, 2, 0, true)

	gc := &recordingCollector{}
	g := newTestState(t, Options{Collector: gc})
	res := run(t, g, b.MustBuild())

	tbl, ok := res[0].(*Table)
	require.True(t, ok)
	require.Len(t, gc.barriers, 2, "SETUPVAL, then closing the upvalue")
	assert.Same(t, tbl, gc.barriers[0])
	assert.Same(t, tbl, gc.barriers[1])
	assert.GreaterOrEqual(t, gc.checkpoints, 2, "CLOSURE and NEWTABLE")
}

func TestTableBarriers(t *testing.T) {
	t.Run("stores", func(t *testing.T) {
		b := chunk(0)
		b.NewTable(0, 0, 1)
		b.NewTable(1, 0, 0)
		k := b.Constant(String("k"))
		b.ABC(OpSetField, 0, k, 1, false)
		b.ABC(OpSetField, 0, k, 1, false)
		b.ABC(OpSetField, 0, b.Constant(String("n")), b.Constant(Int(1)), true)
		b.ABC(OpReturn1, 0, 0, 0, false)

		gc := &recordingCollector{}
		g := newTestState(t, Options{Collector: gc})
		res := run(t, g, b.MustBuild())
		require.Len(t, gc.backs, 2, "a new key and an existing key; numbers need no barrier")
		assert.Same(t, res[0], gc.backs[0])
	})

	t.Run("setlist", func(t *testing.T) {
		b := chunk(0)
		b.NewTable(0, 2, 0)
		b.NewTable(1, 0, 0)
		loadI(b, 2, 5)
		b.SetList(0, 2, 1)
		b.ABC(OpReturn1, 0, 0, 0, false)

		gc := &recordingCollector{}
		g := newTestState(t, Options{Collector: gc})
		res := run(t, g, b.MustBuild())
		tbl := res[0].(*Table)
		assert.IsType(t, &Table{}, tbl.GetInt(1))
		assert.Equal(t, Int(5), tbl.GetInt(2))
		assert.Len(t, gc.backs, 1)
	})

	t.Run("setmetatable", func(t *testing.T) {
		gc := &recordingCollector{}
		g := newTestState(t, Options{Collector: gc})
		_, err := g.Main().Call(g.GetGlobal("setmetatable"), NewTable(0, 0), NewTable(0, 0))
		require.NoError(t, err)
		assert.Len(t, gc.backs, 1)
	})
}

// allocLoop creates 50 tables while an open upvalue counts iterations:
//
//	local n = 0
//	local function inc() n = n + 1 end
//	for i = 1, 50 do local t = {}; inc() end
//	return n
func allocLoop() *Proto {
	b := chunk(0)
	loadI(b, 0, 0)
	b.ABx(OpClosure, 1, b.Child(incUpvalue()))
	loadI(b, 2, 1)
	loadI(b, 3, 50)
	loadI(b, 4, 1)
	loop, body := b.NewLabel("loop"), b.NewLabel("body")
	b.JumpTo(OpForPrep, 2, loop)
	b.Mark(body)
	b.NewTable(6, 0, 0)
	b.ABC(OpMove, 7, 1, 0, false)
	b.ABC(OpCall, 7, 1, 1, false)
	b.Mark(loop)
	b.JumpTo(OpForLoop, 2, body)
	b.ABC(OpReturn, 0, 2, 0, true)
	return b.MustBuild()
}

func TestStackRelocationAtCheckpoints(t *testing.T) {
	forEachDispatch(t, func(t *testing.T, mode DispatchMode) {
		gc := &recordingCollector{relocate: true}
		g := newTestState(t, Options{Dispatch: mode, Collector: gc})

		assert.Equal(t, []Value{Int(50)}, run(t, g, allocLoop()))
		assert.GreaterOrEqual(t, gc.checkpoints, 51)
		assert.Positive(t, gc.allocated)
	})
}

func TestRelocationDuringDeepRecursion(t *testing.T) {
	gc := &recordingCollector{relocate: true}
	g := newTestState(t, Options{Collector: gc})
	assert.Equal(t, []Value{Int(55)}, run(t, g, recursive(fib(), 1), Int(10)))
	assert.Equal(t, []Value{Int(300)}, run(t, g, recursive(depth(40), 1), Int(300)))
	assert.Positive(t, gc.checkpoints, "growing the stack passes through checkpoints")
}

func TestIncrementalCollector(t *testing.T) {
	t.Run("steps by debt", func(t *testing.T) {
		gc := NewIncrementalCollector(256, false)
		g := newTestState(t, Options{Collector: gc})
		run(t, g, allocLoop())

		st := gc.Stats()
		assert.Positive(t, st.Allocated)
		assert.GreaterOrEqual(t, st.Checkpoints, uint64(51))
		assert.Positive(t, st.Steps)
		assert.Less(t, st.Debt, int64(256))
		assert.Equal(t, st.Steps/stepsPerCycle, st.Cycles)
	})

	t.Run("full cycle shrinks the stack", func(t *testing.T) {
		gc := NewIncrementalCollector(DefaultStepSize, true)
		g := newTestState(t, Options{Collector: gc})
		run(t, g, recursive(depth(40), 1), Int(500))
		grown := g.Main().StackSize()
		require.Greater(t, grown, 1000)

		res, err := g.Main().Call(g.GetGlobal("collectgarbage"))
		require.NoError(t, err)
		assert.Equal(t, []Value{Int(0)}, res)
		assert.Less(t, g.Main().StackSize(), 100)
		assert.Equal(t, uint64(1), gc.Stats().Cycles)
	})

	t.Run("barriers are counted", func(t *testing.T) {
		gc := NewIncrementalCollector(0, false)
		g := newTestState(t, Options{Collector: gc})
		run(t, g, counterChunk())
		_, err := g.Main().Call(g.GetGlobal("setmetatable"), NewTable(0, 0), NewTable(0, 0))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), gc.Stats().BackBarriers)
		assert.Zero(t, gc.Stats().Barriers, "integers are not collectable")
	})
}

func TestCollectGarbageOptions(t *testing.T) {
	g := newTestState(t, Options{Collector: NewIncrementalCollector(DefaultStepSize, false)})
	collect := g.GetGlobal("collectgarbage")
	call := func(args ...Value) []Value {
		res, err := g.Main().Call(collect, args...)
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, []Value{Bool(false)}, call(String("step")))
	assert.IsType(t, Float(0), call(String("count"))[0])
	assert.Equal(t, []Value{Bool(true)}, call(String("isrunning")))

	_, err := g.Main().Call(collect, String("bogus"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid option 'bogus'")
}
