package vm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nativeFib(t *Thread, cl *Closure, args []Value) ([]Value, error) {
	n, ok := args[0].(Int)
	if !ok {
		return nil, errors.New("fib expects an integer")
	}
	return []Value{Int(fibGo(int64(n)))}, nil
}

func TestNativeKey(t *testing.T) {
	assert.Equal(t, "fib:1", NativeKey(fib()))
	assert.Equal(t, "count:1", NativeKey(countdown()))
}

func TestNativeInstalledWhenHot(t *testing.T) {
	prof := NewProfiler()
	prof.HotThreshold = 5
	natives := NewNativeRegistry()
	natives.Register("fib:1", nativeFib)

	g := newTestState(t, Options{Profiler: prof, Natives: natives})
	main := recursive(fib(), 1)
	assert.Equal(t, []Value{Int(610)}, run(t, g, main, Int(15)))

	child := main.Protos[0]
	assert.NotNil(t, child.Native)
	assert.Equal(t, 1, natives.Installed())
	assert.Zero(t, natives.Misses())
	assert.Less(t, prof.Profile(child).InvocationCount, uint64(1973), "native calls do not recurse through the interpreter")

	// the installed implementation serves later runs too
	before := prof.Profile(child).InvocationCount
	assert.Equal(t, []Value{Int(6765)}, run(t, g, main, Int(20)))
	assert.Equal(t, before+1, prof.Profile(child).InvocationCount)
}

func TestNativeDisabled(t *testing.T) {
	prof := NewProfiler()
	prof.HotThreshold = 5
	natives := NewNativeRegistry()
	natives.Register("fib:1", nativeFib)

	g := newTestState(t, Options{Profiler: prof, Natives: natives, DisableNative: true})
	main := recursive(fib(), 1)
	assert.Equal(t, []Value{Int(610)}, run(t, g, main, Int(15)))
	assert.Equal(t, uint64(1973), prof.Profile(main.Protos[0]).InvocationCount)
}

func TestNativeMisses(t *testing.T) {
	prof := NewProfiler()
	prof.HotThreshold = 5
	natives := NewNativeRegistry()
	var seen []*Proto
	prof.OnHot = func(p *Proto, _ *ProtoProfile) { seen = append(seen, p) }
	natives.Attach(prof)

	g := newTestState(t, Options{Profiler: prof})
	main := recursive(fib(), 1)
	run(t, g, main, Int(10))
	assert.Nil(t, main.Protos[0].Native)
	assert.Equal(t, 1, natives.Misses())
	assert.Len(t, seen, 1, "an earlier OnHot keeps running")
}

func TestNativeErrors(t *testing.T) {
	prof := NewProfiler()
	prof.HotThreshold = 1
	natives := NewNativeRegistry()
	natives.Register("fib:1", nativeFib)

	g := newTestState(t, Options{Profiler: prof, Natives: natives})
	fn := run(t, g, closureOf(fib()))[0]

	// the call that makes fib hot still runs interpreted
	res, err := g.Main().Call(fn, Int(1))
	require.NoError(t, err)
	assert.Equal(t, []Value{Int(1)}, res)

	_, err = g.Main().Call(fn, String("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fib expects an integer")
}

// closureOf returns a chunk that returns a closure of child, with child's
// upvalues all captured from nil registers.
func closureOf(child *Proto) *Proto {
	b := chunk(0)
	b.ABx(OpClosure, 0, b.Child(child))
	b.ABC(OpReturn1, 0, 0, 0, false)
	return b.MustBuild()
}
