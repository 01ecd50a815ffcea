package vm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilerCountsInvocations(t *testing.T) {
	prof := NewProfiler()
	prof.HotThreshold = 10
	var hot []*Proto
	prof.OnHot = func(p *Proto, profile *ProtoProfile) {
		hot = append(hot, p)
	}

	g := newTestState(t, Options{Profiler: prof})
	main := recursive(fib(), 1)
	child := main.Protos[0]
	assert.Equal(t, []Value{Int(55)}, run(t, g, main, Int(10)))

	profile := prof.Profile(child)
	require.NotNil(t, profile)
	assert.Equal(t, uint64(177), profile.InvocationCount)
	assert.True(t, prof.IsHot(child))
	assert.False(t, prof.IsHot(main), "the chunk ran once")
	assert.Equal(t, 1, prof.HotCount())
	assert.Equal(t, []*Proto{child}, hot, "OnHot fires once")

	snap := prof.Snapshot()
	require.Len(t, snap, 2)
	assert.Same(t, child, snap[0].Proto)
	assert.True(t, snap[0].Hot)
	assert.Equal(t, uint64(1), snap[1].Invocations)
	assert.Equal(t, []*Proto{child}, prof.Top(1))
	assert.Len(t, prof.Top(10), 2)

	prof.Reset()
	assert.Nil(t, prof.Profile(child))
	assert.Zero(t, prof.HotCount())
}

func TestProfilerCountsTailCalls(t *testing.T) {
	prof := NewProfiler()
	g := newTestState(t, Options{Profiler: prof})
	main := recursive(countdown(), 2)
	run(t, g, main, Int(500), Int(0))
	assert.Equal(t, uint64(501), prof.Profile(main.Protos[0]).InvocationCount)
	assert.True(t, prof.IsHot(main.Protos[0]))
}

func TestProfilerSeed(t *testing.T) {
	prof := NewProfiler()
	calls := 0
	prof.OnHot = func(*Proto, *ProtoProfile) { calls++ }
	p := fib()

	prof.Seed(p, 0)
	assert.Nil(t, prof.Profile(p), "seeding zero records nothing")

	prof.Seed(p, DefaultHotThreshold-1)
	assert.False(t, prof.IsHot(p))
	prof.record(p)
	assert.True(t, prof.IsHot(p))
	prof.Seed(p, 10)
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(DefaultHotThreshold+10), prof.Profile(p).InvocationCount)
}

func TestProfilerConcurrentRecords(t *testing.T) {
	prof := NewProfiler()
	prof.HotThreshold = 1000
	calls := 0
	var mu sync.Mutex
	prof.OnHot = func(*Proto, *ProtoProfile) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	p := fib()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				prof.record(p)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(4000), prof.Profile(p).InvocationCount)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, prof.HotCount())
}
