package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(n int) *Table {
	t := NewTable(n, 0)
	for i := 1; i <= n; i++ {
		t.SetInt(int64(i), Int(i*10))
	}
	return t
}

func TestTableLength(t *testing.T) {
	assert.Equal(t, int64(0), NewTable(0, 0).Length())
	assert.Equal(t, int64(5), sequence(5).Length())

	holed := sequence(5)
	holed.SetInt(5, nil)
	assert.Equal(t, int64(4), holed.Length())

	// keys inserted out of order land in the hash part first
	sparse := NewTable(0, 0)
	sparse.SetInt(3, Int(3))
	sparse.SetInt(2, Int(2))
	assert.Equal(t, int64(0), sparse.Length())
	sparse.SetInt(1, Int(1))
	assert.Equal(t, int64(3), sparse.Length(), "the array part absorbs 2 and 3")

	tail := sequence(3)
	tail.Set(Int(4), Int(4))
	tail.Set(Int(6), Int(6))
	n := tail.Length()
	assert.True(t, n == 4 || n == 6, "border %d", n)
	assert.NotNil(t, tail.GetInt(n))
	assert.Nil(t, tail.GetInt(n+1))
}

func TestTableKeys(t *testing.T) {
	tbl := NewTable(0, 0)
	require.NoError(t, tbl.Set(Float(2), String("two")))
	assert.Equal(t, String("two"), tbl.Get(Int(2)), "2.0 and 2 are the same key")
	assert.Equal(t, String("two"), tbl.GetInt(2))

	require.NoError(t, tbl.Set(Float(2.5), String("half")))
	assert.Equal(t, String("half"), tbl.Get(Float(2.5)))
	assert.Nil(t, tbl.Get(Int(3)))

	key := NewTable(0, 0)
	require.NoError(t, tbl.Set(key, Bool(true)))
	assert.Equal(t, Bool(true), tbl.Get(key))
	assert.Nil(t, tbl.Get(NewTable(0, 0)), "tables are keyed by identity")

	assert.ErrorIs(t, tbl.Set(nil, Int(1)), ErrNilIndex)
	assert.ErrorIs(t, tbl.Set(Float(math.NaN()), Int(1)), ErrNaNIndex)
	assert.Nil(t, tbl.Get(nil))
	assert.Nil(t, tbl.Get(Float(math.NaN())))

	require.NoError(t, tbl.Set(String("x"), Int(1)))
	require.NoError(t, tbl.Set(String("x"), nil))
	assert.Nil(t, tbl.GetStr("x"), "storing nil removes the key")
}

func collect(t *testing.T, tbl *Table) []Value {
	t.Helper()
	var keys []Value
	var k Value
	for {
		next, _, err := tbl.Next(k)
		require.NoError(t, err)
		if next == nil {
			return keys
		}
		keys = append(keys, next)
		k = next
	}
}

func TestTableNext(t *testing.T) {
	tbl := sequence(2)
	tbl.SetStr("b", Int(1))
	tbl.SetStr("a", Int(2))
	tbl.SetStr("c", Int(3))
	assert.Equal(t, []Value{Int(1), Int(2), String("b"), String("a"), String("c")}, collect(t, tbl),
		"array part first, then insertion order")

	_, _, err := tbl.Next(String("missing"))
	assert.ErrorIs(t, err, ErrInvalidNextKey)

	k, v, err := tbl.Next(String("c"))
	require.NoError(t, err)
	assert.Nil(t, k)
	assert.Nil(t, v)
}

func TestTableClearDuringTraversal(t *testing.T) {
	tbl := sequence(3)
	for _, name := range []string{"p", "q", "r", "s"} {
		tbl.SetStr(String(name), String(name))
	}

	var visited []Value
	var k Value
	for {
		next, _, err := tbl.Next(k)
		require.NoError(t, err)
		if next == nil {
			break
		}
		visited = append(visited, next)
		require.NoError(t, tbl.Set(next, nil))
		k = next
	}
	assert.Len(t, visited, 7)
	assert.Empty(t, collect(t, tbl))
	assert.Equal(t, int64(0), tbl.Length())
}

func TestTableTombstonesCompact(t *testing.T) {
	tbl := NewTable(0, 0)
	for i := 0; i < 20; i++ {
		tbl.SetStr(String(rune('a'+i)), Int(i))
	}
	for i := 0; i < 15; i++ {
		tbl.SetStr(String(rune('a'+i)), nil)
	}
	assert.Equal(t, 15, tbl.dead)

	tbl.SetStr("new", Int(99))
	assert.Zero(t, tbl.dead, "inserting a new key drops tombstones")
	assert.Len(t, tbl.entries, 6)

	keys := collect(t, tbl)
	assert.Equal(t, []Value{String("p"), String("q"), String("r"), String("s"), String("t"), String("new")}, keys)

	// reviving a cleared key keeps its slot
	tbl.SetStr("p", nil)
	tbl.SetStr("p", Int(1))
	assert.Equal(t, keys, collect(t, tbl))
}

func TestTableForEach(t *testing.T) {
	tbl := sequence(3)
	tbl.SetStr("x", Int(1))

	sum := int64(0)
	tbl.ForEach(func(k, v Value) bool {
		sum += int64(v.(Int))
		return true
	})
	assert.Equal(t, int64(61), sum)

	seen := 0
	tbl.ForEach(func(k, v Value) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}
