package vm

import (
	"errors"
	"math"
)

var (
	// ErrNilIndex is returned when a table is indexed for writing with nil.
	ErrNilIndex = errors.New("index is nil")
	// ErrNaNIndex is returned when a table is indexed for writing with NaN.
	ErrNaNIndex = errors.New("index is NaN")
	// ErrInvalidNextKey is returned by Next for a key not present in the table.
	ErrInvalidNextKey = errors.New("invalid key to 'next'")
)

// Table is the associative array type: an array part for the keys 1..n and
// an insertion-ordered hash part for everything else. Tombstones keep the
// hash order stable so Next can resume from a key whose value was cleared.
type Table struct {
	array   []Value
	hash    map[Value]int
	entries []tableEntry
	dead    int

	meta *Table

	// tmAbsent caches metamethod events known to be missing from this table
	// when it is used as a metatable. Any raw write clears it.
	tmAbsent uint32
}

type tableEntry struct {
	key   Value
	value Value
}

// NewTable returns an empty table with room for narray sequence elements and
// nhash other keys.
func NewTable(narray, nhash int) *Table {
	t := &Table{}
	if narray > 0 {
		t.array = make([]Value, 0, narray)
	}
	if nhash > 0 {
		t.hash = make(map[Value]int, nhash)
		t.entries = make([]tableEntry, 0, nhash)
	}
	return t
}

func (*Table) Type() Type { return TypeTable }

// Metatable returns the table's metatable or nil.
func (t *Table) Metatable() *Table { return t.meta }

// SetMetatable replaces the table's metatable.
func (t *Table) SetMetatable(mt *Table) { t.meta = mt }

// normalizeKey converts floats with an integral value to Int so that 1 and
// 1.0 address the same slot.
func normalizeKey(k Value) Value {
	if f, ok := k.(Float); ok {
		if i, ok := floatToInteger(float64(f), floorExact); ok {
			return Int(i)
		}
	}
	return k
}

// Get returns the value stored under key, or nil.
func (t *Table) Get(key Value) Value {
	switch k := key.(type) {
	case nil:
		return nil
	case Int:
		return t.GetInt(int64(k))
	case String:
		return t.GetStr(k)
	case Float:
		if i, ok := floatToInteger(float64(k), floorExact); ok {
			return t.GetInt(i)
		}
		if math.IsNaN(float64(k)) {
			return nil
		}
	}
	return t.getHash(key)
}

// GetInt returns t[k] for an integer key.
func (t *Table) GetInt(k int64) Value {
	if uint64(k)-1 < uint64(len(t.array)) {
		return t.array[k-1]
	}
	return t.getHash(Int(k))
}

// GetStr returns t[k] for a string key.
func (t *Table) GetStr(k String) Value {
	return t.getHash(k)
}

func (t *Table) getHash(k Value) Value {
	if t.hash == nil {
		return nil
	}
	if i, ok := t.hash[k]; ok {
		return t.entries[i].value
	}
	return nil
}

// Set stores value under key without consulting metamethods. Storing nil
// removes the key.
func (t *Table) Set(key, value Value) error {
	switch k := key.(type) {
	case nil:
		return ErrNilIndex
	case Int:
		t.SetInt(int64(k), value)
		return nil
	case Float:
		if i, ok := floatToInteger(float64(k), floorExact); ok {
			t.SetInt(i, value)
			return nil
		}
		if math.IsNaN(float64(k)) {
			return ErrNaNIndex
		}
	}
	t.setHash(key, value)
	return nil
}

// SetStr stores t[k] = value for a string key.
func (t *Table) SetStr(k String, value Value) {
	t.setHash(k, value)
}

// SetInt stores t[k] = value for an integer key, growing the array part when
// k extends the sequence.
func (t *Table) SetInt(k int64, value Value) {
	t.tmAbsent = 0
	n := int64(len(t.array))
	switch {
	case k >= 1 && k <= n:
		t.array[k-1] = value
	case k == n+1 && value != nil:
		t.array = append(t.array, value)
		t.deleteHash(Int(k))
		t.migrate()
	default:
		t.setHash(Int(k), value)
	}
}

// migrate moves keys that now continue the array part out of the hash.
func (t *Table) migrate() {
	if len(t.hash) == 0 {
		return
	}
	for {
		k := Int(len(t.array) + 1)
		i, ok := t.hash[k]
		if !ok || t.entries[i].value == nil {
			return
		}
		t.array = append(t.array, t.entries[i].value)
		t.deleteHash(k)
	}
}

func (t *Table) deleteHash(k Value) {
	if t.hash == nil {
		return
	}
	if i, ok := t.hash[k]; ok {
		delete(t.hash, k)
		if t.entries[i].value != nil {
			t.dead++
		}
		t.entries[i] = tableEntry{}
	}
}

func (t *Table) setHash(k, value Value) {
	t.tmAbsent = 0
	if t.hash == nil {
		if value == nil {
			return
		}
		t.hash = make(map[Value]int)
	}
	if i, ok := t.hash[k]; ok {
		if t.entries[i].value == nil && value != nil {
			t.dead--
		} else if t.entries[i].value != nil && value == nil {
			t.dead++
		}
		t.entries[i].value = value
		return
	}
	if value == nil {
		return
	}
	if t.dead > 8 && t.dead > len(t.entries)/2 {
		t.compact()
	}
	t.hash[k] = len(t.entries)
	t.entries = append(t.entries, tableEntry{key: k, value: value})
}

// compact drops tombstones. It only runs when a new key is inserted, which
// is not allowed during a traversal anyway.
func (t *Table) compact() {
	live := make([]tableEntry, 0, max(len(t.entries)-t.dead, 0))
	for _, e := range t.entries {
		if e.key != nil && e.value != nil {
			live = append(live, e)
		} else if e.key != nil {
			delete(t.hash, e.key)
		}
	}
	for i, e := range live {
		t.hash[e.key] = i
	}
	t.entries = live
	t.dead = 0
}

// resizeArray makes sure the array part can hold n elements directly. New
// slots are nil; the border search in Length accounts for them.
func (t *Table) resizeArray(n int) {
	if n <= len(t.array) {
		return
	}
	grown := make([]Value, n)
	copy(grown, t.array)
	for i := len(t.array); i < n; i++ {
		k := Int(i + 1)
		if t.hash != nil {
			if j, ok := t.hash[k]; ok {
				grown[i] = t.entries[j].value
				t.deleteHash(k)
			}
		}
	}
	t.array = grown
}

// setArraySlot writes a 1-based array slot that resizeArray already made room
// for. Used by SETLIST.
func (t *Table) setArraySlot(k int, v Value) {
	t.array[k-1] = v
}

// Length returns a border of the table: an index n where t[n] is non-nil and
// t[n+1] is nil, or 0 when t[1] is nil.
func (t *Table) Length() int64 {
	n := len(t.array)
	if n > 0 && t.array[n-1] == nil {
		lo, hi := 0, n
		for hi-lo > 1 {
			m := (lo + hi) / 2
			if t.array[m-1] == nil {
				hi = m
			} else {
				lo = m
			}
		}
		return int64(lo)
	}
	if len(t.hash) == 0 {
		return int64(n)
	}
	return t.hashBorder(int64(n))
}

// hashBorder runs an unbounded search in the hash part starting above j,
// where j is zero or a non-nil index.
func (t *Table) hashBorder(j int64) int64 {
	i := j
	j++
	for t.getHash(Int(j)) != nil {
		i = j
		if j > math.MaxInt64/2 {
			// pathological table: fall back to a linear scan
			k := int64(1)
			for t.GetInt(k) != nil {
				k++
			}
			return k - 1
		}
		j *= 2
	}
	for j-i > 1 {
		m := i + (j-i)/2
		if t.getHash(Int(m)) == nil {
			j = m
		} else {
			i = m
		}
	}
	return i
}

// Next returns the key/value pair following key in traversal order. A nil
// key starts the traversal; a nil returned key ends it.
func (t *Table) Next(key Value) (Value, Value, error) {
	idx := 0
	key = normalizeKey(key)
	if key != nil {
		found := false
		if k, ok := key.(Int); ok && k >= 1 && int64(k) <= int64(len(t.array)) {
			idx = int(k)
			found = true
		} else if t.hash != nil {
			if i, ok := t.hash[key]; ok {
				idx = len(t.array) + i + 1
				found = true
			}
		}
		if !found {
			return nil, nil, ErrInvalidNextKey
		}
	}
	for ; idx < len(t.array); idx++ {
		if v := t.array[idx]; v != nil {
			return Int(idx + 1), v, nil
		}
	}
	for i := idx - len(t.array); i < len(t.entries); i++ {
		if e := t.entries[i]; e.key != nil && e.value != nil {
			return e.key, e.value, nil
		}
	}
	return nil, nil, nil
}

// ForEach calls fn for every key/value pair until fn returns false.
func (t *Table) ForEach(fn func(k, v Value) bool) {
	for i, v := range t.array {
		if v != nil && !fn(Int(i+1), v) {
			return
		}
	}
	for _, e := range t.entries {
		if e.key != nil && e.value != nil && !fn(e.key, e.value) {
			return
		}
	}
}

// sizeEstimate approximates the bytes held by the table for GC accounting.
func (t *Table) sizeEstimate() int {
	return 64 + 16*cap(t.array) + 40*cap(t.entries)
}
