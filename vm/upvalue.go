package vm

import "sort"

// Upvalue is a captured variable. While open it aliases a stack slot of the
// thread that owns it, addressed by index so stack reallocation never leaves
// it dangling; once closed it owns the value.
type Upvalue struct {
	thread *Thread
	index  int
	value  Value
}

func newClosedUpvalue(v Value) *Upvalue {
	return &Upvalue{value: v}
}

func (u *Upvalue) isOpen() bool { return u.thread != nil }

// Get returns the variable's current value.
func (u *Upvalue) Get() Value {
	if u.thread != nil {
		return u.thread.stack[u.index]
	}
	return u.value
}

func (u *Upvalue) set(v Value) {
	if u.thread != nil {
		u.thread.stack[u.index] = v
		return
	}
	u.value = v
}

func (u *Upvalue) close() {
	u.value = u.thread.stack[u.index]
	u.thread = nil
	u.index = 0
}

// findUpvalue returns the open upvalue for stack slot level, creating it
// when no closure has captured that slot yet. Two closures capturing the
// same variable share the same cell.
func (t *Thread) findUpvalue(level int) *Upvalue {
	open := t.openUpvals
	i := sort.Search(len(open), func(i int) bool { return open[i].index >= level })
	if i < len(open) && open[i].index == level {
		return open[i]
	}
	uv := &Upvalue{thread: t, index: level}
	t.openUpvals = append(t.openUpvals, nil)
	copy(t.openUpvals[i+1:], t.openUpvals[i:])
	t.openUpvals[i] = uv
	return uv
}

// closeUpvalues closes every open upvalue at or above level, highest first.
func (t *Thread) closeUpvalues(level int) {
	for n := len(t.openUpvals); n > 0; n-- {
		uv := t.openUpvals[n-1]
		if uv.index < level {
			break
		}
		uv.close()
		if isCollectable(uv.value) {
			t.g.gc.Barrier(uv, uv.value)
		}
		t.openUpvals[n-1] = nil
		t.openUpvals = t.openUpvals[:n-1]
	}
}
