package vm

// ---------------------------------------------------------------------------
// Call frames
// ---------------------------------------------------------------------------

type callStatus uint16

const (
	cistGo     callStatus = 1 << iota // frame runs a Go function
	cistFresh                         // execute returns when this frame returns
	cistTail                          // frame was entered by a tail call
	cistHooked                        // frame is running a hook
)

// callInfo is one activation record. Frames form a doubly linked list that
// is reused across calls; every stack position is an index so the stack can
// be reallocated underneath them.
type callInfo struct {
	fn  int // stack index of the called function; registers start at fn+1
	top int // frame's logical top

	prev, next *callInfo

	nresults int
	status   callStatus

	// Lua frames
	savedPC    int // index of the next instruction
	nextraargs int // extra arguments of a vararg function
}

func (ci *callInfo) isLua() bool { return ci.status&cistGo == 0 }

// currentPC is the index of the instruction being executed.
func (ci *callInfo) currentPC() int { return ci.savedPC - 1 }

func (ci *callInfo) base() int { return ci.fn + 1 }

// pushCI links a new frame above the current one.
func (t *Thread) pushCI(fn, nresults, top int, status callStatus) *callInfo {
	limit := t.g.opts.MaxCallDepth
	if t.handlingError {
		limit += errorStackExtra
	}
	if t.nci >= limit {
		if t.handlingError {
			t.throw(&Error{Kind: KindStackOverflow, Value: String("error in error handling")})
		}
		t.raise(KindStackOverflow, "stack overflow")
	}
	ci := t.ci.next
	if ci == nil {
		ci = &callInfo{prev: t.ci}
		t.ci.next = ci
	}
	ci.fn = fn
	ci.top = top
	ci.nresults = nresults
	ci.status = status
	ci.savedPC = 0
	ci.nextraargs = 0
	t.nci++
	t.ci = ci
	return ci
}

// popCI returns to the caller's frame.
func (t *Thread) popCI() {
	t.ci = t.ci.prev
	t.nci--
}

// CallDepth returns the number of active frames.
func (t *Thread) CallDepth() int { return t.nci }

// ---------------------------------------------------------------------------
// Value stack
// ---------------------------------------------------------------------------

// StackSize returns the number of allocated stack slots.
func (t *Thread) StackSize() int { return len(t.stack) }

// checkStack makes sure n slots are available above top.
func (t *Thread) checkStack(n int) {
	if len(t.stack)-t.top < n {
		t.growStack(n)
	}
}

// checkStackGC is checkStack with a collector checkpoint before growing.
func (t *Thread) checkStackGC(n int) {
	if len(t.stack)-t.top < n {
		t.g.gc.Checkpoint(t)
		t.checkStack(n)
	}
}

func (t *Thread) growStack(n int) {
	size := len(t.stack)
	limit := t.g.opts.MaxStackSize
	if size > limit {
		// already running in the extra space reserved for error handling
		t.throw(&Error{Kind: KindStackOverflow, Value: String("error in error handling")})
	}
	if n < limit {
		newSize := 2 * size
		needed := t.top + n
		if newSize > limit {
			newSize = limit
		}
		if newSize < needed {
			newSize = needed
		}
		if newSize <= limit {
			t.reallocStack(newSize)
			return
		}
	}
	t.reallocStack(limit + errorStackExtra)
	t.raise(KindStackOverflow, "stack overflow")
}

// reallocStack moves the stack to a new backing array of the given size.
// Frames, open upvalues and to-be-closed entries hold indices, so nothing
// else needs fixing.
func (t *Thread) reallocStack(size int) {
	s := make([]Value, size)
	copy(s, t.stack)
	t.stack = s
}

// stackInUse returns the highest slot any frame may still touch.
func (t *Thread) stackInUse() int {
	lim := t.top
	for ci := t.ci; ci != nil; ci = ci.prev {
		if lim < ci.top {
			lim = ci.top
		}
	}
	return lim + 1
}

// ShrinkStack releases stack space the thread no longer needs. It is called
// from collector checkpoints.
func (t *Thread) ShrinkStack() {
	inuse := t.stackInUse()
	limit := t.g.opts.MaxStackSize
	size := len(t.stack)
	maxSize := inuse * 3
	if inuse > limit/3 {
		maxSize = limit
	}
	if inuse <= limit && size > maxSize && size > basicStackSize {
		nsize := inuse * 2
		if inuse > limit/3 {
			nsize = limit
		}
		if nsize < basicStackSize {
			nsize = basicStackSize
		}
		t.reallocStack(nsize)
	}
}

// RelocateStack moves the live stack to a fresh backing array of the same
// size. Collectors that compact memory call it from checkpoints.
func (t *Thread) RelocateStack() {
	t.reallocStack(len(t.stack))
}

// push appends v at top. The caller must have checked the stack.
func (t *Thread) push(v Value) {
	t.stack[t.top] = v
	t.top++
}
