package vm

// ---------------------------------------------------------------------------
// Interpreter state machine
// ---------------------------------------------------------------------------

// action tells the interpreter loop what a handler did to the frame chain.
type action uint8

const (
	actNext   action = iota // continue with the next instruction
	actEnter                // a script frame was pushed or reused: start it
	actReturn               // the running frame returned
)

// opHandler executes one instruction.
type opHandler func(e *engine, i Instruction) action

// engine caches the running frame. Registers are always addressed through
// t.stack by index; nothing here survives a stack reallocation except
// indices.
type engine struct {
	t    *Thread
	ci   *callInfo
	cl   *Closure
	code []Instruction
	k    []Value
	base int
}

func (e *engine) load(ci *callInfo) {
	e.ci = ci
	e.cl = e.t.stack[ci.fn].(*Closure)
	e.code = e.cl.Proto.Code
	e.k = e.cl.Proto.Constants
	e.base = ci.fn + 1
}

// enter starts a freshly pushed frame, firing the call hook. Vararg
// functions fire it after VARARGPREP has adjusted the frame.
func (e *engine) enter(ci *callInfo) {
	e.load(ci)
	if e.t.hookMask != 0 && ci.savedPC == 0 && !e.cl.Proto.IsVararg {
		e.t.hookCall(ci)
	}
}

func (e *engine) ra(i Instruction) int { return e.base + i.A() }

func (e *engine) r(n int) Value { return e.t.stack[e.base+n] }

func (e *engine) set(n int, v Value) { e.t.stack[e.base+n] = v }

// rkc returns K[C] when the k flag is set and R[C] otherwise.
func (e *engine) rkc(i Instruction) Value {
	if i.K() {
		return e.k[i.C()]
	}
	return e.r(i.C())
}

// condJump skips the following jump unless cond matches the k flag, in which
// case it performs that jump.
func (e *engine) condJump(cond bool, i Instruction) {
	if cond != i.K() {
		e.ci.savedPC++
	} else {
		e.doNextJump()
	}
}

func (e *engine) doNextJump() {
	ni := e.code[e.ci.savedPC]
	e.ci.savedPC += ni.SJ() + 1
}

// execute runs script frames starting at ci until ci returns. Calls between
// script functions reuse this loop; only Go code re-enters it recursively.
func (t *Thread) execute(ci *callInfo) {
	e := engine{t: t}
	e.enter(ci)
	table := t.g.opts.Dispatch == DispatchTable
	for {
		ci := e.ci
		if t.hookMask&(HookLine|HookCount) != 0 {
			t.traceExec(ci, e.cl.Proto)
		}
		if t.pollCount--; t.pollCount <= 0 {
			t.poll()
		}
		i := e.code[ci.savedPC]
		if t.g.tracer != nil {
			t.g.tracer.TraceInstruction(TraceEvent{Thread: t, Proto: e.cl.Proto, PC: ci.savedPC, Instruction: i, Depth: t.nci})
		}
		ci.savedPC++
		if !i.isIT() {
			t.top = ci.top
		}
		var act action
		if table {
			act = handlers[i.Op()](&e, i)
		} else {
			act = e.dispatch(i)
		}
		switch act {
		case actEnter:
			e.enter(t.ci)
		case actReturn:
			if ci.status&cistFresh != 0 {
				return
			}
			e.load(t.ci)
		}
	}
}

// checkGC marks limit as the frame's live top and runs a collector
// checkpoint, which may reallocate the stack.
func (t *Thread) checkGC(limit int) {
	t.top = limit
	t.g.gc.Checkpoint(t)
}

// ---------------------------------------------------------------------------
// Switch dispatch
// ---------------------------------------------------------------------------

// dispatch runs one instruction through a switch. The hottest paths are
// inlined; everything else, and every slow path, goes to the shared
// handler so both dispatch modes observe identical semantics.
func (e *engine) dispatch(i Instruction) action {
	t := e.t
	switch i.Op() {
	case OpMove:
		t.stack[e.base+i.A()] = t.stack[e.base+i.B()]
		return actNext
	case OpLoadI:
		t.stack[e.base+i.A()] = Int(i.SBx())
		return actNext
	case OpLoadK:
		t.stack[e.base+i.A()] = e.k[i.Bx()]
		return actNext
	case OpGetUpval:
		t.stack[e.base+i.A()] = e.cl.upvals[i.B()].Get()
		return actNext
	case OpGetTabUp:
		if tbl, ok := e.cl.upvals[i.B()].Get().(*Table); ok {
			if key, ok := e.k[i.C()].(String); ok {
				if v := tbl.GetStr(key); v != nil {
					t.stack[e.base+i.A()] = v
					return actNext
				}
			}
		}
	case OpGetField:
		if tbl, ok := t.stack[e.base+i.B()].(*Table); ok {
			if key, ok := e.k[i.C()].(String); ok {
				if v := tbl.GetStr(key); v != nil {
					t.stack[e.base+i.A()] = v
					return actNext
				}
			}
		}
	case OpGetI:
		if tbl, ok := t.stack[e.base+i.B()].(*Table); ok {
			if v := tbl.GetInt(int64(i.C())); v != nil {
				t.stack[e.base+i.A()] = v
				return actNext
			}
		}
	case OpGetTable:
		if tbl, ok := t.stack[e.base+i.B()].(*Table); ok {
			if key, ok := t.stack[e.base+i.C()].(Int); ok {
				if v := tbl.GetInt(int64(key)); v != nil {
					t.stack[e.base+i.A()] = v
					return actNext
				}
			}
		}
	case OpAddI:
		if x, ok := t.stack[e.base+i.B()].(Int); ok {
			t.stack[e.base+i.A()] = x + Int(i.SC())
			e.ci.savedPC++
			return actNext
		}
	case OpAdd:
		if x, ok := t.stack[e.base+i.B()].(Int); ok {
			if y, ok := t.stack[e.base+i.C()].(Int); ok {
				t.stack[e.base+i.A()] = x + y
				e.ci.savedPC++
				return actNext
			}
		}
	case OpSub:
		if x, ok := t.stack[e.base+i.B()].(Int); ok {
			if y, ok := t.stack[e.base+i.C()].(Int); ok {
				t.stack[e.base+i.A()] = x - y
				e.ci.savedPC++
				return actNext
			}
		}
	case OpJmp:
		e.ci.savedPC += i.SJ()
		return actNext
	case OpTest:
		e.condJump(!IsFalse(t.stack[e.base+i.A()]), i)
		return actNext
	case OpLt:
		if x, ok := t.stack[e.base+i.A()].(Int); ok {
			if y, ok := t.stack[e.base+i.B()].(Int); ok {
				e.condJump(x < y, i)
				return actNext
			}
		}
	case OpLe:
		if x, ok := t.stack[e.base+i.A()].(Int); ok {
			if y, ok := t.stack[e.base+i.B()].(Int); ok {
				e.condJump(x <= y, i)
				return actNext
			}
		}
	case OpEqI:
		if x, ok := t.stack[e.base+i.A()].(Int); ok {
			e.condJump(int64(x) == int64(i.SB()), i)
			return actNext
		}
	case OpForLoop:
		ra := e.base + i.A()
		if step, ok := t.stack[ra+2].(Int); ok {
			count, _ := t.stack[ra+1].(Int)
			if count != 0 {
				idx, _ := t.stack[ra].(Int)
				idx += step
				t.stack[ra+1] = Int(uint64(count) - 1)
				t.stack[ra] = idx
				t.stack[ra+3] = idx
				e.ci.savedPC -= i.Bx()
			}
			return actNext
		}
	case OpCall:
		return opCall(e, i)
	case OpReturn0:
		return opReturn0(e, i)
	case OpReturn1:
		return opReturn1(e, i)
	}
	return handlers[i.Op()](e, i)
}
