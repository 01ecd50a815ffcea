package vm

// tmEvent identifies a metamethod. The order matches the C operand of the
// MMBIN family of instructions.
type tmEvent uint8

const (
	tmIndex tmEvent = iota
	tmNewIndex
	tmGC
	tmMode
	tmLen
	tmEq
	tmAdd
	tmSub
	tmMul
	tmMod
	tmPow
	tmDiv
	tmIDiv
	tmBAnd
	tmBOr
	tmBXor
	tmShl
	tmShr
	tmUnm
	tmBNot
	tmLt
	tmLe
	tmConcat
	tmCall
	tmClose

	numEvents
)

var tmNames = [numEvents]String{
	"__index", "__newindex", "__gc", "__mode", "__len", "__eq",
	"__add", "__sub", "__mul", "__mod", "__pow", "__div", "__idiv",
	"__band", "__bor", "__bxor", "__shl", "__shr",
	"__unm", "__bnot", "__lt", "__le", "__concat", "__call", "__close",
}

// TM event numbers usable as the C operand of MMBIN, MMBINI and MMBINK.
const (
	TMAdd  = int(tmAdd)
	TMSub  = int(tmSub)
	TMMul  = int(tmMul)
	TMMod  = int(tmMod)
	TMPow  = int(tmPow)
	TMDiv  = int(tmDiv)
	TMIDiv = int(tmIDiv)
	TMBAnd = int(tmBAnd)
	TMBOr  = int(tmBOr)
	TMBXor = int(tmBXor)
	TMShl  = int(tmShl)
	TMShr  = int(tmShr)
)

func (ev tmEvent) String() string {
	if ev < numEvents {
		return string(tmNames[ev])
	}
	return "?"
}

// isArithEvent reports whether numeric strings are coerced for ev.
func (ev tmEvent) isArith() bool {
	switch ev {
	case tmAdd, tmSub, tmMul, tmMod, tmPow, tmDiv, tmIDiv, tmUnm:
		return true
	}
	return false
}

// Metatable returns the metatable of v: its own for tables and userdata,
// the per-type one otherwise.
func (g *State) Metatable(v Value) *Table {
	switch x := v.(type) {
	case *Table:
		return x.meta
	case *Userdata:
		return x.meta
	}
	return g.typeMeta[TypeOf(v)]
}

// metamethod looks up event ev in v's metatable.
func (t *Thread) metamethod(v Value, ev tmEvent) Value {
	mt := t.g.Metatable(v)
	if mt == nil {
		return nil
	}
	return mt.GetStr(tmNames[ev])
}

// fastTM looks ev up in mt, remembering misses until mt is next written.
func fastTM(mt *Table, ev tmEvent) Value {
	if mt == nil || mt.tmAbsent&(1<<ev) != 0 {
		return nil
	}
	v := mt.GetStr(tmNames[ev])
	if v == nil {
		mt.tmAbsent |= 1 << ev
	}
	return v
}

func isFunction(v Value) bool {
	switch v.(type) {
	case *Closure, *GoFunction:
		return true
	}
	return false
}

// callTMRes calls f(a, b) and returns its first result.
func (t *Thread) callTMRes(f, a, b Value) Value {
	t.checkStack(3)
	fn := t.top
	t.stack[fn] = f
	t.stack[fn+1] = a
	t.stack[fn+2] = b
	t.top = fn + 3
	t.call(fn, 1)
	t.top--
	return t.stack[t.top]
}

// callTM calls f(a, b, c) discarding results.
func (t *Thread) callTM(f, a, b, c Value) {
	t.checkStack(4)
	fn := t.top
	t.stack[fn] = f
	t.stack[fn+1] = a
	t.stack[fn+2] = b
	t.stack[fn+3] = c
	t.top = fn + 4
	t.call(fn, 0)
}

// tryBinTM resolves a binary operator through the metamethods of its
// operands, falling back to numeric coercion of strings. Bitwise operators
// then also require an exact integer representation.
func (t *Thread) tryBinTM(a, b Value, ev tmEvent) Value {
	tm := t.metamethod(a, ev)
	if tm == nil {
		tm = t.metamethod(b, ev)
	}
	if tm != nil {
		return t.callTMRes(tm, a, b)
	}
	if ev.isArith() {
		if na, ok := ToNumber(a); ok {
			if nb, ok := ToNumber(b); ok {
				if v, ok := t.arithRaw(ev, na, nb); ok {
					return v
				}
			}
		}
		t.opError(a, b, "arithmetic")
	}
	switch ev {
	case tmBAnd, tmBOr, tmBXor, tmShl, tmShr, tmBNot:
		na, aok := ToNumber(a)
		nb, bok := ToNumber(b)
		if aok && bok {
			if v, ok := t.arithRaw(ev, na, nb); ok {
				return v
			}
			t.intError()
		}
		if aok {
			a = b
		}
		t.typeError(a, noOperand, "perform bitwise operation on")
	case tmConcat:
		t.concatError(a, b)
	}
	t.raise(KindType, "attempt to perform %s", ev)
	return nil
}
