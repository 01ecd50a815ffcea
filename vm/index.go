package vm

import "strings"

// maxTagLoop bounds __index/__newindex chains.
const maxTagLoop = 2000

// ---------------------------------------------------------------------------
// Indexing
// ---------------------------------------------------------------------------

// finishGet completes obj[key] after the raw fast path missed, following
// __index chains.
func (t *Thread) finishGet(obj, key Value, src operand) Value {
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if tbl, ok := obj.(*Table); ok {
			if v := tbl.Get(key); v != nil {
				return v
			}
			if tm = fastTM(tbl.meta, tmIndex); tm == nil {
				return nil
			}
		} else {
			if tm = t.metamethod(obj, tmIndex); tm == nil {
				if loop > 0 {
					src = noOperand
				}
				t.typeError(obj, src, "index")
			}
		}
		if isFunction(tm) {
			return t.callTMRes(tm, obj, key)
		}
		obj = tm
	}
	t.raise(KindIndex, "'__index' chain too long; possible loop")
	return nil
}

// finishSet completes obj[key] = v after the raw fast path missed,
// following __newindex chains.
func (t *Thread) finishSet(obj, key, v Value, src operand) {
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if tbl, ok := obj.(*Table); ok {
			tm = fastTM(tbl.meta, tmNewIndex)
			if tm == nil || tbl.Get(key) != nil {
				t.rawSet(tbl, key, v)
				return
			}
		} else {
			if tm = t.metamethod(obj, tmNewIndex); tm == nil {
				if loop > 0 {
					src = noOperand
				}
				t.typeError(obj, src, "index")
			}
		}
		if isFunction(tm) {
			t.callTM(tm, obj, key, v)
			return
		}
		obj = tm
	}
	t.raise(KindIndex, "'__newindex' chain too long; possible loop")
}

// rawSet stores into a table, raising for nil and NaN keys, and notifies
// the collector that tbl may now reference v.
func (t *Thread) rawSet(tbl *Table, key, v Value) {
	if err := tbl.Set(key, v); err != nil {
		t.raise(KindIndex, "%s", err.Error())
	}
	if isCollectable(v) {
		t.g.gc.BarrierBack(tbl)
	}
}

// fastSet stores into an existing key of a table. It reports false when the
// slow path is needed.
func (t *Thread) fastSet(obj, key, v Value) bool {
	tbl, ok := obj.(*Table)
	if !ok || tbl.Get(key) == nil {
		return false
	}
	tbl.Set(key, v)
	if isCollectable(v) {
		t.g.gc.BarrierBack(tbl)
	}
	return true
}

// index performs obj[key] with full semantics.
func (t *Thread) index(obj, key Value, src operand) Value {
	if tbl, ok := obj.(*Table); ok {
		if v := tbl.Get(key); v != nil {
			return v
		}
	}
	return t.finishGet(obj, key, src)
}

// setIndex performs obj[key] = v with full semantics.
func (t *Thread) setIndex(obj, key, v Value, src operand) {
	if !t.fastSet(obj, key, v) {
		t.finishSet(obj, key, v, src)
	}
}

// Index reads obj[key], honouring metamethods.
func (t *Thread) Index(obj, key Value) (v Value, err error) {
	err = t.protectCall(func() { v = t.index(obj, key, noOperand) })
	return v, err
}

// SetIndex writes obj[key] = v, honouring metamethods.
func (t *Thread) SetIndex(obj, key, v Value) error {
	return t.protectCall(func() { t.setIndex(obj, key, v, noOperand) })
}

// ---------------------------------------------------------------------------
// Length and concatenation
// ---------------------------------------------------------------------------

// objLen implements the # operator.
func (t *Thread) objLen(v Value, src operand) Value {
	switch x := v.(type) {
	case *Table:
		if tm := fastTM(x.meta, tmLen); tm != nil {
			return t.callTMRes(tm, v, v)
		}
		return Int(x.Length())
	case String:
		return Int(len(x))
	}
	tm := t.metamethod(v, tmLen)
	if tm == nil {
		t.typeError(v, src, "get length of")
	}
	return t.callTMRes(tm, v, v)
}

// Len returns #v, honouring __len.
func (t *Thread) Len(v Value) (n Value, err error) {
	err = t.protectCall(func() { n = t.objLen(v, noOperand) })
	return n, err
}

// concat concatenates the total values ending at top, leaving the result in
// their first slot and top just above it. Runs of strings and numbers are
// joined in one step; anything else goes through __concat pairwise from the
// right.
func (t *Thread) concat(total int) {
	for total > 1 {
		top := t.top
		a, b := t.stack[top-2], t.stack[top-1]
		_, aok := ToString(a)
		_, bok := ToString(b)
		n := 2
		switch {
		case !aok || !bok:
			t.stack[top-2] = t.concatTM(a, b)
		case b == String(""):
			s, _ := ToString(a)
			t.stack[top-2] = String(s)
		case a == String(""):
			s, _ := ToString(b)
			t.stack[top-2] = String(s)
		default:
			// collect as many string-convertible values as possible
			for n < total {
				if _, ok := ToString(t.stack[top-n-1]); !ok {
					break
				}
				n++
			}
			var sb strings.Builder
			for j := top - n; j < top; j++ {
				s, _ := ToString(t.stack[j])
				sb.WriteString(s)
			}
			t.stack[top-n] = String(sb.String())
			t.g.gc.Allocated(sb.Len())
		}
		total -= n - 1
		t.top = top - (n - 1)
	}
}

func (t *Thread) concatTM(a, b Value) Value {
	tm := t.metamethod(a, tmConcat)
	if tm == nil {
		tm = t.metamethod(b, tmConcat)
	}
	if tm == nil {
		t.concatError(a, b)
	}
	return t.callTMRes(tm, a, b)
}
