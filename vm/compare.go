package vm

// Integers in [-2^53, 2^53] convert to floats exactly.
const maxIntFitsFloat = 1 << 53

func intFitsFloat(i int64) bool {
	return -maxIntFitsFloat <= i && i <= maxIntFitsFloat
}

func ltIntFloat(i int64, f float64) bool {
	if intFitsFloat(i) {
		return float64(i) < f
	}
	// i < f <=> i < ceil(f)
	if fi, ok := floatToInteger(f, floorUp); ok {
		return i < fi
	}
	return f > 0
}

func leIntFloat(i int64, f float64) bool {
	if intFitsFloat(i) {
		return float64(i) <= f
	}
	// i <= f <=> i <= floor(f)
	if fi, ok := floatToInteger(f, floorDown); ok {
		return i <= fi
	}
	return f > 0
}

func ltFloatInt(f float64, i int64) bool {
	if intFitsFloat(i) {
		return f < float64(i)
	}
	// f < i <=> floor(f) < i
	if fi, ok := floatToInteger(f, floorDown); ok {
		return fi < i
	}
	return f < 0
}

func leFloatInt(f float64, i int64) bool {
	if intFitsFloat(i) {
		return f <= float64(i)
	}
	// f <= i <=> ceil(f) <= i
	if fi, ok := floatToInteger(f, floorUp); ok {
		return fi <= i
	}
	return f < 0
}

// ltNum compares two numbers exactly, even across the integer/float split.
// Comparisons with NaN are false.
func ltNum(a, b Value) bool {
	switch x := a.(type) {
	case Int:
		switch y := b.(type) {
		case Int:
			return x < y
		case Float:
			return ltIntFloat(int64(x), float64(y))
		}
	case Float:
		switch y := b.(type) {
		case Float:
			return x < y
		case Int:
			return ltFloatInt(float64(x), int64(y))
		}
	}
	return false
}

func leNum(a, b Value) bool {
	switch x := a.(type) {
	case Int:
		switch y := b.(type) {
		case Int:
			return x <= y
		case Float:
			return leIntFloat(int64(x), float64(y))
		}
	case Float:
		switch y := b.(type) {
		case Float:
			return x <= y
		case Int:
			return leFloatInt(float64(x), int64(y))
		}
	}
	return false
}

func isNumber(v Value) bool {
	switch v.(type) {
	case Int, Float:
		return true
	}
	return false
}

// lessThan implements a < b.
func (t *Thread) lessThan(a, b Value) bool {
	if isNumber(a) && isNumber(b) {
		return ltNum(a, b)
	}
	if x, ok := a.(String); ok {
		if y, ok := b.(String); ok {
			return x < y
		}
	}
	return t.callOrderTM(a, b, tmLt)
}

// lessEqual implements a <= b.
func (t *Thread) lessEqual(a, b Value) bool {
	if isNumber(a) && isNumber(b) {
		return leNum(a, b)
	}
	if x, ok := a.(String); ok {
		if y, ok := b.(String); ok {
			return x <= y
		}
	}
	return t.callOrderTM(a, b, tmLe)
}

func (t *Thread) callOrderTM(a, b Value, ev tmEvent) bool {
	tm := t.metamethod(a, ev)
	if tm == nil {
		tm = t.metamethod(b, ev)
	}
	if tm == nil {
		t.orderError(a, b)
	}
	return !IsFalse(t.callTMRes(tm, a, b))
}

// callOrderITM compares a register against an immediate through metamethods.
// flip puts the immediate first.
func (t *Thread) callOrderITM(a Value, imm int, flip, isFloat bool, ev tmEvent) bool {
	var b Value = Int(imm)
	if isFloat {
		b = Float(imm)
	}
	if flip {
		return t.callOrderTM(b, a, ev)
	}
	return t.callOrderTM(a, b, ev)
}

// equalObj implements a == b, calling __eq for pairs of distinct tables or
// distinct userdata.
func (t *Thread) equalObj(a, b Value) bool {
	var tm Value
	switch x := a.(type) {
	case *Table:
		y, ok := b.(*Table)
		if !ok {
			return false
		}
		if x == y {
			return true
		}
		tm = fastTM(x.meta, tmEq)
		if tm == nil {
			tm = fastTM(y.meta, tmEq)
		}
	case *Userdata:
		y, ok := b.(*Userdata)
		if !ok {
			return false
		}
		if x == y {
			return true
		}
		tm = fastTM(x.meta, tmEq)
		if tm == nil {
			tm = fastTM(y.meta, tmEq)
		}
	default:
		return RawEqual(a, b)
	}
	if tm == nil {
		return false
	}
	return !IsFalse(t.callTMRes(tm, a, b))
}

// Equal compares a and b with metamethods.
func (t *Thread) Equal(a, b Value) (eq bool, err error) {
	err = t.protectCall(func() { eq = t.equalObj(a, b) })
	return eq, err
}

// LessThan compares a < b with metamethods.
func (t *Thread) LessThan(a, b Value) (lt bool, err error) {
	err = t.protectCall(func() { lt = t.lessThan(a, b) })
	return lt, err
}
