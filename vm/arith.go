package vm

import "math"

// ---------------------------------------------------------------------------
// Raw arithmetic: numbers only, no metamethods, no string coercion
// ---------------------------------------------------------------------------

// toIntegerNS converts a number (not a string) to an integer exactly.
func toIntegerNS(v Value) (int64, bool) {
	switch x := v.(type) {
	case Int:
		return int64(x), true
	case Float:
		return floatToInteger(float64(x), floorExact)
	}
	return 0, false
}

// toFloatNS converts a number (not a string) to a float.
func toFloatNS(v Value) (float64, bool) {
	switch x := v.(type) {
	case Float:
		return float64(x), true
	case Int:
		return float64(x), true
	}
	return 0, false
}

// arithRaw applies ev to two numbers. It reports false when an operand is
// not a number, or for bitwise events, has no integer representation.
// Integer division and modulo by zero raise.
func (t *Thread) arithRaw(ev tmEvent, a, b Value) (Value, bool) {
	switch ev {
	case tmBAnd, tmBOr, tmBXor, tmShl, tmShr, tmBNot:
		x, ok := toIntegerNS(a)
		if !ok {
			return nil, false
		}
		y, ok := toIntegerNS(b)
		if !ok {
			return nil, false
		}
		return Int(intBitwise(ev, x, y)), true
	case tmDiv, tmPow:
	default:
		if x, ok := a.(Int); ok {
			if y, ok := b.(Int); ok {
				return Int(t.intArith(ev, int64(x), int64(y))), true
			}
		}
	}
	x, ok := toFloatNS(a)
	if !ok {
		return nil, false
	}
	y, ok := toFloatNS(b)
	if !ok {
		return nil, false
	}
	return Float(floatArith(ev, x, y)), true
}

func (t *Thread) intArith(ev tmEvent, x, y int64) int64 {
	switch ev {
	case tmAdd:
		return x + y
	case tmSub:
		return x - y
	case tmMul:
		return x * y
	case tmMod:
		return t.intMod(x, y)
	case tmIDiv:
		return t.intIDiv(x, y)
	case tmUnm:
		return -x
	}
	panic("unreachable integer arithmetic event " + ev.String())
}

// intIDiv is floor division; the quotient rounds toward minus infinity.
func (t *Thread) intIDiv(m, n int64) int64 {
	if uint64(n)+1 <= 1 {
		if n == 0 {
			t.raise(KindArith, "attempt to perform 'n//0'")
		}
		return -m // n == -1; avoids overflow of minint // -1
	}
	q := m / n
	if (m^n) < 0 && m%n != 0 {
		q--
	}
	return q
}

// intMod is the modulo whose result takes the sign of the divisor.
func (t *Thread) intMod(m, n int64) int64 {
	if uint64(n)+1 <= 1 {
		if n == 0 {
			t.raise(KindArith, "attempt to perform 'n%%0'")
		}
		return 0
	}
	r := m % n
	if r != 0 && (r^n) < 0 {
		r += n
	}
	return r
}

func floatMod(m, n float64) float64 {
	r := math.Mod(m, n)
	if r > 0 && n < 0 || r < 0 && n > 0 {
		r += n
	}
	return r
}

func floatArith(ev tmEvent, x, y float64) float64 {
	switch ev {
	case tmAdd:
		return x + y
	case tmSub:
		return x - y
	case tmMul:
		return x * y
	case tmDiv:
		return x / y
	case tmPow:
		if y == 2 {
			return x * x
		}
		return math.Pow(x, y)
	case tmIDiv:
		return math.Floor(x / y)
	case tmMod:
		return floatMod(x, y)
	case tmUnm:
		return -x
	}
	panic("unreachable float arithmetic event " + ev.String())
}

// shiftLeft shifts x left by n bits; negative n shifts right logically and
// shifts of 64 bits or more yield zero.
func shiftLeft(x, n int64) int64 {
	if n < 0 {
		if n <= -64 {
			return 0
		}
		return int64(uint64(x) >> uint64(-n))
	}
	if n >= 64 {
		return 0
	}
	return int64(uint64(x) << uint64(n))
}

func intBitwise(ev tmEvent, x, y int64) int64 {
	switch ev {
	case tmBAnd:
		return x & y
	case tmBOr:
		return x | y
	case tmBXor:
		return x ^ y
	case tmShl:
		return shiftLeft(x, y)
	case tmShr:
		return shiftLeft(x, -y)
	case tmBNot:
		return ^x
	}
	panic("unreachable bitwise event " + ev.String())
}

// ---------------------------------------------------------------------------
// Full arithmetic: raw, then metamethods and string coercion
// ---------------------------------------------------------------------------

// arith applies the binary operator ev with full semantics.
func (t *Thread) arith(ev tmEvent, a, b Value) Value {
	if v, ok := t.arithRaw(ev, a, b); ok {
		return v
	}
	return t.tryBinTM(a, b, ev)
}

func (t *Thread) unm(v Value) Value {
	switch x := v.(type) {
	case Int:
		return -x
	case Float:
		return -x
	}
	return t.tryBinTM(v, v, tmUnm)
}

func (t *Thread) bnot(v Value) Value {
	if x, ok := toIntegerNS(v); ok {
		return Int(^x)
	}
	return t.tryBinTM(v, v, tmBNot)
}
