package vm

import (
	"math"
	"strconv"
	"strings"
)

// f2iMode selects how a float with a fractional part converts to an integer.
type f2iMode int

const (
	floorExact f2iMode = iota // only integral values convert
	floorDown                 // take the floor
	floorUp                   // take the ceiling
)

// floatToInteger converts f to an integer according to mode. It fails when
// the result is outside the int64 range or, in floorExact mode, when f has a
// fractional part.
func floatToInteger(f float64, mode f2iMode) (int64, bool) {
	fl := math.Floor(f)
	if f != fl {
		switch mode {
		case floorExact:
			return 0, false
		case floorUp:
			fl++
		}
	}
	// -2^63 is exact; 2^63 is the first float out of range.
	if fl >= -9223372036854775808.0 && fl < 9223372036854775808.0 {
		return int64(fl), true
	}
	return 0, false
}

// ToNumber converts v to a number, coercing numeric strings.
func ToNumber(v Value) (Value, bool) {
	switch x := v.(type) {
	case Int, Float:
		return x, true
	case String:
		return StringToNumber(string(x))
	}
	return nil, false
}

// ToFloat converts v to a float, coercing numeric strings.
func ToFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case Float:
		return float64(x), true
	case Int:
		return float64(x), true
	case String:
		n, ok := StringToNumber(string(x))
		if !ok {
			return 0, false
		}
		return ToFloat(n)
	}
	return 0, false
}

// ToInteger converts v to an integer. Floats must be integral and strings must
// hold a number that is.
func ToInteger(v Value) (int64, bool) {
	return toIntegerMode(v, floorExact)
}

func toIntegerMode(v Value, mode f2iMode) (int64, bool) {
	switch x := v.(type) {
	case Int:
		return int64(x), true
	case Float:
		return floatToInteger(float64(x), mode)
	case String:
		n, ok := StringToNumber(string(x))
		if !ok {
			return 0, false
		}
		return toIntegerMode(n, mode)
	}
	return 0, false
}

// isSpace matches the C locale's isspace.
func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

// StringToNumber parses s with the language's numeral rules: surrounding
// whitespace is ignored, hexadecimal integers wrap around, decimal integers
// that overflow become floats, and hexadecimal floats are accepted.
func StringToNumber(s string) (Value, bool) {
	s = strings.TrimFunc(s, func(r rune) bool { return r < 0x80 && isSpace(byte(r)) })
	if s == "" {
		return nil, false
	}
	if i, ok := parseInteger(s); ok {
		return Int(i), true
	}
	if f, ok := parseFloat(s); ok {
		return Float(f), true
	}
	return nil, false
}

func parseInteger(s string) (int64, bool) {
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	var a uint64
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		for _, c := range []byte(s[2:]) {
			d, ok := hexDigit(c)
			if !ok {
				return 0, false
			}
			a = a*16 + uint64(d)
		}
	} else {
		for _, c := range []byte(s) {
			if c < '0' || c > '9' {
				return 0, false
			}
			d := uint64(c - '0')
			// overflow: let the float parser take it
			if a >= math.MaxInt64/10 && (a > math.MaxInt64/10 || d > math.MaxInt64%10+boolToUint(neg)) {
				return 0, false
			}
			a = a*10 + d
		}
	}
	if neg {
		return int64(-a), true
	}
	return int64(a), true
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func hexDigit(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

func parseFloat(s string) (float64, bool) {
	lower := strings.ToLower(s)
	// reject "inf", "nan" and Go-only forms such as underscores
	if strings.ContainsAny(lower, "in_") {
		return 0, false
	}
	body := strings.TrimLeft(lower, "+-")
	if strings.HasPrefix(body, "0x") && !strings.Contains(body, "p") {
		lower += "p0"
	}
	f, err := strconv.ParseFloat(lower, 64)
	if err != nil {
		// out-of-range decimal literals still produce +-Inf
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return f, true
		}
		return 0, false
	}
	return f, true
}
