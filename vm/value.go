package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value: the tagged union every register, constant and table slot holds
// ---------------------------------------------------------------------------

// Type identifies the dynamic type of a Value.
type Type int

const (
	TypeNil Type = iota
	TypeBoolean
	TypeNumber
	TypeString
	TypeTable
	TypeFunction
	TypeUserdata
	TypeThread

	numTypes
)

var typeNames = [numTypes]string{
	TypeNil:      "nil",
	TypeBoolean:  "boolean",
	TypeNumber:   "number",
	TypeString:   "string",
	TypeTable:    "table",
	TypeFunction: "function",
	TypeUserdata: "userdata",
	TypeThread:   "thread",
}

func (t Type) String() string {
	if t < 0 || t >= numTypes {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Value is a script value. The nil interface is the script nil; every other
// variant is one of Bool, Int, Float, String, *Table, *Closure, *GoFunction,
// *Userdata or *Thread. Reference variants are shared handles: the VM never
// frees them, the Go collector does.
type Value interface {
	Type() Type
}

// Bool is a boolean value.
type Bool bool

// Int is an integer number (two's-complement, 64 bits, wraps on overflow).
type Int int64

// Float is a floating point number (IEEE-754 double).
type Float float64

// String is an immutable byte string.
type String string

func (Bool) Type() Type   { return TypeBoolean }
func (Int) Type() Type    { return TypeNumber }
func (Float) Type() Type  { return TypeNumber }
func (String) Type() Type { return TypeString }

// Userdata carries an arbitrary Go value with an optional metatable.
type Userdata struct {
	Data any
	meta *Table
}

// NewUserdata wraps data in a full userdata value.
func NewUserdata(data any) *Userdata {
	return &Userdata{Data: data}
}

func (*Userdata) Type() Type { return TypeUserdata }

// Metatable returns the userdata's metatable or nil.
func (u *Userdata) Metatable() *Table { return u.meta }

// SetMetatable replaces the userdata's metatable.
func (u *Userdata) SetMetatable(mt *Table) { u.meta = mt }

// TypeOf returns the type of v, mapping the nil interface to TypeNil.
func TypeOf(v Value) Type {
	if v == nil {
		return TypeNil
	}
	return v.Type()
}

// IsFalse reports whether v is nil or false.
func IsFalse(v Value) bool {
	return v == nil || v == Bool(false)
}

// isCollectable reports whether v is a reference value tracked by the collector.
func isCollectable(v Value) bool {
	switch v.(type) {
	case *Table, *Closure, *GoFunction, *Userdata, *Thread:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// RawEqual compares two values without invoking metamethods. Numbers compare
// by mathematical value across the integer/float split.
func RawEqual(a, b Value) bool {
	switch x := a.(type) {
	case Int:
		switch y := b.(type) {
		case Int:
			return x == y
		case Float:
			i, ok := floatToInteger(float64(y), floorExact)
			return ok && i == int64(x)
		}
		return false
	case Float:
		switch y := b.(type) {
		case Float:
			return x == y
		case Int:
			i, ok := floatToInteger(float64(x), floorExact)
			return ok && i == int64(y)
		}
		return false
	}
	return a == b
}

// ---------------------------------------------------------------------------
// String conversion
// ---------------------------------------------------------------------------

// formatFloat renders a float the way the language prints numbers ("%.14g",
// with a trailing ".0" when the result would read as an integer).
func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		if math.Signbit(f) {
			return "-nan"
		}
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', 14, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// ToString converts numbers and strings to their string form.
// It reports false for every other type.
func ToString(v Value) (string, bool) {
	switch x := v.(type) {
	case String:
		return string(x), true
	case Int:
		return strconv.FormatInt(int64(x), 10), true
	case Float:
		return formatFloat(float64(x)), true
	}
	return "", false
}

// Repr renders any value for display, without consulting __tostring.
func Repr(v Value) string {
	if s, ok := ToString(v); ok {
		return s
	}
	switch x := v.(type) {
	case nil:
		return "nil"
	case Bool:
		if x {
			return "true"
		}
		return "false"
	case *Table:
		return fmt.Sprintf("table: %p", x)
	case *Closure:
		return fmt.Sprintf("function: %p", x)
	case *GoFunction:
		return fmt.Sprintf("function: builtin: %p", x)
	case *Userdata:
		return fmt.Sprintf("userdata: %p", x)
	case *Thread:
		return fmt.Sprintf("thread: %p", x)
	}
	return fmt.Sprintf("%v", v)
}
