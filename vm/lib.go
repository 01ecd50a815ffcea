package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Helpers for Go functions
// ---------------------------------------------------------------------------

// Errorf returns a runtime error whose message is prefixed with the position
// of the script code that called the running Go function.
func (t *Thread) Errorf(format string, args ...any) error {
	return &Error{Kind: KindRuntime, Value: String(t.where(1) + fmt.Sprintf(format, args...))}
}

// ArgError reports a bad argument n (1-based) to the running Go function.
func (t *Thread) ArgError(n int, msg string) error {
	name := "?"
	if f, ok := t.stack[t.ci.fn].(*GoFunction); ok {
		name = f.Name
	}
	return t.Errorf("bad argument #%d to '%s' (%s)", n, name, msg)
}

func (t *Thread) typeArgError(args []Value, n int, expected string) error {
	got := "no value"
	if n <= len(args) {
		got = t.objTypeName(args[n-1])
	}
	return t.ArgError(n, fmt.Sprintf("%s expected, got %s", expected, got))
}

// CheckAny returns argument n, failing when it is absent.
func (t *Thread) CheckAny(args []Value, n int) (Value, error) {
	if n > len(args) {
		return nil, t.ArgError(n, "value expected")
	}
	return args[n-1], nil
}

// CheckTable returns argument n as a table.
func (t *Thread) CheckTable(args []Value, n int) (*Table, error) {
	if n <= len(args) {
		if tbl, ok := args[n-1].(*Table); ok {
			return tbl, nil
		}
	}
	return nil, t.typeArgError(args, n, "table")
}

// CheckInteger returns argument n as an integer, converting floats with an
// exact representation and numeric strings.
func (t *Thread) CheckInteger(args []Value, n int) (int64, error) {
	if n <= len(args) {
		if i, ok := ToInteger(args[n-1]); ok {
			return i, nil
		}
		if _, ok := ToNumber(args[n-1]); ok {
			return 0, t.ArgError(n, "number has no integer representation")
		}
	}
	return 0, t.typeArgError(args, n, "number")
}

// OptInteger is CheckInteger with a default for an absent or nil argument.
func (t *Thread) OptInteger(args []Value, n int, def int64) (int64, error) {
	if n > len(args) || args[n-1] == nil {
		return def, nil
	}
	return t.CheckInteger(args, n)
}

// CheckString returns argument n as a string, converting numbers.
func (t *Thread) CheckString(args []Value, n int) (string, error) {
	if n <= len(args) {
		if s, ok := ToString(args[n-1]); ok {
			return s, nil
		}
	}
	return "", t.typeArgError(args, n, "string")
}

// CheckFunction returns argument n, which must be a function.
func (t *Thread) CheckFunction(args []Value, n int) (Value, error) {
	if n <= len(args) && isFunction(args[n-1]) {
		return args[n-1], nil
	}
	return nil, t.typeArgError(args, n, "function")
}

// invoke calls fn unprotected from Go code running inside the interpreter;
// errors propagate to the enclosing protected call.
func (t *Thread) invoke(fn Value, nresults int, args ...Value) []Value {
	base := t.top
	t.checkStack(len(args) + 1)
	t.push(fn)
	for _, a := range args {
		t.push(a)
	}
	t.call(base, nresults)
	results := make([]Value, t.top-base)
	copy(results, t.stack[base:t.top])
	t.top = base
	return results
}

// ToStringMeta converts v the way tostring does, honouring __tostring and
// __name.
func (t *Thread) ToStringMeta(v Value) (s string, err error) {
	err = t.protectCall(func() { s = t.tostring(v) })
	return s, err
}

func (t *Thread) tostring(v Value) string {
	if mt := t.g.Metatable(v); mt != nil {
		if tm := mt.GetStr("__tostring"); tm != nil {
			res := t.invoke(tm, 1, v)
			s, ok := res[0].(String)
			if !ok {
				t.raise(KindRuntime, "'__tostring' must return a string")
			}
			return string(s)
		}
		if name, ok := mt.GetStr("__name").(String); ok {
			switch v.(type) {
			case *Table, *Userdata:
				return fmt.Sprintf("%s: %p", name, v)
			}
		}
	}
	return Repr(v)
}
