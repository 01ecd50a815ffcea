package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a script error.
type ErrorKind int

const (
	KindRuntime       ErrorKind = iota // raised by error() or a builtin
	KindType                           // operation on a value of the wrong type
	KindArith                          // arithmetic failure (n//0, n%0, no integer representation)
	KindIndex                          // bad index operation
	KindCall                           // attempt to call a non-callable value
	KindStackOverflow                  // call depth or stack size limit exceeded
	KindInterrupt                      // execution was interrupted by the host
)

var kindNames = [...]string{
	KindRuntime:       "runtime",
	KindType:          "type",
	KindArith:         "arith",
	KindIndex:         "index",
	KindCall:          "call",
	KindStackOverflow: "stack overflow",
	KindInterrupt:     "interrupt",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Frame is one traceback entry.
type Frame struct {
	Source   string
	Line     int
	Function string
}

func (f Frame) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d: in %s", f.Source, f.Line, f.Function)
	}
	return fmt.Sprintf("%s: in %s", f.Source, f.Function)
}

// Error is a script error: the raised value plus the call stack at the
// point it was raised. The traceback is captured before any frame unwinds.
type Error struct {
	Kind      ErrorKind
	Value     Value
	Traceback []Frame
	Cause     error

	handled bool // passed through a message handler
}

func (e *Error) Error() string {
	if s, ok := ToString(e.Value); ok {
		return s
	}
	if e.Value == nil {
		return "nil"
	}
	return fmt.Sprintf("(error object is a %s value)", TypeOf(e.Value))
}

func (e *Error) Unwrap() error { return e.Cause }

// TracebackString renders the traceback the way the CLI prints it.
func (e *Error) TracebackString() string {
	var b strings.Builder
	b.WriteString("stack traceback:")
	for _, f := range e.Traceback {
		b.WriteString("\n\t")
		b.WriteString(f.String())
	}
	return b.String()
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

// throw unwinds to the nearest protected boundary. A message handler
// installed by PCall runs first, on top of the failing frame.
func (t *Thread) throw(e *Error) {
	if e.Traceback == nil {
		e.Traceback = t.traceback()
	}
	if t.errFunc != nil && !e.handled && e.Kind != KindInterrupt {
		e.handled = true
		t.callErrFunc(e)
	}
	panic(e)
}

// callErrFunc replaces e's value by the message handler's result. An error
// inside the handler turns into "error in error handling".
func (t *Thread) callErrFunc(e *Error) {
	h := t.errFunc
	handling := t.handlingError
	t.errFunc = nil
	t.handlingError = true
	defer func() {
		t.errFunc = h
		t.handlingError = handling
	}()
	if t.top < t.ci.top && t.ci.isLua() {
		t.top = t.ci.top
	}
	top := t.top
	var res Value
	err := t.protect(func() {
		t.checkStack(2)
		t.push(h)
		t.push(e.Value)
		t.call(top, 1)
		res = t.stack[top]
	})
	if err != nil {
		t.closeProtected(top, err)
		e.Kind = KindStackOverflow
		res = String("error in error handling")
	}
	t.top = top
	e.Value = res
}

// raise raises msg with the current source position prefixed.
func (t *Thread) raise(kind ErrorKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.throw(&Error{Kind: kind, Value: String(t.where(0) + msg)})
}

// raiseValue raises an arbitrary value as an error, without position info.
func (t *Thread) raiseValue(v Value) {
	t.throw(&Error{Kind: KindRuntime, Value: v})
}

// raiseGo turns an error returned by a Go function into a script error.
func (t *Thread) raiseGo(err error) {
	if e, ok := AsError(err); ok {
		t.throw(e)
	}
	t.throw(&Error{Kind: KindRuntime, Value: String(err.Error()), Cause: err})
}

// where returns "chunk:line: " for the Lua function level frames above the
// current one, or "" when that frame is not a Lua function.
func (t *Thread) where(level int) string {
	ci := t.ci
	for ; level > 0 && ci != nil; level-- {
		ci = ci.prev
	}
	if ci == nil || !ci.isLua() {
		return ""
	}
	cl := t.stack[ci.fn].(*Closure)
	if line := cl.Proto.Line(ci.currentPC()); line > 0 {
		return fmt.Sprintf("%s:%d: ", cl.Proto.ChunkID(), line)
	}
	return cl.Proto.ChunkID() + ": "
}

// traceback snapshots the active call chain, innermost first.
func (t *Thread) traceback() []Frame {
	var frames []Frame
	for ci := t.ci; ci != nil && ci != &t.baseCI; ci = ci.prev {
		switch f := t.stack[ci.fn].(type) {
		case *Closure:
			fr := Frame{Source: f.Proto.ChunkID(), Function: f.Proto.String()}
			if ci.isLua() {
				fr.Line = f.Proto.Line(ci.currentPC())
			}
			if f.Proto.LineDefined == 0 {
				fr.Function = "main chunk"
			}
			frames = append(frames, fr)
		case *GoFunction:
			frames = append(frames, Frame{Source: "[Go]", Function: fmt.Sprintf("function '%s'", f.Name)})
		default:
			frames = append(frames, Frame{Source: "?", Function: "?"})
		}
	}
	return frames
}

// ---------------------------------------------------------------------------
// Typed errors with variable info
// ---------------------------------------------------------------------------

// objTypeName returns the type name of v, honouring a string __name field in
// its metatable.
func (t *Thread) objTypeName(v Value) string {
	var mt *Table
	switch x := v.(type) {
	case *Table:
		mt = x.meta
	case *Userdata:
		mt = x.meta
	}
	if mt != nil {
		if name, ok := mt.GetStr("__name").(String); ok {
			return string(name)
		}
	}
	return TypeOf(v).String()
}

// typeError raises "attempt to <op> a <type> value", naming the variable
// the value came from when src identifies one.
func (t *Thread) typeError(v Value, src operand, op string) {
	kind := KindType
	switch op {
	case "index":
		kind = KindIndex
	case "call":
		kind = KindCall
	}
	t.raise(kind, "attempt to %s a %s value%s", op, t.objTypeName(v), t.varInfo(src))
}

// opError reports an arithmetic or bitwise type error, blaming the first
// operand that is not a number.
func (t *Thread) opError(a, b Value, op string) {
	if _, ok := ToNumber(a); !ok {
		b = a
	}
	t.typeError(b, noOperand, "perform "+op+" on")
}

func (t *Thread) intError() {
	t.raise(KindArith, "number has no integer representation")
}

func (t *Thread) concatError(a, b Value) {
	if _, ok := ToString(a); ok {
		a = b
	}
	t.typeError(a, noOperand, "concatenate")
}

func (t *Thread) orderError(a, b Value) {
	t1, t2 := t.objTypeName(a), t.objTypeName(b)
	if t1 == t2 {
		t.raise(KindType, "attempt to compare two %s values", t1)
	}
	t.raise(KindType, "attempt to compare %s with %s", t1, t2)
}

func (t *Thread) forError(what string) {
	t.raise(KindType, "'for' %s must be a number", what)
}
