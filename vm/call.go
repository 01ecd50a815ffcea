package vm

import "context"

// MultRet requests all results of a call.
const MultRet = -1

// extraStack is slack kept above every Lua frame's top for metamethod calls
// and iterator setup.
const extraStack = 5

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

// precall prepares the call of stack[fn] with the arguments up to top. Go
// functions (and prototypes with a native implementation) run to completion
// and precall returns nil; for a script function the new frame is pushed and
// returned for the interpreter to run.
func (t *Thread) precall(fn, nresults int) *callInfo {
	for {
		switch f := t.stack[fn].(type) {
		case *GoFunction:
			t.callGo(fn, nresults, f.Fn)
			return nil
		case *Closure:
			p := f.Proto
			if p.Native != nil && !t.g.opts.DisableNative {
				t.callNative(fn, nresults, f)
				return nil
			}
			narg := t.top - fn - 1
			fsize := p.MaxStackSize
			t.checkStackGC(fsize + extraStack)
			ci := t.pushCI(fn, nresults, fn+1+fsize, 0)
			for ; narg < p.NumParams; narg++ {
				t.stack[t.top] = nil
				t.top++
			}
			if t.g.profiler != nil {
				t.g.profiler.record(p)
			}
			return ci
		default:
			fn = t.tryFuncTM(fn)
		}
	}
}

// tryFuncTM replaces a non-function callee by its __call metamethod, shifting
// the original value into the first argument.
func (t *Thread) tryFuncTM(fn int) int {
	tm := t.metamethod(t.stack[fn], tmCall)
	if tm == nil {
		src := noOperand
		if t.ci.isLua() && fn >= t.ci.base() {
			src = regOperand(fn - t.ci.base())
		}
		t.typeError(t.stack[fn], src, "call")
	}
	t.checkStackGC(1)
	copy(t.stack[fn+1:t.top+1], t.stack[fn:t.top])
	t.top++
	t.stack[fn] = tm
	return fn
}

// callGo runs a Go function frame.
func (t *Thread) callGo(fn, nresults int, f GoFunc) {
	t.checkStackGC(minGoStack)
	ci := t.pushCI(fn, nresults, t.top+minGoStack, cistGo)
	if t.hookMask&HookCall != 0 {
		t.runHook(HookEventCall, -1)
	}
	args := make([]Value, t.top-fn-1)
	copy(args, t.stack[fn+1:t.top])
	results, err := f(t, args)
	if err != nil {
		t.raiseGo(err)
	}
	t.pushResults(ci, results)
}

// callNative runs a prototype's native implementation in place of its code.
func (t *Thread) callNative(fn, nresults int, cl *Closure) {
	t.checkStackGC(minGoStack)
	ci := t.pushCI(fn, nresults, t.top+minGoStack, cistGo)
	if t.g.profiler != nil {
		t.g.profiler.record(cl.Proto)
	}
	if t.hookMask&HookCall != 0 {
		t.runHook(HookEventCall, -1)
	}
	args := make([]Value, t.top-fn-1)
	copy(args, t.stack[fn+1:t.top])
	results, err := cl.Proto.Native(t, cl, args)
	if err != nil {
		t.raiseGo(err)
	}
	t.pushResults(ci, results)
}

func (t *Thread) pushResults(ci *callInfo, results []Value) {
	n := len(results)
	t.checkStack(n)
	copy(t.stack[t.top:], results)
	t.top += n
	t.poscall(ci, n)
}

// poscall finishes a call whose nres results sit just below top, moving them
// to the function's slot and returning to the caller's frame.
func (t *Thread) poscall(ci *callInfo, nres int) {
	if t.hookMask != 0 {
		t.retHook(ci, nres)
	}
	t.moveResults(ci.fn, nres, ci.nresults)
	t.popCI()
}

// moveResults moves the nres values below top to res, adjusting their count
// to wanted.
func (t *Thread) moveResults(res, nres, wanted int) {
	switch wanted {
	case 0:
		t.top = res
		return
	case 1:
		if nres == 0 {
			t.stack[res] = nil
		} else {
			t.stack[res] = t.stack[t.top-nres]
		}
		t.top = res + 1
		return
	case MultRet:
		wanted = nres
	}
	first := t.top - nres
	if nres > wanted {
		nres = wanted
	}
	copy(t.stack[res:res+nres], t.stack[first:first+nres])
	for i := nres; i < wanted; i++ {
		t.stack[res+i] = nil
	}
	t.top = res + wanted
}

// pretailcall reuses frame ci for a call of stack[fn] with narg1 values
// (function plus arguments). delta is the vararg displacement of ci's
// function. It returns -1 when ci now runs a script function, or the number
// of results a Go callee left at stack[fn].
func (t *Thread) pretailcall(ci *callInfo, fn, narg1, delta int) int {
	for {
		switch f := t.stack[fn].(type) {
		case *GoFunction:
			t.callGo(fn, MultRet, f.Fn)
			return t.top - fn
		case *Closure:
			p := f.Proto
			if p.Native != nil && !t.g.opts.DisableNative {
				t.callNative(fn, MultRet, f)
				return t.top - fn
			}
			fsize := p.MaxStackSize
			t.checkStackGC(fsize - delta + extraStack)
			ci.fn -= delta
			copy(t.stack[ci.fn:ci.fn+narg1], t.stack[fn:fn+narg1])
			fn = ci.fn
			for ; narg1 <= p.NumParams; narg1++ {
				t.stack[fn+narg1] = nil
			}
			ci.top = fn + 1 + fsize
			ci.savedPC = 0
			ci.nextraargs = 0
			ci.status |= cistTail
			t.top = fn + narg1
			if t.g.profiler != nil {
				t.g.profiler.record(p)
			}
			return -1
		default:
			fn = t.tryFuncTM(fn)
			narg1++
		}
	}
}

// call runs stack[fn] with the arguments up to top, unprotected. Script
// functions run in a nested interpreter loop.
func (t *Thread) call(fn, nresults int) {
	if t.interrupt.Load() != nil {
		t.poll()
	}
	t.nCcalls++
	if limit := t.g.opts.MaxNativeDepth; t.nCcalls >= limit {
		if t.nCcalls == limit {
			t.raise(KindStackOverflow, "stack overflow (nested calls)")
		} else if t.nCcalls >= limit+limit/10+1 {
			t.throw(&Error{Kind: KindStackOverflow, Value: String("error in error handling")})
		}
	}
	if ci := t.precall(fn, nresults); ci != nil {
		ci.status |= cistFresh
		t.execute(ci)
	}
	t.nCcalls--
}

// ---------------------------------------------------------------------------
// Protected execution
// ---------------------------------------------------------------------------

// protect runs fn, converting a raised *Error into a return value and
// restoring the frame chain. Pending upvalues and to-be-closed variables are
// left for the caller to close. Any other panic is re-raised once the frame
// chain is restored.
func (t *Thread) protect(fn func()) (err *Error) {
	ci, nci, ncc, allow, handling, ef := t.ci, t.nci, t.nCcalls, t.allowHook, t.handlingError, t.errFunc
	defer func() {
		if r := recover(); r != nil {
			t.ci, t.nci, t.nCcalls, t.allowHook = ci, nci, ncc, allow
			t.handlingError, t.errFunc = handling, ef
			e, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			err = e
		}
	}()
	fn()
	return nil
}

// closeProtected closes upvalues and to-be-closed variables down to level
// after an error. An error raised by a __close method replaces err and the
// remaining variables are still closed.
func (t *Thread) closeProtected(level int, err *Error) *Error {
	for {
		e := t.protect(func() { t.closeFrom(level, err.Value) })
		if e == nil {
			return err
		}
		err = e
	}
}

// pcall calls stack[fn] in protected mode.
func (t *Thread) pcall(fn, nresults int) *Error {
	err := t.protect(func() { t.call(fn, nresults) })
	if err != nil {
		err = t.closeProtected(fn, err)
		t.top = fn
		t.ShrinkStack()
	}
	return err
}

// protectCall runs fn protected and returns the error as a plain error.
func (t *Thread) protectCall(fn func()) error {
	top, ef := t.top, t.errFunc
	t.errFunc = nil
	defer func() { t.errFunc = ef }()
	if err := t.protect(fn); err != nil {
		err = t.closeProtected(top, err)
		t.top = top
		return err
	}
	return nil
}

// Call calls fn with args in protected mode and returns all its results.
// Errors raised by the callee come back as *Error, after every
// to-be-closed variable the call created has been closed.
func (t *Thread) Call(fn Value, args ...Value) ([]Value, error) {
	return t.PCall(fn, nil, args...)
}

// PCall is Call with a message handler. When the callee fails, handler is
// called with the error value before the failing frames unwind, and its
// result becomes the error value. A nil handler leaves errors unchanged.
func (t *Thread) PCall(fn, handler Value, args ...Value) ([]Value, error) {
	ef := t.errFunc
	t.errFunc = handler
	defer func() { t.errFunc = ef }()
	base := t.top
	t.checkStack(len(args) + 1)
	t.push(fn)
	for _, a := range args {
		t.push(a)
	}
	if err := t.pcall(base, MultRet); err != nil {
		return nil, err
	}
	results := make([]Value, t.top-base)
	copy(results, t.stack[base:t.top])
	for i := base; i < t.top; i++ {
		t.stack[i] = nil
	}
	t.top = base
	return results, nil
}

// CallContext is Call with ctx polled for cancellation while the call runs.
func (t *Thread) CallContext(ctx context.Context, fn Value, args ...Value) ([]Value, error) {
	prev := t.ctx
	t.ctx = ctx
	defer func() { t.ctx = prev }()
	return t.Call(fn, args...)
}

// ---------------------------------------------------------------------------
// To-be-closed variables
// ---------------------------------------------------------------------------

// newTBC registers stack slot level as a to-be-closed variable. nil and false
// need no closing; anything else must have a __close metamethod.
func (t *Thread) newTBC(level int) {
	v := t.stack[level]
	if IsFalse(v) {
		return
	}
	if t.metamethod(v, tmClose) == nil {
		name := "?"
		if ci := t.ci; ci.isLua() {
			p := t.stack[ci.fn].(*Closure).Proto
			if n := p.LocalName(level-ci.base()+1, ci.currentPC()); n != "" {
				name = n
			}
		}
		t.raise(KindType, "variable '%s' got a non-closable value", name)
	}
	t.tbcList = append(t.tbcList, level)
}

// closeFrom closes open upvalues at or above level, then calls the __close
// metamethod of every pending to-be-closed variable at or above level, in
// reverse order of declaration. errVal is passed as the second argument.
func (t *Thread) closeFrom(level int, errVal Value) {
	t.closeUpvalues(level)
	for n := len(t.tbcList); n > 0 && t.tbcList[n-1] >= level; n = len(t.tbcList) {
		slot := t.tbcList[n-1]
		t.tbcList = t.tbcList[:n-1]
		t.callCloseMethod(slot, errVal)
	}
}

func (t *Thread) callCloseMethod(slot int, errVal Value) {
	obj := t.stack[slot]
	tm := t.metamethod(obj, tmClose)
	if t.top <= slot {
		t.top = slot + 1
	}
	top := t.top
	t.checkStack(3)
	t.stack[top] = tm
	t.stack[top+1] = obj
	t.stack[top+2] = errVal
	t.top = top + 3
	t.call(top, 0)
}
