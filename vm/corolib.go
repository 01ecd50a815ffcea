package vm

// ---------------------------------------------------------------------------
// coroutine library
// ---------------------------------------------------------------------------

func openCoroutine(g *State) Value {
	lib := NewTable(0, 8)
	for name, fn := range map[string]GoFunc{
		"close":       coClose,
		"create":      coCreate,
		"isyieldable": coIsYieldable,
		"resume":      coResume,
		"running":     coRunning,
		"status":      coStatus,
		"wrap":        coWrap,
		"yield":       coYield,
	} {
		lib.SetStr(String(name), NewGoFunction(name, fn))
	}
	return lib
}

func (t *Thread) checkCoroutine(args []Value, n int) (*Thread, error) {
	if n <= len(args) {
		if co, ok := args[n-1].(*Thread); ok {
			return co, nil
		}
	}
	return nil, t.typeArgError(args, n, "coroutine")
}

func coCreate(t *Thread, args []Value) ([]Value, error) {
	fn, err := t.CheckFunction(args, 1)
	if err != nil {
		return nil, err
	}
	return []Value{t.NewThread(fn)}, nil
}

func coResume(t *Thread, args []Value) ([]Value, error) {
	co, err := t.checkCoroutine(args, 1)
	if err != nil {
		return nil, err
	}
	results, err := t.Resume(co, args[1:]...)
	if err != nil {
		e, ok := AsError(err)
		if !ok || e.Kind == KindInterrupt {
			return nil, err
		}
		return []Value{Bool(false), e.Value}, nil
	}
	return append([]Value{Bool(true)}, results...), nil
}

func coYield(t *Thread, args []Value) ([]Value, error) {
	return t.Yield(args...)
}

func coStatus(t *Thread, args []Value) ([]Value, error) {
	co, err := t.checkCoroutine(args, 1)
	if err != nil {
		return nil, err
	}
	return []Value{String(t.Status(co).String())}, nil
}

func coRunning(t *Thread, args []Value) ([]Value, error) {
	return []Value{t, Bool(t.IsMain())}, nil
}

func coIsYieldable(t *Thread, args []Value) ([]Value, error) {
	return []Value{Bool(t.IsYieldable())}, nil
}

func coClose(t *Thread, args []Value) ([]Value, error) {
	co, err := t.checkCoroutine(args, 1)
	if err != nil {
		return nil, err
	}
	if s := t.Status(co); s != CoSuspended && s != CoDead {
		return nil, t.Errorf("cannot close a %s coroutine", s)
	}
	if err := t.CloseThread(co); err != nil {
		e, ok := AsError(err)
		if !ok {
			return nil, err
		}
		return []Value{Bool(false), e.Value}, nil
	}
	return []Value{Bool(true)}, nil
}

func coWrap(t *Thread, args []Value) ([]Value, error) {
	fn, err := t.CheckFunction(args, 1)
	if err != nil {
		return nil, err
	}
	co := t.NewThread(fn)
	return []Value{NewGoFunction("wrap", func(t *Thread, args []Value) ([]Value, error) {
		results, err := t.Resume(co, args...)
		if err != nil {
			e, ok := AsError(err)
			if !ok || e.Kind == KindInterrupt {
				return nil, err
			}
			v := e.Value
			if s, ok := v.(String); ok {
				v = String(t.where(1)) + s
			}
			return nil, &Error{Kind: e.Kind, Value: v, Cause: e.Cause}
		}
		return results, nil
	})}, nil
}
