package vm

import "math"

// ---------------------------------------------------------------------------
// Numeric for: R[A] index, R[A+1] limit (then iteration count), R[A+2] step,
// R[A+3] control variable.
// ---------------------------------------------------------------------------

func opForPrep(e *engine, i Instruction) action {
	if e.t.forPrep(e.ra(i)) {
		e.ci.savedPC += i.Bx() + 1
	}
	return actNext
}

// forPrep validates and normalizes the loop state. It reports whether the
// loop must be skipped entirely. An integer loop stores its precomputed
// iteration count in place of the limit, so the loop never overflows.
func (t *Thread) forPrep(ra int) bool {
	s := t.stack
	init, limit, step := s[ra], s[ra+1], s[ra+2]
	if ii, ok := init.(Int); ok {
		if is, ok := step.(Int); ok {
			if is == 0 {
				t.raise(KindRuntime, "'for' step is zero")
			}
			s[ra+3] = ii
			lim, skip := t.forLimit(int64(ii), limit, int64(is))
			if skip {
				return true
			}
			var count uint64
			if is > 0 {
				count = uint64(lim) - uint64(ii)
				if is != 1 {
					count /= uint64(is)
				}
			} else {
				count = uint64(ii) - uint64(lim)
				// -(step+1) avoids negating minint
				count /= uint64(-(is+1)) + 1
			}
			s[ra+1] = Int(count)
			return false
		}
	}
	flimit, ok := ToFloat(limit)
	if !ok {
		t.forError("limit")
	}
	fstep, ok := ToFloat(step)
	if !ok {
		t.forError("step")
	}
	finit, ok := ToFloat(init)
	if !ok {
		t.forError("initial value")
	}
	if fstep == 0 {
		t.raise(KindRuntime, "'for' step is zero")
	}
	if 0 < fstep && flimit < finit || !(0 < fstep) && finit < flimit {
		return true
	}
	s[ra+1] = Float(flimit)
	s[ra+2] = Float(fstep)
	s[ra] = Float(finit)
	s[ra+3] = Float(finit)
	return false
}

// forLimit converts the limit of an integer loop, clipping float limits
// outside the integer range. It reports whether the loop must not run.
func (t *Thread) forLimit(init int64, lim Value, step int64) (int64, bool) {
	mode := floorDown
	if step < 0 {
		mode = floorUp
	}
	p, ok := toIntegerMode(lim, mode)
	if !ok {
		flim, ok := ToFloat(lim)
		if !ok {
			t.forError("limit")
		}
		if 0 < flim {
			if step < 0 {
				return 0, true
			}
			p = math.MaxInt64
		} else {
			if step > 0 {
				return 0, true
			}
			p = math.MinInt64
		}
	}
	if step > 0 {
		return p, init > p
	}
	return p, init < p
}

func opForLoop(e *engine, i Instruction) action {
	t := e.t
	ra := e.ra(i)
	s := t.stack
	if step, ok := s[ra+2].(Int); ok {
		count, _ := s[ra+1].(Int)
		if count != 0 {
			idx, _ := s[ra].(Int)
			idx += step
			s[ra+1] = Int(uint64(count) - 1)
			s[ra] = idx
			s[ra+3] = idx
			e.ci.savedPC -= i.Bx()
		}
	} else if floatForLoop(s, ra) {
		e.ci.savedPC -= i.Bx()
	}
	return actNext
}

func floatForLoop(s []Value, ra int) bool {
	step, _ := s[ra+2].(Float)
	limit, _ := s[ra+1].(Float)
	idx, _ := s[ra].(Float)
	idx += step
	if 0 < step && idx <= limit || !(0 < step) && limit <= idx {
		s[ra] = idx
		s[ra+3] = idx
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Generic for: R[A] iterator, R[A+1] state, R[A+2] control, R[A+3] closing
// value, R[A+4]... loop variables.
// ---------------------------------------------------------------------------

func opTForPrep(e *engine, i Instruction) action {
	e.t.newTBC(e.ra(i) + 3)
	e.ci.savedPC += i.Bx()
	return actNext
}

func opTForCall(e *engine, i Instruction) action {
	t := e.t
	ra := e.ra(i)
	copy(t.stack[ra+4:ra+7], t.stack[ra:ra+3])
	t.top = ra + 7
	t.call(ra+4, i.C())
	return actNext
}

func opTForLoop(e *engine, i Instruction) action {
	if v := e.r(i.A() + 4); v != nil {
		e.set(i.A()+2, v)
		e.ci.savedPC -= i.Bx()
	}
	return actNext
}
