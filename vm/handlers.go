package vm

// handlers is the dispatch table. It is filled in init because the handlers
// reach back into the interpreter loop that reads it.
var handlers [NumOpcodes]opHandler

func init() {
	handlers = [NumOpcodes]opHandler{
		OpMove:       opMove,
		OpLoadI:      opLoadI,
		OpLoadF:      opLoadF,
		OpLoadK:      opLoadK,
		OpLoadKX:     opLoadKX,
		OpLoadFalse:  opLoadFalse,
		OpLFalseSkip: opLFalseSkip,
		OpLoadTrue:   opLoadTrue,
		OpLoadNil:    opLoadNil,
		OpGetUpval:   opGetUpval,
		OpSetUpval:   opSetUpval,
		OpGetTabUp:   opGetTabUp,
		OpGetTable:   opGetTable,
		OpGetI:       opGetI,
		OpGetField:   opGetField,
		OpSetTabUp:   opSetTabUp,
		OpSetTable:   opSetTable,
		OpSetI:       opSetI,
		OpSetField:   opSetField,
		OpNewTable:   opNewTable,
		OpSelf:       opSelf,
		OpAddI:       opAddI,
		OpAddK:       arithK(tmAdd),
		OpSubK:       arithK(tmSub),
		OpMulK:       arithK(tmMul),
		OpModK:       arithK(tmMod),
		OpPowK:       arithK(tmPow),
		OpDivK:       arithK(tmDiv),
		OpIDivK:      arithK(tmIDiv),
		OpBAndK:      arithK(tmBAnd),
		OpBOrK:       arithK(tmBOr),
		OpBXorK:      arithK(tmBXor),
		OpShrI:       opShrI,
		OpShlI:       opShlI,
		OpAdd:        arithRR(tmAdd),
		OpSub:        arithRR(tmSub),
		OpMul:        arithRR(tmMul),
		OpMod:        arithRR(tmMod),
		OpPow:        arithRR(tmPow),
		OpDiv:        arithRR(tmDiv),
		OpIDiv:       arithRR(tmIDiv),
		OpBAnd:       arithRR(tmBAnd),
		OpBOr:        arithRR(tmBOr),
		OpBXor:       arithRR(tmBXor),
		OpShl:        arithRR(tmShl),
		OpShr:        arithRR(tmShr),
		OpMMBin:      opMMBin,
		OpMMBinI:     opMMBinI,
		OpMMBinK:     opMMBinK,
		OpUnm:        opUnm,
		OpBNot:       opBNot,
		OpNot:        opNot,
		OpLen:        opLen,
		OpConcat:     opConcat,
		OpClose:      opClose,
		OpTBC:        opTBC,
		OpJmp:        opJmp,
		OpEq:         opEq,
		OpLt:         opLt,
		OpLe:         opLe,
		OpEqK:        opEqK,
		OpEqI:        opEqI,
		OpLtI:        orderI(ltNum, tmLt, false),
		OpLeI:        orderI(leNum, tmLe, false),
		OpGtI:        orderI(func(a, b Value) bool { return ltNum(b, a) }, tmLt, true),
		OpGeI:        orderI(func(a, b Value) bool { return leNum(b, a) }, tmLe, true),
		OpTest:       opTest,
		OpTestSet:    opTestSet,
		OpCall:       opCall,
		OpTailCall:   opTailCall,
		OpReturn:     opReturn,
		OpReturn0:    opReturn0,
		OpReturn1:    opReturn1,
		OpForLoop:    opForLoop,
		OpForPrep:    opForPrep,
		OpTForPrep:   opTForPrep,
		OpTForCall:   opTForCall,
		OpTForLoop:   opTForLoop,
		OpSetList:    opSetList,
		OpClosure:    opClosure,
		OpVararg:     opVararg,
		OpVarargPrep: opVarargPrep,
		OpExtraArg:   opExtraArg,
	}
}

// ---------------------------------------------------------------------------
// Loads and upvalues
// ---------------------------------------------------------------------------

func opMove(e *engine, i Instruction) action {
	e.set(i.A(), e.r(i.B()))
	return actNext
}

func opLoadI(e *engine, i Instruction) action {
	e.set(i.A(), Int(i.SBx()))
	return actNext
}

func opLoadF(e *engine, i Instruction) action {
	e.set(i.A(), Float(i.SBx()))
	return actNext
}

func opLoadK(e *engine, i Instruction) action {
	e.set(i.A(), e.k[i.Bx()])
	return actNext
}

func opLoadKX(e *engine, i Instruction) action {
	e.set(i.A(), e.k[e.code[e.ci.savedPC].Ax()])
	e.ci.savedPC++
	return actNext
}

func opLoadFalse(e *engine, i Instruction) action {
	e.set(i.A(), Bool(false))
	return actNext
}

func opLFalseSkip(e *engine, i Instruction) action {
	e.set(i.A(), Bool(false))
	e.ci.savedPC++
	return actNext
}

func opLoadTrue(e *engine, i Instruction) action {
	e.set(i.A(), Bool(true))
	return actNext
}

func opLoadNil(e *engine, i Instruction) action {
	a := i.A()
	for j := 0; j <= i.B(); j++ {
		e.set(a+j, nil)
	}
	return actNext
}

func opGetUpval(e *engine, i Instruction) action {
	e.set(i.A(), e.cl.upvals[i.B()].Get())
	return actNext
}

func opSetUpval(e *engine, i Instruction) action {
	uv := e.cl.upvals[i.B()]
	v := e.r(i.A())
	uv.set(v)
	if isCollectable(v) {
		e.t.g.gc.Barrier(uv, v)
	}
	return actNext
}

// ---------------------------------------------------------------------------
// Table access
// ---------------------------------------------------------------------------

func opGetTabUp(e *engine, i Instruction) action {
	upv := e.cl.upvals[i.B()].Get()
	v := e.t.index(upv, e.k[i.C()], upvalOperand(i.B()))
	e.set(i.A(), v)
	return actNext
}

func opGetTable(e *engine, i Instruction) action {
	v := e.t.index(e.r(i.B()), e.r(i.C()), regOperand(i.B()))
	e.set(i.A(), v)
	return actNext
}

func opGetI(e *engine, i Instruction) action {
	v := e.t.index(e.r(i.B()), Int(i.C()), regOperand(i.B()))
	e.set(i.A(), v)
	return actNext
}

func opGetField(e *engine, i Instruction) action {
	v := e.t.index(e.r(i.B()), e.k[i.C()], regOperand(i.B()))
	e.set(i.A(), v)
	return actNext
}

func opSetTabUp(e *engine, i Instruction) action {
	upv := e.cl.upvals[i.A()].Get()
	e.t.setIndex(upv, e.k[i.B()], e.rkc(i), upvalOperand(i.A()))
	return actNext
}

func opSetTable(e *engine, i Instruction) action {
	e.t.setIndex(e.r(i.A()), e.r(i.B()), e.rkc(i), regOperand(i.A()))
	return actNext
}

func opSetI(e *engine, i Instruction) action {
	e.t.setIndex(e.r(i.A()), Int(i.B()), e.rkc(i), regOperand(i.A()))
	return actNext
}

func opSetField(e *engine, i Instruction) action {
	e.t.setIndex(e.r(i.A()), e.k[i.B()], e.rkc(i), regOperand(i.A()))
	return actNext
}

func opNewTable(e *engine, i Instruction) action {
	t := e.t
	b, c := i.B(), i.C()
	if b > 0 {
		b = 1 << (b - 1)
	}
	if i.K() {
		c += e.code[e.ci.savedPC].Ax() * (MaxArgC + 1)
	}
	e.ci.savedPC++
	ra := e.ra(i)
	t.top = ra + 1
	tbl := NewTable(c, b)
	t.stack[ra] = tbl
	t.g.gc.Allocated(tbl.sizeEstimate())
	t.checkGC(ra + 1)
	return actNext
}

func opSelf(e *engine, i Instruction) action {
	rb := e.r(i.B())
	key := e.rkc(i)
	e.set(i.A()+1, rb)
	v := e.t.index(rb, key, regOperand(i.B()))
	e.set(i.A(), v)
	return actNext
}

// ---------------------------------------------------------------------------
// Arithmetic. On success each instruction skips the MMBIN that follows it;
// otherwise the MMBIN runs and resolves the operation through metamethods.
// ---------------------------------------------------------------------------

func opAddI(e *engine, i Instruction) action {
	imm := i.SC()
	switch x := e.r(i.B()).(type) {
	case Int:
		e.set(i.A(), x+Int(imm))
		e.ci.savedPC++
	case Float:
		e.set(i.A(), x+Float(imm))
		e.ci.savedPC++
	}
	return actNext
}

func arithK(ev tmEvent) opHandler {
	return func(e *engine, i Instruction) action {
		if v, ok := e.t.arithRaw(ev, e.r(i.B()), e.k[i.C()]); ok {
			e.set(i.A(), v)
			e.ci.savedPC++
		}
		return actNext
	}
}

func arithRR(ev tmEvent) opHandler {
	return func(e *engine, i Instruction) action {
		if v, ok := e.t.arithRaw(ev, e.r(i.B()), e.r(i.C())); ok {
			e.set(i.A(), v)
			e.ci.savedPC++
		}
		return actNext
	}
}

func opShrI(e *engine, i Instruction) action {
	if x, ok := toIntegerNS(e.r(i.B())); ok {
		e.set(i.A(), Int(shiftLeft(x, -int64(i.SC()))))
		e.ci.savedPC++
	}
	return actNext
}

func opShlI(e *engine, i Instruction) action {
	if x, ok := toIntegerNS(e.r(i.B())); ok {
		e.set(i.A(), Int(shiftLeft(int64(i.SC()), x)))
		e.ci.savedPC++
	}
	return actNext
}

// resultReg is the destination of the arithmetic instruction an MMBIN
// completes: the instruction just before it.
func (e *engine) resultReg() int {
	return e.code[e.ci.savedPC-2].A()
}

func opMMBin(e *engine, i Instruction) action {
	v := e.t.tryBinTM(e.r(i.A()), e.r(i.B()), tmEvent(i.C()))
	e.set(e.resultReg(), v)
	return actNext
}

func opMMBinI(e *engine, i Instruction) action {
	var v Value
	imm := Int(i.SB())
	if i.K() {
		v = e.t.tryBinTM(imm, e.r(i.A()), tmEvent(i.C()))
	} else {
		v = e.t.tryBinTM(e.r(i.A()), imm, tmEvent(i.C()))
	}
	e.set(e.resultReg(), v)
	return actNext
}

func opMMBinK(e *engine, i Instruction) action {
	var v Value
	kb := e.k[i.B()]
	if i.K() {
		v = e.t.tryBinTM(kb, e.r(i.A()), tmEvent(i.C()))
	} else {
		v = e.t.tryBinTM(e.r(i.A()), kb, tmEvent(i.C()))
	}
	e.set(e.resultReg(), v)
	return actNext
}

func opUnm(e *engine, i Instruction) action {
	v := e.t.unm(e.r(i.B()))
	e.set(i.A(), v)
	return actNext
}

func opBNot(e *engine, i Instruction) action {
	v := e.t.bnot(e.r(i.B()))
	e.set(i.A(), v)
	return actNext
}

func opNot(e *engine, i Instruction) action {
	e.set(i.A(), Bool(IsFalse(e.r(i.B()))))
	return actNext
}

func opLen(e *engine, i Instruction) action {
	v := e.t.objLen(e.r(i.B()), regOperand(i.B()))
	e.set(i.A(), v)
	return actNext
}

func opConcat(e *engine, i Instruction) action {
	t := e.t
	n := i.B()
	t.top = e.ra(i) + n
	t.concat(n)
	t.checkGC(t.top)
	return actNext
}

// ---------------------------------------------------------------------------
// Scopes and jumps
// ---------------------------------------------------------------------------

func opClose(e *engine, i Instruction) action {
	e.t.closeFrom(e.ra(i), nil)
	return actNext
}

func opTBC(e *engine, i Instruction) action {
	e.t.newTBC(e.ra(i))
	return actNext
}

func opJmp(e *engine, i Instruction) action {
	e.ci.savedPC += i.SJ()
	return actNext
}

func opEq(e *engine, i Instruction) action {
	e.condJump(e.t.equalObj(e.r(i.A()), e.r(i.B())), i)
	return actNext
}

func opLt(e *engine, i Instruction) action {
	e.condJump(e.t.lessThan(e.r(i.A()), e.r(i.B())), i)
	return actNext
}

func opLe(e *engine, i Instruction) action {
	e.condJump(e.t.lessEqual(e.r(i.A()), e.r(i.B())), i)
	return actNext
}

func opEqK(e *engine, i Instruction) action {
	e.condJump(RawEqual(e.r(i.A()), e.k[i.B()]), i)
	return actNext
}

func opEqI(e *engine, i Instruction) action {
	var cond bool
	switch x := e.r(i.A()).(type) {
	case Int:
		cond = int64(x) == int64(i.SB())
	case Float:
		cond = float64(x) == float64(i.SB())
	}
	e.condJump(cond, i)
	return actNext
}

// orderI builds the handlers comparing a register with the immediate sB.
// C marks an immediate that was a float in the source.
func orderI(cmp func(a, b Value) bool, ev tmEvent, flip bool) opHandler {
	return func(e *engine, i Instruction) action {
		var cond bool
		ra := e.r(i.A())
		if isNumber(ra) {
			cond = cmp(ra, Int(i.SB()))
		} else {
			cond = e.t.callOrderITM(ra, i.SB(), flip, i.C() != 0, ev)
		}
		e.condJump(cond, i)
		return actNext
	}
}

func opTest(e *engine, i Instruction) action {
	e.condJump(!IsFalse(e.r(i.A())), i)
	return actNext
}

func opTestSet(e *engine, i Instruction) action {
	rb := e.r(i.B())
	if IsFalse(rb) == i.K() {
		e.ci.savedPC++
	} else {
		e.set(i.A(), rb)
		e.doNextJump()
	}
	return actNext
}

func opExtraArg(e *engine, i Instruction) action {
	e.t.raise(KindRuntime, "unexpected EXTRAARG at pc %d", e.ci.currentPC())
	return actNext
}

// ---------------------------------------------------------------------------
// Calls and returns
// ---------------------------------------------------------------------------

func opCall(e *engine, i Instruction) action {
	t := e.t
	ra := e.ra(i)
	if b := i.B(); b != 0 {
		t.top = ra + b
	}
	if t.precall(ra, i.C()-1) != nil {
		return actEnter
	}
	return actNext
}

func opTailCall(e *engine, i Instruction) action {
	t := e.t
	ci := e.ci
	ra := e.ra(i)
	b := i.B()
	delta := 0
	if nparams1 := i.C(); nparams1 != 0 {
		delta = ci.nextraargs + nparams1
	}
	if b != 0 {
		t.top = ra + b
	} else {
		b = t.top - ra
	}
	if e.pendingTBC() {
		e.closeFrame()
		t.top = ra + b
	} else if i.K() {
		t.closeUpvalues(e.base)
	}
	n := t.pretailcall(ci, ra, b, delta)
	if n < 0 {
		return actEnter
	}
	ci.fn -= delta
	t.poscall(ci, n)
	return actReturn
}

func opReturn(e *engine, i Instruction) action {
	t := e.t
	ci := e.ci
	ra := e.ra(i)
	n := i.B() - 1
	if n < 0 {
		n = t.top - ra
	}
	if i.K() || e.pendingTBC() {
		e.closeFrame()
	}
	if nparams1 := i.C(); nparams1 != 0 {
		ci.fn -= ci.nextraargs + nparams1
	}
	t.top = ra + n
	t.poscall(ci, n)
	return actReturn
}

// pendingTBC reports whether the running frame still has to-be-closed
// variables registered.
func (e *engine) pendingTBC() bool {
	tbc := e.t.tbcList
	return len(tbc) > 0 && tbc[len(tbc)-1] >= e.base
}

// closeFrame closes the frame's upvalues and to-be-closed variables before a
// fast return.
func (e *engine) closeFrame() {
	t := e.t
	if t.top < e.ci.top {
		t.top = e.ci.top
	}
	t.closeFrom(e.base, nil)
}

func opReturn0(e *engine, i Instruction) action {
	t := e.t
	ci := e.ci
	if t.hookMask != 0 || e.pendingTBC() {
		e.closeFrame()
		t.top = e.ra(i)
		t.poscall(ci, 0)
		return actReturn
	}
	nres := ci.nresults
	t.popCI()
	t.top = ci.fn
	for ; nres > 0; nres-- {
		t.stack[t.top] = nil
		t.top++
	}
	return actReturn
}

func opReturn1(e *engine, i Instruction) action {
	t := e.t
	ci := e.ci
	ra := e.ra(i)
	if t.hookMask != 0 || e.pendingTBC() {
		e.closeFrame()
		t.top = ra + 1
		t.poscall(ci, 1)
		return actReturn
	}
	nres := ci.nresults
	t.popCI()
	if nres == 0 {
		t.top = ci.fn
		return actReturn
	}
	t.stack[ci.fn] = t.stack[ra]
	t.top = ci.fn + 1
	for ; nres > 1; nres-- {
		t.stack[t.top] = nil
		t.top++
	}
	return actReturn
}

// ---------------------------------------------------------------------------
// Closures, varargs and list construction
// ---------------------------------------------------------------------------

func opClosure(e *engine, i Instruction) action {
	t := e.t
	p := e.cl.Proto.Protos[i.Bx()]
	cl := &Closure{Proto: p, upvals: make([]*Upvalue, len(p.Upvalues))}
	for j, uv := range p.Upvalues {
		if uv.InStack {
			cl.upvals[j] = t.findUpvalue(e.base + uv.Index)
		} else {
			cl.upvals[j] = e.cl.upvals[uv.Index]
		}
	}
	ra := e.ra(i)
	t.stack[ra] = cl
	t.g.gc.Allocated(closureSize(cl))
	t.checkGC(ra + 1)
	return actNext
}

func closureSize(cl *Closure) int {
	return 32 + 8*len(cl.upvals)
}

func opVararg(e *engine, i Instruction) action {
	t := e.t
	ci := e.ci
	ra := e.ra(i)
	n := i.C() - 1
	nextra := ci.nextraargs
	if n < 0 {
		n = nextra
		if t.top < ra {
			t.top = ra
		}
		t.checkStackGC(ra + nextra - t.top)
		t.top = ra + nextra
	}
	j := 0
	for ; j < n && j < nextra; j++ {
		t.stack[ra+j] = t.stack[ci.fn-nextra+j]
	}
	for ; j < n; j++ {
		t.stack[ra+j] = nil
	}
	return actNext
}

// opVarargPrep moves the function and its fixed parameters above the actual
// arguments, leaving the extra arguments below the new frame where VARARG
// finds them.
func opVarargPrep(e *engine, i Instruction) action {
	t := e.t
	ci := e.ci
	p := e.cl.Proto
	nfix := i.A()
	actual := t.top - ci.fn - 1
	ci.nextraargs = actual - nfix
	t.checkStackGC(p.MaxStackSize + 1 + extraStack)
	t.push(t.stack[ci.fn])
	for j := 1; j <= nfix; j++ {
		t.push(t.stack[ci.fn+j])
		t.stack[ci.fn+j] = nil
	}
	ci.fn += actual + 1
	ci.top += actual + 1
	e.base = ci.fn + 1
	if t.hookMask != 0 {
		t.hookCall(ci)
		t.oldPC = 1
	}
	return actNext
}

func opSetList(e *engine, i Instruction) action {
	t := e.t
	ra := e.ra(i)
	n := i.B()
	last := i.C()
	tbl, ok := t.stack[ra].(*Table)
	if !ok {
		t.raise(KindRuntime, "SETLIST target is not a table")
	}
	if n == 0 {
		n = t.top - ra - 1
	} else {
		t.top = e.ci.top
	}
	last += n
	if i.K() {
		last += e.code[e.ci.savedPC].Ax() * (MaxArgC + 1)
		e.ci.savedPC++
	}
	tbl.resizeArray(last)
	for ; n > 0; n-- {
		v := t.stack[ra+n]
		tbl.setArraySlot(last, v)
		last--
		if isCollectable(v) {
			t.g.gc.BarrierBack(tbl)
		}
	}
	return actNext
}
