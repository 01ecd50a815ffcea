package vm

import "fmt"

// ValidationError reports a malformed prototype.
type ValidationError struct {
	Proto string // function <source:line>
	PC    int    // -1 when not tied to an instruction
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.PC < 0 {
		return fmt.Sprintf("invalid %s: %s", e.Proto, e.Msg)
	}
	return fmt.Sprintf("invalid %s at pc %d: %s", e.Proto, e.PC, e.Msg)
}

// Validate checks the structural well-formedness the interpreter relies
// on: operand ranges, jump targets, extension words, nested prototypes and
// their upvalue descriptors. The interpreter does not re-check these.
func (p *Proto) Validate() error {
	return p.validate(nil)
}

func (p *Proto) validate(parent *Proto) error {
	fail := func(pc int, format string, args ...any) error {
		return &ValidationError{Proto: p.String(), PC: pc, Msg: fmt.Sprintf(format, args...)}
	}
	if p.MaxStackSize < 0 || p.MaxStackSize > MaxArgA+1 {
		return fail(-1, "max stack size %d out of range", p.MaxStackSize)
	}
	if p.NumParams < 0 || p.NumParams > p.MaxStackSize {
		return fail(-1, "%d parameters exceed max stack size %d", p.NumParams, p.MaxStackSize)
	}
	if len(p.Code) == 0 {
		return fail(-1, "empty code")
	}
	if len(p.LineInfo) != 0 && len(p.LineInfo) != len(p.Code) {
		return fail(-1, "line info has %d entries for %d instructions", len(p.LineInfo), len(p.Code))
	}
	if parent != nil {
		for n, uv := range p.Upvalues {
			if uv.InStack && uv.Index >= parent.MaxStackSize {
				return fail(-1, "upvalue %d captures register %d of a %d-register frame", n, uv.Index, parent.MaxStackSize)
			}
			if !uv.InStack && uv.Index >= len(parent.Upvalues) {
				return fail(-1, "upvalue %d captures missing enclosing upvalue %d", n, uv.Index)
			}
		}
	}
	if last := p.Code[len(p.Code)-1].Op(); last != OpReturn && last != OpReturn0 && last != OpReturn1 && last != OpTailCall {
		return fail(len(p.Code)-1, "code does not end in a return")
	}

	n := len(p.Code)
	reg := func(pc, r int) error {
		if r >= p.MaxStackSize {
			return fail(pc, "register %d out of range", r)
		}
		return nil
	}
	konst := func(pc, k int) error {
		if k >= len(p.Constants) {
			return fail(pc, "constant %d out of range", k)
		}
		return nil
	}
	jump := func(pc, target int) error {
		if target < 0 || target >= n {
			return fail(pc, "jump target %d out of range", target)
		}
		return nil
	}
	extra := func(pc int) error {
		if pc+1 >= n || p.Code[pc+1].Op() != OpExtraArg {
			return fail(pc, "missing EXTRAARG")
		}
		return nil
	}

	for pc := 0; pc < n; pc++ {
		i := p.Code[pc]
		op := i.Op()
		if int(op) >= NumOpcodes {
			return fail(pc, "unknown opcode %d", op)
		}
		var err error
		registers(i, func(r int) {
			if err == nil {
				err = reg(pc, r)
			}
		})
		if err == nil {
			err = p.validateOperands(pc, i, konst, jump, extra)
		}
		if err == nil && op == OpLFalseSkip && pc+2 >= n {
			err = fail(pc, "skip target %d out of range", pc+2)
		}
		if err == nil && opModes[op].test && (pc+1 >= n || p.Code[pc+1].Op() != OpJmp) {
			err = fail(pc, "test not followed by a jump")
		}
		if err == nil && op >= OpAddI && op <= OpShr && (pc+1 >= n || !p.Code[pc+1].Op().IsMM()) {
			err = fail(pc, "arithmetic not followed by a metamethod fallback")
		}
		if err != nil {
			return err
		}
	}

	for _, child := range p.Protos {
		if child == nil {
			return fail(-1, "nil nested prototype")
		}
		if err := child.validate(p); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proto) validateOperands(pc int, i Instruction,
	konst func(pc, n int) error, jump func(pc, target int) error, extra func(pc int) error) error {
	upval := func(u int) error {
		if u >= len(p.Upvalues) {
			return &ValidationError{Proto: p.String(), PC: pc, Msg: fmt.Sprintf("upvalue %d out of range", u)}
		}
		return nil
	}
	switch i.Op() {
	case OpGetField:
		return konst(pc, i.C())
	case OpLoadK:
		return konst(pc, i.Bx())
	case OpLoadKX, OpNewTable:
		if err := extra(pc); err != nil {
			return err
		}
		if i.Op() == OpLoadKX {
			return konst(pc, p.Code[pc+1].Ax())
		}
	case OpGetUpval, OpSetUpval:
		return upval(i.B())
	case OpGetTabUp:
		if err := upval(i.B()); err != nil {
			return err
		}
		return konst(pc, i.C())
	case OpSetTabUp:
		if err := upval(i.A()); err != nil {
			return err
		}
		if err := konst(pc, i.B()); err != nil {
			return err
		}
		if i.K() {
			return konst(pc, i.C())
		}
	case OpSetField:
		if err := konst(pc, i.B()); err != nil {
			return err
		}
		if i.K() {
			return konst(pc, i.C())
		}
	case OpSetTable, OpSetI, OpSelf:
		if i.K() {
			return konst(pc, i.C())
		}
	case OpAddK, OpSubK, OpMulK, OpModK, OpPowK, OpDivK, OpIDivK, OpBAndK, OpBOrK, OpBXorK:
		return konst(pc, i.C())
	case OpMMBin, OpMMBinI, OpMMBinK:
		if tmEvent(i.C()) >= numEvents {
			return &ValidationError{Proto: p.String(), PC: pc, Msg: fmt.Sprintf("metamethod event %d out of range", i.C())}
		}
		if i.Op() == OpMMBinK {
			return konst(pc, i.B())
		}
	case OpEqK:
		return konst(pc, i.B())
	case OpJmp:
		return jump(pc, pc+1+i.SJ())
	case OpForPrep:
		return jump(pc, pc+2+i.Bx())
	case OpForLoop, OpTForLoop:
		return jump(pc, pc+1-i.Bx())
	case OpTForPrep:
		return jump(pc, pc+1+i.Bx())
	case OpSetList:
		if i.K() {
			return extra(pc)
		}
	case OpClosure:
		if i.Bx() >= len(p.Protos) {
			return &ValidationError{Proto: p.String(), PC: pc, Msg: fmt.Sprintf("prototype %d out of range", i.Bx())}
		}
	}
	return nil
}

// registers calls use with every register i reads or writes. For operand
// windows (call arguments, results, concatenation ranges) only the highest
// register is reported.
func registers(i Instruction, use func(r int)) {
	op := i.Op()
	a, b, c := i.A(), i.B(), i.C()
	switch op {
	case OpJmp, OpExtraArg, OpReturn0, OpVarargPrep:
		return
	case OpSetTabUp:
		if !i.K() {
			use(c)
		}
		return
	}
	use(a)
	switch op {
	case OpMove, OpGetI, OpGetField, OpUnm, OpBNot, OpNot, OpLen, OpTestSet,
		OpAddI, OpAddK, OpSubK, OpMulK, OpModK, OpPowK, OpDivK, OpIDivK,
		OpBAndK, OpBOrK, OpBXorK, OpShrI, OpShlI, OpMMBin, OpEq, OpLt, OpLe:
		use(b)
	case OpGetTable, OpAdd, OpSub, OpMul, OpMod, OpPow, OpDiv, OpIDiv,
		OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
		use(b)
		use(c)
	case OpSetTable:
		use(b)
		if !i.K() {
			use(c)
		}
	case OpSetI, OpSetField:
		if !i.K() {
			use(c)
		}
	case OpSelf:
		use(a + 1)
		use(b)
		if !i.K() {
			use(c)
		}
	case OpLoadNil:
		use(a + b)
	case OpConcat:
		use(a + b - 1)
	case OpForPrep, OpForLoop, OpTForPrep:
		use(a + 3)
	case OpTForCall:
		use(a + 3 + c)
		use(a + 6)
	case OpTForLoop:
		use(a + 4)
	case OpCall:
		if b > 0 {
			use(a + b - 1)
		}
		if c > 1 {
			use(a + c - 2)
		}
	case OpTailCall:
		if b > 0 {
			use(a + b - 1)
		}
	case OpReturn:
		if b > 1 {
			use(a + b - 2)
		}
	case OpVararg:
		if c > 1 {
			use(a + c - 2)
		}
	case OpSetList:
		if b > 0 {
			use(a + b)
		}
	}
}
