package vm

import "fmt"

// operand records where an offending value was read from so error messages
// can name the variable: a register (>= 0), an upvalue (<= -2) or nothing.
type operand int

const noOperand operand = -1

func regOperand(r int) operand   { return operand(r) }
func upvalOperand(u int) operand { return operand(-2 - u) }

// varInfo renders " (<kind> '<name>')" for src in the running Lua function.
func (t *Thread) varInfo(src operand) string {
	ci := t.ci
	if src == noOperand || !ci.isLua() {
		return ""
	}
	cl, ok := t.stack[ci.fn].(*Closure)
	if !ok {
		return ""
	}
	p := cl.Proto
	var kind, name string
	if src <= -2 {
		u := int(-2 - src)
		if u < len(p.Upvalues) {
			kind, name = "upvalue", upvalName(p, u)
		}
	} else {
		kind, name = getObjName(p, ci.currentPC(), int(src))
	}
	if kind == "" {
		return ""
	}
	return fmt.Sprintf(" (%s '%s')", kind, name)
}

func upvalName(p *Proto, u int) string {
	if name := p.Upvalues[u].Name; name != "" {
		return name
	}
	return "?"
}

// getObjName guesses a name for register reg at lastpc: a local's name, or
// the global, field, upvalue or constant it was loaded from.
func getObjName(p *Proto, lastpc, reg int) (kind, name string) {
	if name = p.LocalName(reg+1, lastpc); name != "" {
		return "local", name
	}
	pc := findSetReg(p, lastpc, reg)
	if pc < 0 {
		return "", ""
	}
	i := p.Code[pc]
	switch i.Op() {
	case OpMove:
		if b := i.B(); b < i.A() {
			return getObjName(p, pc, b)
		}
	case OpGetTabUp:
		name = constName(p, i.C())
		if upvalName(p, i.B()) == "_ENV" {
			return "global", name
		}
		return "field", name
	case OpGetTable:
		name = regConstName(p, pc, i.C())
		if isEnvReg(p, pc, i.B()) {
			return "global", name
		}
		return "field", name
	case OpGetI:
		return "field", "integer index"
	case OpGetField:
		name = constName(p, i.C())
		if isEnvReg(p, pc, i.B()) {
			return "global", name
		}
		return "field", name
	case OpGetUpval:
		return "upvalue", upvalName(p, i.B())
	case OpLoadK, OpLoadKX:
		b := i.Bx()
		if i.Op() == OpLoadKX && pc+1 < len(p.Code) {
			b = p.Code[pc+1].Ax()
		}
		if b < len(p.Constants) {
			if s, ok := p.Constants[b].(String); ok {
				return "constant", string(s)
			}
		}
	case OpSelf:
		if i.K() {
			return "method", constName(p, i.C())
		}
		return "method", regConstName(p, pc, i.C())
	}
	return "", ""
}

func constName(p *Proto, k int) string {
	if k < len(p.Constants) {
		if s, ok := p.Constants[k].(String); ok {
			return string(s)
		}
	}
	return "?"
}

func regConstName(p *Proto, pc, reg int) string {
	if kind, name := getObjName(p, pc, reg); kind == "constant" {
		return name
	}
	return "?"
}

func isEnvReg(p *Proto, pc, reg int) bool {
	_, name := getObjName(p, pc, reg)
	return name == "_ENV"
}

// findSetReg returns the pc of the last instruction before lastpc that wrote
// reg, or -1 when that cannot be known because of an intervening jump.
func findSetReg(p *Proto, lastpc, reg int) int {
	if lastpc < 0 || lastpc >= len(p.Code) {
		return -1
	}
	if p.Code[lastpc].Op().IsMM() {
		lastpc--
	}
	setreg, jmptarget := -1, 0
	for pc := 0; pc < lastpc; pc++ {
		i := p.Code[pc]
		a := i.A()
		change := false
		switch i.Op() {
		case OpLoadNil:
			change = a <= reg && reg <= a+i.B()
		case OpTForCall:
			change = reg >= a+2
		case OpCall, OpTailCall:
			change = reg >= a
		case OpJmp:
			dest := pc + 1 + i.SJ()
			if dest <= lastpc && dest > jmptarget {
				jmptarget = dest
			}
		default:
			change = opModes[i.Op()].setsA && reg == a
		}
		if change {
			if pc < jmptarget {
				setreg = -1
			} else {
				setreg = pc
			}
		}
	}
	return setreg
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Where returns "chunk:line: " for the function level frames up the call
// chain (0 is the running function), or "" when it is not a script function.
func (t *Thread) Where(level int) string {
	return t.where(level)
}

// CurrentLine returns the line being executed by the script function level
// frames up the call chain, or 0.
func (t *Thread) CurrentLine(level int) int {
	ci := t.ci
	for ; level > 0 && ci != nil; level-- {
		ci = ci.prev
	}
	if ci == nil || !ci.isLua() {
		return 0
	}
	return t.stack[ci.fn].(*Closure).Proto.Line(ci.currentPC())
}

// Traceback returns the current call chain, innermost first.
func (t *Thread) Traceback() []Frame {
	return t.traceback()
}
