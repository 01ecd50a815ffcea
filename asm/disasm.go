package asm

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/cobalt/vm"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble writes p and its nested functions as a listing that Assemble
// turns back into an identical prototype.
func Disassemble(w io.Writer, p *vm.Proto) error {
	d := &disassembler{w: w}
	d.function("main", p, 0)
	return d.err
}

// DisassembleString returns the listing of p.
func DisassembleString(p *vm.Proto) string {
	var buf bytes.Buffer
	_ = Disassemble(&buf, p)
	return buf.String()
}

type disassembler struct {
	w   io.Writer
	err error
}

func (d *disassembler) printf(depth int, format string, args ...any) {
	if d.err != nil {
		return
	}
	_, d.err = fmt.Fprintf(d.w, strings.Repeat("  ", depth)+format+"\n", args...)
}

func (d *disassembler) function(name string, p *vm.Proto, depth int) {
	d.printf(depth, ".function %s", name)
	d.printf(depth, ".source %s", strconv.Quote(p.Source))
	if p.LineDefined != 0 || p.LastLineDefined != 0 {
		d.printf(depth, ".defined %d %d", p.LineDefined, p.LastLineDefined)
	}
	if p.NumParams != 0 {
		d.printf(depth, ".params %d", p.NumParams)
	}
	if p.IsVararg {
		d.printf(depth, ".vararg")
	}
	d.printf(depth, ".maxstack %d", p.MaxStackSize)
	for _, uv := range p.Upvalues {
		where := "outer"
		if uv.InStack {
			where = "stack"
		}
		d.printf(depth, ".upvalue %s %s %d", strconv.Quote(uv.Name), where, uv.Index)
	}
	for _, lv := range p.LocVars {
		d.printf(depth, ".local %s %d %d", strconv.Quote(lv.Name), lv.StartPC, lv.EndPC)
	}
	for _, k := range p.Constants {
		d.printf(depth, ".const %s", FormatConstant(k))
	}
	for i, child := range p.Protos {
		d.function(fmt.Sprintf("f%d", i), child, depth+1)
	}

	targets := jumpTargets(p)
	line := int32(-1)
	for pc, ins := range p.Code {
		if targets[pc] {
			d.printf(depth, "L%d:", pc)
		}
		if pc < len(p.LineInfo) && p.LineInfo[pc] != line {
			line = p.LineInfo[pc]
			d.printf(depth+1, ".line %d", line)
		}
		text, comment := instructionText(p, pc, ins, targets)
		if comment != "" {
			d.printf(depth+1, "%-24s ; %s", text, comment)
		} else {
			d.printf(depth+1, "%s", text)
		}
	}
	if targets[len(p.Code)] {
		d.printf(depth, "L%d:", len(p.Code))
	}
	d.printf(depth, ".end")
}

// jumpTarget returns the pc an instruction jumps to, if it is a jump.
func jumpTarget(pc int, i vm.Instruction) (int, bool) {
	switch i.Op() {
	case vm.OpJmp:
		return pc + 1 + i.SJ(), true
	case vm.OpForPrep, vm.OpTForPrep:
		return pc + 1 + i.Bx(), true
	case vm.OpForLoop, vm.OpTForLoop:
		return pc + 1 - i.Bx(), true
	}
	return 0, false
}

func jumpTargets(p *vm.Proto) map[int]bool {
	targets := make(map[int]bool)
	for pc, ins := range p.Code {
		if target, ok := jumpTarget(pc, ins); ok && target >= 0 && target <= len(p.Code) {
			targets[target] = true
		}
	}
	return targets
}

func instructionText(p *vm.Proto, pc int, i vm.Instruction, targets map[int]bool) (text, comment string) {
	op := i.Op()
	if int(op) >= vm.NumOpcodes {
		return fmt.Sprintf("; invalid %#08x", uint32(i)), ""
	}
	if target, ok := jumpTarget(pc, i); ok && targets[target] {
		if op == vm.OpJmp {
			return fmt.Sprintf("%s L%d", op, target), ""
		}
		return fmt.Sprintf("%s %d L%d", op, i.A(), target), ""
	}

	switch op.Format() {
	case vm.FormatABx:
		if op == vm.OpClosure {
			return fmt.Sprintf("%s %d @f%d", op, i.A(), i.Bx()), ""
		}
		text = fmt.Sprintf("%s %d %d", op, i.A(), i.Bx())
		if op == vm.OpLoadK {
			comment = constantComment(p, i.Bx())
		}
		return text, comment
	case vm.FormatAsBx:
		return fmt.Sprintf("%s %d %d", op, i.A(), i.SBx()), ""
	case vm.FormatAx:
		return fmt.Sprintf("%s %d", op, i.Ax()), ""
	case vm.FormatSJ:
		return fmt.Sprintf("%s %d", op, i.SJ()), ""
	}

	b, c := i.B(), i.C()
	switch signedOperand(op) {
	case 'B':
		b = i.SB()
	case 'C':
		c = i.SC()
	}
	text = fmt.Sprintf("%s %d %d %d", op, i.A(), b, c)
	if i.K() {
		text += " k"
	}

	var refs []string
	add := func(k int) {
		if s := constantComment(p, k); s != "" {
			refs = append(refs, s)
		}
	}
	switch op {
	case vm.OpGetTabUp, vm.OpGetField:
		add(i.C())
	case vm.OpSetTabUp, vm.OpSetField:
		add(i.B())
		if i.K() {
			add(i.C())
		}
	case vm.OpSetTable, vm.OpSetI, vm.OpSelf:
		if i.K() {
			add(i.C())
		}
	case vm.OpAddK, vm.OpSubK, vm.OpMulK, vm.OpModK, vm.OpPowK, vm.OpDivK, vm.OpIDivK,
		vm.OpBAndK, vm.OpBOrK, vm.OpBXorK:
		add(i.C())
	case vm.OpMMBinK, vm.OpEqK:
		add(i.B())
	}
	return text, strings.Join(refs, " ")
}

func constantComment(p *vm.Proto, k int) string {
	if k < 0 || k >= len(p.Constants) {
		return ""
	}
	return FormatConstant(p.Constants[k])
}

// FormatConstant renders a constant in the syntax .const accepts.
func FormatConstant(v vm.Value) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case vm.Bool:
		return strconv.FormatBool(bool(v))
	case vm.Int:
		return strconv.FormatInt(int64(v), 10)
	case vm.Float:
		f := float64(v)
		switch {
		case math.IsNaN(f):
			return "nan"
		case math.IsInf(f, 1):
			return "inf"
		case math.IsInf(f, -1):
			return "-inf"
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case vm.String:
		return strconv.Quote(string(v))
	}
	return fmt.Sprintf("<%s>", v.Type())
}
