// Package asm implements a text assembler and disassembler for cobalt
// prototypes.
//
// A listing is a tree of .function blocks. Directives set prototype
// attributes, labels name jump targets and each remaining line is one
// instruction:
//
//	.function main
//	.vararg
//	.upvalue _ENV stack 0
//	    VARARGPREP 0
//	    GETTABUP 0 0 "print"   ; string operands become constants
//	    LOADK 1 #42            ; so do #-prefixed numbers
//	    CALL 0 2 1
//	    RETURN 0 1 1
//	.end
//
// Signed operands (sB, sC, sBx, sJ) are written as signed numbers. Jump
// operands of JMP, FORPREP, FORLOOP, TFORPREP and TFORLOOP may name a
// label. CLOSURE takes @name of a nested function declared earlier in
// the enclosing function.
package asm

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/cobalt/vm"
)

// function is an open .function block.
type function struct {
	name     string
	b        *vm.ProtoBuilder
	labels   map[string]*vm.Label
	children map[string]int
}

type assembler struct {
	chunk string
	stack []*function
	main  *vm.Proto
	line  int
}

// Assemble parses a listing and returns its validated main prototype.
// chunkName becomes the source of every function without a .source
// directive.
func Assemble(text, chunkName string) (*vm.Proto, error) {
	a := &assembler{chunk: chunkName}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		a.line++
		toks, err := tokenize(sc.Text(), a.line)
		if err != nil {
			return nil, err
		}
		if err := a.handle(toks); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(a.stack) > 0 {
		return nil, a.errorf("function %q not closed with .end", a.stack[len(a.stack)-1].name)
	}
	if a.main == nil {
		return nil, a.errorf("no function defined")
	}
	return a.main, nil
}

func (a *assembler) errorf(format string, args ...any) error {
	return &Error{Line: a.line, Msg: fmt.Sprintf(format, args...)}
}

func (a *assembler) current() (*function, error) {
	if len(a.stack) == 0 {
		return nil, a.errorf("outside of a .function block")
	}
	return a.stack[len(a.stack)-1], nil
}

func (a *assembler) handle(toks []Token) error {
	for len(toks) > 0 && toks[0].Kind == TokenLabelDef {
		fn, err := a.current()
		if err != nil {
			return err
		}
		fn.b.Mark(fn.label(toks[0].Text))
		toks = toks[1:]
	}
	if len(toks) == 0 {
		return nil
	}
	head := toks[0]
	if head.Kind != TokenWord {
		return a.errorf("unexpected %s", head.Text)
	}
	if strings.HasPrefix(head.Text, ".") {
		return a.directive(head.Text, toks[1:])
	}
	return a.instruction(head.Text, toks[1:])
}

func (fn *function) label(name string) *vm.Label {
	l, ok := fn.labels[name]
	if !ok {
		l = fn.b.NewLabel(name)
		fn.labels[name] = l
	}
	return l
}

// ---------------------------------------------------------------------------
// Directives
// ---------------------------------------------------------------------------

func (a *assembler) directive(name string, args []Token) error {
	if name == ".function" {
		fname := "main"
		if len(args) > 0 {
			fname = args[0].Text
		}
		if len(a.stack) == 0 && a.main != nil {
			return a.errorf("only one top-level function is allowed")
		}
		a.stack = append(a.stack, &function{
			name:     fname,
			b:        vm.NewProtoBuilder(a.chunk),
			labels:   make(map[string]*vm.Label),
			children: make(map[string]int),
		})
		return nil
	}

	fn, err := a.current()
	if err != nil {
		return err
	}
	switch name {
	case ".end":
		a.stack = a.stack[:len(a.stack)-1]
		p, err := fn.b.Build()
		if err != nil {
			return a.errorf("function %s: %v", fn.name, err)
		}
		if len(a.stack) == 0 {
			a.main = p
			return nil
		}
		parent := a.stack[len(a.stack)-1]
		if _, dup := parent.children[fn.name]; dup {
			return a.errorf("function %s declared twice", fn.name)
		}
		parent.children[fn.name] = parent.b.Child(p)
	case ".source":
		if len(args) != 1 || args[0].Kind != TokenString {
			return a.errorf(".source expects a quoted string")
		}
		s, err := a.name(args[0])
		if err != nil {
			return err
		}
		fn.b.Source(s)
	case ".params", ".maxstack", ".line":
		n, err := a.ints(args, 1)
		if err != nil {
			return err
		}
		switch name {
		case ".params":
			fn.b.Params(n[0])
		case ".maxstack":
			fn.b.MaxStack(n[0])
		default:
			fn.b.Line(n[0])
		}
	case ".defined":
		n, err := a.ints(args, 2)
		if err != nil {
			return err
		}
		fn.b.Defined(n[0], n[1])
	case ".vararg":
		fn.b.Vararg()
	case ".upvalue":
		if len(args) != 3 {
			return a.errorf(".upvalue expects name, stack|outer, index")
		}
		var inStack bool
		switch args[1].Text {
		case "stack":
			inStack = true
		case "outer":
		default:
			return a.errorf("upvalue location must be stack or outer, got %s", args[1].Text)
		}
		idx, err := a.int(args[2])
		if err != nil {
			return err
		}
		uname, err := a.name(args[0])
		if err != nil {
			return err
		}
		fn.b.Upvalue(uname, inStack, idx)
	case ".local":
		if len(args) != 3 {
			return a.errorf(".local expects name, start, end")
		}
		n, err := a.ints(args[1:], 2)
		if err != nil {
			return err
		}
		lname, err := a.name(args[0])
		if err != nil {
			return err
		}
		fn.b.Local(lname, n[0], n[1])
	case ".const":
		if len(args) != 1 {
			return a.errorf(".const expects one value")
		}
		v, err := a.literal(args[0])
		if err != nil {
			return err
		}
		fn.b.AddConstant(v)
	default:
		return a.errorf("unknown directive %s", name)
	}
	return nil
}

// name accepts a bare word or a quoted string.
func (a *assembler) name(tok Token) (string, error) {
	if tok.Kind != TokenString {
		return tok.Text, nil
	}
	s, err := strconv.Unquote(tok.Text)
	if err != nil {
		return "", a.errorf("bad string %s", tok.Text)
	}
	return s, nil
}

func (a *assembler) int(tok Token) (int, error) {
	n, err := strconv.Atoi(tok.Text)
	if err != nil || tok.Kind != TokenWord {
		return 0, a.errorf("expected integer, got %s", tok.Text)
	}
	return n, nil
}

func (a *assembler) ints(args []Token, want int) ([]int, error) {
	if len(args) != want {
		return nil, a.errorf("expected %d operands, got %d", want, len(args))
	}
	out := make([]int, want)
	for i, tok := range args {
		n, err := a.int(tok)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// literal parses a constant: a quoted string, nil, true, false, an integer,
// or a float (including inf, -inf and nan). A leading '#' is ignored.
func (a *assembler) literal(tok Token) (vm.Value, error) {
	if tok.Kind == TokenString {
		s, err := strconv.Unquote(tok.Text)
		if err != nil {
			return nil, a.errorf("bad string %s", tok.Text)
		}
		return vm.String(s), nil
	}
	text := strings.TrimPrefix(tok.Text, "#")
	switch text {
	case "nil":
		return nil, nil
	case "true":
		return vm.Bool(true), nil
	case "false":
		return vm.Bool(false), nil
	case "inf":
		return vm.Float(math.Inf(1)), nil
	case "-inf":
		return vm.Float(math.Inf(-1)), nil
	case "nan":
		return vm.Float(math.NaN()), nil
	}
	if !strings.ContainsAny(text, ".eEnN") {
		if i, err := strconv.ParseInt(text, 0, 64); err == nil {
			return vm.Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, a.errorf("bad constant %s", tok.Text)
	}
	return vm.Float(f), nil
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

func (a *assembler) instruction(mnemonic string, args []Token) error {
	fn, err := a.current()
	if err != nil {
		return err
	}
	op, ok := vm.LookupOpcode(strings.ToUpper(mnemonic))
	if !ok {
		return a.errorf("unknown opcode %s", mnemonic)
	}

	// Label operands go through the builder so offsets are patched once
	// the target is marked.
	if n := len(args); n > 0 && args[n-1].Kind == TokenWord && isIdent(args[n-1].Text) && isJump(op) {
		target := fn.label(args[n-1].Text)
		if op == vm.OpJmp {
			if n != 1 {
				return a.errorf("JMP takes one operand")
			}
			fn.b.Jump(target)
			return nil
		}
		if n != 2 {
			return a.errorf("%s takes two operands", op)
		}
		ra, err := a.operand(fn, args[0])
		if err != nil {
			return err
		}
		fn.b.JumpTo(op, ra, target)
		return nil
	}

	k := false
	if n := len(args); n > 0 && args[n-1].Kind == TokenWord && args[n-1].Text == "k" {
		k = true
		args = args[:n-1]
	}
	ops := make([]int, len(args))
	for i, tok := range args {
		if ops[i], err = a.operand(fn, tok); err != nil {
			return err
		}
	}
	get := func(i int) int {
		if i < len(ops) {
			return ops[i]
		}
		return 0
	}

	switch op.Format() {
	case vm.FormatABC:
		if len(ops) > 3 {
			return a.errorf("%s takes at most three operands", op)
		}
		b, c := get(1), get(2)
		switch signedOperand(op) {
		case 'B':
			b += vm.OffsetSC
		case 'C':
			c += vm.OffsetSC
		}
		if err := a.checkRange(op, get(0), vm.MaxArgA, b, vm.MaxArgB, c, vm.MaxArgC); err != nil {
			return err
		}
		fn.b.ABC(op, get(0), b, c, k)
	case vm.FormatABx:
		if len(ops) > 2 {
			return a.errorf("%s takes at most two operands", op)
		}
		if err := a.checkRange(op, get(0), vm.MaxArgA, get(1), vm.MaxArgBx); err != nil {
			return err
		}
		fn.b.ABx(op, get(0), get(1))
	case vm.FormatAsBx:
		if len(ops) > 2 {
			return a.errorf("%s takes at most two operands", op)
		}
		if err := a.checkRange(op, get(0), vm.MaxArgA, get(1)+vm.OffsetSBx, vm.MaxArgBx); err != nil {
			return err
		}
		fn.b.AsBx(op, get(0), get(1))
	case vm.FormatAx:
		if len(ops) > 1 {
			return a.errorf("%s takes one operand", op)
		}
		if err := a.checkRange(op, get(0), vm.MaxArgAx); err != nil {
			return err
		}
		fn.b.Ax(op, get(0))
	case vm.FormatSJ:
		if len(ops) > 1 {
			return a.errorf("%s takes one operand", op)
		}
		if err := a.checkRange(op, get(0)+vm.OffsetSJ, vm.MaxArgSJ); err != nil {
			return err
		}
		fn.b.Emit(vm.CreateSJ(op, get(0)))
	}
	return nil
}

// checkRange takes (value, max) pairs.
func (a *assembler) checkRange(op vm.Opcode, pairs ...int) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] < 0 || pairs[i] > pairs[i+1] {
			return a.errorf("%s: operand %d out of range", op, i/2+1)
		}
	}
	return nil
}

func (a *assembler) operand(fn *function, tok Token) (int, error) {
	switch {
	case tok.Kind == TokenString || strings.HasPrefix(tok.Text, "#"):
		v, err := a.literal(tok)
		if err != nil {
			return 0, err
		}
		return fn.b.Constant(v), nil
	case strings.HasPrefix(tok.Text, "@"):
		idx, ok := fn.children[tok.Text[1:]]
		if !ok {
			return 0, a.errorf("unknown function %s", tok.Text)
		}
		return idx, nil
	}
	return a.int(tok)
}

func isJump(op vm.Opcode) bool {
	switch op {
	case vm.OpJmp, vm.OpForPrep, vm.OpForLoop, vm.OpTForPrep, vm.OpTForLoop:
		return true
	}
	return false
}

// signedOperand reports which ABC operand of op is excess-encoded.
func signedOperand(op vm.Opcode) byte {
	switch op {
	case vm.OpAddI, vm.OpShrI, vm.OpShlI:
		return 'C'
	case vm.OpMMBinI, vm.OpEqI, vm.OpLtI, vm.OpLeI, vm.OpGtI, vm.OpGeI:
		return 'B'
	}
	return 0
}
