package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderConstants(t *testing.T) {
	b := NewProtoBuilder("=test")
	one := b.Constant(Int(1))
	assert.Equal(t, one, b.Constant(Int(1)))
	assert.NotEqual(t, one, b.Constant(Float(1)), "integer and float constants stay distinct")
	assert.NotEqual(t, b.Constant(Float(math.NaN())), b.Constant(Float(math.NaN())))
	assert.Equal(t, b.Constant(String("x")), b.Constant(String("x")))

	dup := b.AddConstant(Int(1))
	assert.NotEqual(t, one, dup)
	assert.Equal(t, one, b.Constant(Int(1)), "interning keeps the first index")
}

func TestBuilderLabels(t *testing.T) {
	b := NewProtoBuilder("=test")
	end := b.NewLabel("end")
	b.Jump(end)
	loadI(b, 0, 1)
	b.Mark(end)
	b.ABC(OpReturn0, 0, 0, 0, false)
	p, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 1, p.Code[0].SJ())

	back := NewProtoBuilder("=test")
	top := back.NewLabel("top")
	back.Mark(top)
	loadI(back, 0, 1)
	back.Jump(top)
	back.ABC(OpReturn0, 0, 0, 0, false)
	p = back.MustBuild()
	assert.Equal(t, -2, p.Code[1].SJ())
}

func TestBuilderLabelErrors(t *testing.T) {
	t.Run("never marked", func(t *testing.T) {
		b := NewProtoBuilder("=test")
		b.Jump(b.NewLabel("nowhere"))
		b.ABC(OpReturn0, 0, 0, 0, false)
		_, err := b.Build()
		assert.EqualError(t, err, `label "nowhere" used but never marked`)
	})

	t.Run("marked twice", func(t *testing.T) {
		b := NewProtoBuilder("=test")
		l := b.NewLabel("twice")
		b.Mark(l)
		b.Mark(l)
		b.ABC(OpReturn0, 0, 0, 0, false)
		_, err := b.Build()
		assert.EqualError(t, err, `label "twice" marked twice`)
	})

	t.Run("wrong direction", func(t *testing.T) {
		b := NewProtoBuilder("=test")
		l := b.NewLabel("early")
		b.Mark(l)
		b.JumpTo(OpForPrep, 0, l)
		b.ABC(OpReturn0, 0, 0, 0, false)
		_, err := b.Build()
		assert.EqualError(t, err, "FORPREP at pc 0 cannot jump backwards")
	})

	t.Run("not a jump", func(t *testing.T) {
		b := NewProtoBuilder("=test")
		l := b.NewLabel("x")
		b.JumpTo(OpMove, 0, l)
		b.Mark(l)
		b.ABC(OpReturn0, 0, 0, 0, false)
		_, err := b.Build()
		assert.EqualError(t, err, "MOVE does not take a label")
	})
}

func TestBuilderFrameSize(t *testing.T) {
	b := NewProtoBuilder("=test")
	b.ABC(OpReturn0, 0, 0, 0, false)
	assert.Equal(t, 2, b.MustBuild().MaxStackSize, "frames have at least two registers")

	b = NewProtoBuilder("=test").Params(1)
	b.ABC(OpLoadNil, 1, 4, 0, false)
	b.ABC(OpReturn0, 0, 0, 0, false)
	assert.Equal(t, 6, b.MustBuild().MaxStackSize)

	b = NewProtoBuilder("=test").MaxStack(10)
	b.ABC(OpReturn0, 0, 0, 0, false)
	assert.Equal(t, 10, b.MustBuild().MaxStackSize)
}

func TestBuilderNewTable(t *testing.T) {
	b := NewProtoBuilder("=test")
	b.NewTable(0, 3, 5)
	b.ABC(OpReturn1, 0, 0, 0, false)
	p := b.MustBuild()
	assert.Equal(t, OpNewTable, p.Code[0].Op())
	assert.Equal(t, 4, p.Code[0].B(), "hash size is stored as log2 + 1")
	assert.Equal(t, 3, p.Code[0].C())
	assert.Equal(t, OpExtraArg, p.Code[1].Op())
	assert.Nil(t, p.LineInfo, "no Line call means no line info")
}

func invalid(t *testing.T, p *Proto) *ValidationError {
	t.Helper()
	err := p.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	return ve
}

func TestValidate(t *testing.T) {
	proto := func(code ...Instruction) *Proto {
		return &Proto{Source: "=test", MaxStackSize: 2, Code: code}
	}
	ret := CreateABC(OpReturn0, 0, 0, 0, false)

	tests := []struct {
		name string
		p    *Proto
		pc   int
		msg  string
	}{
		{"empty", proto(), -1, "empty code"},
		{"no return", proto(CreateAsBx(OpLoadI, 0, 1)), 0, "code does not end in a return"},
		{"register", proto(CreateABC(OpMove, 5, 0, 0, false), ret), 0, "register 5 out of range"},
		{"constant", proto(CreateABx(OpLoadK, 0, 3), ret), 0, "constant 3 out of range"},
		{"jump", proto(CreateSJ(OpJmp, 10), ret), 0, "jump target 11 out of range"},
		{"extraarg", proto(CreateABC(OpNewTable, 0, 0, 0, false), ret), 0, "missing EXTRAARG"},
		{"test", proto(CreateABC(OpTest, 0, 0, 0, false), ret), 0, "test not followed by a jump"},
		{"arith", proto(CreateABC(OpAddI, 0, 0, OffsetSC, false), ret), 0, "arithmetic not followed by a metamethod fallback"},
		{"upvalue", proto(CreateABC(OpGetUpval, 0, 0, 0, false), ret), 0, "upvalue 0 out of range"},
		{"closure", proto(CreateABx(OpClosure, 0, 0), ret), 0, "prototype 0 out of range"},
		{"jump past end", proto(CreateSJ(OpJmp, 1), ret), 0, "jump target 2 out of range"},
		{"skip past end", proto(CreateABC(OpLFalseSkip, 0, 0, 0, false), ret), 0, "skip target 2 out of range"},
		{"arith operand", proto(CreateABC(OpAdd, 0, 250, 250, false), ret), 0, "register 250 out of range"},
		{"compare operand", proto(CreateABC(OpLt, 0, 7, 0, false), CreateSJ(OpJmp, 0), ret), 0, "register 7 out of range"},
		{"call window", proto(CreateABC(OpCall, 0, 5, 1, false), ret), 0, "register 4 out of range"},
		{"return window", proto(CreateABC(OpReturn, 0, 255, 0, false)), 0, "register 253 out of range"},
		{"vararg window", proto(CreateABC(OpVararg, 0, 0, 4, false), ret), 0, "register 2 out of range"},
		{"event", proto(CreateABC(OpMMBin, 0, 1, 99, false), ret), 0, "metamethod event 99 out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ve := invalid(t, tt.p)
			assert.Equal(t, "function <test:0>", ve.Proto)
			assert.Equal(t, tt.pc, ve.PC)
			assert.Equal(t, tt.msg, ve.Msg)
		})
	}

	lines := proto(ret)
	lines.LineInfo = []int32{1, 2}
	assert.EqualError(t, lines.Validate(), "invalid function <test:0>: line info has 2 entries for 1 instructions")
}

func TestValidateNestedUpvalues(t *testing.T) {
	child := NewProtoBuilder("=test").Defined(3, 4)
	child.Upvalue("x", true, 5)
	child.ABC(OpReturn0, 0, 0, 0, false)

	parent := &Proto{
		Source:       "=test",
		MaxStackSize: 2,
		Code:         []Instruction{CreateABx(OpClosure, 0, 0), CreateABC(OpReturn0, 0, 0, 0, false)},
		Protos:       []*Proto{child.MustBuild()},
	}
	ve := invalid(t, parent)
	assert.Equal(t, "function <test:3>", ve.Proto)
	assert.Equal(t, "upvalue 0 captures register 5 of a 2-register frame", ve.Msg)

	parent.Protos[0].Upvalues[0] = UpvalueDesc{Name: "x", Index: 0}
	ve = invalid(t, parent)
	assert.Equal(t, "upvalue 0 captures missing enclosing upvalue 0", ve.Msg)

	parent.Protos[0].Upvalues[0] = UpvalueDesc{Name: "x", InStack: true, Index: 1}
	assert.NoError(t, parent.Validate())
}
