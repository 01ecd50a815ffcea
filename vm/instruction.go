package vm

import "fmt"

// Instruction is one 32-bit encoded VM instruction. The low 7 bits hold the
// opcode; the remaining bits are laid out according to the opcode's format:
//
//	iABC   C(8) | B(8) | k(1) | A(8) | Op(7)
//	iABx        Bx(17)      | A(8) | Op(7)
//	iAsBx      sBx(17)      | A(8) | Op(7)
//	iAx              Ax(25)        | Op(7)
//	isJ              sJ(25)        | Op(7)
//
// Signed fields use excess-K encoding.
type Instruction uint32

const (
	sizeOp = 7
	sizeA  = 8
	sizeB  = 8
	sizeC  = 8
	sizeBx = sizeC + sizeB + 1
	sizeAx = sizeBx + sizeA
	sizeSJ = sizeBx + sizeA

	posOp = 0
	posA  = posOp + sizeOp
	posK  = posA + sizeA
	posB  = posK + 1
	posC  = posB + sizeB
	posBx = posK
	posAx = posA
	posSJ = posA

	MaxArgA  = 1<<sizeA - 1
	MaxArgB  = 1<<sizeB - 1
	MaxArgC  = 1<<sizeC - 1
	MaxArgBx = 1<<sizeBx - 1
	MaxArgAx = 1<<sizeAx - 1
	MaxArgSJ = 1<<sizeSJ - 1

	OffsetSBx = MaxArgBx >> 1
	OffsetSJ  = MaxArgSJ >> 1
	OffsetSC  = MaxArgC >> 1

	// FieldsPerFlush is the number of list items accumulated before a SETLIST.
	FieldsPerFlush = 50
)

func mask(n uint) uint32 { return 1<<n - 1 }

func (i Instruction) arg(pos, size uint) int {
	return int(uint32(i) >> pos & mask(size))
}

// Op returns the instruction's opcode.
func (i Instruction) Op() Opcode { return Opcode(uint32(i) & mask(sizeOp)) }

// A returns the A operand.
func (i Instruction) A() int { return i.arg(posA, sizeA) }

// B returns the B operand.
func (i Instruction) B() int { return i.arg(posB, sizeB) }

// C returns the C operand.
func (i Instruction) C() int { return i.arg(posC, sizeC) }

// K reports whether the k flag is set.
func (i Instruction) K() bool { return i.arg(posK, 1) != 0 }

// Bx returns the unsigned Bx operand.
func (i Instruction) Bx() int { return i.arg(posBx, sizeBx) }

// SBx returns the signed Bx operand.
func (i Instruction) SBx() int { return i.Bx() - OffsetSBx }

// Ax returns the Ax operand.
func (i Instruction) Ax() int { return i.arg(posAx, sizeAx) }

// SJ returns the signed jump operand.
func (i Instruction) SJ() int { return i.arg(posSJ, sizeSJ) - OffsetSJ }

// SB returns B as a signed immediate.
func (i Instruction) SB() int { return i.B() - OffsetSC }

// SC returns C as a signed immediate.
func (i Instruction) SC() int { return i.C() - OffsetSC }

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// CreateABC encodes an iABC instruction.
func CreateABC(op Opcode, a, b, c int, k bool) Instruction {
	return Instruction(uint32(op)<<posOp | uint32(a)<<posA | uint32(b)<<posB |
		uint32(c)<<posC | boolBit(k)<<posK)
}

// CreateABx encodes an iABx instruction.
func CreateABx(op Opcode, a, bx int) Instruction {
	return Instruction(uint32(op)<<posOp | uint32(a)<<posA | uint32(bx)<<posBx)
}

// CreateAsBx encodes an iAsBx instruction.
func CreateAsBx(op Opcode, a, sbx int) Instruction {
	return CreateABx(op, a, sbx+OffsetSBx)
}

// CreateAx encodes an iAx instruction.
func CreateAx(op Opcode, ax int) Instruction {
	return Instruction(uint32(op)<<posOp | uint32(ax)<<posAx)
}

// CreateSJ encodes an isJ instruction.
func CreateSJ(op Opcode, sj int) Instruction {
	return Instruction(uint32(op)<<posOp | uint32(sj+OffsetSJ)<<posSJ)
}

// isIT reports whether the instruction consumes the stack top left by the
// previous instruction instead of the frame's fixed top.
func (i Instruction) isIT() bool {
	return opModes[i.Op()].it && i.B() == 0
}

func (i Instruction) String() string {
	op := i.Op()
	if int(op) >= NumOpcodes {
		return fmt.Sprintf("<invalid %#08x>", uint32(i))
	}
	switch opModes[op].format {
	case FormatABx:
		return fmt.Sprintf("%-10s %d %d", op, i.A(), i.Bx())
	case FormatAsBx:
		return fmt.Sprintf("%-10s %d %d", op, i.A(), i.SBx())
	case FormatAx:
		return fmt.Sprintf("%-10s %d", op, i.Ax())
	case FormatSJ:
		return fmt.Sprintf("%-10s %d", op, i.SJ())
	}
	if i.K() {
		return fmt.Sprintf("%-10s %d %d %d k", op, i.A(), i.B(), i.C())
	}
	return fmt.Sprintf("%-10s %d %d %d", op, i.A(), i.B(), i.C())
}
