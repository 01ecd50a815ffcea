package vm

import "fmt"

// Opcode identifies a VM instruction.
type Opcode uint8

// Opcodes. Register operands are written R[x], constants K[x], upvalues
// U[x]; sJ/sBx are signed jump offsets relative to the next instruction.
const (
	// Loads and moves
	OpMove       Opcode = iota // R[A] := R[B]
	OpLoadI                    // R[A] := sBx
	OpLoadF                    // R[A] := float(sBx)
	OpLoadK                    // R[A] := K[Bx]
	OpLoadKX                   // R[A] := K[extra arg]
	OpLoadFalse                // R[A] := false
	OpLFalseSkip               // R[A] := false; pc++
	OpLoadTrue                 // R[A] := true
	OpLoadNil                  // R[A], ..., R[A+B] := nil
	OpGetUpval                 // R[A] := U[B]
	OpSetUpval                 // U[B] := R[A]

	// Table access
	OpGetTabUp // R[A] := U[B][K[C]:string]
	OpGetTable // R[A] := R[B][R[C]]
	OpGetI     // R[A] := R[B][C]
	OpGetField // R[A] := R[B][K[C]:string]
	OpSetTabUp // U[A][K[B]:string] := RK(C)
	OpSetTable // R[A][R[B]] := RK(C)
	OpSetI     // R[A][B] := RK(C)
	OpSetField // R[A][K[B]:string] := RK(C)
	OpNewTable // R[A] := {}
	OpSelf     // R[A+1] := R[B]; R[A] := R[B][RK(C):string]

	// Arithmetic with an immediate or constant operand
	OpAddI  // R[A] := R[B] + sC
	OpAddK  // R[A] := R[B] + K[C]:number
	OpSubK  // R[A] := R[B] - K[C]:number
	OpMulK  // R[A] := R[B] * K[C]:number
	OpModK  // R[A] := R[B] % K[C]:number
	OpPowK  // R[A] := R[B] ^ K[C]:number
	OpDivK  // R[A] := R[B] / K[C]:number
	OpIDivK // R[A] := R[B] // K[C]:number
	OpBAndK // R[A] := R[B] & K[C]:integer
	OpBOrK  // R[A] := R[B] | K[C]:integer
	OpBXorK // R[A] := R[B] ~ K[C]:integer
	OpShrI  // R[A] := R[B] >> sC
	OpShlI  // R[A] := sC << R[B]

	// Arithmetic on registers
	OpAdd  // R[A] := R[B] + R[C]
	OpSub  // R[A] := R[B] - R[C]
	OpMul  // R[A] := R[B] * R[C]
	OpMod  // R[A] := R[B] % R[C]
	OpPow  // R[A] := R[B] ^ R[C]
	OpDiv  // R[A] := R[B] / R[C]
	OpIDiv // R[A] := R[B] // R[C]
	OpBAnd // R[A] := R[B] & R[C]
	OpBOr  // R[A] := R[B] | R[C]
	OpBXor // R[A] := R[B] ~ R[C]
	OpShl  // R[A] := R[B] << R[C]
	OpShr  // R[A] := R[B] >> R[C]

	// Metamethod fallbacks for the preceding arithmetic instruction
	OpMMBin  // call C metamethod over R[A] and R[B]
	OpMMBinI // call C metamethod over R[A] and sB
	OpMMBinK // call C metamethod over R[A] and K[B]

	// Unary operators and concatenation
	OpUnm    // R[A] := -R[B]
	OpBNot   // R[A] := ~R[B]
	OpNot    // R[A] := not R[B]
	OpLen    // R[A] := #R[B]
	OpConcat // R[A] := R[A].. ... ..R[A + B - 1]

	// Scope exit
	OpClose // close all upvalues >= R[A]
	OpTBC   // mark variable A "to be closed"

	// Control flow
	OpJmp     // pc += sJ
	OpEq      // if ((R[A] == R[B]) ~= k) then pc++
	OpLt      // if ((R[A] <  R[B]) ~= k) then pc++
	OpLe      // if ((R[A] <= R[B]) ~= k) then pc++
	OpEqK     // if ((R[A] == K[B]) ~= k) then pc++
	OpEqI     // if ((R[A] == sB) ~= k) then pc++
	OpLtI     // if ((R[A] < sB) ~= k) then pc++
	OpLeI     // if ((R[A] <= sB) ~= k) then pc++
	OpGtI     // if ((R[A] > sB) ~= k) then pc++
	OpGeI     // if ((R[A] >= sB) ~= k) then pc++
	OpTest    // if (not R[A] == k) then pc++
	OpTestSet // if (not R[B] == k) then pc++ else R[A] := R[B]

	// Calls and returns
	OpCall     // R[A], ... ,R[A+C-2] := R[A](R[A+1], ... ,R[A+B-1])
	OpTailCall // return R[A](R[A+1], ... ,R[A+B-1])
	OpReturn   // return R[A], ... ,R[A+B-2]
	OpReturn0  // return
	OpReturn1  // return R[A]

	// Loops
	OpForLoop  // update counters; if loop continues then pc-=Bx
	OpForPrep  // check values and prepare counters; if not to run then pc+=Bx+1
	OpTForPrep // create upvalue for R[A + 3]; pc+=Bx
	OpTForCall // R[A+4], ... ,R[A+3+C] := R[A](R[A+1], R[A+2])
	OpTForLoop // if R[A+2] ~= nil then { R[A]=R[A+2]; pc -= Bx }

	// Constructors and varargs
	OpSetList    // R[A][C+i] := R[A+i], 1 <= i <= B
	OpClosure    // R[A] := closure(KPROTO[Bx])
	OpVararg     // R[A], R[A+1], ..., R[A+C-2] = vararg
	OpVarargPrep // adjust vararg parameters
	OpExtraArg   // extra (larger) argument for previous opcode

	NumOpcodes = int(iota)
)

// Format is an instruction encoding layout.
type Format uint8

const (
	FormatABC Format = iota
	FormatABx
	FormatAsBx
	FormatAx
	FormatSJ
)

// opMode describes how an opcode uses its operands.
type opMode struct {
	name   string
	format Format
	mm     bool // instruction is a metamethod fallback
	ot     bool // leaves a variable-length result window at top
	it     bool // consumes the top left by the previous instruction (when B == 0)
	test   bool // followed by a jump
	setsA  bool // writes register A
}

var opModes = [NumOpcodes]opMode{
	OpMove:       {name: "MOVE", setsA: true},
	OpLoadI:      {name: "LOADI", format: FormatAsBx, setsA: true},
	OpLoadF:      {name: "LOADF", format: FormatAsBx, setsA: true},
	OpLoadK:      {name: "LOADK", format: FormatABx, setsA: true},
	OpLoadKX:     {name: "LOADKX", format: FormatABx, setsA: true},
	OpLoadFalse:  {name: "LOADFALSE", setsA: true},
	OpLFalseSkip: {name: "LFALSESKIP", setsA: true},
	OpLoadTrue:   {name: "LOADTRUE", setsA: true},
	OpLoadNil:    {name: "LOADNIL", setsA: true},
	OpGetUpval:   {name: "GETUPVAL", setsA: true},
	OpSetUpval:   {name: "SETUPVAL"},
	OpGetTabUp:   {name: "GETTABUP", setsA: true},
	OpGetTable:   {name: "GETTABLE", setsA: true},
	OpGetI:       {name: "GETI", setsA: true},
	OpGetField:   {name: "GETFIELD", setsA: true},
	OpSetTabUp:   {name: "SETTABUP"},
	OpSetTable:   {name: "SETTABLE"},
	OpSetI:       {name: "SETI"},
	OpSetField:   {name: "SETFIELD"},
	OpNewTable:   {name: "NEWTABLE", setsA: true},
	OpSelf:       {name: "SELF", setsA: true},
	OpAddI:       {name: "ADDI", setsA: true},
	OpAddK:       {name: "ADDK", setsA: true},
	OpSubK:       {name: "SUBK", setsA: true},
	OpMulK:       {name: "MULK", setsA: true},
	OpModK:       {name: "MODK", setsA: true},
	OpPowK:       {name: "POWK", setsA: true},
	OpDivK:       {name: "DIVK", setsA: true},
	OpIDivK:      {name: "IDIVK", setsA: true},
	OpBAndK:      {name: "BANDK", setsA: true},
	OpBOrK:       {name: "BORK", setsA: true},
	OpBXorK:      {name: "BXORK", setsA: true},
	OpShrI:       {name: "SHRI", setsA: true},
	OpShlI:       {name: "SHLI", setsA: true},
	OpAdd:        {name: "ADD", setsA: true},
	OpSub:        {name: "SUB", setsA: true},
	OpMul:        {name: "MUL", setsA: true},
	OpMod:        {name: "MOD", setsA: true},
	OpPow:        {name: "POW", setsA: true},
	OpDiv:        {name: "DIV", setsA: true},
	OpIDiv:       {name: "IDIV", setsA: true},
	OpBAnd:       {name: "BAND", setsA: true},
	OpBOr:        {name: "BOR", setsA: true},
	OpBXor:       {name: "BXOR", setsA: true},
	OpShl:        {name: "SHL", setsA: true},
	OpShr:        {name: "SHR", setsA: true},
	OpMMBin:      {name: "MMBIN", mm: true},
	OpMMBinI:     {name: "MMBINI", mm: true},
	OpMMBinK:     {name: "MMBINK", mm: true},
	OpUnm:        {name: "UNM", setsA: true},
	OpBNot:       {name: "BNOT", setsA: true},
	OpNot:        {name: "NOT", setsA: true},
	OpLen:        {name: "LEN", setsA: true},
	OpConcat:     {name: "CONCAT", setsA: true},
	OpClose:      {name: "CLOSE"},
	OpTBC:        {name: "TBC"},
	OpJmp:        {name: "JMP", format: FormatSJ},
	OpEq:         {name: "EQ", test: true},
	OpLt:         {name: "LT", test: true},
	OpLe:         {name: "LE", test: true},
	OpEqK:        {name: "EQK", test: true},
	OpEqI:        {name: "EQI", test: true},
	OpLtI:        {name: "LTI", test: true},
	OpLeI:        {name: "LEI", test: true},
	OpGtI:        {name: "GTI", test: true},
	OpGeI:        {name: "GEI", test: true},
	OpTest:       {name: "TEST", test: true},
	OpTestSet:    {name: "TESTSET", test: true, setsA: true},
	OpCall:       {name: "CALL", ot: true, it: true, setsA: true},
	OpTailCall:   {name: "TAILCALL", ot: true, it: true, setsA: true},
	OpReturn:     {name: "RETURN", it: true},
	OpReturn0:    {name: "RETURN0"},
	OpReturn1:    {name: "RETURN1"},
	OpForLoop:    {name: "FORLOOP", format: FormatABx, setsA: true},
	OpForPrep:    {name: "FORPREP", format: FormatABx, setsA: true},
	OpTForPrep:   {name: "TFORPREP", format: FormatABx},
	OpTForCall:   {name: "TFORCALL"},
	OpTForLoop:   {name: "TFORLOOP", format: FormatABx, setsA: true},
	OpSetList:    {name: "SETLIST", it: true},
	OpClosure:    {name: "CLOSURE", format: FormatABx, setsA: true},
	OpVararg:     {name: "VARARG", ot: true, setsA: true},
	OpVarargPrep: {name: "VARARGPREP", it: true, setsA: true},
	OpExtraArg:   {name: "EXTRAARG", format: FormatAx},
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, NumOpcodes)
	for op := range opModes {
		m[opModes[op].name] = Opcode(op)
	}
	return m
}()

func (op Opcode) String() string {
	if int(op) < NumOpcodes {
		return opModes[op].name
	}
	return fmt.Sprintf("Opcode(%d)", op)
}

// Format returns the opcode's encoding layout.
func (op Opcode) Format() Format { return opModes[op].format }

// IsTest reports whether the opcode must be followed by a JMP.
func (op Opcode) IsTest() bool { return opModes[op].test }

// IsMM reports whether the opcode is a metamethod fallback.
func (op Opcode) IsMM() bool { return opModes[op].mm }

// LookupOpcode resolves an opcode mnemonic such as "GETTABUP".
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}
