package vm

import "fmt"

// Opcode identifies a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpPop  Opcode = 0x01 // Pop top of stack
	OpDup  Opcode = 0x02 // Duplicate top of stack
	OpSwap Opcode = 0x03 // Swap top two stack elements

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConst Opcode = 0x10 // Push constant: CONST <index>
	OpNull  Opcode = 0x11 // Push null
	OpTrue  Opcode = 0x12 // Push true
	OpFalse Opcode = 0x13 // Push false

	// ========================================================================
	// Variables (0x20-0x2F); the operand is an interned name id
	// ========================================================================

	OpLoadVar     Opcode = 0x20 // Push local, captured, or global variable
	OpStoreVar    Opcode = 0x21 // Pop into local (global at script level)
	OpLoadGlobal  Opcode = 0x22 // Push global variable
	OpStoreGlobal Opcode = 0x23 // Pop into global variable

	// ========================================================================
	// Arithmetic (0x30-0x3F)
	// ========================================================================

	OpAdd Opcode = 0x30 // Pop two, push sum
	OpSub Opcode = 0x31 // Pop two, push difference (a - b where b is TOS)
	OpMul Opcode = 0x32 // Pop two, push product
	OpDiv Opcode = 0x33 // Pop two, push quotient
	OpMod Opcode = 0x34 // Pop two, push remainder
	OpNeg Opcode = 0x35 // Negate top of stack

	// ========================================================================
	// Comparison (0x40-0x4F)
	// ========================================================================

	OpEq Opcode = 0x40
	OpNe Opcode = 0x41
	OpLt Opcode = 0x42
	OpLe Opcode = 0x43
	OpGt Opcode = 0x44
	OpGe Opcode = 0x45

	// ========================================================================
	// Logical (0x50-0x5F)
	// ========================================================================

	OpNot Opcode = 0x50 // Push !truthy(TOS)
	OpAnd Opcode = 0x51 // Pop two, push truthy(a) && truthy(b)
	OpOr  Opcode = 0x52 // Pop two, push truthy(a) || truthy(b)

	// ========================================================================
	// Control flow (0x60-0x6F); operands are absolute instruction indices
	// ========================================================================

	OpJump        Opcode = 0x60 // Unconditional jump: JUMP <target>
	OpJumpIfFalse Opcode = 0x61 // Pop, jump if falsy
	OpJumpIfTrue  Opcode = 0x62 // Pop, jump if truthy
	OpJumpBack    Opcode = 0x63 // Loop back-edge: JUMP_BACK <header>

	// ========================================================================
	// Calls (0x70-0x7F)
	// ========================================================================

	OpCall        Opcode = 0x70 // CALL <argc>; stack: callee arg1 .. argN
	OpReturn      Opcode = 0x71 // Return top of stack
	OpReturnNone  Opcode = 0x72 // Return null
	OpMakeClosure Opcode = 0x73 // MAKE_CLOSURE <const>; captures the chunk's upvalues

	// ========================================================================
	// Collections and records (0x80-0x8F)
	// ========================================================================

	OpMakeArray  Opcode = 0x80 // MAKE_ARRAY <n>
	OpMakeDict   Opcode = 0x81 // MAKE_DICT <n>; stack: k1 v1 .. kN vN
	OpIndexGet   Opcode = 0x82 // Pop index and object, push object[index]
	OpIndexSet   Opcode = 0x83 // Pop value, index, object; object[index] = value
	OpFieldGet   Opcode = 0x84 // FIELD_GET <name>
	OpFieldSet   Opcode = 0x85 // FIELD_SET <name>; pop value and object
	OpMakeStruct Opcode = 0x86 // MAKE_STRUCT <name> <n>; stack: k1 v1 .. kN vN
	OpMakeError  Opcode = 0x87 // Pop message, push error value

	// ========================================================================
	// Exceptions (0x90-0x9F)
	// ========================================================================

	OpBeginTry Opcode = 0x90 // BEGIN_TRY <catch>; install handler
	OpEndTry   Opcode = 0x91 // Remove innermost handler
	OpThrow    Opcode = 0x92 // Pop and raise

	// ========================================================================
	// Suspension (0xA0-0xAF)
	// ========================================================================

	OpYield       Opcode = 0xA0 // Suspend generator with TOS
	OpResume      Opcode = 0xA1 // Pop generator, push next yielded value or null
	OpMakePromise Opcode = 0xA2 // Pop value, push resolved promise
	OpAwait       Opcode = 0xA3 // Pop promise, push its result

	// ========================================================================
	// Tagged values and iteration (0xB0-0xBF)
	// ========================================================================

	OpMakeOk       Opcode = 0xB0 // Pop value, push Ok(value)
	OpMakeErr      Opcode = 0xB1 // Pop value, push Err(value)
	OpMakeSome     Opcode = 0xB2 // Pop value, push Some(value)
	OpMakeNone     Opcode = 0xB3 // Push None
	OpTryUnwrap    Opcode = 0xB4 // Pop Ok/Some and push its value; return Err/None from the frame
	OpMakeIterator Opcode = 0xB5 // Pop collection, push an iterator over it
	OpIterNext     Opcode = 0xB6 // Keep iterator, push Some(next) or None
	OpIterHasNext  Opcode = 0xB7 // Keep iterator, push whether it has more
	OpSpreadArray  Opcode = 0xB8 // SPREAD_ARRAY <n>; pop an array of n elements, push them
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name      string // Human-readable name
	StackPop  int    // How many values popped from stack (-1 = depends on operands)
	StackPush int    // How many values pushed to stack
	Operands  int    // Number of meaningful operands (0, 1 or 2)
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop:  {"NOP", 0, 0, 0},
	OpPop:  {"POP", 1, 0, 0},
	OpDup:  {"DUP", 1, 2, 0},
	OpSwap: {"SWAP", 2, 2, 0},

	// Constants
	OpConst: {"CONST", 0, 1, 1},
	OpNull:  {"NULL", 0, 1, 0},
	OpTrue:  {"TRUE", 0, 1, 0},
	OpFalse: {"FALSE", 0, 1, 0},

	// Variables
	OpLoadVar:     {"LOAD_VAR", 0, 1, 1},
	OpStoreVar:    {"STORE_VAR", 1, 0, 1},
	OpLoadGlobal:  {"LOAD_GLOBAL", 0, 1, 1},
	OpStoreGlobal: {"STORE_GLOBAL", 1, 0, 1},

	// Arithmetic
	OpAdd: {"ADD", 2, 1, 0},
	OpSub: {"SUB", 2, 1, 0},
	OpMul: {"MUL", 2, 1, 0},
	OpDiv: {"DIV", 2, 1, 0},
	OpMod: {"MOD", 2, 1, 0},
	OpNeg: {"NEG", 1, 1, 0},

	// Comparison
	OpEq: {"EQ", 2, 1, 0},
	OpNe: {"NE", 2, 1, 0},
	OpLt: {"LT", 2, 1, 0},
	OpLe: {"LE", 2, 1, 0},
	OpGt: {"GT", 2, 1, 0},
	OpGe: {"GE", 2, 1, 0},

	// Logical
	OpNot: {"NOT", 1, 1, 0},
	OpAnd: {"AND", 2, 1, 0},
	OpOr:  {"OR", 2, 1, 0},

	// Control flow
	OpJump:        {"JUMP", 0, 0, 1},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1, 0, 1},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 1, 0, 1},
	OpJumpBack:    {"JUMP_BACK", 0, 0, 1},

	// Calls
	OpCall:        {"CALL", -1, 1, 1}, // Pops callee + argc args
	OpReturn:      {"RETURN", 1, 0, 0},
	OpReturnNone:  {"RETURN_NONE", 0, 0, 0},
	OpMakeClosure: {"MAKE_CLOSURE", 0, 1, 1},

	// Collections
	OpMakeArray:  {"MAKE_ARRAY", -1, 1, 1},
	OpMakeDict:   {"MAKE_DICT", -1, 1, 1},
	OpIndexGet:   {"INDEX_GET", 2, 1, 0},
	OpIndexSet:   {"INDEX_SET", 3, 0, 0},
	OpFieldGet:   {"FIELD_GET", 1, 1, 1},
	OpFieldSet:   {"FIELD_SET", 2, 0, 1},
	OpMakeStruct: {"MAKE_STRUCT", -1, 1, 2},
	OpMakeError:  {"MAKE_ERROR", 1, 1, 0},

	// Exceptions
	OpBeginTry: {"BEGIN_TRY", 0, 0, 1},
	OpEndTry:   {"END_TRY", 0, 0, 0},
	OpThrow:    {"THROW", 1, 0, 0},

	// Suspension
	OpYield:       {"YIELD", 1, 1, 0},
	OpResume:      {"RESUME", 1, 1, 0},
	OpMakePromise: {"MAKE_PROMISE", 1, 1, 0},
	OpAwait:       {"AWAIT", 1, 1, 0},

	// Tagged values and iteration
	OpMakeOk:       {"MAKE_OK", 1, 1, 0},
	OpMakeErr:      {"MAKE_ERR", 1, 1, 0},
	OpMakeSome:     {"MAKE_SOME", 1, 1, 0},
	OpMakeNone:     {"MAKE_NONE", 0, 1, 0},
	OpTryUnwrap:    {"TRY_UNWRAP", 1, 1, 0},
	OpMakeIterator: {"MAKE_ITERATOR", 1, 1, 0},
	OpIterNext:     {"ITER_NEXT", 1, 2, 0},
	OpIterHasNext:  {"ITER_HAS_NEXT", 1, 2, 0},
	OpSpreadArray:  {"SPREAD_ARRAY", 1, -1, 1}, // Pushes n
}

// opcodesByName is the reverse of opcodeInfoTable, used by the assembler.
var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// IsJump returns true if this opcode transfers control to its operand.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpBack
}

// IsConditionalJump returns true for jumps that may fall through.
func (op Opcode) IsConditionalJump() bool {
	return op == OpJumpIfFalse || op == OpJumpIfTrue
}

// IsReturn returns true if this opcode leaves the current function.
func (op Opcode) IsReturn() bool {
	return op == OpReturn || op == OpReturnNone
}

// Suspends returns true for opcodes that may suspend the running frame.
func (op Opcode) Suspends() bool {
	return op == OpYield || op == OpAwait
}

// InterpreterOnly returns true for opcodes the native tier never runs: those
// that suspend, and TRY_UNWRAP, which can leave the frame mid-block.
func (op Opcode) InterpreterOnly() bool {
	return op.Suspends() || op == OpTryUnwrap
}

// StackEffect returns how many values ins pops and pushes.
func StackEffect(ins Instruction) (pop, push int) {
	info := GetOpcodeInfo(ins.Op)
	switch ins.Op {
	case OpCall:
		return ins.A + 1, 1
	case OpMakeArray:
		return ins.A, 1
	case OpMakeDict:
		return 2 * ins.A, 1
	case OpMakeStruct:
		return 2 * ins.B, 1
	case OpSpreadArray:
		return 1, ins.A
	}
	return info.StackPop, info.StackPush
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}
