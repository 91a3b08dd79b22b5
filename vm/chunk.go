package vm

import (
	"fmt"
	"sync/atomic"
)

// BytecodeVersion is the current chunk format version.
// Increment when making incompatible changes to the instruction set.
const BytecodeVersion uint16 = 1

// ChunkFlags contains compilation flags for a chunk.
type ChunkFlags uint16

const (
	// ChunkScript marks a top-level script body. STORE_VAR writes globals.
	ChunkScript ChunkFlags = 1 << 0

	// ChunkGenerator marks a generator function; calling it returns a
	// suspended generator instead of running the body.
	ChunkGenerator ChunkFlags = 1 << 1

	// ChunkAsync marks an async function; calling it returns a promise.
	ChunkAsync ChunkFlags = 1 << 2

	// ChunkInterpreterOnly is computed by Seal for chunks that can suspend or
	// that use TRY_UNWRAP.
	// Such chunks are never handed to the native tier.
	ChunkInterpreterOnly ChunkFlags = 1 << 3
)

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	Op Opcode
	A  int
	B  int
}

func (ins Instruction) String() string {
	switch GetOpcodeInfo(ins.Op).Operands {
	case 0:
		return ins.Op.String()
	case 1:
		return fmt.Sprintf("%s %d", ins.Op, ins.A)
	}
	return fmt.Sprintf("%s %d %d", ins.Op, ins.A, ins.B)
}

var chunkIDs atomic.Uint64

// Chunk is the compiled bytecode of one function or script body.
// A chunk is immutable once sealed; its pointer is its identity.
type Chunk struct {
	ID      uint64     // Process-unique, for diagnostics
	Version uint16     // Bytecode format version
	Flags   ChunkFlags // Compilation flags

	Name   string
	Params []string // Parameter names; parameter i is interned as name id i

	Code      []Instruction
	Constants []Value

	// Names is the interned variable-name table. LOAD_VAR, STORE_VAR,
	// FIELD_GET and friends carry indices into it.
	Names []string

	// Upvalues lists the names a closure over this chunk captures by value
	// from the creating frame.
	Upvalues []string

	nameIndex map[string]int
	sealed    bool
}

// NewChunk creates an empty chunk with the given parameters interned first.
func NewChunk(name string, params ...string) *Chunk {
	c := &Chunk{
		ID:        chunkIDs.Add(1),
		Version:   BytecodeVersion,
		Name:      name,
		Code:      make([]Instruction, 0, 32),
		nameIndex: make(map[string]int),
	}
	for _, p := range params {
		c.Params = append(c.Params, p)
		c.Intern(p)
	}
	return c
}

// RestoreChunk rebuilds a chunk from its serialized parts. The chunk is
// returned unsealed; parameters must be the first entries of names.
func RestoreChunk(name string, flags ChunkFlags, params, names, upvalues []string, code []Instruction, constants []Value) (*Chunk, error) {
	if len(names) < len(params) {
		return nil, fmt.Errorf("chunk %s: %d names for %d parameters", name, len(names), len(params))
	}
	for i, p := range params {
		if names[i] != p {
			return nil, fmt.Errorf("chunk %s: parameter %d is %q but name %d is %q", name, i, p, i, names[i])
		}
	}
	c := &Chunk{
		ID:        chunkIDs.Add(1),
		Version:   BytecodeVersion,
		Flags:     flags &^ ChunkInterpreterOnly,
		Name:      name,
		Params:    params,
		Code:      code,
		Constants: constants,
		Names:     names,
		Upvalues:  upvalues,
	}
	c.reindex()
	return c, nil
}

// NewScript creates an empty top-level script chunk.
func NewScript(name string) *Chunk {
	c := NewChunk(name)
	c.Flags |= ChunkScript
	return c
}

// Arity returns the number of declared parameters.
func (c *Chunk) Arity() int { return len(c.Params) }

func (c *Chunk) IsScript() bool { return c.Flags&ChunkScript != 0 }
func (c *Chunk) IsGenerator() bool { return c.Flags&ChunkGenerator != 0 }
func (c *Chunk) IsAsync() bool { return c.Flags&ChunkAsync != 0 }
func (c *Chunk) IsInterpreterOnly() bool { return c.Flags&ChunkInterpreterOnly != 0 }
func (c *Chunk) Sealed() bool { return c.sealed }

// Intern returns the name id for name, adding it if needed.
func (c *Chunk) Intern(name string) int {
	if c.nameIndex == nil {
		c.reindex()
	}
	if id, ok := c.nameIndex[name]; ok {
		return id
	}
	c.mustBeOpen()
	id := len(c.Names)
	c.Names = append(c.Names, name)
	c.nameIndex[name] = id
	return id
}

// NameID returns the id of an already-interned name.
func (c *Chunk) NameID(name string) (int, bool) {
	if c.nameIndex == nil {
		c.reindex()
	}
	id, ok := c.nameIndex[name]
	return id, ok
}

func (c *Chunk) reindex() {
	c.nameIndex = make(map[string]int, len(c.Names))
	for i, n := range c.Names {
		c.nameIndex[n] = i
	}
}

// AddConstant adds a value to the pool and returns its index.
// Scalar and string constants are deduplicated.
func (c *Chunk) AddConstant(v Value) int {
	switch v.Kind() {
	case KindNull, KindInt, KindFloat, KindBool, KindStr:
		for i, existing := range c.Constants {
			if existing.Kind() == v.Kind() && existing.bits == v.bits && existing.ref == v.ref {
				return i
			}
		}
	}
	c.mustBeOpen()
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// Emit appends an instruction without operands and returns its index.
func (c *Chunk) Emit(op Opcode) int {
	return c.EmitAB(op, 0, 0)
}

// EmitA appends an instruction with one operand.
func (c *Chunk) EmitA(op Opcode, a int) int {
	return c.EmitAB(op, a, 0)
}

// EmitAB appends an instruction with two operands.
func (c *Chunk) EmitAB(op Opcode, a, b int) int {
	c.mustBeOpen()
	c.Code = append(c.Code, Instruction{Op: op, A: a, B: b})
	return len(c.Code) - 1
}

// EmitConst appends CONST for v.
func (c *Chunk) EmitConst(v Value) int {
	return c.EmitA(OpConst, c.AddConstant(v))
}

// EmitLoad appends LOAD_VAR for name.
func (c *Chunk) EmitLoad(name string) int {
	return c.EmitA(OpLoadVar, c.Intern(name))
}

// EmitStore appends STORE_VAR for name.
func (c *Chunk) EmitStore(name string) int {
	return c.EmitA(OpStoreVar, c.Intern(name))
}

// EmitJump emits a forward jump with a placeholder target.
// Returns the instruction index for later patching.
func (c *Chunk) EmitJump(op Opcode) int {
	return c.EmitA(op, -1)
}

// PatchJump points the jump at index to the next instruction to be emitted.
func (c *Chunk) PatchJump(index int) {
	c.PatchJumpTo(index, len(c.Code))
}

// PatchJumpTo points the jump at index to target.
func (c *Chunk) PatchJumpTo(index, target int) {
	c.mustBeOpen()
	c.Code[index].A = target
}

// EmitLoop emits a back-edge to the loop header.
func (c *Chunk) EmitLoop(header int) int {
	return c.EmitA(OpJumpBack, header)
}

func (c *Chunk) mustBeOpen() {
	if c.sealed {
		panic(fmt.Sprintf("chunk %s is sealed", c.Name))
	}
}

// Seal validates the chunk, computes derived flags, and freezes it.
// Sealing an already-sealed chunk is a no-op.
func (c *Chunk) Seal() error {
	if c.sealed {
		return nil
	}
	if c.nameIndex == nil {
		c.reindex()
	}
	if c.IsGenerator() || c.IsAsync() {
		c.Flags |= ChunkInterpreterOnly
	}
	for i, ins := range c.Code {
		if err := c.checkOperands(i, ins); err != nil {
			return err
		}
		if ins.Op.InterpreterOnly() {
			c.Flags |= ChunkInterpreterOnly
		}
	}
	for i, k := range c.Constants {
		if f := k.AsFunction(); f != nil {
			if err := f.Chunk.Seal(); err != nil {
				return fmt.Errorf("chunk %s: constant %d: %w", c.Name, i, err)
			}
		}
	}
	c.sealed = true
	return nil
}

func (c *Chunk) checkOperands(i int, ins Instruction) error {
	info, ok := opcodeInfoTable[ins.Op]
	if !ok {
		return fmt.Errorf("chunk %s: unknown opcode 0x%02X at %d", c.Name, byte(ins.Op), i)
	}
	switch ins.Op {
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpJumpBack, OpBeginTry:
		if ins.A < 0 || ins.A >= len(c.Code) {
			return fmt.Errorf("chunk %s: %s at %d targets %d outside code", c.Name, info.Name, i, ins.A)
		}
		if ins.Op == OpJumpBack && ins.A > i {
			return fmt.Errorf("chunk %s: JUMP_BACK at %d targets later instruction %d", c.Name, i, ins.A)
		}
	case OpConst:
		if ins.A < 0 || ins.A >= len(c.Constants) {
			return fmt.Errorf("chunk %s: constant index %d out of range at %d", c.Name, ins.A, i)
		}
	case OpMakeClosure:
		if ins.A < 0 || ins.A >= len(c.Constants) || c.Constants[ins.A].AsFunction() == nil {
			return fmt.Errorf("chunk %s: MAKE_CLOSURE at %d needs a function constant", c.Name, i)
		}
	case OpLoadVar, OpStoreVar, OpLoadGlobal, OpStoreGlobal, OpFieldGet, OpFieldSet, OpMakeStruct:
		if ins.A < 0 || ins.A >= len(c.Names) {
			return fmt.Errorf("chunk %s: name id %d out of range at %d", c.Name, ins.A, i)
		}
	case OpCall, OpMakeArray, OpMakeDict, OpSpreadArray:
		if ins.A < 0 {
			return fmt.Errorf("chunk %s: negative count at %d", c.Name, i)
		}
	}
	if ins.Op == OpMakeStruct && ins.B < 0 {
		return fmt.Errorf("chunk %s: negative field count at %d", c.Name, i)
	}
	return nil
}
