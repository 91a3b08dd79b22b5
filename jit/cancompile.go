package jit

import (
	"fmt"

	"github.com/chazu/ember/vm"
)

// CompileError explains why a chunk could not be compiled.
type CompileError struct {
	Chunk  string
	IP     int // -1 when not tied to an instruction
	Reason string
}

func (e *CompileError) Error() string {
	if e.IP < 0 {
		return fmt.Sprintf("jit: cannot compile %s: %s", e.Chunk, e.Reason)
	}
	return fmt.Sprintf("jit: cannot compile %s at %04X: %s", e.Chunk, e.IP, e.Reason)
}

func compileErrorf(chunk *vm.Chunk, ip int, format string, args ...any) *CompileError {
	return &CompileError{Chunk: chunk.Name, IP: ip, Reason: fmt.Sprintf(format, args...)}
}

// supported lists the opcodes the translator accepts.
var supported = map[vm.Opcode]bool{
	vm.OpNop: true, vm.OpPop: true, vm.OpDup: true, vm.OpSwap: true,
	vm.OpConst: true, vm.OpNull: true, vm.OpTrue: true, vm.OpFalse: true,
	vm.OpLoadVar: true, vm.OpStoreVar: true, vm.OpLoadGlobal: true, vm.OpStoreGlobal: true,
	vm.OpJump: true, vm.OpJumpIfFalse: true, vm.OpJumpIfTrue: true, vm.OpJumpBack: true,
	vm.OpCall: true, vm.OpReturn: true, vm.OpReturnNone: true,
}

// CanCompile reports whether chunk can be handed to the translator. It is a
// single linear scan; a nil result does not rule out a later translation
// failure such as inconsistent stack depths.
func CanCompile(chunk *vm.Chunk) error {
	if !chunk.Sealed() {
		return compileErrorf(chunk, -1, "chunk is not sealed")
	}
	if chunk.IsInterpreterOnly() {
		return compileErrorf(chunk, -1, "chunk is interpreter-only")
	}
	if len(chunk.Code) == 0 {
		return compileErrorf(chunk, -1, "empty chunk")
	}
	for ip, ins := range chunk.Code {
		if !supported[ins.Op] && !vm.IsGeneric(ins.Op) {
			return compileErrorf(chunk, ip, "unsupported opcode %s", ins.Op)
		}
	}
	switch chunk.Code[len(chunk.Code)-1].Op {
	case vm.OpReturn, vm.OpReturnNone, vm.OpJump, vm.OpJumpBack:
	default:
		return compileErrorf(chunk, len(chunk.Code)-1, "control can fall off the end")
	}
	return nil
}
