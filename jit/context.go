package jit

import (
	"github.com/chazu/ember/vm"
)

// Status is the outcome of running compiled code.
type Status uint8

// Compiled code never reports a runtime error itself: a failing instruction
// deopts, and the interpreter raises the error with its own trace.
const (
	StatusOK    Status = iota // returned normally
	StatusDeopt               // native execution abandoned; ExecContext.Deopt holds the state
)

// CompiledFn is the native entry point of a compiled chunk.
type CompiledFn func(ctx *ExecContext) Status

// ExecContext is the state shared between one compiled call and the runtime
// helpers it invokes. Helpers exchange boxed values with compiled code
// through the VM's operand stack.
type ExecContext struct {
	VM       *vm.VM
	Fn       *vm.Function
	Args     []vm.Value
	Spec     *SpecializationInfo
	Observer vm.TypeObserver

	// Int results are returned unboxed through push_int_return; every
	// other result is left on the operand stack.
	IntReturn    int64
	HasIntReturn bool

	Err   error // set by a failing helper
	Deopt *DeoptState

	jit   *JIT
	entry *CompiledEntry
}

// DeoptState is the interpreter state rebuilt where native execution was
// abandoned. Locals are indexed by name id; Stack holds the operand stack of
// the frame, bottom first. Err is set when a call at IP failed, and is raised
// there instead of running IP again.
type DeoptState struct {
	IP     int
	Locals []vm.Value
	Stack  []vm.Value
	Err    error
}
