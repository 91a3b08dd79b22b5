package vm

// ---------------------------------------------------------------------------
// Exception handler stack
// ---------------------------------------------------------------------------

// handler is an installed try block.
type handler struct {
	catchIP    int // where the catch body starts
	stackDepth int // operand stack height at BEGIN_TRY
	frameIndex int // frame that installed the handler
}

// throw transfers control to the innermost handler installed by a frame of
// the current run. When none exists every frame of the run is unwound and
// the error is returned to the caller of run.
//
// Each run adds its own frames to the trace. Calls that ran outside the
// interpreter add theirs when they resume, so the trace is the same whichever
// tier ran each frame.
func (vm *VM) throw(re *RuntimeError, stop int) error {
	re.Trace = append(re.Trace, vm.traceback(stop)...)
	for n := len(vm.handlers); n > 0; n = len(vm.handlers) {
		h := vm.handlers[n-1]
		if h.frameIndex < stop {
			break
		}
		vm.handlers = vm.handlers[:n-1]
		for len(vm.frames)-1 > h.frameIndex {
			vm.abandon(vm.popFrame())
		}
		vm.stack.Truncate(h.stackDepth)
		vm.stack.Push(re.Value)
		vm.frames[h.frameIndex].ip = h.catchIP
		return nil
	}
	for len(vm.frames) > stop {
		vm.abandon(vm.popFrame())
	}
	return re
}

// abandon finishes a generator whose frame was unwound by an exception.
func (vm *VM) abandon(fr *Frame) {
	if fr.gen != nil {
		fr.gen.finish()
	}
}

// ---------------------------------------------------------------------------
// Catching from Go
// ---------------------------------------------------------------------------

// Try calls callee and reports a script error as a value instead of an
// error. Non-script failures are returned as errors.
func (vm *VM) Try(callee Value, args []Value) (result Value, caught bool, err error) {
	res, err := vm.Invoke(callee, args)
	if err == nil {
		return res, false, nil
	}
	if re, ok := err.(*RuntimeError); ok {
		return re.Value, true, nil
	}
	return Null, false, err
}
