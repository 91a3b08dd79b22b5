package vm

import (
	"io"
)

// Call is handed to native functions so they can call back into the VM.
type Call struct {
	vm *VM
}

// VM returns the calling VM.
func (c *Call) VM() *VM { return c.vm }

// Invoke calls a script or native callable from native code.
func (c *Call) Invoke(callee Value, args ...Value) (Value, error) {
	return c.vm.Invoke(callee, args)
}

// Out returns the writer scripts print to.
func (c *Call) Out() io.Writer { return c.vm.out }

// Invoke calls callee with args and returns its result. It is re-entrant and
// may be used from native functions and from compiled code.
func (vm *VM) Invoke(callee Value, args []Value) (Value, error) {
	switch callee.kind {
	case KindFunction:
		return vm.callFunction(callee.AsFunction(), args)
	case KindNative:
		return vm.callNative(callee.AsNative(), args)
	}
	return Null, newError(ErrNotCallable, "cannot call %s", callee.Kind())
}

func (vm *VM) callFunction(fn *Function, args []Value) (Value, error) {
	chunk := fn.Chunk
	if err := vm.checkArity(fn, len(args)); err != nil {
		return Null, err
	}
	switch {
	case chunk.IsGenerator():
		return newGenerator(fn, args), nil
	case chunk.IsAsync():
		return vm.async(fn, args), nil
	}
	if vm.tier != nil && !chunk.IsInterpreterOnly() {
		if err := vm.EnterNative(); err != nil {
			return Null, err
		}
		res, handled, err := vm.tier.Enter(vm, fn, args)
		vm.LeaveNative()
		if handled {
			return res, err
		}
	}
	return vm.Interpret(fn, args)
}

func (vm *VM) callNative(n *NativeFunction, args []Value) (Value, error) {
	if n.Arity >= 0 && len(args) != n.Arity {
		return Null, newError(ErrArity, "%s expects %d arguments, got %d", n.Name, n.Arity, len(args))
	}
	if len(vm.frames)+vm.nativeDepth >= vm.maxFrames {
		return Null, newError(ErrStackOverflow, "stack overflow: more than %d nested calls", vm.maxFrames)
	}
	vm.nativeDepth++
	defer func() { vm.nativeDepth-- }()
	res, err := n.Fn(&Call{vm: vm}, args)
	if err != nil {
		return Null, asRuntimeError(err)
	}
	return res, nil
}

func (vm *VM) checkArity(fn *Function, argc int) error {
	if argc != fn.Chunk.Arity() {
		return newError(ErrArity, "%s expects %d arguments, got %d", fn.Name(), fn.Chunk.Arity(), argc)
	}
	return nil
}

// call implements CALL. Plain bytecode callees get a new frame in the
// running loop; everything else goes through Invoke.
func (vm *VM) call(argc int) error {
	callee := vm.stack.At(argc)
	fn := callee.AsFunction()
	if fn == nil || fn.Chunk.Flags&(ChunkGenerator|ChunkAsync) != 0 {
		args := vm.stack.PopN(argc)
		vm.stack.Pop()
		res, err := vm.Invoke(callee, args)
		if err != nil {
			return err
		}
		vm.stack.Push(res)
		return nil
	}

	args := vm.stack.PopN(argc)
	vm.stack.Pop()
	if err := vm.checkArity(fn, argc); err != nil {
		return err
	}
	if vm.tier != nil && !fn.Chunk.IsInterpreterOnly() {
		if err := vm.EnterNative(); err != nil {
			return err
		}
		res, handled, err := vm.tier.Enter(vm, fn, args)
		vm.LeaveNative()
		if handled {
			if err != nil {
				return err
			}
			vm.stack.Push(res)
			return nil
		}
	}
	return vm.pushFrame(fn, newLocals(fn.Chunk, args), 0)
}

// makeClosure captures the upvalues of proto by value from the creating
// frame. Names that are not visible yet resolve at call time instead.
func (vm *VM) makeClosure(fr *Frame, proto *Function) Value {
	upvalues := proto.Chunk.Upvalues
	if len(upvalues) == 0 {
		return FromFunction(proto)
	}
	captured := make(map[string]Value, len(upvalues))
	for _, name := range upvalues {
		if id, ok := fr.chunk.NameID(name); ok {
			if v := fr.locals[id]; v.kind != KindUndefined {
				captured[name] = v
				continue
			}
		}
		if v, ok := fr.fn.Captured[name]; ok {
			captured[name] = v
		}
	}
	return FromFunction(&Function{Chunk: proto.Chunk, Captured: captured})
}

// EnterNative accounts for a call that runs outside the interpreter loop,
// such as compiled code calling compiled code. Each successful EnterNative
// must be paired with LeaveNative.
func (vm *VM) EnterNative() error {
	if len(vm.frames)+vm.nativeDepth >= vm.maxFrames {
		return newError(ErrStackOverflow, "stack overflow: more than %d nested calls", vm.maxFrames)
	}
	vm.nativeDepth++
	return nil
}

// LeaveNative ends a call started with EnterNative.
func (vm *VM) LeaveNative() { vm.nativeDepth-- }

// handOff runs resume with the caller's native slot released, so that the
// interpreter frame resume pushes counts in its place.
func (vm *VM) handOff(resume func() (Value, error)) (Value, error) {
	if vm.nativeDepth == 0 {
		return resume()
	}
	vm.nativeDepth--
	defer func() { vm.nativeDepth++ }()
	return resume()
}
