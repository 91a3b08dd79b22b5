package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
)

// DefaultMaxFrames bounds call depth before a StackOverflow error is raised.
const DefaultMaxFrames = 10000

// TypeObserver receives the operand kinds of executed arithmetic and
// comparison instructions.
type TypeObserver interface {
	Observe(k Kind)
}

// Tier is an alternative execution tier consulted around bytecode calls.
// The interpreter stays the reference semantics; a Tier only changes how
// fast a call runs.
type Tier interface {
	// Enter is called before fn is interpreted. When handled is true the
	// call has already run and result/err are its outcome.
	Enter(vm *VM, fn *Function, args []Value) (result Value, handled bool, err error)

	// BackEdge is called each time a backward jump to target executes.
	BackEdge(vm *VM, fn *Function, target int)

	// Observer returns the type observer for fn, or nil.
	Observer(fn *Function) TypeObserver
}

// Options configures a VM.
type Options struct {
	Globals   *Globals  // shared global table; a fresh one if nil
	Tier      Tier      // optional execution tier
	MaxFrames int       // 0 means DefaultMaxFrames
	Out       io.Writer // destination of script output; os.Stdout if nil
}

// VM executes bytecode chunks.
type VM struct {
	stack    Stack
	frames   []*Frame
	handlers []handler
	globals  *Globals
	tier     Tier
	out      io.Writer

	maxFrames   int
	nativeDepth int // calls currently running outside the interpreter loop

	// Trace logs every executed instruction at debug level.
	Trace bool
}

// New creates a VM.
func New(opts Options) *VM {
	vm := &VM{
		globals:   opts.Globals,
		tier:      opts.Tier,
		out:       opts.Out,
		maxFrames: opts.MaxFrames,
	}
	if vm.globals == nil {
		vm.globals = NewGlobals()
	}
	if vm.out == nil {
		vm.out = os.Stdout
	}
	if vm.maxFrames <= 0 {
		vm.maxFrames = DefaultMaxFrames
	}
	return vm
}

// Fork returns a fresh VM sharing globals, tier and output with vm.
// Forks may run on other goroutines.
func (vm *VM) Fork() *VM {
	f := New(Options{Globals: vm.globals, Tier: vm.tier, MaxFrames: vm.maxFrames, Out: vm.out})
	f.Trace = vm.Trace
	return f
}

func (vm *VM) Globals() *Globals { return vm.globals }
func (vm *VM) Out() io.Writer { return vm.out }
func (vm *VM) Tier() Tier { return vm.tier }

// SetTier replaces the execution tier. Nil disables it.
func (vm *VM) SetTier(t Tier) { vm.tier = t }

// Stack returns the live operand stack.
func (vm *VM) Stack() *Stack { return &vm.stack }

// Depth returns the number of active interpreter frames.
func (vm *VM) Depth() int { return len(vm.frames) }

func logger() commonlog.Logger { return commonlog.GetLogger("ember.vm") }

// Execute seals chunk if needed and runs it with args bound to its
// parameters.
func (vm *VM) Execute(chunk *Chunk, args []Value) (Value, error) {
	if err := chunk.Seal(); err != nil {
		return Null, err
	}
	return vm.Invoke(FromFunction(NewFunction(chunk)), args)
}

// Interpret runs fn in the interpreter without consulting the tier.
func (vm *VM) Interpret(fn *Function, args []Value) (Value, error) {
	if err := vm.checkArity(fn, len(args)); err != nil {
		return Null, err
	}
	stop := len(vm.frames)
	if err := vm.pushFrame(fn, newLocals(fn.Chunk, args), 0); err != nil {
		return Null, err
	}
	return vm.run(stop)
}

// ResumeAt continues a call of fn in the interpreter from instruction ip with
// the given locals and operand stack. It is the re-entry point after
// deoptimization. The resumed frame takes over the native slot of the
// abandoned call.
func (vm *VM) ResumeAt(fn *Function, ip int, locals []Value, stack []Value) (Value, error) {
	return vm.handOff(func() (Value, error) {
		stop := len(vm.frames)
		if err := vm.rebuild(fn, ip, locals, stack); err != nil {
			return Null, err
		}
		return vm.run(stop)
	})
}

// ResumeThrow rebuilds a call of fn that stopped at the instruction at ip and
// raises err there, as if the interpreter itself had failed at ip. Handlers
// of the frame apply, and the frame is added to the error trace.
func (vm *VM) ResumeThrow(fn *Function, ip int, locals []Value, stack []Value, err error) (Value, error) {
	return vm.handOff(func() (Value, error) {
		stop := len(vm.frames)
		if vm.rebuild(fn, ip+1, locals, stack) != nil {
			return Null, err
		}
		if err := vm.throw(asRuntimeError(err), stop); err != nil {
			return Null, err
		}
		return vm.run(stop)
	})
}

func (vm *VM) rebuild(fn *Function, ip int, locals []Value, stack []Value) error {
	full := newLocals(fn.Chunk, nil)
	copy(full, locals)
	if err := vm.pushFrame(fn, full, ip); err != nil {
		return err
	}
	for _, v := range stack {
		vm.stack.Push(v)
	}
	return nil
}

func (vm *VM) pushFrame(fn *Function, locals []Value, ip int) error {
	if len(vm.frames)+vm.nativeDepth >= vm.maxFrames {
		return newError(ErrStackOverflow, "stack overflow: more than %d nested calls", vm.maxFrames)
	}
	fr := &Frame{
		fn:     fn,
		chunk:  fn.Chunk,
		ip:     ip,
		base:   vm.stack.Len(),
		locals: locals,
	}
	if vm.tier != nil {
		fr.obs = vm.tier.Observer(fn)
	}
	vm.frames = append(vm.frames, fr)
	return nil
}

// popFrame removes the innermost frame, its operand stack window, and any
// handlers it installed.
func (vm *VM) popFrame() *Frame {
	n := len(vm.frames) - 1
	fr := vm.frames[n]
	vm.frames[n] = nil
	vm.frames = vm.frames[:n]
	vm.stack.Truncate(fr.base)
	for len(vm.handlers) > 0 && vm.handlers[len(vm.handlers)-1].frameIndex >= n {
		vm.handlers = vm.handlers[:len(vm.handlers)-1]
	}
	return fr
}

// run executes until the frame count drops back to stop.
func (vm *VM) run(stop int) (Value, error) {
	for {
		fr := vm.frames[len(vm.frames)-1]
		code := fr.chunk.Code
		if fr.ip >= len(code) {
			// Falling off the end returns null.
			if v, done := vm.doReturn(Null, stop); done {
				return v, nil
			}
			continue
		}

		ins := code[fr.ip]
		fr.ip++

		if vm.Trace {
			logger().Debugf("[%04x] %-16s sp=%d fn=%s", fr.ip-1, ins.Op, vm.stack.Len(), fr.chunk.Name)
		}

		var err error

		switch ins.Op {
		// ============ Stack Operations ============
		case OpNop:
			// Do nothing

		case OpPop:
			vm.stack.Pop()

		case OpDup:
			vm.stack.Push(vm.stack.Peek())

		case OpSwap:
			n := len(vm.stack.vals)
			vm.stack.vals[n-1], vm.stack.vals[n-2] = vm.stack.vals[n-2], vm.stack.vals[n-1]

		// ============ Constants ============
		case OpConst:
			vm.stack.Push(fr.chunk.Constants[ins.A])

		case OpNull:
			vm.stack.Push(Null)

		case OpTrue:
			vm.stack.Push(Bool(true))

		case OpFalse:
			vm.stack.Push(Bool(false))

		// ============ Variables ============
		case OpLoadVar:
			v := fr.locals[ins.A]
			if v.kind == KindUndefined {
				v, err = vm.LookupName(fr.fn, ins.A)
			}
			if err == nil {
				vm.stack.Push(v)
			}

		case OpStoreVar:
			v := vm.stack.Pop()
			if fr.chunk.IsScript() {
				vm.globals.Set(fr.chunk.Names[ins.A], v)
			} else {
				fr.locals[ins.A] = v
			}

		case OpLoadGlobal:
			var v Value
			if v, err = vm.LoadGlobal(fr.chunk, ins.A); err == nil {
				vm.stack.Push(v)
			}

		case OpStoreGlobal:
			vm.globals.Set(fr.chunk.Names[ins.A], vm.stack.Pop())

		// ============ Control Flow ============
		case OpJump, OpJumpBack:
			if ins.A < fr.ip && vm.tier != nil {
				vm.tier.BackEdge(vm, fr.fn, ins.A)
			}
			fr.ip = ins.A

		case OpJumpIfFalse:
			if !Truthy(vm.stack.Pop()) {
				fr.ip = ins.A
			}

		case OpJumpIfTrue:
			if Truthy(vm.stack.Pop()) {
				fr.ip = ins.A
			}

		// ============ Calls ============
		case OpCall:
			err = vm.call(ins.A)

		case OpReturn:
			if v, done := vm.doReturn(vm.stack.Pop(), stop); done {
				return v, nil
			}

		case OpReturnNone:
			if v, done := vm.doReturn(Null, stop); done {
				return v, nil
			}

		case OpMakeClosure:
			vm.stack.Push(vm.makeClosure(fr, fr.chunk.Constants[ins.A].AsFunction()))

		// ============ Exceptions ============
		case OpBeginTry:
			vm.handlers = append(vm.handlers, handler{
				catchIP:    ins.A,
				stackDepth: vm.stack.Len(),
				frameIndex: len(vm.frames) - 1,
			})

		case OpEndTry:
			if n := len(vm.handlers); n > 0 && vm.handlers[n-1].frameIndex == len(vm.frames)-1 {
				vm.handlers = vm.handlers[:n-1]
			}

		case OpThrow:
			err = thrownError(vm.stack.Pop())

		// ============ Suspension ============
		case OpYield:
			if fr.gen == nil {
				err = newError(ErrGenerator, "yield outside of a generator")
				break
			}
			v := vm.stack.Pop()
			vm.suspend(fr)
			if len(vm.frames) == stop {
				return v, nil
			}
			vm.stack.Push(v)

		case OpResume:
			g := vm.stack.Pop().AsGenerator()
			if g == nil {
				err = newError(ErrTypeMismatch, "resume expects a generator")
				break
			}
			var v Value
			if v, err = vm.Resume(g); err == nil {
				vm.stack.Push(v)
			}

		case OpMakePromise:
			vm.stack.Push(Resolved(vm.stack.Pop()))

		case OpAwait:
			v := vm.stack.Pop()
			if p := v.AsPromise(); p != nil {
				v, err = p.Await()
			}
			if err == nil {
				vm.stack.Push(v)
			}

		case OpTryUnwrap:
			inner, ret, uerr := tryUnwrap(vm.stack.Pop())
			switch {
			case uerr != nil:
				err = uerr
			case ret:
				// Err and None leave the frame as its result.
				if v, done := vm.doReturn(inner, stop); done {
					return v, nil
				}
			default:
				vm.stack.Push(inner)
			}

		default:
			err = vm.ApplyOp(fr.chunk, ins, fr.obs)
		}

		if err != nil {
			if err = vm.throw(asRuntimeError(err), stop); err != nil {
				return Null, err
			}
		}
	}
}

// doReturn pops the innermost frame. It reports done when that frame was the
// last one belonging to the current run.
func (vm *VM) doReturn(v Value, stop int) (Value, bool) {
	fr := vm.popFrame()
	if fr.gen != nil {
		fr.gen.finish()
		v = Null
	}
	if len(vm.frames) == stop {
		return v, true
	}
	vm.stack.Push(v)
	return Null, false
}

// LookupName resolves name id of fn's chunk through the captured environment
// and then the globals.
func (vm *VM) LookupName(fn *Function, id int) (Value, error) {
	name := fn.Chunk.Names[id]
	if v, ok := fn.Captured[name]; ok {
		return v, nil
	}
	if v, ok := vm.globals.Get(name); ok {
		return v, nil
	}
	return Null, newError(ErrUndefinedVariable, "undefined variable: %s", name)
}

// LoadGlobal reads the global named by id in chunk.
func (vm *VM) LoadGlobal(chunk *Chunk, id int) (Value, error) {
	name := chunk.Names[id]
	if v, ok := vm.globals.Get(name); ok {
		return v, nil
	}
	return Null, newError(ErrUndefinedVariable, "undefined variable: %s", name)
}

// StoreName implements STORE_VAR for code that keeps no local slots.
func (vm *VM) StoreName(chunk *Chunk, id int, v Value) {
	vm.globals.Set(chunk.Names[id], v)
}

// traceback names the frames of the current run, innermost first.
func (vm *VM) traceback(stop int) []string {
	out := make([]string, 0, len(vm.frames)-stop)
	for i := len(vm.frames) - 1; i >= stop; i-- {
		fr := vm.frames[i]
		out = append(out, fmt.Sprintf("%s@%d", fr.chunk.Name, fr.ip-1))
	}
	return out
}
