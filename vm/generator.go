package vm

import "sync"

// Generator is a suspended bytecode call. Its state is a saved instruction
// pointer, operand stack window, locals and handlers.
type Generator struct {
	fn       *Function
	ip       int
	stack    []Value
	locals   []Value
	handlers []handler // frameIndex is relative (0) and stackDepth relative to the window
	started  bool
	running  bool
	done     bool
}

func newGenerator(fn *Function, args []Value) Value {
	g := &Generator{fn: fn, locals: newLocals(fn.Chunk, args)}
	return Value{kind: KindGenerator, ref: g}
}

// Done reports whether the generator has returned.
func (g *Generator) Done() bool { return g.done }

func (g *Generator) finish() {
	g.done = true
	g.running = false
	g.stack = nil
	g.handlers = nil
}

// Resume runs g until its next YIELD and returns the yielded value. A
// finished generator yields null.
func (vm *VM) Resume(g *Generator) (Value, error) {
	if g.done {
		return Null, nil
	}
	if g.running {
		return Null, newError(ErrGenerator, "generator %s is already running", g.fn.Name())
	}
	stop := len(vm.frames)
	if err := vm.pushFrame(g.fn, g.locals, g.ip); err != nil {
		return Null, err
	}
	fr := vm.frames[len(vm.frames)-1]
	fr.gen = g
	g.running = true
	for _, v := range g.stack {
		vm.stack.Push(v)
	}
	for _, h := range g.handlers {
		vm.handlers = append(vm.handlers, handler{
			catchIP:    h.catchIP,
			stackDepth: fr.base + h.stackDepth,
			frameIndex: stop,
		})
	}
	if g.started {
		// The value of the YIELD expression itself.
		vm.stack.Push(Null)
	}
	g.started = true
	return vm.run(stop)
}

// suspend saves the state of generator frame fr and removes it.
func (vm *VM) suspend(fr *Frame) {
	g := fr.gen
	g.ip = fr.ip
	g.locals = fr.locals
	g.stack = vm.stack.Slice(fr.base)
	g.handlers = g.handlers[:0]
	idx := len(vm.frames) - 1
	for _, h := range vm.handlers {
		if h.frameIndex == idx {
			g.handlers = append(g.handlers, handler{catchIP: h.catchIP, stackDepth: h.stackDepth - fr.base})
		}
	}
	g.running = false
	vm.popFrame()
}

// Promise is the result of an async call. The body runs the first time the
// promise is awaited.
type Promise struct {
	once   sync.Once
	thunk  func() (Value, error)
	result Value
	err    error
}

// Resolved returns a promise already holding v.
func Resolved(v Value) Value {
	p := &Promise{result: v}
	p.once.Do(func() {})
	return Value{kind: KindPromise, ref: p}
}

// Await forces the promise and returns its outcome.
func (p *Promise) Await() (Value, error) {
	p.once.Do(func() {
		p.result, p.err = p.thunk()
		p.thunk = nil
	})
	return p.result, p.err
}

func (vm *VM) async(fn *Function, args []Value) Value {
	p := &Promise{thunk: func() (Value, error) {
		return vm.Interpret(fn, args)
	}}
	return Value{kind: KindPromise, ref: p}
}
