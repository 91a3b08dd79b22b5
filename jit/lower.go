package jit

import (
	"fmt"

	"github.com/chazu/ember/vm"
)

// Lower turns f into native code. Every instruction becomes a Go closure
// over typed register files, so specialized arithmetic runs on raw int64 and
// float64 registers without boxing. Helper references are resolved against m
// once, at lowering time.
func Lower(f *Func, m *Module) (CompiledFn, error) {
	l := &lowerer{f: f, p: &program{}}
	if err := l.resolve(m); err != nil {
		return nil, err
	}
	l.assignRegisters()
	l.p.names = len(f.Chunk.Names)
	for _, b := range f.Blocks {
		lb, err := l.lowerBlock(b)
		if err != nil {
			return nil, err
		}
		l.p.blocks = append(l.p.blocks, lb)
	}
	return l.p.run, nil
}

// frame is the register state of one compiled call.
type frame struct {
	box []vm.Value
	i64 []int64
	f64 []float64
	b   []bool
	tmp []vm.Value // parallel copy scratch for block arguments
}

type step func(ctx *ExecContext, fr *frame) Status

// term returns the next block index, or -1 after a return.
type term func(ctx *ExecContext, fr *frame) (int, Status)

type lblock struct {
	steps []step
	term  term
}

type program struct {
	blocks                    []lblock
	nBox, nInt, nFloat, nBool int
	nTmp                      int
	names                     int // len(Chunk.Names), for deopt locals
}

func (p *program) run(ctx *ExecContext) Status {
	fr := &frame{
		box: make([]vm.Value, p.nBox),
		i64: make([]int64, p.nInt),
		f64: make([]float64, p.nFloat),
		b:   make([]bool, p.nBool),
		tmp: make([]vm.Value, p.nTmp),
	}
	bi := 0
	for {
		blk := &p.blocks[bi]
		for _, s := range blk.steps {
			if st := s(ctx, fr); st != StatusOK {
				return st
			}
		}
		next, st := blk.term(ctx, fr)
		if st != StatusOK || next < 0 {
			return st
		}
		bi = next
	}
}

type lowerer struct {
	f   *Func
	p   *program
	reg []int // ValueID -> index in the register file of its type

	loadVar, storeVar    Helper
	checkInt, checkFloat Helper
	call, pushInt        Helper
	generic              Helper
}

func (l *lowerer) resolve(m *Module) error {
	for _, r := range []struct {
		name string
		dst  *Helper
	}{
		{SymLoadVariable, &l.loadVar},
		{SymStoreVariable, &l.storeVar},
		{SymCheckTypeInt, &l.checkInt},
		{SymCheckTypeFloat, &l.checkFloat},
		{SymCallFunction, &l.call},
		{SymPushIntReturn, &l.pushInt},
		{SymGenericOp, &l.generic},
	} {
		h, err := m.Resolve(r.name)
		if err != nil {
			return err
		}
		*r.dst = h
	}
	return nil
}

func (l *lowerer) assignRegisters() {
	l.reg = make([]int, len(l.f.Types))
	for v, t := range l.f.Types {
		switch t {
		case TypeBox:
			l.reg[v] = l.p.nBox
			l.p.nBox++
		case TypeInt:
			l.reg[v] = l.p.nInt
			l.p.nInt++
		case TypeFloat:
			l.reg[v] = l.p.nFloat
			l.p.nFloat++
		case TypeBool:
			l.reg[v] = l.p.nBool
			l.p.nBool++
		}
	}
}

func (l *lowerer) lowerBlock(b *Block) (lblock, error) {
	var lb lblock
	for _, in := range b.Insts {
		s, err := l.lowerInst(in)
		if err != nil {
			return lb, err
		}
		lb.steps = append(lb.steps, s)
	}
	t, err := l.lowerTerm(b.Term)
	if err != nil {
		return lb, err
	}
	lb.term = t
	return lb, nil
}

// boxed returns a reader producing v as a vm.Value whatever its type.
func (l *lowerer) boxed(v ValueID) func(fr *frame) vm.Value {
	r := l.reg[v]
	switch l.f.Types[v] {
	case TypeInt:
		return func(fr *frame) vm.Value { return vm.Int(fr.i64[r]) }
	case TypeFloat:
		return func(fr *frame) vm.Value { return vm.Float(fr.f64[r]) }
	case TypeBool:
		return func(fr *frame) vm.Value { return vm.Bool(fr.b[r]) }
	}
	return func(fr *frame) vm.Value { return fr.box[r] }
}

// pushArgs returns a step fragment that pushes the Box values args onto the
// operand stack.
func (l *lowerer) pushArgs(args []ValueID) func(ctx *ExecContext, fr *frame) {
	regs := make([]int, len(args))
	for i, a := range args {
		regs[i] = l.reg[a]
	}
	return func(ctx *ExecContext, fr *frame) {
		s := ctx.VM.Stack()
		for _, r := range regs {
			s.Push(fr.box[r])
		}
	}
}

func (l *lowerer) lowerInst(in *Inst) (step, error) {
	r := 0
	if in.Result != NoValue {
		r = l.reg[in.Result]
	}
	arg := func(i int) int { return l.reg[in.Args[i]] }
	if in.Deopt == nil && in.CanFail() {
		return nil, fmt.Errorf("jit: %s at %04X has no deopt point", in.Op, in.IP)
	}

	switch in.Op {
	// ============ Constants and Conversions ============
	case OpArg:
		n := int(in.Int)
		return func(ctx *ExecContext, fr *frame) Status {
			fr.box[r] = ctx.Args[n]
			return StatusOK
		}, nil

	case OpConstBox:
		k := in.Box
		return func(_ *ExecContext, fr *frame) Status {
			fr.box[r] = k
			return StatusOK
		}, nil

	case OpConstInt:
		k := in.Int
		return func(_ *ExecContext, fr *frame) Status {
			fr.i64[r] = k
			return StatusOK
		}, nil

	case OpConstFloat:
		k := in.Float
		return func(_ *ExecContext, fr *frame) Status {
			fr.f64[r] = k
			return StatusOK
		}, nil

	case OpConstBool:
		k := in.Int != 0
		return func(_ *ExecContext, fr *frame) Status {
			fr.b[r] = k
			return StatusOK
		}, nil

	case OpBox:
		read := l.boxed(in.Args[0])
		return func(_ *ExecContext, fr *frame) Status {
			fr.box[r] = read(fr)
			return StatusOK
		}, nil

	case OpUnboxInt:
		a := arg(0)
		return func(_ *ExecContext, fr *frame) Status {
			fr.i64[r] = fr.box[a].AsInt()
			return StatusOK
		}, nil

	case OpUnboxFloat:
		a := arg(0)
		return func(_ *ExecContext, fr *frame) Status {
			fr.f64[r] = fr.box[a].AsFloat()
			return StatusOK
		}, nil

	case OpIntToFloat:
		a := arg(0)
		return func(_ *ExecContext, fr *frame) Status {
			fr.f64[r] = float64(fr.i64[a])
			return StatusOK
		}, nil

	// ============ Guards ============
	case OpGuardInt, OpGuardFloat:
		a := arg(0)
		check := l.checkInt
		if in.Op == OpGuardFloat {
			check = l.checkFloat
		}
		deopt := l.deopt(in.Deopt)
		return func(ctx *ExecContext, fr *frame) Status {
			if check(ctx, int64(fr.box[a].Kind()), 0) != 0 {
				return StatusOK
			}
			ctx.Deopt = deopt(fr)
			return StatusDeopt
		}, nil

	// ============ Arithmetic ============
	case OpIArith:
		return l.intArith(in, r, arg(0), arg(1))

	case OpFArith:
		code, a, b := in.Code, arg(0), arg(1)
		return func(_ *ExecContext, fr *frame) Status {
			fr.f64[r] = vm.FloatArith(code, fr.f64[a], fr.f64[b])
			return StatusOK
		}, nil

	case OpINeg:
		a := arg(0)
		return func(_ *ExecContext, fr *frame) Status {
			fr.i64[r] = -fr.i64[a]
			return StatusOK
		}, nil

	case OpFNeg:
		a := arg(0)
		return func(_ *ExecContext, fr *frame) Status {
			fr.f64[r] = -fr.f64[a]
			return StatusOK
		}, nil

	case OpICmp:
		return l.intCompare(in.Code, r, arg(0), arg(1))

	case OpFCmp:
		code, a, b := in.Code, arg(0), arg(1)
		return func(_ *ExecContext, fr *frame) Status {
			fr.b[r] = vm.FloatCompare(code, fr.f64[a], fr.f64[b])
			return StatusOK
		}, nil

	// ============ Logical ============
	case OpTruthy:
		a := arg(0)
		return func(_ *ExecContext, fr *frame) Status {
			fr.b[r] = vm.Truthy(fr.box[a])
			return StatusOK
		}, nil

	case OpBNot:
		a := arg(0)
		return func(_ *ExecContext, fr *frame) Status {
			fr.b[r] = !fr.b[a]
			return StatusOK
		}, nil

	case OpBAnd:
		a, b := arg(0), arg(1)
		return func(_ *ExecContext, fr *frame) Status {
			fr.b[r] = fr.b[a] && fr.b[b]
			return StatusOK
		}, nil

	case OpBOr:
		a, b := arg(0), arg(1)
		return func(_ *ExecContext, fr *frame) Status {
			fr.b[r] = fr.b[a] || fr.b[b]
			return StatusOK
		}, nil

	// ============ Variables ============
	case OpLoadLocal:
		a, id, load := arg(0), in.Int, l.loadVar
		deopt := l.deopt(in.Deopt)
		return func(ctx *ExecContext, fr *frame) Status {
			v := fr.box[a]
			if v.IsUndefined() {
				if load(ctx, id, modeName) != 0 {
					ctx.Deopt = deopt(fr)
					return StatusDeopt
				}
				v = ctx.VM.Stack().Pop()
			}
			fr.box[r] = v
			return StatusOK
		}, nil

	case OpLoadVar, OpLoadGlobal:
		id, load := in.Int, l.loadVar
		mode := int64(modeName)
		if in.Op == OpLoadGlobal {
			mode = modeGlobal
		}
		deopt := l.deopt(in.Deopt)
		return func(ctx *ExecContext, fr *frame) Status {
			if load(ctx, id, mode) != 0 {
				ctx.Deopt = deopt(fr)
				return StatusDeopt
			}
			fr.box[r] = ctx.VM.Stack().Pop()
			return StatusOK
		}, nil

	case OpStoreVar, OpStoreGlobal:
		a, id, store := arg(0), in.Int, l.storeVar
		mode := int64(modeName)
		if in.Op == OpStoreGlobal {
			mode = modeGlobal
		}
		return func(ctx *ExecContext, fr *frame) Status {
			ctx.VM.Stack().Push(fr.box[a])
			store(ctx, id, mode)
			return StatusOK
		}, nil

	// ============ Helpers ============
	case OpGeneric:
		push, ip, generic := l.pushArgs(in.Args), int64(in.IP), l.generic
		hasResult := in.Result != NoValue
		deopt := l.deopt(in.Deopt)
		return func(ctx *ExecContext, fr *frame) Status {
			push(ctx, fr)
			if generic(ctx, ip, 0) != 0 {
				ctx.Deopt = deopt(fr)
				return StatusDeopt
			}
			if hasResult {
				fr.box[r] = ctx.VM.Stack().Pop()
			}
			return StatusOK
		}, nil

	case OpPopStack:
		return func(ctx *ExecContext, fr *frame) Status {
			fr.box[r] = ctx.VM.Stack().Pop()
			return StatusOK
		}, nil

	case OpCall:
		push, ip, call := l.pushArgs(in.Args), int64(in.IP), l.call
		argc := int64(len(in.Args) - 1)
		deopt := l.deopt(in.Deopt)
		return func(ctx *ExecContext, fr *frame) Status {
			push(ctx, fr)
			if call(ctx, argc, ip) != 0 {
				st := deopt(fr)
				st.Err = ctx.Err
				ctx.Deopt = st
				return StatusDeopt
			}
			fr.box[r] = ctx.VM.Stack().Pop()
			return StatusOK
		}, nil
	}
	return nil, fmt.Errorf("jit: cannot lower %s", in.Op)
}

// intArith specializes the common operators into their own closures.
// Division by zero deopts so that the interpreter raises the error.
func (l *lowerer) intArith(in *Inst, r, a, b int) (step, error) {
	code := in.Code
	switch code {
	case vm.OpAdd:
		return func(_ *ExecContext, fr *frame) Status {
			fr.i64[r] = fr.i64[a] + fr.i64[b]
			return StatusOK
		}, nil
	case vm.OpSub:
		return func(_ *ExecContext, fr *frame) Status {
			fr.i64[r] = fr.i64[a] - fr.i64[b]
			return StatusOK
		}, nil
	case vm.OpMul:
		return func(_ *ExecContext, fr *frame) Status {
			fr.i64[r] = fr.i64[a] * fr.i64[b]
			return StatusOK
		}, nil
	case vm.OpDiv, vm.OpMod:
		deopt := l.deopt(in.Deopt)
		return func(ctx *ExecContext, fr *frame) Status {
			v, err := vm.IntArith(code, fr.i64[a], fr.i64[b])
			if err != nil {
				ctx.Err = err
				ctx.Deopt = deopt(fr)
				return StatusDeopt
			}
			fr.i64[r] = v.AsInt()
			return StatusOK
		}, nil
	}
	return nil, fmt.Errorf("jit: %s is not integer arithmetic", code)
}

func (l *lowerer) intCompare(code vm.Opcode, r, a, b int) (step, error) {
	switch code {
	case vm.OpLt:
		return func(_ *ExecContext, fr *frame) Status {
			fr.b[r] = fr.i64[a] < fr.i64[b]
			return StatusOK
		}, nil
	case vm.OpEq:
		return func(_ *ExecContext, fr *frame) Status {
			fr.b[r] = fr.i64[a] == fr.i64[b]
			return StatusOK
		}, nil
	}
	return func(_ *ExecContext, fr *frame) Status {
		fr.b[r] = vm.IntCompare(code, fr.i64[a], fr.i64[b])
		return StatusOK
	}, nil
}

// deopt returns a function materializing the interpreter state at p.
func (l *lowerer) deopt(p *DeoptPoint) func(fr *frame) *DeoptState {
	slots := make([]func(fr *frame) vm.Value, len(p.Slots))
	for i, v := range p.Slots {
		slots[i] = l.boxed(v)
	}
	stack := make([]func(fr *frame) vm.Value, len(p.Stack))
	for i, v := range p.Stack {
		stack[i] = l.boxed(v)
	}
	ids := l.f.Slots
	names := l.p.names
	ip := p.IP
	return func(fr *frame) *DeoptState {
		st := &DeoptState{IP: ip, Locals: make([]vm.Value, names), Stack: make([]vm.Value, len(stack))}
		for i := range st.Locals {
			st.Locals[i] = vm.Undefined
		}
		for i, read := range slots {
			st.Locals[ids[i]] = read(fr)
		}
		for i, read := range stack {
			st.Stack[i] = read(fr)
		}
		return st
	}
}

// edge returns a parallel copy of e's arguments into the target's params.
func (l *lowerer) edge(e Edge) (int, func(fr *frame)) {
	target := l.f.Blocks[e.Target]
	src := make([]int, len(e.Args))
	dst := make([]int, len(e.Args))
	for i, a := range e.Args {
		src[i] = l.reg[a]
		dst[i] = l.reg[target.Params[i]]
	}
	if len(src) > l.p.nTmp {
		l.p.nTmp = len(src)
	}
	next := int(e.Target)
	return next, func(fr *frame) {
		tmp := fr.tmp[:len(src)]
		for i, s := range src {
			tmp[i] = fr.box[s]
		}
		for i, d := range dst {
			fr.box[d] = tmp[i]
		}
	}
}

func (l *lowerer) lowerTerm(t Terminator) (term, error) {
	switch t.Kind {
	case TermJump:
		next, copyArgs := l.edge(t.Then)
		return func(_ *ExecContext, fr *frame) (int, Status) {
			copyArgs(fr)
			return next, StatusOK
		}, nil

	case TermBranch:
		c := l.reg[t.Cond]
		thenNext, thenArgs := l.edge(t.Then)
		elseNext, elseArgs := l.edge(t.Else)
		return func(_ *ExecContext, fr *frame) (int, Status) {
			if fr.b[c] {
				thenArgs(fr)
				return thenNext, StatusOK
			}
			elseArgs(fr)
			return elseNext, StatusOK
		}, nil

	case TermReturn:
		if l.f.Types[t.Value] == TypeInt {
			r, pushInt := l.reg[t.Value], l.pushInt
			return func(ctx *ExecContext, fr *frame) (int, Status) {
				pushInt(ctx, fr.i64[r], 0)
				return -1, StatusOK
			}, nil
		}
		read := l.boxed(t.Value)
		return func(ctx *ExecContext, fr *frame) (int, Status) {
			ctx.VM.Stack().Push(read(fr))
			return -1, StatusOK
		}, nil
	}
	return nil, fmt.Errorf("jit: unknown terminator %d", t.Kind)
}
