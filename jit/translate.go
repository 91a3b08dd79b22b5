package jit

import (
	"sort"

	"github.com/chazu/ember/vm"
)

// Translate builds the IR of chunk, specializing arithmetic for spec.
//
// Translation runs in two passes. The first discovers every block leader
// (jump targets and instructions following a jump or return), computes the
// operand stack depth on entry to each block, and creates all blocks with
// their parameters. The second walks the bytecode with a shadow stack of SSA
// values and emits instructions, so forward and backward jumps always find
// their target block already declared.
func Translate(chunk *vm.Chunk, spec Specialization) (*Func, error) {
	t := &translator{
		chunk:   chunk,
		f:       &Func{Name: chunk.Name, Chunk: chunk, Spec: spec},
		blockAt: make(map[int]*Block),
		depthAt: make(map[int]int),
	}
	t.allocateSlots()
	t.findLeaders()
	if err := t.computeDepths(); err != nil {
		return nil, err
	}
	t.createBlocks()
	t.emitPrologue()
	for _, start := range t.leaders {
		if b, ok := t.blockAt[start]; ok {
			if err := t.emitBlock(b); err != nil {
				return nil, err
			}
		}
	}
	return t.f, nil
}

type translator struct {
	chunk *vm.Chunk
	f     *Func

	slotOf  map[int]int // name id -> slot
	leaders []int       // sorted block start ips
	blockAt map[int]*Block
	depthAt map[int]int // entry stack depth of reachable blocks

	// per-block emission state
	cur      *Block
	ip       int
	slots    []ValueID
	stack    []ValueID
	defined  []bool // slot assigned earlier in this block
	consts   map[ValueID]bool
	asInts   map[ValueID]ValueID
	asFloats map[ValueID]ValueID
}

// ---------------------------------------------------------------------------
// Pass 1: slots, blocks, depths
// ---------------------------------------------------------------------------

// allocateSlots gives every parameter and every STORE_VAR target of a
// function a local slot. Script bodies have none: their variables are
// globals.
func (t *translator) allocateSlots() {
	t.slotOf = make(map[int]int)
	if t.chunk.IsScript() {
		return
	}
	ids := make(map[int]bool)
	for i := 0; i < t.chunk.Arity(); i++ {
		ids[i] = true
	}
	for _, ins := range t.chunk.Code {
		if ins.Op == vm.OpStoreVar {
			ids[ins.A] = true
		}
	}
	for id := range ids {
		t.f.Slots = append(t.f.Slots, id)
	}
	sort.Ints(t.f.Slots)
	for slot, id := range t.f.Slots {
		t.slotOf[id] = slot
	}
}

func (t *translator) findLeaders() {
	code := t.chunk.Code
	set := map[int]bool{0: true}
	for ip, ins := range code {
		if ins.Op.IsJump() {
			set[ins.A] = true
		}
		if (ins.Op.IsJump() || ins.Op.IsReturn()) && ip+1 < len(code) {
			set[ip+1] = true
		}
	}
	for ip := range set {
		t.leaders = append(t.leaders, ip)
	}
	sort.Ints(t.leaders)
}

// blockEnd returns the first ip after the block starting at start.
func (t *translator) blockEnd(start int) int {
	i := sort.SearchInts(t.leaders, start)
	if i+1 < len(t.leaders) {
		return t.leaders[i+1]
	}
	return len(t.chunk.Code)
}

func (t *translator) computeDepths() error {
	code := t.chunk.Code
	t.depthAt[0] = 0
	work := []int{0}
	setDepth := func(target, d int) error {
		if target >= len(code) {
			return compileErrorf(t.chunk, target, "control falls off the end")
		}
		if old, ok := t.depthAt[target]; ok {
			if old != d {
				return compileErrorf(t.chunk, target, "inconsistent stack depth (%d vs %d)", old, d)
			}
			return nil
		}
		t.depthAt[target] = d
		work = append(work, target)
		return nil
	}

	for len(work) > 0 {
		start := work[len(work)-1]
		work = work[:len(work)-1]
		d := t.depthAt[start]
		end := t.blockEnd(start)
		fallsThrough := true
		for ip := start; ip < end; ip++ {
			ins := code[ip]
			if !supported[ins.Op] && !vm.IsGeneric(ins.Op) {
				return compileErrorf(t.chunk, ip, "unsupported opcode %s", ins.Op)
			}
			pop, push := vm.StackEffect(ins)
			if d < pop {
				return compileErrorf(t.chunk, ip, "stack underflow")
			}
			d += push - pop
			switch {
			case ins.Op == vm.OpJump || ins.Op == vm.OpJumpBack:
				fallsThrough = false
				if err := setDepth(ins.A, d); err != nil {
					return err
				}
			case ins.Op.IsConditionalJump():
				if err := setDepth(ins.A, d); err != nil {
					return err
				}
			case ins.Op.IsReturn():
				fallsThrough = false
			}
		}
		if fallsThrough {
			if err := setDepth(end, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *translator) createBlocks() {
	t.f.Blocks = append(t.f.Blocks, &Block{ID: 0, StartIP: -1})
	for _, start := range t.leaders {
		d, ok := t.depthAt[start]
		if !ok {
			continue // unreachable
		}
		b := &Block{ID: BlockID(len(t.f.Blocks)), StartIP: start}
		for range t.f.Slots {
			b.Params = append(b.Params, t.f.NewValue(TypeBox))
		}
		for i := 0; i < d; i++ {
			b.Params = append(b.Params, t.f.NewValue(TypeBox))
		}
		t.f.Blocks = append(t.f.Blocks, b)
		t.blockAt[start] = b
	}
}

// emitPrologue binds arguments to their slots, marks every other slot
// undefined and enters the block at ip 0.
func (t *translator) emitPrologue() {
	t.begin(t.f.Blocks[0], nil)
	t.ip = 0
	t.slots = make([]ValueID, len(t.f.Slots))
	for slot, id := range t.f.Slots {
		if id < t.chunk.Arity() {
			t.slots[slot] = t.value(&Inst{Op: OpArg, Int: int64(id)}, TypeBox)
		} else {
			t.slots[slot] = t.value(&Inst{Op: OpConstBox, Box: vm.Undefined}, TypeBox)
		}
	}
	t.cur.Term = Terminator{Kind: TermJump, Then: Edge{Target: t.blockAt[0].ID, Args: t.edgeArgs()}}
}

// ---------------------------------------------------------------------------
// Pass 2: emission
// ---------------------------------------------------------------------------

func (t *translator) begin(b *Block, params []ValueID) {
	n := len(t.f.Slots)
	t.cur = b
	t.slots = nil
	t.stack = nil
	if params != nil {
		t.slots = append([]ValueID(nil), params[:n]...)
		t.stack = append([]ValueID(nil), params[n:]...)
	}
	t.defined = make([]bool, n)
	t.consts = make(map[ValueID]bool)
	t.asInts = make(map[ValueID]ValueID)
	t.asFloats = make(map[ValueID]ValueID)
}

func (t *translator) emitBlock(b *Block) error {
	t.begin(b, b.Params)
	end := t.blockEnd(b.StartIP)
	for ip := b.StartIP; ip < end; ip++ {
		t.ip = ip
		done, err := t.emitInstruction(t.chunk.Code[ip])
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	next, ok := t.blockAt[end]
	if !ok {
		return compileErrorf(t.chunk, end, "control falls off the end")
	}
	t.cur.Term = Terminator{Kind: TermJump, Then: Edge{Target: next.ID, Args: t.edgeArgs()}}
	return nil
}

// emitInstruction translates one bytecode instruction. It reports true when
// the instruction terminated the block.
func (t *translator) emitInstruction(ins vm.Instruction) (bool, error) {
	switch ins.Op {
	// ============ Stack Operations ============
	case vm.OpNop:

	case vm.OpPop:
		t.pop()

	case vm.OpDup:
		t.push(t.peek(0))

	case vm.OpSwap:
		n := len(t.stack)
		t.stack[n-1], t.stack[n-2] = t.stack[n-2], t.stack[n-1]

	// ============ Constants ============
	case vm.OpConst:
		t.push(t.constant(t.chunk.Constants[ins.A]))

	case vm.OpNull:
		t.push(t.constant(vm.Null))

	case vm.OpTrue:
		t.push(t.value(&Inst{Op: OpConstBool, Int: 1}, TypeBool))

	case vm.OpFalse:
		t.push(t.value(&Inst{Op: OpConstBool, Int: 0}, TypeBool))

	// ============ Variables ============
	case vm.OpLoadVar:
		slot, ok := t.slotOf[ins.A]
		switch {
		case !ok:
			t.push(t.value(&Inst{Op: OpLoadVar, Int: int64(ins.A), Ins: ins, Deopt: t.deoptPoint()}, TypeBox))
		case t.defined[slot] || ins.A < t.chunk.Arity() || t.f.Types[t.slots[slot]] != TypeBox:
			t.push(t.slots[slot])
		default:
			t.push(t.value(&Inst{Op: OpLoadLocal, Int: int64(ins.A), Ins: ins, Args: []ValueID{t.slots[slot]}, Deopt: t.deoptPoint()}, TypeBox))
		}

	case vm.OpStoreVar:
		if slot, ok := t.slotOf[ins.A]; ok {
			t.slots[slot] = t.pop()
			t.defined[slot] = true
		} else {
			t.effect(&Inst{Op: OpStoreVar, Int: int64(ins.A), Ins: ins, Args: []ValueID{t.box(t.pop())}})
		}

	case vm.OpLoadGlobal:
		t.push(t.value(&Inst{Op: OpLoadGlobal, Int: int64(ins.A), Ins: ins, Deopt: t.deoptPoint()}, TypeBox))

	case vm.OpStoreGlobal:
		t.effect(&Inst{Op: OpStoreGlobal, Int: int64(ins.A), Ins: ins, Args: []ValueID{t.box(t.pop())}})

	// ============ Arithmetic and Comparison ============
	case vm.OpAdd, vm.OpSub, vm.OpMul, vm.OpDiv, vm.OpMod:
		t.binary(ins, OpIArith, OpFArith, TypeInt, TypeFloat)

	case vm.OpEq, vm.OpNe, vm.OpLt, vm.OpLe, vm.OpGt, vm.OpGe:
		t.binary(ins, OpICmp, OpFCmp, TypeBool, TypeBool)

	case vm.OpNeg:
		t.negate(ins)

	// ============ Logical ============
	case vm.OpNot:
		c := t.asBool(t.pop())
		t.push(t.value(&Inst{Op: OpBNot, Args: []ValueID{c}}, TypeBool))

	case vm.OpAnd, vm.OpOr:
		b := t.asBool(t.pop())
		a := t.asBool(t.pop())
		op := OpBAnd
		if ins.Op == vm.OpOr {
			op = OpBOr
		}
		t.push(t.value(&Inst{Op: op, Args: []ValueID{a, b}}, TypeBool))

	// ============ Control Flow ============
	case vm.OpJump, vm.OpJumpBack:
		t.cur.Term = Terminator{Kind: TermJump, Then: Edge{Target: t.blockAt[ins.A].ID, Args: t.edgeArgs()}}
		return true, nil

	case vm.OpJumpIfFalse, vm.OpJumpIfTrue:
		next, ok := t.blockAt[t.ip+1]
		if !ok {
			return false, compileErrorf(t.chunk, t.ip, "conditional jump falls off the end")
		}
		cond := t.asBool(t.pop())
		args := t.edgeArgs()
		target := Edge{Target: t.blockAt[ins.A].ID, Args: args}
		fall := Edge{Target: next.ID, Args: args}
		if ins.Op == vm.OpJumpIfTrue {
			t.cur.Term = Terminator{Kind: TermBranch, Cond: cond, Then: target, Else: fall}
		} else {
			t.cur.Term = Terminator{Kind: TermBranch, Cond: cond, Then: fall, Else: target}
		}
		return true, nil

	// ============ Calls ============
	case vm.OpCall:
		n := ins.A + 1
		args := make([]ValueID, n)
		for i, v := range t.stack[len(t.stack)-n:] {
			args[i] = t.box(v)
		}
		t.stack = t.stack[:len(t.stack)-n]
		t.push(t.value(&Inst{Op: OpCall, Ins: ins, Args: args, Deopt: t.deoptPoint()}, TypeBox))

	case vm.OpReturn:
		t.cur.Term = Terminator{Kind: TermReturn, Value: t.pop()}
		return true, nil

	case vm.OpReturnNone:
		t.cur.Term = Terminator{Kind: TermReturn, Value: t.constant(vm.Null)}
		return true, nil

	default:
		if !vm.IsGeneric(ins.Op) {
			return false, compileErrorf(t.chunk, t.ip, "unsupported opcode %s", ins.Op)
		}
		t.generic(ins)
	}
	return false, nil
}

// binary emits an arithmetic or comparison. Statically typed operands use raw
// operations directly; under a matching specialization unknown operands are
// guarded first; everything else goes through the generic helper.
func (t *translator) binary(ins vm.Instruction, iop, fop Op, ityp, ftyp Type) {
	a, b := t.peek(1), t.peek(0)
	ta, tb := t.f.Types[a], t.f.Types[b]
	spec := t.f.Spec
	switch {
	case ta == TypeInt && tb == TypeInt,
		spec == SpecInt && t.intable(a) && t.intable(b):
		x, y := t.asInt(a), t.asInt(b)
		in := &Inst{Op: iop, Code: ins.Op, Args: []ValueID{x, y}}
		if ins.Op == vm.OpDiv || ins.Op == vm.OpMod {
			in.Deopt = t.deoptPoint()
		}
		t.stack = t.stack[:len(t.stack)-2]
		t.push(t.value(in, ityp))
	case isNumeric(ta) && isNumeric(tb),
		spec == SpecFloat && t.floatable(a) && t.floatable(b):
		x, y := t.asFloat(a), t.asFloat(b)
		t.stack = t.stack[:len(t.stack)-2]
		t.push(t.value(&Inst{Op: fop, Code: ins.Op, Args: []ValueID{x, y}}, ftyp))
	default:
		t.generic(ins)
	}
}

func (t *translator) negate(ins vm.Instruction) {
	a := t.peek(0)
	ta := t.f.Types[a]
	switch {
	case ta == TypeInt, t.f.Spec == SpecInt && t.intable(a):
		x := t.asInt(a)
		t.pop()
		t.push(t.value(&Inst{Op: OpINeg, Args: []ValueID{x}}, TypeInt))
	case ta == TypeFloat, t.f.Spec == SpecFloat && t.floatable(a):
		x := t.asFloat(a)
		t.pop()
		t.push(t.value(&Inst{Op: OpFNeg, Args: []ValueID{x}}, TypeFloat))
	default:
		t.generic(ins)
	}
}

// generic hands ins to the generic-op helper with boxed inputs. When the
// helper fails, ins runs again in the interpreter with its inputs restored.
func (t *translator) generic(ins vm.Instruction) {
	pop, push := vm.StackEffect(ins)
	args := make([]ValueID, pop)
	for i, v := range t.stack[len(t.stack)-pop:] {
		args[i] = t.box(v)
	}
	dp := t.deoptPoint()
	t.stack = t.stack[:len(t.stack)-pop]
	in := &Inst{Op: OpGeneric, Ins: ins, Args: args, Deopt: dp}
	switch push {
	case 0:
		t.effect(in)
	case 1:
		t.push(t.value(in, TypeBox))
	default:
		// The results stay on the VM stack and are taken off top first.
		t.effect(in)
		vals := make([]ValueID, push)
		for i := push - 1; i >= 0; i-- {
			vals[i] = t.value(&Inst{Op: OpPopStack}, TypeBox)
		}
		t.stack = append(t.stack, vals...)
	}
}

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

func (t *translator) value(in *Inst, typ Type) ValueID {
	in.Result = t.f.NewValue(typ)
	t.append(in)
	return in.Result
}

// effect appends an instruction without a result.
func (t *translator) effect(in *Inst) {
	in.Result = NoValue
	t.append(in)
}

func (t *translator) append(in *Inst) {
	in.IP = t.ip
	t.cur.Insts = append(t.cur.Insts, in)
}

func (t *translator) constant(k vm.Value) ValueID {
	switch k.Kind() {
	case vm.KindInt:
		return t.value(&Inst{Op: OpConstInt, Int: k.AsInt()}, TypeInt)
	case vm.KindFloat:
		return t.value(&Inst{Op: OpConstFloat, Float: k.AsFloat()}, TypeFloat)
	case vm.KindBool:
		n := int64(0)
		if k.AsBool() {
			n = 1
		}
		return t.value(&Inst{Op: OpConstBool, Int: n}, TypeBool)
	}
	v := t.value(&Inst{Op: OpConstBox, Box: k}, TypeBox)
	t.consts[v] = true
	return v
}

func (t *translator) push(v ValueID) { t.stack = append(t.stack, v) }

func (t *translator) pop() ValueID {
	v := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return v
}

func (t *translator) peek(n int) ValueID { return t.stack[len(t.stack)-1-n] }

// intable reports whether v may hold an Int at run time.
func (t *translator) intable(v ValueID) bool {
	typ := t.f.Types[v]
	return typ == TypeInt || (typ == TypeBox && !t.consts[v])
}

// floatable reports whether v can be used as a Float operand.
func (t *translator) floatable(v ValueID) bool {
	typ := t.f.Types[v]
	return typ == TypeFloat || typ == TypeInt || (typ == TypeBox && !t.consts[v])
}

func isNumeric(typ Type) bool { return typ == TypeInt || typ == TypeFloat }

func (t *translator) box(v ValueID) ValueID {
	if t.f.Types[v] == TypeBox {
		return v
	}
	return t.value(&Inst{Op: OpBox, Args: []ValueID{v}}, TypeBox)
}

func (t *translator) asInt(v ValueID) ValueID {
	if t.f.Types[v] == TypeInt {
		return v
	}
	if u, ok := t.asInts[v]; ok {
		return u
	}
	t.effect(&Inst{Op: OpGuardInt, Args: []ValueID{v}, Deopt: t.deoptPoint()})
	u := t.value(&Inst{Op: OpUnboxInt, Args: []ValueID{v}}, TypeInt)
	t.asInts[v] = u
	return u
}

func (t *translator) asFloat(v ValueID) ValueID {
	switch t.f.Types[v] {
	case TypeFloat:
		return v
	case TypeInt:
		return t.value(&Inst{Op: OpIntToFloat, Args: []ValueID{v}}, TypeFloat)
	}
	if u, ok := t.asFloats[v]; ok {
		return u
	}
	t.effect(&Inst{Op: OpGuardFloat, Args: []ValueID{v}, Deopt: t.deoptPoint()})
	u := t.value(&Inst{Op: OpUnboxFloat, Args: []ValueID{v}}, TypeFloat)
	t.asFloats[v] = u
	return u
}

func (t *translator) asBool(v ValueID) ValueID {
	if t.f.Types[v] == TypeBool {
		return v
	}
	return t.value(&Inst{Op: OpTruthy, Args: []ValueID{t.box(v)}}, TypeBool)
}

// deoptPoint snapshots the current slot and stack values.
func (t *translator) deoptPoint() *DeoptPoint {
	return &DeoptPoint{
		IP:    t.ip,
		Slots: append([]ValueID(nil), t.slots...),
		Stack: append([]ValueID(nil), t.stack...),
	}
}

// edgeArgs boxes the current slots and stack for a block transfer.
func (t *translator) edgeArgs() []ValueID {
	args := make([]ValueID, 0, len(t.slots)+len(t.stack))
	for _, v := range t.slots {
		args = append(args, t.box(v))
	}
	for _, v := range t.stack {
		args = append(args, t.box(v))
	}
	return args
}
