package jit

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/ember/vm"
)

// function assembles src and returns the chunk of the named function, or
// the script itself when name is empty.
func function(t *testing.T, src, name string) *vm.Chunk {
	t.Helper()
	script, err := vm.Assemble(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if name == "" {
		return script
	}
	for _, k := range script.Constants {
		if f := k.AsFunction(); f != nil && f.Name() == name {
			return f.Chunk
		}
	}
	t.Fatalf("no function %s", name)
	return nil
}

const addFunc = `
.func add a b
    LOAD_VAR a
    LOAD_VAR b
    ADD
    RETURN
.end
.script main
    CONST @add
    RETURN
.end
`

const sumFunc = `
.func sum_to n
    CONST 0
    STORE_VAR total
    CONST 0
    STORE_VAR i
loop:
    LOAD_VAR i
    LOAD_VAR n
    LT
    JUMP_IF_FALSE done
    LOAD_VAR total
    LOAD_VAR i
    ADD
    STORE_VAR total
    LOAD_VAR i
    CONST 1
    ADD
    STORE_VAR i
    JUMP_BACK loop
done:
    LOAD_VAR total
    RETURN
.end
.script main
    CONST @sum_to
    RETURN
.end
`

func countOps(f *Func, op Op) int {
	n := 0
	for _, b := range f.Blocks {
		for _, in := range b.Insts {
			if in.Op == op {
				n++
			}
		}
	}
	return n
}

func findOp(f *Func, op Op) *Inst {
	for _, b := range f.Blocks {
		for _, in := range b.Insts {
			if in.Op == op {
				return in
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// CanCompile
// ---------------------------------------------------------------------------

func TestCanCompile(t *testing.T) {
	if err := CanCompile(function(t, addFunc, "add")); err != nil {
		t.Errorf("add should compile: %v", err)
	}
	if err := CanCompile(function(t, sumFunc, "sum_to")); err != nil {
		t.Errorf("sum_to should compile: %v", err)
	}
}

func TestCanCompileRejects(t *testing.T) {
	unsealed := vm.NewChunk("open")
	unsealed.Emit(vm.OpReturnNone)

	tests := []struct {
		name  string
		chunk *vm.Chunk
		want  string
	}{
		{"unsealed", unsealed, "not sealed"},
		{"generator", function(t, ".generator g\n CONST 1\n YIELD\n RETURN\n.end\n.script s\n CONST @g\n RETURN\n.end", "g"), "interpreter-only"},
		{"try block", function(t, ".script s\n BEGIN_TRY h\n END_TRY\nh:\n RETURN_NONE\n.end", ""), "unsupported opcode BEGIN_TRY"},
		{"try unwrap", function(t, ".func f r\n LOAD_VAR r\n TRY_UNWRAP\n RETURN\n.end\n.script s\n CONST @f\n RETURN\n.end", "f"), "interpreter-only"},
		{"falls off the end", function(t, ".func f\n CONST 1\n POP\n.end\n.script s\n CONST @f\n RETURN\n.end", "f"), "fall off the end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanCompile(tt.chunk)
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("expected a CompileError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Translate
// ---------------------------------------------------------------------------

func TestTranslateGeneric(t *testing.T) {
	f, err := Translate(function(t, addFunc, "add"), SpecNone)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Slots) != 2 || f.Slots[0] != 0 || f.Slots[1] != 1 {
		t.Errorf("slots = %v, want [0 1]", f.Slots)
	}
	if countOps(f, OpGuardInt) != 0 {
		t.Error("an unspecialized function should have no guards")
	}
	g := findOp(f, OpGeneric)
	if g == nil || g.Ins.Op != vm.OpAdd || g.IP != 2 {
		t.Fatalf("expected ADD through the generic helper, got %+v", g)
	}
	if f.Blocks[0].StartIP != -1 || countOps(f, OpArg) != 2 {
		t.Error("the prologue should bind both arguments")
	}
}

func TestTranslateIntSpecialized(t *testing.T) {
	f, err := Translate(function(t, addFunc, "add"), SpecInt)
	if err != nil {
		t.Fatal(err)
	}
	if n := countOps(f, OpGuardInt); n != 2 {
		t.Fatalf("expected 2 int guards, got %d\n%s", n, f)
	}
	g := findOp(f, OpGuardInt)
	if g.Deopt == nil || g.Deopt.IP != 2 || len(g.Deopt.Stack) != 2 || len(g.Deopt.Slots) != 2 {
		t.Errorf("guard should resume at ADD with both operands, got %+v", g.Deopt)
	}
	arith := findOp(f, OpIArith)
	if arith == nil || arith.Code != vm.OpAdd || f.TypeOf(arith.Result) != TypeInt {
		t.Fatalf("expected an i64 add, got %+v", arith)
	}
	var ret *Block
	for _, b := range f.Blocks {
		if b.Term.Kind == TermReturn {
			ret = b
		}
	}
	if ret == nil || ret.Term.Value != arith.Result {
		t.Error("the unboxed sum should be returned directly")
	}
	if !strings.Contains(f.String(), "guard.i64") {
		t.Errorf("IR listing lacks guards:\n%s", f)
	}
}

func TestFailingInstructionsCanDeopt(t *testing.T) {
	chunk := function(t, `
.func f a b
    LOAD_GLOBAL g
    LOAD_VAR a
    CALL 1
    LOAD_VAR b
    DIV
    LOAD_VAR c
    INDEX_GET
    RETURN
.end
.script s
    CONST @f
    RETURN
.end
`, "f")
	for _, spec := range []Specialization{SpecNone, SpecInt} {
		f, err := Translate(chunk, spec)
		if err != nil {
			t.Fatal(err)
		}
		for _, b := range f.Blocks {
			for _, in := range b.Insts {
				if in.CanFail() && (in.Deopt == nil || in.Deopt.IP != in.IP) {
					t.Errorf("spec %s: %s at %04X has deopt point %+v", spec, in.Op, in.IP, in.Deopt)
				}
			}
		}
	}

	f, _ := Translate(chunk, SpecInt)
	div := findOp(f, OpIArith)
	if div == nil || div.Code != vm.OpDiv || len(div.Deopt.Stack) != 2 {
		t.Errorf("DIV should resume with both operands, got %+v", div)
	}
	if c := findOp(f, OpCall); c == nil || len(c.Deopt.Stack) != 0 {
		t.Errorf("a failed call resumes with its operands consumed, got %+v", c)
	}
}

func TestTranslateReusesGuardedValue(t *testing.T) {
	chunk := function(t, `
.func square x
    LOAD_VAR x
    LOAD_VAR x
    MUL
    RETURN
.end
.script s
    CONST @square
    RETURN
.end
`, "square")
	f, err := Translate(chunk, SpecInt)
	if err != nil {
		t.Fatal(err)
	}
	if n := countOps(f, OpGuardInt); n != 1 {
		t.Errorf("a parameter read twice should be guarded once, got %d guards", n)
	}
}

func TestTranslateStaticTypes(t *testing.T) {
	chunk := function(t, `
.func k
    CONST 2
    CONST 3
    ADD
    CONST 1.5
    MUL
    RETURN
.end
.script s
    CONST @k
    RETURN
.end
`, "k")
	f, err := Translate(chunk, SpecNone)
	if err != nil {
		t.Fatal(err)
	}
	if countOps(f, OpGuardInt)+countOps(f, OpGuardFloat) != 0 {
		t.Error("constant operands need no guards")
	}
	if countOps(f, OpIArith) != 1 || countOps(f, OpFArith) != 1 || countOps(f, OpIntToFloat) != 1 {
		t.Errorf("expected int add then float multiply:\n%s", f)
	}
	if countOps(f, OpGeneric) != 0 {
		t.Errorf("no generic ops expected:\n%s", f)
	}
}

func TestTranslateLoopBlocks(t *testing.T) {
	f, err := Translate(function(t, sumFunc, "sum_to"), SpecInt)
	if err != nil {
		t.Fatal(err)
	}
	// n, total, i
	if len(f.Slots) != 3 {
		t.Fatalf("slots = %v", f.Slots)
	}
	// prologue, entry, loop header, body, exit
	if len(f.Blocks) != 5 {
		t.Fatalf("expected 5 blocks, got %d\n%s", len(f.Blocks), f)
	}
	for _, b := range f.Blocks[1:] {
		if len(b.Params) != len(f.Slots) {
			t.Errorf("block %d has %d params, want %d", b.ID, len(b.Params), len(f.Slots))
		}
	}
	if countOps(f, OpICmp) != 1 {
		t.Errorf("loop condition should be an i64 compare:\n%s", f)
	}
}

func TestTranslateScriptUsesGlobals(t *testing.T) {
	f, err := Translate(function(t, `
.script s
    CONST 1
    STORE_VAR x
    LOAD_VAR x
    RETURN
.end
`, ""), SpecNone)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Slots) != 0 {
		t.Errorf("scripts have no slots, got %v", f.Slots)
	}
	if countOps(f, OpStoreVar) != 1 || countOps(f, OpLoadVar) != 1 {
		t.Errorf("script variables should go through the helpers:\n%s", f)
	}
}

func TestTranslateInconsistentDepth(t *testing.T) {
	chunk := function(t, `
.func bad c
    LOAD_VAR c
    JUMP_IF_FALSE join
    CONST 1
join:
    CONST 2
    RETURN
.end
.script s
    CONST @bad
    RETURN
.end
`, "bad")
	if err := CanCompile(chunk); err != nil {
		t.Fatalf("the linear scan should accept it: %v", err)
	}
	_, err := Translate(chunk, SpecNone)
	var ce *CompileError
	if !errors.As(err, &ce) || !strings.Contains(ce.Reason, "inconsistent stack depth") {
		t.Errorf("expected an inconsistent depth error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Lower
// ---------------------------------------------------------------------------

func testModule(t *testing.T) *Module {
	t.Helper()
	l := NewLinker()
	if err := RegisterRuntimeHelpers(l); err != nil {
		t.Fatal(err)
	}
	m, err := l.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func lower(t *testing.T, chunk *vm.Chunk, spec Specialization) CompiledFn {
	t.Helper()
	f, err := Translate(chunk, spec)
	if err != nil {
		t.Fatal(err)
	}
	code, err := Lower(f, testModule(t))
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func TestLoweredIntReturn(t *testing.T) {
	chunk := function(t, addFunc, "add")
	code := lower(t, chunk, SpecInt)

	m := vm.New(vm.Options{})
	ctx := &ExecContext{VM: m, Fn: vm.NewFunction(chunk), Args: []vm.Value{vm.Int(5), vm.Int(3)}}
	if st := code(ctx); st != StatusOK {
		t.Fatalf("status %d", st)
	}
	if !ctx.HasIntReturn || ctx.IntReturn != 8 {
		t.Errorf("expected unboxed 8, got %d (int return %v)", ctx.IntReturn, ctx.HasIntReturn)
	}
	if m.Stack().Len() != 0 {
		t.Errorf("int return should leave the stack empty, has %d", m.Stack().Len())
	}
}

func TestLoweredGuardDeopts(t *testing.T) {
	chunk := function(t, addFunc, "add")
	code := lower(t, chunk, SpecInt)

	ctx := &ExecContext{
		VM:   vm.New(vm.Options{}),
		Fn:   vm.NewFunction(chunk),
		Args: []vm.Value{vm.Float(1.5), vm.Int(2)},
	}
	if st := code(ctx); st != StatusDeopt {
		t.Fatalf("expected a deopt, got status %d", st)
	}
	d := ctx.Deopt
	if d.IP != 2 {
		t.Errorf("deopt ip = %d, want 2", d.IP)
	}
	if len(d.Locals) != len(chunk.Names) || !d.Locals[0].IsFloat() {
		t.Errorf("locals not rebuilt: %v", d.Locals)
	}
	if len(d.Stack) != 2 || d.Stack[0].AsFloat() != 1.5 || d.Stack[1].AsInt() != 2 {
		t.Errorf("operand stack not rebuilt: %v", d.Stack)
	}

	// The interpreter finishes the call from the rebuilt state.
	v, err := ctx.VM.ResumeAt(ctx.Fn, d.IP, d.Locals, d.Stack)
	if err != nil || v.AsFloat() != 3.5 {
		t.Errorf("resumed result %s, %v", v, err)
	}
}

func TestLoweredGenericPath(t *testing.T) {
	chunk := function(t, addFunc, "add")
	code := lower(t, chunk, SpecNone)

	m := vm.New(vm.Options{})
	ctx := &ExecContext{VM: m, Fn: vm.NewFunction(chunk), Args: []vm.Value{vm.Str("foo"), vm.Str("bar")}}
	if st := code(ctx); st != StatusOK {
		t.Fatalf("status %d: %v", st, ctx.Err)
	}
	if ctx.HasIntReturn {
		t.Fatal("a string result must be boxed")
	}
	if v := m.Stack().Pop(); v.AsStr() != "foobar" {
		t.Errorf("got %s", v)
	}
}

func TestLoweredRuntimeError(t *testing.T) {
	chunk := function(t, `
.func div a
    LOAD_VAR a
    CONST 0
    DIV
    RETURN
.end
.script s
    CONST @div
    RETURN
.end
`, "div")
	code := lower(t, chunk, SpecInt)

	ctx := &ExecContext{VM: vm.New(vm.Options{}), Fn: vm.NewFunction(chunk), Args: []vm.Value{vm.Int(1)}}
	if st := code(ctx); st != StatusDeopt {
		t.Fatalf("a failing division should deopt, got status %d", st)
	}
	d := ctx.Deopt
	if d.IP != 2 || d.Err != nil {
		t.Fatalf("expected to run DIV again at 2, got ip %d err %v", d.IP, d.Err)
	}
	if len(d.Stack) != 2 || d.Stack[0].AsInt() != 1 || d.Stack[1].AsInt() != 0 {
		t.Errorf("operands not restored: %v", d.Stack)
	}

	// The interpreter raises the error with the frame in its trace.
	_, err := ctx.VM.ResumeAt(ctx.Fn, d.IP, d.Locals, d.Stack)
	var re *vm.RuntimeError
	if !errors.As(err, &re) || re.Kind != vm.ErrDivideByZero {
		t.Fatalf("expected DivideByZero, got %v", err)
	}
	if len(re.Trace) != 1 || re.Trace[0] != "div@2" {
		t.Errorf("trace %v", re.Trace)
	}
}

func TestLoweredFailingCallUnwinds(t *testing.T) {
	chunk := function(t, `
.func outer
    LOAD_GLOBAL missing
    RETURN
.end
.func caller
    CONST @outer
    CALL 0
    RETURN
.end
.script s
    CONST @caller
    RETURN
.end
`, "caller")
	code := lower(t, chunk, SpecNone)

	ctx := &ExecContext{VM: vm.New(vm.Options{}), Fn: vm.NewFunction(chunk)}
	if st := code(ctx); st != StatusDeopt {
		t.Fatalf("a failing call should deopt, got status %d", st)
	}
	d := ctx.Deopt
	if d.IP != 1 || d.Err == nil {
		t.Fatalf("expected the callee error at CALL 1, got ip %d err %v", d.IP, d.Err)
	}

	_, err := ctx.VM.ResumeThrow(ctx.Fn, d.IP, d.Locals, d.Stack, d.Err)
	var re *vm.RuntimeError
	if !errors.As(err, &re) || re.Kind != vm.ErrUndefinedVariable {
		t.Fatalf("expected UndefinedVariable, got %v", err)
	}
	if want := []string{"outer@0", "caller@1"}; len(re.Trace) != 2 || re.Trace[0] != want[0] || re.Trace[1] != want[1] {
		t.Errorf("trace %v, want %v", re.Trace, want)
	}
	if ctx.VM.Depth() != 0 || ctx.VM.Stack().Len() != 0 {
		t.Errorf("state left behind: frames=%d stack=%d", ctx.VM.Depth(), ctx.VM.Stack().Len())
	}
}

func TestLoweredLoop(t *testing.T) {
	chunk := function(t, sumFunc, "sum_to")
	for _, spec := range []Specialization{SpecNone, SpecInt} {
		code := lower(t, chunk, spec)
		m := vm.New(vm.Options{})
		ctx := &ExecContext{VM: m, Fn: vm.NewFunction(chunk), Args: []vm.Value{vm.Int(1000)}}
		if st := code(ctx); st != StatusOK {
			t.Fatalf("spec %s: status %d: %v", spec, st, ctx.Err)
		}
		var got int64
		if ctx.HasIntReturn {
			got = ctx.IntReturn
		} else {
			got = m.Stack().Pop().AsInt()
		}
		if got != 499500 {
			t.Errorf("spec %s: sum_to(1000) = %d, want 499500", spec, got)
		}
	}
}

const countFunc = `
.func count_items xs
    MAKE_NONE
    STORE_VAR last
    CONST 0
    STORE_VAR n
    LOAD_VAR xs
    MAKE_ITERATOR
loop:
    ITER_HAS_NEXT
    JUMP_IF_FALSE done
    ITER_NEXT
    STORE_VAR last
    LOAD_VAR n
    CONST 1
    ADD
    STORE_VAR n
    JUMP_BACK loop
done:
    POP
    LOAD_VAR n
    LOAD_VAR last
    MAKE_ARRAY 2
    RETURN
.end
.script main
    CONST @count_items
    RETURN
.end
`

func TestTranslateMultiValueGeneric(t *testing.T) {
	f, err := Translate(function(t, countFunc, "count_items"), SpecNone)
	if err != nil {
		t.Fatal(err)
	}
	// ITER_HAS_NEXT and ITER_NEXT each leave two values behind.
	if n := countOps(f, OpPopStack); n != 4 {
		t.Errorf("got %d stack pops, want 4", n)
	}
	for _, b := range f.Blocks {
		for i, in := range b.Insts {
			if in.Op != OpGeneric || in.Ins.Op != vm.OpIterNext {
				continue
			}
			if in.Result != NoValue {
				t.Error("a multi-value generic op should not have a result")
			}
			if i+2 >= len(b.Insts) || b.Insts[i+1].Op != OpPopStack || b.Insts[i+2].Op != OpPopStack {
				t.Error("ITER_NEXT should be followed by two stack pops")
			}
		}
	}
}

func TestLoweredIterator(t *testing.T) {
	chunk := function(t, countFunc, "count_items")
	tests := []struct {
		arg  vm.Value
		want string
	}{
		{vm.NewArray([]vm.Value{vm.Int(4), vm.Int(5), vm.Int(6)}), "[3, Some(6)]"},
		{vm.NewArray(nil), "[0, None]"},
		{vm.Str("ab"), `[2, Some("b")]`},
	}
	for _, spec := range []Specialization{SpecNone, SpecInt} {
		code := lower(t, chunk, spec)
		for _, tt := range tests {
			m := vm.New(vm.Options{})
			ctx := &ExecContext{VM: m, Fn: vm.NewFunction(chunk), Args: []vm.Value{tt.arg}}
			if st := code(ctx); st != StatusOK {
				t.Fatalf("spec %s: status %d", spec, st)
			}
			if got := m.Stack().Pop().String(); got != tt.want {
				t.Errorf("spec %s: count_items(%s) = %s, want %s", spec, tt.arg, got, tt.want)
			}
			if m.Stack().Len() != 0 {
				t.Errorf("spec %s: %d values left on the stack", spec, m.Stack().Len())
			}
		}
	}

	// A non-iterable argument fails at MAKE_ITERATOR and resumes there.
	code := lower(t, chunk, SpecNone)
	ctx := &ExecContext{VM: vm.New(vm.Options{}), Fn: vm.NewFunction(chunk), Args: []vm.Value{vm.Int(1)}}
	if st := code(ctx); st != StatusDeopt {
		t.Fatalf("expected a deopt, got status %d", st)
	}
	if ctx.Deopt.IP != 5 || len(ctx.Deopt.Stack) != 1 {
		t.Errorf("deopt at %d with stack %v", ctx.Deopt.IP, ctx.Deopt.Stack)
	}
}

