package jit

import (
	"errors"
	"sync"
	"testing"

	"github.com/chazu/ember/vm"
)

func newJIT(t *testing.T, cfg Config) *JIT {
	t.Helper()
	j, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return j
}

func call(t *testing.T, m *vm.VM, chunk *vm.Chunk, args ...vm.Value) vm.Value {
	t.Helper()
	v, err := m.Execute(chunk, args)
	if err != nil {
		t.Fatalf("%s: %v", chunk.Name, err)
	}
	return v
}

func TestCompileAtThreshold(t *testing.T) {
	j := newJIT(t, DefaultConfig())
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")

	for i := 1; i <= 150; i++ {
		if v := call(t, m, add, vm.Int(5), vm.Int(3)); v.AsInt() != 8 {
			t.Fatalf("call %d: add(5, 3) = %s", i, v)
		}
		if j.Compiled(add) != (i >= DefaultThreshold) {
			t.Fatalf("call %d: compiled=%v", i, j.Compiled(add))
		}
	}

	s := j.Stats()
	if s.Compilations != 1 || s.NativeCalls != 50 {
		t.Errorf("compilations=%d native calls=%d, want 1/50", s.Compilations, s.NativeCalls)
	}
	if e := j.Entry(add); e == nil || e.Specialization != SpecInt {
		t.Errorf("expected an int-specialized entry, got %+v", e)
	}
	if s.Deopts != 0 || s.GuardFailures != 0 {
		t.Errorf("unexpected deopts=%d guard failures=%d", s.Deopts, s.GuardFailures)
	}
}

func TestDisabledJITInterprets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	j := newJIT(t, cfg)
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")

	for i := 0; i < 150; i++ {
		call(t, m, add, vm.Int(1), vm.Int(2))
	}
	s := j.Stats()
	if s.Enabled || s.Compiled != 0 || s.NativeCalls != 0 || s.FunctionsSeen != 0 {
		t.Errorf("disabled JIT did work: %+v", s)
	}
}

func TestSetEnabledKeepsCode(t *testing.T) {
	j := newJIT(t, Config{Enabled: true, Threshold: 2})
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")

	for i := 0; i < 3; i++ {
		call(t, m, add, vm.Int(1), vm.Int(2))
	}
	before := j.Stats().NativeCalls

	j.SetEnabled(false)
	call(t, m, add, vm.Int(1), vm.Int(2))
	if j.Stats().NativeCalls != before {
		t.Error("native code ran while disabled")
	}

	j.SetEnabled(true)
	call(t, m, add, vm.Int(1), vm.Int(2))
	if j.Stats().NativeCalls != before+1 {
		t.Error("native code not used after re-enabling")
	}
}

func TestHotLoopCompilesForNextCall(t *testing.T) {
	j := newJIT(t, DefaultConfig())
	m := vm.New(vm.Options{Tier: j})
	sum := function(t, sumFunc, "sum_to")

	if v := call(t, m, sum, vm.Int(1000000)); v.AsInt() != 499999500000 {
		t.Fatalf("interpreted sum = %s", v)
	}
	if !j.Compiled(sum) {
		t.Fatal("the hot loop should have compiled the function")
	}
	if j.Stats().NativeCalls != 0 {
		t.Fatal("the running call must stay in the interpreter")
	}

	if v := call(t, m, sum, vm.Int(1000000)); v.AsInt() != 499999500000 {
		t.Errorf("native sum = %s", v)
	}
	if s := j.Stats(); s.NativeCalls != 1 || s.HotPaths.HotLoops != 1 {
		t.Errorf("native calls=%d hot loops=%d", s.NativeCalls, s.HotPaths.HotLoops)
	}
}

func TestDeoptOnTypeChange(t *testing.T) {
	j := newJIT(t, DefaultConfig())
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")

	for i := 0; i < 150; i++ {
		call(t, m, add, vm.Int(5), vm.Int(3))
	}
	v := call(t, m, add, vm.Float(1.5), vm.Float(2.25))
	if !v.IsFloat() || v.AsFloat() != 3.75 {
		t.Fatalf("add(1.5, 2.25) = %s, want 3.75", v)
	}

	s := j.Stats()
	if s.Deopts != 1 || s.GuardFailures != 1 {
		t.Errorf("deopts=%d guard failures=%d, want 1/1", s.Deopts, s.GuardFailures)
	}
	if !j.Compiled(add) || s.Despecializations != 0 {
		t.Error("a single failure within budget should keep the code")
	}
}

func TestDespecializationRecovery(t *testing.T) {
	j := newJIT(t, DefaultConfig())
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")

	for i := 0; i < 150; i++ {
		call(t, m, add, vm.Int(5), vm.Int(3))
	}

	alternate := func(n int) {
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				if v := call(t, m, add, vm.Float(1.5), vm.Float(1)); v.AsFloat() != 2.5 {
					t.Fatalf("float call %d = %s", i, v)
				}
			} else if v := call(t, m, add, vm.Int(5), vm.Int(3)); v.AsInt() != 8 {
				t.Fatalf("int call %d = %s", i, v)
			}
		}
	}

	alternate(50)
	s := j.Stats()
	if s.Despecializations == 0 || s.Invalidations == 0 {
		t.Fatalf("expected a despecialization, got %+v", s)
	}
	if j.Specialization(add).Current() != SpecNone {
		t.Error("the profile should have been reset")
	}

	// Mixed traffic makes the function hot again and it is recompiled
	// generically.
	alternate(200)
	e := j.Entry(add)
	if e == nil {
		t.Fatal("expected a recompiled entry")
	}
	if e.Specialization != SpecNone {
		t.Errorf("recompiled for %s, want none", e.Specialization)
	}
}

func TestDespecializeInvalidates(t *testing.T) {
	j := newJIT(t, Config{Enabled: true, Threshold: 1})
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")

	call(t, m, add, vm.Int(1), vm.Int(1))
	old := j.Entry(add)
	if old == nil {
		t.Fatal("expected compiled code")
	}
	j.Despecialize(add)
	if j.Compiled(add) || old.Valid() {
		t.Error("Despecialize should drop compiled code")
	}
	if s := j.Stats(); s.Despecializations != 1 || s.Invalidations != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	if j.Detector().Calls(add) != 0 {
		t.Error("the detector should be rearmed")
	}
}

func TestGenericEntryPromotedOnceProfileSettles(t *testing.T) {
	j := newJIT(t, Config{Enabled: true, Threshold: 1})
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")

	// Compiled on the first call, before any operand was seen.
	call(t, m, add, vm.Int(1), vm.Int(1))
	if e := j.Entry(add); e == nil || e.Specialization != SpecNone {
		t.Fatalf("expected a generic entry, got %+v", e)
	}
	for i := 0; i < 40; i++ {
		call(t, m, add, vm.Int(int64(i)), vm.Int(1))
	}
	if e := j.Entry(add); e == nil || e.Specialization != SpecInt {
		t.Errorf("expected the entry to be recompiled for int, got %+v", e)
	}
}

func TestRejectedChunksAreNotRetried(t *testing.T) {
	j := newJIT(t, Config{Enabled: true, Threshold: 1})
	m := vm.New(vm.Options{Tier: j})
	script := function(t, ".script s\n BEGIN_TRY h\n END_TRY\nh:\n RETURN_NONE\n.end", "")

	for i := 0; i < 3; i++ {
		if v := call(t, m, script); v.Kind() != vm.KindNull {
			t.Fatalf("got %s", v)
		}
	}
	if _, err := j.Compile(script); err == nil {
		t.Error("Compile should report the rejection")
	}
	var ce *CompileError
	_, err := j.Compile(script)
	if !errors.As(err, &ce) {
		t.Errorf("expected a CompileError, got %v", err)
	}
	if s := j.Stats(); s.Rejected != 1 || s.Compilations != 0 {
		t.Errorf("rejected=%d compilations=%d", s.Rejected, s.Compilations)
	}
}

const fibFunc = `
.func fib n
    LOAD_VAR n
    CONST 2
    LT
    JUMP_IF_FALSE recurse
    LOAD_VAR n
    RETURN
recurse:
    LOAD_GLOBAL fib
    LOAD_VAR n
    CONST 1
    SUB
    CALL 1
    LOAD_GLOBAL fib
    LOAD_VAR n
    CONST 2
    SUB
    CALL 1
    ADD
    RETURN
.end
.script main
    CONST @fib
    RETURN
.end
`

func TestNativeRecursion(t *testing.T) {
	j := newJIT(t, DefaultConfig())
	g := vm.NewGlobals()
	m := vm.New(vm.Options{Tier: j, Globals: g})
	fib := function(t, fibFunc, "fib")
	g.Set("fib", vm.FromFunction(vm.NewFunction(fib)))

	if v := call(t, m, fib, vm.Int(10)); v.AsInt() != 55 {
		t.Errorf("fib(10) = %s, want 55", v)
	}
	if v := call(t, m, fib, vm.Int(25)); v.AsInt() != 75025 {
		t.Errorf("fib(25) = %s, want 75025", v)
	}

	s := j.Stats()
	if !j.Compiled(fib) || s.NativeCalls == 0 {
		t.Fatalf("fib should run natively: %+v", s)
	}
	if s.SiteHits == 0 || s.MonomorphicSites == 0 {
		t.Errorf("recursive calls should hit the call-site cache: %+v", s)
	}
	if m.Stack().Len() != 0 {
		t.Errorf("operand stack not balanced: %d", m.Stack().Len())
	}
}

func TestNativeStackOverflow(t *testing.T) {
	j := newJIT(t, Config{Enabled: true, Threshold: 5})
	g := vm.NewGlobals()
	m := vm.New(vm.Options{Tier: j, Globals: g, MaxFrames: 200})
	forever := function(t, `
.func forever
    LOAD_GLOBAL forever
    CALL 0
    RETURN
.end
.script s
    CONST @forever
    RETURN
.end
`, "forever")
	g.Set("forever", vm.FromFunction(vm.NewFunction(forever)))

	_, err := m.Execute(forever, nil)
	var re *vm.RuntimeError
	if !errors.As(err, &re) || re.Kind != vm.ErrStackOverflow {
		t.Fatalf("expected StackOverflow, got %v", err)
	}
	if !j.Compiled(forever) {
		t.Error("the recursion should have been compiled on the way down")
	}
	if m.Depth() != 0 || m.Stack().Len() != 0 {
		t.Errorf("state left behind: frames=%d stack=%d", m.Depth(), m.Stack().Len())
	}

	// Native calls and the frames they resume into count once each, so the
	// limit and the trace match a purely interpreted run.
	_, want := vm.New(vm.Options{Globals: g, MaxFrames: 200}).Execute(forever, nil)
	if want == nil || err.Error() != want.Error() {
		t.Errorf("native overflow differs from the interpreter:\n%v\nvs\n%v", err, want)
	}
	if len(re.Trace) != 200 {
		t.Errorf("trace has %d frames, want 200", len(re.Trace))
	}
}

func TestNativeErrorKeepsTrace(t *testing.T) {
	src := `
.func div a b
    LOAD_VAR a
    LOAD_VAR b
    DIV
    RETURN
.end
.script main
    CONST @div
    STORE_GLOBAL div
    LOAD_GLOBAL div
    CONST 1
    CONST 0
    CALL 2
    RETURN
.end
`
	const want = "runtime error: division by zero\n  at div@2\n  at main@5"

	for _, spec := range []string{"generic", "int"} {
		t.Run(spec, func(t *testing.T) {
			j := newJIT(t, Config{Enabled: true, Threshold: 1})
			m := vm.New(vm.Options{Tier: j})
			script := function(t, src, "")
			if spec == "int" {
				div := script.Constants[script.Code[0].A].AsFunction().Chunk
				for i := 0; i < 40; i++ {
					call(t, m, div, vm.Int(int64(i)), vm.Int(1))
				}
				if e := j.Entry(div); e == nil || e.Specialization != SpecInt {
					t.Fatalf("expected int code for div, got %+v", e)
				}
			}
			for run := 0; run < 3; run++ {
				_, err := m.Execute(script, nil)
				if err == nil || err.Error() != want {
					t.Fatalf("run %d: got %v, want %q", run, err, want)
				}
			}
			if s := j.Stats(); s.NativeCalls == 0 || s.Deopts == 0 {
				t.Errorf("the failing calls should have run natively: %+v", s)
			}
			if m.Depth() != 0 || m.Stack().Len() != 0 {
				t.Errorf("state left behind: frames=%d stack=%d", m.Depth(), m.Stack().Len())
			}
		})
	}
}

func TestCachedCallPromotesGenericEntry(t *testing.T) {
	j := newJIT(t, Config{Enabled: true, Threshold: 1})
	g := vm.NewGlobals()
	m := vm.New(vm.Options{Tier: j, Globals: g})
	fib := function(t, fibFunc, "fib")
	g.Set("fib", vm.FromFunction(vm.NewFunction(fib)))

	call(t, m, fib, vm.Int(1))
	if e := j.Entry(fib); e == nil || e.Specialization != SpecNone {
		t.Fatalf("expected a generic entry, got %+v", e)
	}

	// One outer call: the profile settles during the recursion, which only
	// reaches fib through call-site cache hits.
	if v := call(t, m, fib, vm.Int(20)); v.AsInt() != 6765 {
		t.Fatalf("fib(20) = %s, want 6765", v)
	}
	if e := j.Entry(fib); e == nil || e.Specialization != SpecInt {
		t.Errorf("expected the recursion to switch to int code, got %+v", e)
	}
	if s := j.Stats(); s.Compilations < 2 || s.SiteHits == 0 {
		t.Errorf("compilations=%d site hits=%d", s.Compilations, s.SiteHits)
	}
}

func TestSharedAcrossGoroutines(t *testing.T) {
	j := newJIT(t, DefaultConfig())
	add := function(t, addFunc, "add")

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := vm.New(vm.Options{Tier: j})
			for i := 0; i < 200; i++ {
				v, err := m.Execute(add, []vm.Value{vm.Int(int64(i)), vm.Int(1)})
				if err != nil {
					errs <- err
					return
				}
				if v.AsInt() != int64(i)+1 {
					errs <- errors.New("wrong sum " + v.String())
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// The crossing is counted once however the calls interleave.
	s := j.Stats()
	if s.HotPaths.HotFunctions != 1 || !j.Compiled(add) || s.NativeCalls == 0 {
		t.Errorf("hot functions=%d native calls=%d", s.HotPaths.HotFunctions, s.NativeCalls)
	}
}

func TestTraceDoesNotChangeResults(t *testing.T) {
	j := newJIT(t, Config{Enabled: true, Threshold: 3, Trace: true})
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")
	for i := 0; i < 10; i++ {
		if v := call(t, m, add, vm.Int(2), vm.Int(2)); v.AsInt() != 4 {
			t.Fatalf("traced call returned %s", v)
		}
	}
	j.SetTrace(false)
}

func TestReset(t *testing.T) {
	j := newJIT(t, Config{Enabled: true, Threshold: 1})
	m := vm.New(vm.Options{Tier: j})
	add := function(t, addFunc, "add")
	call(t, m, add, vm.Int(1), vm.Int(2))
	call(t, m, add, vm.Int(1), vm.Int(2))
	e := j.Entry(add)

	j.Reset()
	if j.Compiled(add) || e.Valid() {
		t.Error("Reset should drop compiled code")
	}
	s := j.Stats()
	if s.Compilations != 0 || s.NativeCalls != 0 || s.FunctionsSeen != 0 {
		t.Errorf("counters survived Reset: %+v", s)
	}
}
