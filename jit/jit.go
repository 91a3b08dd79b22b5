package jit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/ember/vm"
)

// Config configures a JIT.
type Config struct {
	Enabled   bool   // master switch; when false every call is interpreted
	Threshold uint64 // calls or back-edges before compiling (0: DefaultThreshold)
	Policy    Policy
	Trace     bool // log compilation, deoptimization and despecialization
}

// DefaultConfig returns an enabled JIT with the default thresholds.
func DefaultConfig() Config {
	return Config{Enabled: true, Threshold: DefaultThreshold, Policy: DefaultPolicy()}
}

// CompiledEntry is the cached native code of one chunk.
type CompiledEntry struct {
	Chunk          *vm.Chunk
	Code           CompiledFn
	IR             *Func
	Spec           *SpecializationInfo
	Specialization Specialization // specialization at compile time

	sites   *CallSiteTable
	invalid atomic.Bool
}

// Valid reports whether the entry may still be executed.
func (e *CompiledEntry) Valid() bool { return !e.invalid.Load() }

// JIT is the native execution tier. It implements vm.Tier: the VM reports
// calls and loop back-edges, the JIT counts them, compiles hot chunks and
// runs their native code on later calls.
//
// A JIT may be shared by VMs running on different goroutines. Hotness and
// type profile counters are atomic, specialization decisions are serialized
// per function, and the code cache is guarded by an RWMutex. Compilation
// runs synchronously on the goroutine whose call crossed the threshold.
type JIT struct {
	enabled atomic.Bool
	trace   atomic.Bool

	policy   Policy
	detector *HotPathDetector
	module   *Module

	mu       sync.RWMutex
	cache    map[*vm.Chunk]*CompiledEntry
	rejected map[*vm.Chunk]error

	specs sync.Map // *vm.Chunk -> *SpecializationInfo

	// Statistics
	compilations      atomic.Uint64
	nativeCalls       atomic.Uint64
	deopts            atomic.Uint64
	guardSuccesses    atomic.Uint64
	guardFailures     atomic.Uint64
	despecializations atomic.Uint64
	invalidations     atomic.Uint64
}

// New creates a JIT with the standard runtime helpers linked in.
func New(cfg Config) (*JIT, error) {
	linker := NewLinker()
	if err := RegisterRuntimeHelpers(linker); err != nil {
		return nil, err
	}
	module, err := linker.Finalize()
	if err != nil {
		return nil, err
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	j := &JIT{
		policy:   cfg.Policy,
		detector: NewHotPathDetector(cfg.Threshold),
		module:   module,
		cache:    make(map[*vm.Chunk]*CompiledEntry),
		rejected: make(map[*vm.Chunk]error),
	}
	j.enabled.Store(cfg.Enabled)
	j.trace.Store(cfg.Trace)
	return j, nil
}

func logger() commonlog.Logger { return commonlog.GetLogger("ember.jit") }

func (j *JIT) tracef(format string, args ...any) {
	if j.trace.Load() {
		logger().Infof(format, args...)
	}
}

// SetEnabled switches native execution on or off. Compiled code is kept and
// used again once re-enabled.
func (j *JIT) SetEnabled(on bool) { j.enabled.Store(on) }

// Enabled reports whether native execution is on.
func (j *JIT) Enabled() bool { return j.enabled.Load() }

// SetTrace toggles JIT trace logging.
func (j *JIT) SetTrace(on bool) { j.trace.Store(on) }

// Detector returns the hot path detector.
func (j *JIT) Detector() *HotPathDetector { return j.detector }

// ---------------------------------------------------------------------------
// vm.Tier
// ---------------------------------------------------------------------------

// Enter counts a call of fn and runs it natively when compiled code exists.
// The call that makes fn hot compiles it but is itself interpreted.
func (j *JIT) Enter(m *vm.VM, fn *vm.Function, args []vm.Value) (vm.Value, bool, error) {
	if !j.enabled.Load() {
		return vm.Null, false, nil
	}
	chunk := fn.Chunk
	hot := j.detector.RecordCall(chunk)
	if e := j.promote(j.lookup(chunk)); e != nil {
		res, err := j.execute(m, e, fn, args)
		return res, true, err
	}
	if hot {
		j.compile(chunk)
	}
	return vm.Null, false, nil
}

// BackEdge counts a loop iteration and compiles the chunk once the loop is
// hot. The running call stays in the interpreter.
func (j *JIT) BackEdge(_ *vm.VM, fn *vm.Function, target int) {
	if !j.enabled.Load() {
		return
	}
	if j.detector.RecordBackEdge(fn.Chunk, target) && j.lookup(fn.Chunk) == nil {
		j.tracef("hot loop in %s at %04X", fn.Chunk.Name, target)
		j.compile(fn.Chunk)
	}
}

// Observer returns the specialization info of fn, which records the operand
// kinds its interpreted arithmetic sees.
func (j *JIT) Observer(fn *vm.Function) vm.TypeObserver {
	if !j.enabled.Load() {
		return nil
	}
	return j.Specialization(fn.Chunk)
}

// ---------------------------------------------------------------------------
// Compilation
// ---------------------------------------------------------------------------

// Specialization returns the specialization info of chunk, creating it on
// first use.
func (j *JIT) Specialization(chunk *vm.Chunk) *SpecializationInfo {
	if v, ok := j.specs.Load(chunk); ok {
		return v.(*SpecializationInfo)
	}
	info := NewSpecializationInfo(j.policy)
	info.onDespecialize = func() { j.onDespecialize(chunk) }
	v, _ := j.specs.LoadOrStore(chunk, info)
	return v.(*SpecializationInfo)
}

func (j *JIT) lookup(chunk *vm.Chunk) *CompiledEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cache[chunk]
}

// Compiled reports whether chunk currently has valid native code.
func (j *JIT) Compiled(chunk *vm.Chunk) bool {
	return j.lookup(chunk) != nil
}

// Entry returns the compiled entry of chunk, or nil.
func (j *JIT) Entry(chunk *vm.Chunk) *CompiledEntry {
	return j.lookup(chunk)
}

// Compile compiles chunk now, regardless of hotness.
func (j *JIT) Compile(chunk *vm.Chunk) (*CompiledEntry, error) {
	if e := j.compile(chunk); e != nil {
		return e, nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if err := j.rejected[chunk]; err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("jit: %s was not compiled", chunk.Name)
}

// compile returns the compiled entry of chunk, compiling it for the current
// specialization if needed. Chunks that fail to compile are remembered and
// never retried.
func (j *JIT) compile(chunk *vm.Chunk) *CompiledEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e := j.cache[chunk]; e != nil {
		return e
	}
	if _, ok := j.rejected[chunk]; ok {
		return nil
	}
	if err := CanCompile(chunk); err != nil {
		j.rejected[chunk] = err
		j.tracef("%v", err)
		return nil
	}
	info := j.Specialization(chunk)
	spec := info.Current()
	f, err := Translate(chunk, spec)
	var code CompiledFn
	if err == nil {
		code, err = Lower(f, j.module)
	}
	if err != nil {
		j.rejected[chunk] = err
		j.tracef("%v", err)
		return nil
	}
	e := &CompiledEntry{
		Chunk:          chunk,
		Code:           code,
		IR:             f,
		Spec:           info,
		Specialization: spec,
		sites:          newCallSiteTable(),
	}
	j.cache[chunk] = e
	j.compilations.Add(1)
	j.tracef("compiled %s spec=%s blocks=%d values=%d", chunk.Name, spec, len(f.Blocks), len(f.Types))
	return e
}

// invalidate drops the compiled entry of chunk. Call-site caches holding it
// see it as stale from now on.
func (j *JIT) invalidate(chunk *vm.Chunk, reason string) {
	j.mu.Lock()
	e := j.cache[chunk]
	delete(j.cache, chunk)
	j.mu.Unlock()
	if e != nil {
		e.invalid.Store(true)
		j.invalidations.Add(1)
		j.tracef("invalidated %s: %s", chunk.Name, reason)
	}
}

func (j *JIT) onDespecialize(chunk *vm.Chunk) {
	j.despecializations.Add(1)
	j.invalidate(chunk, "despecialized")
	j.detector.Rearm(chunk)
	j.tracef("despecialized %s", chunk.Name)
}

// Despecialize drops chunk's specialization and compiled code, resetting its
// profile.
func (j *JIT) Despecialize(chunk *vm.Chunk) {
	j.Specialization(chunk).Despecialize()
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// promote returns e, or a specialized recompilation of its chunk when e was
// compiled generic and the profile has settled since.
func (j *JIT) promote(e *CompiledEntry) *CompiledEntry {
	if e == nil || e.Specialization != SpecNone || e.Spec.Current() == SpecNone {
		return e
	}
	j.mu.Lock()
	if j.cache[e.Chunk] == e {
		delete(j.cache, e.Chunk)
		e.invalid.Store(true)
		j.invalidations.Add(1)
		j.tracef("invalidated %s: profile now %s", e.Chunk.Name, e.Spec.Current())
	}
	j.mu.Unlock()
	return j.compile(e.Chunk)
}

// execute runs compiled code for one call of fn. When native execution is
// abandoned the call resumes in the interpreter: at the failed instruction,
// or by raising the error of a failed call at that call.
func (j *JIT) execute(m *vm.VM, e *CompiledEntry, fn *vm.Function, args []vm.Value) (vm.Value, error) {
	ctx := &ExecContext{
		VM:       m,
		Fn:       fn,
		Args:     args,
		Spec:     e.Spec,
		Observer: e.Spec,
		jit:      j,
		entry:    e,
	}
	s := m.Stack()
	base := s.Len()
	j.nativeCalls.Add(1)

	if e.Code(ctx) == StatusOK {
		if ctx.HasIntReturn {
			return vm.Int(ctx.IntReturn), nil
		}
		return s.Pop(), nil
	}
	s.Truncate(base)
	j.deopts.Add(1)
	d := ctx.Deopt
	if d.Err != nil {
		j.tracef("unwinding %s at %04X: %v", fn.Chunk.Name, d.IP, d.Err)
		return m.ResumeThrow(fn, d.IP, d.Locals, d.Stack, d.Err)
	}
	j.tracef("deopt %s at %04X", fn.Chunk.Name, d.IP)
	return m.ResumeAt(fn, d.IP, d.Locals, d.Stack)
}

// callCached runs a call-site cache hit.
func (j *JIT) callCached(m *vm.VM, e *CompiledEntry, fn *vm.Function, args []vm.Value) (vm.Value, error) {
	if e = j.promote(e); e == nil {
		return m.Invoke(vm.FromFunction(fn), args)
	}
	if err := m.EnterNative(); err != nil {
		return vm.Null, err
	}
	defer m.LeaveNative()
	j.detector.RecordCall(fn.Chunk)
	return j.execute(m, e, fn, args)
}

func (j *JIT) recordGuard(ok bool) {
	if ok {
		j.guardSuccesses.Add(1)
	} else {
		j.guardFailures.Add(1)
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats is a snapshot of JIT activity.
type Stats struct {
	Enabled           bool
	FunctionsSeen     int // chunks with a call counter
	Compiled          int // chunks with valid native code
	Rejected          int // chunks that cannot be compiled
	Compilations      uint64
	NativeCalls       uint64
	Deopts            uint64
	GuardSuccesses    uint64
	GuardFailures     uint64
	Despecializations uint64
	Invalidations     uint64
	HotPaths          HotPathStats

	// Call-site caches of the compiled chunks
	MonomorphicSites int
	PolymorphicSites int
	MegamorphicSites int
	SiteHits         uint64
	SiteMisses       uint64
}

// Stats returns current statistics.
func (j *JIT) Stats() Stats {
	s := Stats{
		Enabled:           j.enabled.Load(),
		Compilations:      j.compilations.Load(),
		NativeCalls:       j.nativeCalls.Load(),
		Deopts:            j.deopts.Load(),
		GuardSuccesses:    j.guardSuccesses.Load(),
		GuardFailures:     j.guardFailures.Load(),
		Despecializations: j.despecializations.Load(),
		Invalidations:     j.invalidations.Load(),
		HotPaths:          j.detector.Stats(),
	}
	s.FunctionsSeen = s.HotPaths.TrackedFunctions
	j.mu.RLock()
	s.Compiled = len(j.cache)
	s.Rejected = len(j.rejected)
	for _, e := range j.cache {
		mono, poly, mega, hits, misses := e.sites.Stats()
		s.MonomorphicSites += mono
		s.PolymorphicSites += poly
		s.MegamorphicSites += mega
		s.SiteHits += hits
		s.SiteMisses += misses
	}
	j.mu.RUnlock()
	return s
}

// Reset drops all compiled code, profiles and counters.
func (j *JIT) Reset() {
	j.mu.Lock()
	for _, e := range j.cache {
		e.invalid.Store(true)
	}
	j.cache = make(map[*vm.Chunk]*CompiledEntry)
	j.rejected = make(map[*vm.Chunk]error)
	j.mu.Unlock()

	j.specs.Range(func(k, _ any) bool {
		j.specs.Delete(k)
		return true
	})
	j.detector.Reset()
	j.compilations.Store(0)
	j.nativeCalls.Store(0)
	j.deopts.Store(0)
	j.guardSuccesses.Store(0)
	j.guardFailures.Store(0)
	j.despecializations.Store(0)
	j.invalidations.Store(0)
}
