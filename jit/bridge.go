package jit

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/ember/vm"
)

// Helper is the single calling convention between compiled code and the
// runtime: the execution context plus two integer operands, returning an
// integer status or value. Boxed values travel on the VM operand stack.
type Helper func(ctx *ExecContext, a, b int64) int64

// Runtime helper symbols.
const (
	SymLoadVariable   = "load_variable"    // (name id, mode) -> 0 ok / 1 error; pushes the value
	SymStoreVariable  = "store_variable"   // (name id, mode) -> 0; pops the value
	SymCheckTypeInt   = "check_type_int"   // (kind, _) -> 1 if Int
	SymCheckTypeFloat = "check_type_float" // (kind, _) -> 1 if Float
	SymCallFunction   = "call_function"    // (argc, ip) -> 0 ok / 1 error; pops callee and args, pushes result
	SymPushIntReturn  = "push_int_return"  // (value, _) -> 0
	SymGenericOp      = "generic_op"       // (ip, _) -> 0 ok / 1 error
)

// Variable access modes of load_variable and store_variable.
const (
	modeName   = 0 // locals fallback: captured environment, then globals
	modeGlobal = 1
)

// RequiredSymbols lists the helpers every compiled function may reference.
var RequiredSymbols = []string{
	SymLoadVariable, SymStoreVariable,
	SymCheckTypeInt, SymCheckTypeFloat,
	SymCallFunction, SymPushIntReturn, SymGenericOp,
}

// ErrLinkerFinalized is returned when a helper is registered after Finalize.
var ErrLinkerFinalized = errors.New("jit: linker already finalized")

// Linker collects helper symbols. All helpers must be registered before
// Finalize, which produces the immutable Module that lowering resolves
// against.
type Linker struct {
	mu        sync.Mutex
	symbols   map[string]Helper
	finalized bool
}

func NewLinker() *Linker {
	return &Linker{symbols: make(map[string]Helper)}
}

// Register adds a helper under name.
func (l *Linker) Register(name string, h Helper) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return fmt.Errorf("register %s: %w", name, ErrLinkerFinalized)
	}
	if h == nil {
		return fmt.Errorf("jit: register %s: nil helper", name)
	}
	if _, dup := l.symbols[name]; dup {
		return fmt.Errorf("jit: symbol %s already registered", name)
	}
	l.symbols[name] = h
	return nil
}

// Finalize checks that every required symbol is present and seals the linker.
func (l *Linker) Finalize() (*Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return nil, ErrLinkerFinalized
	}
	var missing []string
	for _, name := range RequiredSymbols {
		if _, ok := l.symbols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("jit: unresolved symbols %v", missing)
	}
	l.finalized = true
	m := &Module{symbols: make(map[string]Helper, len(l.symbols))}
	for name, h := range l.symbols {
		m.symbols[name] = h
	}
	return m, nil
}

// Module is a finalized set of helpers.
type Module struct {
	symbols map[string]Helper
}

// Resolve returns the helper registered under name.
func (m *Module) Resolve(name string) (Helper, error) {
	h, ok := m.symbols[name]
	if !ok {
		return nil, fmt.Errorf("jit: unresolved symbol %s", name)
	}
	return h, nil
}

// Symbols returns the sorted symbol names of the module.
func (m *Module) Symbols() []string {
	names := make([]string, 0, len(m.symbols))
	for name := range m.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterRuntimeHelpers registers the standard helper set.
func RegisterRuntimeHelpers(l *Linker) error {
	helpers := []struct {
		name string
		fn   Helper
	}{
		{SymLoadVariable, loadVariable},
		{SymStoreVariable, storeVariable},
		{SymCheckTypeInt, checkTypeInt},
		{SymCheckTypeFloat, checkTypeFloat},
		{SymCallFunction, callFunction},
		{SymPushIntReturn, pushIntReturn},
		{SymGenericOp, genericOp},
	}
	for _, h := range helpers {
		if err := l.Register(h.name, h.fn); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func loadVariable(ctx *ExecContext, id, mode int64) int64 {
	var v vm.Value
	var err error
	if mode == modeGlobal {
		v, err = ctx.VM.LoadGlobal(ctx.Fn.Chunk, int(id))
	} else {
		v, err = ctx.VM.LookupName(ctx.Fn, int(id))
	}
	if err != nil {
		ctx.Err = err
		return 1
	}
	ctx.VM.Stack().Push(v)
	return 0
}

func storeVariable(ctx *ExecContext, id, _ int64) int64 {
	ctx.VM.StoreName(ctx.Fn.Chunk, int(id), ctx.VM.Stack().Pop())
	return 0
}

func checkTypeInt(ctx *ExecContext, kind, _ int64) int64 {
	return guardResult(ctx, vm.Kind(kind) == vm.KindInt)
}

func checkTypeFloat(ctx *ExecContext, kind, _ int64) int64 {
	return guardResult(ctx, vm.Kind(kind) == vm.KindFloat)
}

func guardResult(ctx *ExecContext, ok bool) int64 {
	if ctx.jit != nil {
		ctx.jit.recordGuard(ok)
	}
	if ctx.Spec != nil {
		ctx.Spec.RecordGuard(ok)
	}
	if ok {
		return 1
	}
	return 0
}

// callFunction calls the callee below argc arguments on the operand stack.
// Calls to compiled functions go through the call-site cache of the CALL at
// ip and skip the interpreter entirely.
func callFunction(ctx *ExecContext, argc, ip int64) int64 {
	s := ctx.VM.Stack()
	args := s.PopN(int(argc))
	callee := s.Pop()

	var res vm.Value
	var err error
	fn := callee.AsFunction()
	if fn != nil && ctx.entry != nil && ctx.jit != nil && ctx.jit.Enabled() {
		site := ctx.entry.sites.Site(int(ip))
		if e := site.Lookup(fn.Chunk); e != nil && len(args) == fn.Chunk.Arity() {
			res, err = ctx.jit.callCached(ctx.VM, e, fn, args)
		} else {
			res, err = ctx.VM.Invoke(callee, args)
			if e := ctx.jit.lookup(fn.Chunk); e != nil {
				site.Update(fn.Chunk, e)
			}
		}
	} else {
		res, err = ctx.VM.Invoke(callee, args)
	}
	if err != nil {
		ctx.Err = err
		return 1
	}
	s.Push(res)
	return 0
}

func pushIntReturn(ctx *ExecContext, v, _ int64) int64 {
	ctx.IntReturn = v
	ctx.HasIntReturn = true
	return 0
}

func genericOp(ctx *ExecContext, ip, _ int64) int64 {
	chunk := ctx.Fn.Chunk
	if err := ctx.VM.ApplyOp(chunk, chunk.Code[ip], ctx.Observer); err != nil {
		ctx.Err = err
		return 1
	}
	return 0
}
