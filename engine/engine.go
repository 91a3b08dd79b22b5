// Package engine ties the interpreter, the native tier and the standard
// library together behind a single entry point.
package engine

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/ember/config"
	"github.com/chazu/ember/jit"
	"github.com/chazu/ember/stdlib"
	"github.com/chazu/ember/vm"
)

// Options configures an Engine.
type Options struct {
	Config *config.Config // config.Default() if nil
	Out    io.Writer      // script output; os.Stdout if nil
}

// Engine runs chunks. Globals and the JIT (with all its profiles and
// compiled code) persist across runs, so repeated runs warm up. Run may be
// called from several goroutines; each run gets its own VM.
type Engine struct {
	ID string

	cfg     *config.Config
	globals *vm.Globals
	jit     *jit.JIT
	out     io.Writer
	trace   atomic.Bool

	runs    atomic.Uint64
	runTime atomic.Int64 // nanoseconds
}

// New creates an engine with the standard library installed.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	j, err := jit.New(cfg.JITOptions())
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{
		ID:      uuid.NewString(),
		cfg:     cfg,
		globals: vm.NewGlobals(),
		jit:     j,
		out:     opts.Out,
	}
	e.trace.Store(cfg.VM.Trace)
	stdlib.Install(e.globals)
	return e, nil
}

func logger() commonlog.Logger { return commonlog.GetLogger("ember.engine") }

// JIT returns the engine's native tier.
func (e *Engine) JIT() *jit.JIT { return e.jit }

// Globals returns the global table shared by all runs.
func (e *Engine) Globals() *vm.Globals { return e.globals }

// SetJITEnabled is the global JIT switch. When off, every call is
// interpreted and no profiling happens.
func (e *Engine) SetJITEnabled(on bool) { e.jit.SetEnabled(on) }

// SetTrace toggles debug tracing of both tiers: JIT events and, at debug
// level, every interpreted instruction.
func (e *Engine) SetTrace(on bool) {
	e.trace.Store(on)
	e.jit.SetTrace(on)
}

// NewVM returns a VM wired to the engine's globals and tier.
func (e *Engine) NewVM() *vm.VM {
	m := vm.New(vm.Options{
		Globals:   e.globals,
		Tier:      e.jit,
		MaxFrames: e.cfg.VM.MaxFrames,
		Out:       e.out,
	})
	m.Trace = e.trace.Load()
	return m
}

// Run executes chunk with args bound to its parameters and returns its
// result. Hot functions are compiled and run natively along the way.
func (e *Engine) Run(chunk *vm.Chunk, args ...vm.Value) (vm.Value, error) {
	return e.run(e.NewVM(), chunk, args)
}

// Interpret executes chunk in the interpreter only, bypassing the JIT.
func (e *Engine) Interpret(chunk *vm.Chunk, args ...vm.Value) (vm.Value, error) {
	m := e.NewVM()
	m.SetTier(nil)
	return e.run(m, chunk, args)
}

func (e *Engine) run(m *vm.VM, chunk *vm.Chunk, args []vm.Value) (vm.Value, error) {
	runID := uuid.NewString()
	start := time.Now()
	if e.trace.Load() {
		logger().Infof("run %s: %s (engine %s)", runID, chunk.Name, e.ID)
	}
	res, err := m.Execute(chunk, args)
	elapsed := time.Since(start)
	e.runs.Add(1)
	e.runTime.Add(int64(elapsed))
	if e.trace.Load() {
		logger().Infof("run %s: done in %s", runID, elapsed)
	}
	return res, err
}

// Stats describes the engine's activity.
type Stats struct {
	EngineID string
	Runs     uint64
	RunTime  time.Duration
	JIT      jit.Stats
}

// Stats returns current statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		EngineID: e.ID,
		Runs:     e.runs.Load(),
		RunTime:  time.Duration(e.runTime.Load()),
		JIT:      e.jit.Stats(),
	}
}
