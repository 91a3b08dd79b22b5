package jit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/ember/vm"
)

// Specialization is the operand kind a function's arithmetic is compiled for.
type Specialization uint32

const (
	SpecNone Specialization = iota
	SpecInt
	SpecFloat
)

func (s Specialization) String() string {
	switch s {
	case SpecNone:
		return "none"
	case SpecInt:
		return "int"
	case SpecFloat:
		return "float"
	}
	return fmt.Sprintf("Specialization(%d)", uint32(s))
}

// Policy holds the specialization thresholds.
type Policy struct {
	MinSamples    uint64  // samples required before specializing
	Dominance     float64 // share one kind must exceed
	FailureBudget float64 // guard failure ratio that triggers despecialization
}

// DefaultPolicy returns 60 samples, 90% dominance, 10% failure budget.
func DefaultPolicy() Policy {
	return Policy{MinSamples: 60, Dominance: 0.90, FailureBudget: 0.10}
}

// ---------------------------------------------------------------------------
// TypeProfile
// ---------------------------------------------------------------------------

// TypeProfile counts the operand kinds seen by a function's arithmetic and
// comparisons. Counters only grow until Reset.
type TypeProfile struct {
	ints   atomic.Uint64
	floats atomic.Uint64
	bools  atomic.Uint64
	others atomic.Uint64
}

// ProfileCounts is a snapshot of a TypeProfile.
type ProfileCounts struct {
	Int, Float, Bool, Other uint64
}

func (c ProfileCounts) Total() uint64 { return c.Int + c.Float + c.Bool + c.Other }

// Record counts one observed operand.
func (p *TypeProfile) Record(k vm.Kind) {
	switch k {
	case vm.KindInt:
		p.ints.Add(1)
	case vm.KindFloat:
		p.floats.Add(1)
	case vm.KindBool:
		p.bools.Add(1)
	default:
		p.others.Add(1)
	}
}

func (p *TypeProfile) Counts() ProfileCounts {
	return ProfileCounts{
		Int:   p.ints.Load(),
		Float: p.floats.Load(),
		Bool:  p.bools.Load(),
		Other: p.others.Load(),
	}
}

func (p *TypeProfile) Total() uint64 { return p.Counts().Total() }

func (p *TypeProfile) Reset() {
	p.ints.Store(0)
	p.floats.Store(0)
	p.bools.Store(0)
	p.others.Store(0)
}

// ---------------------------------------------------------------------------
// SpecializationInfo
// ---------------------------------------------------------------------------

// SpecializationInfo is the per-function profiling and guard state:
// Observing -> Specialized -> (guard failures) -> Observing.
//
// Profile counters are atomics. Specialization decisions and guard counters
// are serialized by mu, one lock per function.
type SpecializationInfo struct {
	Profile TypeProfile

	policy Policy
	spec   atomic.Uint32

	mu                sync.Mutex
	successes         uint64
	failures          uint64
	despecializations uint64

	// onDespecialize runs after a despecialization, outside mu.
	onDespecialize func()
}

// NewSpecializationInfo returns an unspecialized info using policy.
func NewSpecializationInfo(policy Policy) *SpecializationInfo {
	return &SpecializationInfo{policy: policy}
}

// Current returns the active specialization.
func (s *SpecializationInfo) Current() Specialization {
	return Specialization(s.spec.Load())
}

// Observe records an operand kind and specializes once the profile is
// conclusive. It implements vm.TypeObserver.
func (s *SpecializationInfo) Observe(k vm.Kind) {
	s.Profile.Record(k)
	if s.Current() == SpecNone && s.Profile.Total() >= s.policy.MinSamples {
		s.decide()
	}
}

func (s *SpecializationInfo) decide() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Current() != SpecNone {
		return
	}
	c := s.Profile.Counts()
	total := c.Total()
	if total < s.policy.MinSamples {
		return
	}
	switch {
	case float64(c.Int)/float64(total) > s.policy.Dominance:
		s.spec.Store(uint32(SpecInt))
	case float64(c.Float)/float64(total) > s.policy.Dominance:
		s.spec.Store(uint32(SpecFloat))
	}
}

// RecordGuard counts a guard outcome. It returns true when this failure
// pushed the failure ratio over budget and the function was despecialized.
func (s *SpecializationInfo) RecordGuard(ok bool) bool {
	s.mu.Lock()
	if ok {
		s.successes++
		s.mu.Unlock()
		return false
	}
	s.failures++
	ratio := float64(s.failures) / float64(s.successes+s.failures)
	if ratio <= s.policy.FailureBudget {
		s.mu.Unlock()
		return false
	}
	s.resetLocked()
	cb := s.onDespecialize
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return true
}

// Despecialize drops any specialization unconditionally.
func (s *SpecializationInfo) Despecialize() {
	s.mu.Lock()
	s.resetLocked()
	cb := s.onDespecialize
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *SpecializationInfo) resetLocked() {
	s.spec.Store(uint32(SpecNone))
	s.successes = 0
	s.failures = 0
	s.despecializations++
	s.Profile.Reset()
}

// GuardCounts returns the guard successes and failures since the last reset.
func (s *SpecializationInfo) GuardCounts() (successes, failures uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes, s.failures
}

// Despecializations returns how many times the function lost its
// specialization.
func (s *SpecializationInfo) Despecializations() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.despecializations
}
