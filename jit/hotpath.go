package jit

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/ember/vm"
)

// DefaultThreshold is the number of calls or loop back-edges after which a
// function is considered hot.
const DefaultThreshold = 100

// HotPathDetector counts function entries and loop back-edges per chunk.
// Each counter reports crossing the threshold exactly once per arming; Rearm
// starts a new arming.
type HotPathDetector struct {
	// Profile storage (thread-safe)
	functions sync.Map // *vm.Chunk -> *hotCounter
	loops     sync.Map // loopKey -> *hotCounter

	Threshold uint64

	// Statistics
	hotFunctions atomic.Uint64
	hotLoops     atomic.Uint64
}

type hotCounter struct {
	count atomic.Uint64
}

type loopKey struct {
	chunk  *vm.Chunk
	header int
}

// HotPathStats summarizes the detector.
type HotPathStats struct {
	TrackedFunctions int
	TrackedLoops     int
	HotFunctions     uint64 // threshold crossings by function entries
	HotLoops         uint64 // threshold crossings by back-edges
}

// NewHotPathDetector creates a detector with the given threshold (0 means
// DefaultThreshold).
func NewHotPathDetector(threshold uint64) *HotPathDetector {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &HotPathDetector{Threshold: threshold}
}

// RecordCall counts one entry into chunk. It returns true only for the call
// that brings the count to the threshold.
func (d *HotPathDetector) RecordCall(chunk *vm.Chunk) bool {
	val, _ := d.functions.LoadOrStore(chunk, &hotCounter{})
	if val.(*hotCounter).count.Add(1) == d.Threshold {
		d.hotFunctions.Add(1)
		return true
	}
	return false
}

// RecordBackEdge counts one backward jump to header in chunk. It returns true
// only for the jump that brings the count to the threshold.
func (d *HotPathDetector) RecordBackEdge(chunk *vm.Chunk, header int) bool {
	val, _ := d.loops.LoadOrStore(loopKey{chunk, header}, &hotCounter{})
	if val.(*hotCounter).count.Add(1) == d.Threshold {
		d.hotLoops.Add(1)
		return true
	}
	return false
}

// Calls returns the current entry count of chunk.
func (d *HotPathDetector) Calls(chunk *vm.Chunk) uint64 {
	if val, ok := d.functions.Load(chunk); ok {
		return val.(*hotCounter).count.Load()
	}
	return 0
}

// BackEdges returns the current back-edge count of the loop at header.
func (d *HotPathDetector) BackEdges(chunk *vm.Chunk, header int) uint64 {
	if val, ok := d.loops.Load(loopKey{chunk, header}); ok {
		return val.(*hotCounter).count.Load()
	}
	return 0
}

// Rearm resets every counter of chunk so it can become hot again.
func (d *HotPathDetector) Rearm(chunk *vm.Chunk) {
	if val, ok := d.functions.Load(chunk); ok {
		val.(*hotCounter).count.Store(0)
	}
	d.loops.Range(func(k, v any) bool {
		if k.(loopKey).chunk == chunk {
			v.(*hotCounter).count.Store(0)
		}
		return true
	})
}

// Reset forgets all counters.
func (d *HotPathDetector) Reset() {
	d.functions.Range(func(k, _ any) bool {
		d.functions.Delete(k)
		return true
	})
	d.loops.Range(func(k, _ any) bool {
		d.loops.Delete(k)
		return true
	})
	d.hotFunctions.Store(0)
	d.hotLoops.Store(0)
}

// Stats returns a snapshot of detector statistics.
func (d *HotPathDetector) Stats() HotPathStats {
	var s HotPathStats
	d.functions.Range(func(_, _ any) bool {
		s.TrackedFunctions++
		return true
	})
	d.loops.Range(func(_, _ any) bool {
		s.TrackedLoops++
		return true
	})
	s.HotFunctions = d.hotFunctions.Load()
	s.HotLoops = d.hotLoops.Load()
	return s
}
