package jit

import (
	"sync"

	"github.com/chazu/ember/vm"
)

// Call-site caching for compiled code.
//
// Each CALL instruction of a compiled function owns a small cache mapping
// callee chunks to their compiled entries, so a hot call from native code
// to native code skips the interpreter's dispatch. Most sites see a single
// callee; a site that sees too many gives up and always takes the slow path.

// CacheState is the state of one call-site cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // nothing cached yet
	CacheMonomorphic                   // one callee cached
	CachePolymorphic                   // up to MaxSiteEntries callees
	CacheMegamorphic                   // too many callees, never cached again
)

// MaxSiteEntries bounds a polymorphic call-site cache.
const MaxSiteEntries = 4

type siteEntry struct {
	chunk *vm.Chunk
	entry *CompiledEntry
}

// CallSite is the cache of one CALL instruction.
type CallSite struct {
	mu      sync.Mutex
	state   CacheState
	entries [MaxSiteEntries]siteEntry
	count   int

	hits   uint64
	misses uint64
}

// Lookup returns the valid compiled entry cached for chunk, or nil.
func (cs *CallSite) Lookup(chunk *vm.Chunk) *CompiledEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := 0; i < cs.count; i++ {
		e := cs.entries[i]
		if e.chunk != chunk {
			continue
		}
		if e.entry.Valid() {
			cs.hits++
			return e.entry
		}
		// Stale: drop it so the next Update can refill the slot.
		cs.entries[i] = cs.entries[cs.count-1]
		cs.entries[cs.count-1] = siteEntry{}
		cs.count--
		if cs.count == 0 {
			cs.state = CacheEmpty
		}
		break
	}
	cs.misses++
	return nil
}

// Update records the compiled entry of chunk, upgrading the cache state.
func (cs *CallSite) Update(chunk *vm.Chunk, entry *CompiledEntry) {
	if entry == nil || !entry.Valid() {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.state == CacheMegamorphic {
		return
	}
	for i := 0; i < cs.count; i++ {
		if cs.entries[i].chunk == chunk {
			cs.entries[i].entry = entry
			return
		}
	}
	if cs.count == MaxSiteEntries {
		cs.state = CacheMegamorphic
		cs.entries = [MaxSiteEntries]siteEntry{}
		cs.count = 0
		return
	}
	cs.entries[cs.count] = siteEntry{chunk: chunk, entry: entry}
	cs.count++
	if cs.count == 1 {
		cs.state = CacheMonomorphic
	} else {
		cs.state = CachePolymorphic
	}
}

// State returns the current cache state.
func (cs *CallSite) State() CacheState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// Counts returns the hit and miss counters.
func (cs *CallSite) Counts() (hits, misses uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hits, cs.misses
}

// CallSiteTable holds the call-site caches of one compiled function, keyed by
// the bytecode ip of the CALL.
type CallSiteTable struct {
	mu    sync.Mutex
	sites map[int]*CallSite
}

func newCallSiteTable() *CallSiteTable {
	return &CallSiteTable{sites: make(map[int]*CallSite)}
}

// Site returns the cache for the CALL at ip, creating it if needed.
func (t *CallSiteTable) Site(ip int) *CallSite {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.sites[ip]
	if cs == nil {
		cs = &CallSite{}
		t.sites[ip] = cs
	}
	return cs
}

// Stats aggregates the table's caches.
func (t *CallSiteTable) Stats() (mono, poly, mega int, hits, misses uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cs := range t.sites {
		switch cs.State() {
		case CacheMonomorphic:
			mono++
		case CachePolymorphic:
			poly++
		case CacheMegamorphic:
			mega++
		}
		h, m := cs.Counts()
		hits += h
		misses += m
	}
	return
}
