package jit

import (
	"testing"

	"github.com/chazu/ember/vm"
)

func testEntry(c *vm.Chunk) *CompiledEntry { return &CompiledEntry{Chunk: c} }

func TestCallSiteEmpty(t *testing.T) {
	cs := &CallSite{}
	if cs.Lookup(vm.NewChunk("f")) != nil {
		t.Error("expected nil from an empty cache")
	}
	if hits, misses := cs.Counts(); hits != 0 || misses != 1 {
		t.Errorf("expected 0 hits 1 miss, got %d/%d", hits, misses)
	}
	if cs.State() != CacheEmpty {
		t.Errorf("expected empty state, got %d", cs.State())
	}
}

func TestCallSiteMonomorphic(t *testing.T) {
	cs := &CallSite{}
	c := vm.NewChunk("f")
	e := testEntry(c)

	cs.Update(c, e)
	if cs.State() != CacheMonomorphic {
		t.Errorf("expected monomorphic, got %d", cs.State())
	}
	if cs.Lookup(c) != e {
		t.Error("expected a cache hit")
	}
	if cs.Lookup(vm.NewChunk("other")) != nil {
		t.Error("a different chunk should miss")
	}
	if hits, misses := cs.Counts(); hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit 1 miss, got %d/%d", hits, misses)
	}
}

func TestCallSiteUpgradeToMegamorphic(t *testing.T) {
	cs := &CallSite{}
	chunks := make([]*vm.Chunk, MaxSiteEntries+1)
	for i := range chunks {
		chunks[i] = vm.NewChunk("f")
	}

	cs.Update(chunks[0], testEntry(chunks[0]))
	cs.Update(chunks[1], testEntry(chunks[1]))
	if cs.State() != CachePolymorphic {
		t.Fatalf("expected polymorphic, got %d", cs.State())
	}
	for _, c := range chunks[2:MaxSiteEntries] {
		cs.Update(c, testEntry(c))
	}
	for _, c := range chunks[:MaxSiteEntries] {
		if cs.Lookup(c) == nil {
			t.Errorf("chunk %d should hit while polymorphic", c.ID)
		}
	}

	cs.Update(chunks[MaxSiteEntries], testEntry(chunks[MaxSiteEntries]))
	if cs.State() != CacheMegamorphic {
		t.Fatalf("expected megamorphic, got %d", cs.State())
	}
	if cs.Lookup(chunks[0]) != nil {
		t.Error("a megamorphic site caches nothing")
	}
	cs.Update(chunks[0], testEntry(chunks[0]))
	if cs.State() != CacheMegamorphic || cs.Lookup(chunks[0]) != nil {
		t.Error("a megamorphic site stays megamorphic")
	}
}

func TestCallSiteDropsInvalidatedEntries(t *testing.T) {
	cs := &CallSite{}
	c := vm.NewChunk("f")
	e := testEntry(c)
	cs.Update(c, e)

	e.invalid.Store(true)
	if cs.Lookup(c) != nil {
		t.Error("an invalidated entry must not be returned")
	}
	if cs.State() != CacheEmpty {
		t.Errorf("expected the stale entry to be dropped, state %d", cs.State())
	}

	fresh := testEntry(c)
	cs.Update(c, fresh)
	if cs.Lookup(c) != fresh {
		t.Error("expected the recompiled entry")
	}

	// Invalid entries are never cached.
	stale := testEntry(vm.NewChunk("g"))
	stale.invalid.Store(true)
	cs.Update(stale.Chunk, stale)
	if cs.State() != CacheMonomorphic {
		t.Errorf("caching an invalid entry changed the state to %d", cs.State())
	}
}

func TestCallSiteTable(t *testing.T) {
	table := newCallSiteTable()
	if table.Site(3) != table.Site(3) {
		t.Error("the same ip should return the same site")
	}
	if table.Site(3) == table.Site(7) {
		t.Error("different ips should get different sites")
	}

	c := vm.NewChunk("f")
	table.Site(3).Update(c, testEntry(c))
	table.Site(3).Lookup(c)
	table.Site(7).Lookup(c)

	mono, poly, mega, hits, misses := table.Stats()
	if mono != 1 || poly != 0 || mega != 0 || hits != 1 || misses != 1 {
		t.Errorf("stats mono=%d poly=%d mega=%d hits=%d misses=%d", mono, poly, mega, hits, misses)
	}
}
