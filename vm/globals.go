package vm

import (
	"sort"
	"sync"
)

// Globals is the global variable table. It may be shared by several VMs.
type Globals struct {
	mu   sync.RWMutex
	vars map[string]Value
}

func NewGlobals() *Globals {
	return &Globals{vars: make(map[string]Value)}
}

func (g *Globals) Get(name string) (Value, bool) {
	g.mu.RLock()
	v, ok := g.vars[name]
	g.mu.RUnlock()
	return v, ok
}

func (g *Globals) Set(name string, v Value) {
	g.mu.Lock()
	g.vars[name] = v
	g.mu.Unlock()
}

// DefineNative registers a host function under its name.
func (g *Globals) DefineNative(n *NativeFunction) {
	g.Set(n.Name, FromNative(n))
}

// Names returns all defined names in sorted order.
func (g *Globals) Names() []string {
	g.mu.RLock()
	names := make([]string, 0, len(g.vars))
	for k := range g.vars {
		names = append(names, k)
	}
	g.mu.RUnlock()
	sort.Strings(names)
	return names
}
