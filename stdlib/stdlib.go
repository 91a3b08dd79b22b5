// Package stdlib provides the native functions installed into a global table
// before scripts run.
package stdlib

import (
	"github.com/chazu/ember/vm"
)

// Install defines every native function in g.
func Install(g *vm.Globals) {
	for _, n := range natives() {
		g.DefineNative(n)
	}
}

// Names returns the names of all natives Install defines.
func Names() []string {
	var names []string
	for _, n := range natives() {
		names = append(names, n.Name)
	}
	return names
}

func natives() []*vm.NativeFunction {
	var all []*vm.NativeFunction
	all = append(all, coreNatives()...)
	all = append(all, parallelNatives()...)
	all = append(all, databaseNatives()...)
	return all
}

func native(name string, arity int, fn vm.NativeFunc) *vm.NativeFunction {
	return &vm.NativeFunction{Name: name, Arity: arity, Fn: fn}
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

func argInt(name string, args []vm.Value, i int) (int64, error) {
	v := args[i]
	if !v.IsInt() {
		return 0, vm.Errorf("%s: argument %d must be Int, got %s", name, i+1, v.Kind())
	}
	return v.AsInt(), nil
}

func argNumber(name string, args []vm.Value, i int) (float64, error) {
	x, ok := args[i].Number()
	if !ok {
		return 0, vm.Errorf("%s: argument %d must be a number, got %s", name, i+1, args[i].Kind())
	}
	return x, nil
}

func argStr(name string, args []vm.Value, i int) (string, error) {
	v := args[i]
	if v.Kind() != vm.KindStr {
		return "", vm.Errorf("%s: argument %d must be Str, got %s", name, i+1, v.Kind())
	}
	return v.AsStr(), nil
}

func argArray(name string, args []vm.Value, i int) (*vm.Array, error) {
	a := args[i].AsArray()
	if a == nil {
		return nil, vm.Errorf("%s: argument %d must be Array, got %s", name, i+1, args[i].Kind())
	}
	return a, nil
}

func argHandle(name, kind string, args []vm.Value, i int) (*vm.Handle, error) {
	h := args[i].AsHandle()
	if h == nil || h.Kind != kind {
		return nil, vm.Errorf("%s: argument %d must be a %s handle", name, i+1, kind)
	}
	return h, nil
}

func argTagged(name string, args []vm.Value, i int) (*vm.Tagged, error) {
	if t := args[i].AsTagged(); t != nil {
		return t, nil
	}
	return nil, vm.Errorf("%s: argument %d must be Result or Option, got %s", name, i+1, args[i].Kind())
}
