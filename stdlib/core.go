package stdlib

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/chazu/ember/vm"
)

func coreNatives() []*vm.NativeFunction {
	return []*vm.NativeFunction{
		// ============ Output and conversion ============
		native("print", -1, func(call *vm.Call, args []vm.Value) (vm.Value, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = a.String()
			}
			fmt.Fprintln(call.Out(), strings.Join(parts, " "))
			return vm.Null, nil
		}),
		native("str", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			return vm.Str(args[0].String()), nil
		}),
		native("type", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			return vm.Str(args[0].Kind().String()), nil
		}),
		native("to_int", 1, toInt),
		native("to_float", 1, toFloat),
		kindTest("is_int", vm.KindInt),
		kindTest("is_float", vm.KindFloat),
		kindTest("is_str", vm.KindStr),
		kindTest("is_bool", vm.KindBool),
		kindTest("is_null", vm.KindNull),
		kindTest("is_array", vm.KindArray),
		kindTest("is_error", vm.KindError),
		kindTest("is_iterator", vm.KindIterator),

		// ============ Math ============
		native("abs", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			switch v := args[0]; v.Kind() {
			case vm.KindInt:
				if n := v.AsInt(); n < 0 {
					return vm.Int(-n), nil
				}
				return v, nil
			case vm.KindFloat:
				return vm.Float(math.Abs(v.AsFloat())), nil
			}
			return vm.Null, vm.Errorf("abs: expected a number, got %s", args[0].Kind())
		}),
		native("sqrt", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			x, err := argNumber("sqrt", args, 0)
			if err != nil {
				return vm.Null, err
			}
			return vm.Float(math.Sqrt(x)), nil
		}),
		native("min", -1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			return extremum("min", vm.OpLt, args)
		}),
		native("max", -1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			return extremum("max", vm.OpGt, args)
		}),

		// ============ Collections ============
		native("len", 1, length),
		native("range", -1, rangeOf),
		native("push", 2, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			a, err := argArray("push", args, 0)
			if err != nil {
				return vm.Null, err
			}
			a.Append(args[1])
			return args[0], nil
		}),
		native("keys", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			d := args[0].AsDict()
			if d == nil {
				return vm.Null, vm.Errorf("keys: expected Dict, got %s", args[0].Kind())
			}
			keys := d.Keys()
			items := make([]vm.Value, len(keys))
			for i, k := range keys {
				items[i] = vm.Str(k)
			}
			return vm.NewArray(items), nil
		}),

		// ============ Control ============
		native("next", 1, func(call *vm.Call, args []vm.Value) (vm.Value, error) {
			g := args[0].AsGenerator()
			if g == nil {
				return vm.Null, vm.Errorf("next: expected a generator, got %s", args[0].Kind())
			}
			return call.VM().Resume(g)
		}),
		native("is_done", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			g := args[0].AsGenerator()
			if g == nil {
				return vm.Null, vm.Errorf("is_done: expected a generator, got %s", args[0].Kind())
			}
			return vm.Bool(g.Done()), nil
		}),
		native("await", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			if p := args[0].AsPromise(); p != nil {
				return p.Await()
			}
			return args[0], nil
		}),
		// catch(fn, args...) calls fn and returns [true, result] or
		// [false, error value].
		native("catch", -1, func(call *vm.Call, args []vm.Value) (vm.Value, error) {
			if len(args) == 0 {
				return vm.Null, vm.Errorf("catch: missing callee")
			}
			res, caught, err := call.VM().Try(args[0], args[1:])
			if err != nil {
				return vm.Null, err
			}
			return vm.NewArray([]vm.Value{vm.Bool(!caught), res}), nil
		}),
		native("error", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			return vm.NewError(args[0].String()), nil
		}),

		// ============ Tagged values ============
		native("unwrap", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			t, err := argTagged("unwrap", args, 0)
			if err != nil {
				return vm.Null, err
			}
			if t.Failed() {
				return vm.Null, vm.Errorf("unwrap: called on %s", args[0])
			}
			return t.Value, nil
		}),
		native("unwrap_or", 2, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			t, err := argTagged("unwrap_or", args, 0)
			if err != nil {
				return vm.Null, err
			}
			if t.Failed() {
				return args[1], nil
			}
			return t.Value, nil
		}),
		// is_ok is true for Ok and Some.
		native("is_ok", 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
			t, err := argTagged("is_ok", args, 0)
			if err != nil {
				return vm.Null, err
			}
			return vm.Bool(!t.Failed()), nil
		}),

		// ============ Identity ============
		native("uuid", 0, func(_ *vm.Call, _ []vm.Value) (vm.Value, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return vm.Null, vm.Errorf("uuid: %v", err)
			}
			return vm.Str(id.String()), nil
		}),
	}
}

func kindTest(name string, k vm.Kind) *vm.NativeFunction {
	return native(name, 1, func(_ *vm.Call, args []vm.Value) (vm.Value, error) {
		return vm.Bool(args[0].Kind() == k), nil
	})
}

func toInt(_ *vm.Call, args []vm.Value) (vm.Value, error) {
	switch v := args[0]; v.Kind() {
	case vm.KindInt:
		return v, nil
	case vm.KindFloat:
		return vm.Int(int64(v.AsFloat())), nil
	case vm.KindBool:
		if v.AsBool() {
			return vm.Int(1), nil
		}
		return vm.Int(0), nil
	case vm.KindStr:
		n, err := strconv.ParseInt(strings.TrimSpace(v.AsStr()), 10, 64)
		if err != nil {
			return vm.Null, vm.Errorf("to_int: cannot parse %q", v.AsStr())
		}
		return vm.Int(n), nil
	}
	return vm.Null, vm.Errorf("to_int: cannot convert %s", args[0].Kind())
}

func toFloat(_ *vm.Call, args []vm.Value) (vm.Value, error) {
	switch v := args[0]; v.Kind() {
	case vm.KindInt:
		return vm.Float(float64(v.AsInt())), nil
	case vm.KindFloat:
		return v, nil
	case vm.KindStr:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.AsStr()), 64)
		if err != nil {
			return vm.Null, vm.Errorf("to_float: cannot parse %q", v.AsStr())
		}
		return vm.Float(f), nil
	}
	return vm.Null, vm.Errorf("to_float: cannot convert %s", args[0].Kind())
}

func length(_ *vm.Call, args []vm.Value) (vm.Value, error) {
	switch v := args[0]; v.Kind() {
	case vm.KindStr:
		return vm.Int(int64(len(v.AsStr()))), nil
	case vm.KindArray:
		return vm.Int(int64(v.AsArray().Len())), nil
	case vm.KindDict:
		return vm.Int(int64(v.AsDict().Len())), nil
	}
	return vm.Null, vm.Errorf("len: %s has no length", args[0].Kind())
}

// rangeOf implements range(n) and range(start, end).
func rangeOf(_ *vm.Call, args []vm.Value) (vm.Value, error) {
	var start, end int64
	var err error
	switch len(args) {
	case 1:
		end, err = argInt("range", args, 0)
	case 2:
		if start, err = argInt("range", args, 0); err == nil {
			end, err = argInt("range", args, 1)
		}
	default:
		return vm.Null, vm.Errorf("range expects 1 or 2 arguments, got %d", len(args))
	}
	if err != nil {
		return vm.Null, err
	}
	if end < start {
		return vm.NewArray(nil), nil
	}
	items := make([]vm.Value, 0, end-start)
	for i := start; i < end; i++ {
		items = append(items, vm.Int(i))
	}
	return vm.NewArray(items), nil
}

// extremum returns the argument for which op holds against every other one.
func extremum(name string, op vm.Opcode, args []vm.Value) (vm.Value, error) {
	if len(args) == 1 {
		if a := args[0].AsArray(); a != nil {
			args = a.Snapshot()
		}
	}
	if len(args) == 0 {
		return vm.Null, vm.Errorf("%s: no values", name)
	}
	best := args[0]
	for _, v := range args[1:] {
		better, err := vm.Compare(op, v, best)
		if err != nil {
			return vm.Null, err
		}
		if better.AsBool() {
			best = v
		}
	}
	return best, nil
}
