package vm

import (
	"math"
	"strings"
)

// Truthy reports whether v counts as true in a condition.
// false, null, 0, 0.0, "" and empty collections are falsy.
func Truthy(v Value) bool {
	switch v.kind {
	case KindNull, KindUndefined:
		return false
	case KindBool:
		return v.AsBool()
	case KindInt:
		return v.AsInt() != 0
	case KindFloat:
		return v.AsFloat() != 0
	case KindStr:
		return v.AsStr() != ""
	case KindArray:
		return v.AsArray().Len() > 0
	case KindDict:
		return v.AsDict().Len() > 0
	}
	return true
}

// Equal implements EQ. Ints and floats compare numerically; strings, bools,
// null and tagged values structurally; everything else by identity.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		x, okA := a.Number()
		y, okB := b.Number()
		return okA && okB && x == y
	}
	switch a.kind {
	case KindNull:
		return true
	case KindInt, KindBool:
		return a.bits == b.bits
	case KindFloat:
		return a.AsFloat() == b.AsFloat()
	case KindStr:
		return a.AsStr() == b.AsStr()
	case KindTagged:
		return taggedEqual(a.AsTagged(), b.AsTagged())
	}
	return a.ref == b.ref
}

// Arith applies ADD, SUB, MUL, DIV, MOD to a and b.
//
// Int arithmetic wraps. Int division or modulo by zero is an error. Mixed
// Int/Float operands are promoted to Float.
func Arith(op Opcode, a, b Value) (Value, error) {
	if a.kind == KindInt && b.kind == KindInt {
		return IntArith(op, a.AsInt(), b.AsInt())
	}
	if x, ok := a.Number(); ok {
		if y, ok := b.Number(); ok {
			return Float(FloatArith(op, x, y)), nil
		}
	}
	if op == OpAdd {
		switch {
		case a.kind == KindStr && b.kind == KindStr:
			return Str(a.AsStr() + b.AsStr()), nil
		case a.kind == KindArray && b.kind == KindArray:
			left, right := a.AsArray().Snapshot(), b.AsArray().Snapshot()
			return NewArray(append(left, right...)), nil
		}
	}
	return Null, typeMismatch(opSymbol(op), a, b)
}

// IntArith is the Int/Int case of Arith.
func IntArith(op Opcode, x, y int64) (Value, error) {
	switch op {
	case OpAdd:
		return Int(x + y), nil
	case OpSub:
		return Int(x - y), nil
	case OpMul:
		return Int(x * y), nil
	case OpDiv:
		if y == 0 {
			return Null, newError(ErrDivideByZero, "division by zero")
		}
		return Int(x / y), nil
	case OpMod:
		if y == 0 {
			return Null, newError(ErrDivideByZero, "modulo by zero")
		}
		return Int(x % y), nil
	}
	return Null, newError(ErrTypeMismatch, "%s is not arithmetic", op)
}

// FloatArith is the Float case of Arith. It never fails.
func FloatArith(op Opcode, x, y float64) float64 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpDiv:
		return x / y
	case OpMod:
		return math.Mod(x, y)
	}
	return math.NaN()
}

// Negate implements NEG.
func Negate(a Value) (Value, error) {
	switch a.kind {
	case KindInt:
		return Int(-a.AsInt()), nil
	case KindFloat:
		return Float(-a.AsFloat()), nil
	}
	return Null, newError(ErrTypeMismatch, "cannot negate %s", a.Kind())
}

// Compare applies EQ, NE, LT, LE, GT, GE to a and b.
func Compare(op Opcode, a, b Value) (Value, error) {
	switch op {
	case OpEq:
		return Bool(Equal(a, b)), nil
	case OpNe:
		return Bool(!Equal(a, b)), nil
	}
	if a.kind == KindInt && b.kind == KindInt {
		return Bool(IntCompare(op, a.AsInt(), b.AsInt())), nil
	}
	if x, ok := a.Number(); ok {
		if y, ok := b.Number(); ok {
			return Bool(FloatCompare(op, x, y)), nil
		}
	}
	if a.kind == KindStr && b.kind == KindStr {
		return Bool(IntCompare(op, int64(strings.Compare(a.AsStr(), b.AsStr())), 0)), nil
	}
	return Null, typeMismatch(opSymbol(op), a, b)
}

// IntCompare evaluates an ordering opcode on two ints.
func IntCompare(op Opcode, x, y int64) bool {
	switch op {
	case OpEq:
		return x == y
	case OpNe:
		return x != y
	case OpLt:
		return x < y
	case OpLe:
		return x <= y
	case OpGt:
		return x > y
	case OpGe:
		return x >= y
	}
	return false
}

// FloatCompare evaluates an ordering opcode on two floats.
func FloatCompare(op Opcode, x, y float64) bool {
	switch op {
	case OpEq:
		return x == y
	case OpNe:
		return x != y
	case OpLt:
		return x < y
	case OpLe:
		return x <= y
	case OpGt:
		return x > y
	case OpGe:
		return x >= y
	}
	return false
}

// IsArith reports whether op is one of the binary arithmetic opcodes.
func IsArith(op Opcode) bool { return op >= OpAdd && op <= OpMod }

// IsCompare reports whether op is a comparison opcode.
func IsCompare(op Opcode) bool { return op >= OpEq && op <= OpGe }

func opSymbol(op Opcode) string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMod:
		return "%"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	}
	return op.String()
}
