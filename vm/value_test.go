package vm

import (
	"errors"
	"math"
	"testing"
)

func TestTruthy(t *testing.T) {
	tests := []struct {
		v    Value
		want bool
	}{
		{Null, false},
		{Undefined, false},
		{Bool(false), false},
		{Bool(true), true},
		{Int(0), false},
		{Int(-3), true},
		{Float(0), false},
		{Float(0.5), true},
		{Str(""), false},
		{Str("x"), true},
		{NewArray(nil), false},
		{NewArray([]Value{Null}), true},
		{NewDict(), false},
		{NewError("e"), true},
	}
	for _, tt := range tests {
		if got := Truthy(tt.v); got != tt.want {
			t.Errorf("Truthy(%s) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestEqualMixedNumbers(t *testing.T) {
	if !Equal(Int(2), Float(2.0)) {
		t.Error("2 should equal 2.0")
	}
	if Equal(Int(2), Str("2")) {
		t.Error("2 should not equal \"2\"")
	}
	if !Equal(Null, Null) {
		t.Error("null should equal null")
	}

	a := NewArray(nil)
	if !Equal(a, a) {
		t.Error("an array should equal itself")
	}
	if Equal(a, NewArray(nil)) {
		t.Error("distinct arrays should not be equal")
	}
}

func TestArithIntWraps(t *testing.T) {
	v, err := Arith(OpAdd, Int(math.MaxInt64), Int(1))
	if err != nil {
		t.Fatalf("Arith: %v", err)
	}
	if v.AsInt() != math.MinInt64 {
		t.Errorf("expected wrap to MinInt64, got %d", v.AsInt())
	}
}

func TestArithPromotesToFloat(t *testing.T) {
	v, err := Arith(OpMul, Int(3), Float(0.5))
	if err != nil {
		t.Fatalf("Arith: %v", err)
	}
	if !v.IsFloat() || v.AsFloat() != 1.5 {
		t.Errorf("3 * 0.5 = %s, want 1.5", v)
	}

	v, err = Arith(OpDiv, Int(7), Int(2))
	if err != nil {
		t.Fatalf("Arith: %v", err)
	}
	if !v.IsInt() || v.AsInt() != 3 {
		t.Errorf("7 / 2 = %s, want Int 3", v)
	}
}

func TestArithDivideByZero(t *testing.T) {
	for _, op := range []Opcode{OpDiv, OpMod} {
		_, err := Arith(op, Int(1), Int(0))
		var re *RuntimeError
		if !errors.As(err, &re) || re.Kind != ErrDivideByZero {
			t.Errorf("%s by zero: expected DivideByZero, got %v", op, err)
		}
	}

	v, err := Arith(OpDiv, Float(1), Int(0))
	if err != nil {
		t.Fatalf("float division by zero should not fail: %v", err)
	}
	if !math.IsInf(v.AsFloat(), 1) {
		t.Errorf("1.0 / 0 = %s, want +Inf", v)
	}
}

func TestArithStringsAndArrays(t *testing.T) {
	v, err := Arith(OpAdd, Str("foo"), Str("bar"))
	if err != nil || v.AsStr() != "foobar" {
		t.Errorf("\"foo\" + \"bar\" = %s, %v", v, err)
	}

	v, err = Arith(OpAdd, NewArray([]Value{Int(1)}), NewArray([]Value{Int(2)}))
	if err != nil || v.AsArray().Len() != 2 {
		t.Errorf("array concatenation = %s, %v", v, err)
	}

	_, err = Arith(OpSub, Str("a"), Int(1))
	var re *RuntimeError
	if !errors.As(err, &re) || re.Kind != ErrTypeMismatch {
		t.Errorf("expected TypeMismatch, got %v", err)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b Value
		want bool
	}{
		{OpLt, Int(1), Int(2), true},
		{OpGe, Int(1), Int(2), false},
		{OpLe, Float(2.5), Int(3), true},
		{OpGt, Str("b"), Str("a"), true},
		{OpEq, Int(1), Float(1), true},
		{OpNe, Str("a"), Str("a"), false},
	}
	for _, tt := range tests {
		v, err := Compare(tt.op, tt.a, tt.b)
		if err != nil {
			t.Errorf("%s %s %s: %v", tt.a, tt.op, tt.b, err)
			continue
		}
		if v.AsBool() != tt.want {
			t.Errorf("%s %s %s = %v, want %v", tt.a, tt.op, tt.b, v.AsBool(), tt.want)
		}
	}

	if _, err := Compare(OpLt, Str("a"), Int(1)); err == nil {
		t.Error("expected an error comparing Str and Int")
	}
}

func TestNegate(t *testing.T) {
	if v, _ := Negate(Int(4)); v.AsInt() != -4 {
		t.Errorf("-4 expected, got %s", v)
	}
	if v, _ := Negate(Float(1.5)); v.AsFloat() != -1.5 {
		t.Errorf("-1.5 expected, got %s", v)
	}
	if _, err := Negate(Str("x")); err == nil {
		t.Error("expected an error negating a string")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Null, "null"},
		{Int(42), "42"},
		{Float(3), "3.0"},
		{Float(0.25), "0.25"},
		{Bool(true), "true"},
		{Str("hi"), "hi"},
		{NewArray([]Value{Int(1), Str("a")}), `[1, "a"]`},
		{NewError("bad"), "Error(bad)"},
		{NewStruct("Point", map[string]Value{"y": Int(2), "x": Int(1)}), "Point { x: 1, y: 2 }"},
		{NewArray([]Value{Ok(Str("a")), None}), `[Ok("a"), None]`},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}

	d := NewDict()
	d.AsDict().Set("b", Int(2))
	d.AsDict().Set("a", Int(1))
	if got := d.String(); got != `{"a": 1, "b": 2}` {
		t.Errorf("dict String() = %q", got)
	}
}

func TestKindString(t *testing.T) {
	if KindInt.String() != "Int" || KindFloat.String() != "Float" {
		t.Error("unexpected kind names")
	}
	if KindTagged.String() != "Tagged" || KindIterator.String() != "Iterator" {
		t.Error("unexpected names for tagged values and iterators")
	}
	if Kind(200).String() != "Kind(200)" {
		t.Errorf("unknown kind rendered as %q", Kind(200).String())
	}
}
