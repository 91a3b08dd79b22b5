package vm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Value is a dynamically-typed script value.
//
// Scalars (Int, Float, Bool) live in the bits word; everything else is
// carried by ref. Aggregates are shared by pointer, so copying a Value never
// copies an array or dictionary.
type Value struct {
	kind Kind
	bits uint64
	ref  any
}

// Kind tags the dynamic type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindStr
	KindArray
	KindDict
	KindFunction
	KindNative
	KindStruct
	KindError
	KindGenerator
	KindPromise
	KindHandle
	KindTagged // Ok, Err, Some or None
	KindIterator

	// KindUndefined marks a local slot that has not been assigned yet.
	// It never reaches script code.
	KindUndefined
)

var kindNames = [...]string{
	KindNull:      "Null",
	KindInt:       "Int",
	KindFloat:     "Float",
	KindBool:      "Bool",
	KindStr:       "Str",
	KindArray:     "Array",
	KindDict:      "Dict",
	KindFunction:  "Function",
	KindNative:    "NativeFunction",
	KindStruct:    "Struct",
	KindError:     "Error",
	KindGenerator: "Generator",
	KindPromise:   "Promise",
	KindHandle:    "Handle",
	KindTagged:    "Tagged",
	KindIterator:  "Iterator",
	KindUndefined: "Undefined",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Null is the null value. It is also the zero Value.
var Null = Value{}

// Undefined is the marker for unassigned local slots.
var Undefined = Value{kind: KindUndefined}

func Int(n int64) Value { return Value{kind: KindInt, bits: uint64(n)} }
func Float(f float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(f)} }
func Str(s string) Value { return Value{kind: KindStr, ref: s} }
func FromFunction(f *Function) Value { return Value{kind: KindFunction, ref: f} }
func FromNative(n *NativeFunction) Value { return Value{kind: KindNative, ref: n} }

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

// NewArray wraps items in a fresh shared array.
func NewArray(items []Value) Value {
	return Value{kind: KindArray, ref: &Array{Items: items}}
}

// NewDict returns an empty shared dictionary.
func NewDict() Value {
	return Value{kind: KindDict, ref: &Dict{entries: make(map[string]Value)}}
}

// NewStruct builds a struct value with the given type name and fields.
func NewStruct(name string, fields map[string]Value) Value {
	return Value{kind: KindStruct, ref: &Struct{Name: name, Fields: fields}}
}

// NewError builds an error value carrying message.
func NewError(message string) Value {
	return Value{kind: KindError, ref: &ErrorObject{Message: message}}
}

// NewHandle wraps a host resource so scripts can pass it around opaquely.
func NewHandle(kind string, resource any) Value {
	return Value{kind: KindHandle, ref: &Handle{Kind: kind, Resource: resource}}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsInt() bool { return v.kind == KindInt }
func (v Value) IsFloat() bool { return v.kind == KindFloat }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// AsInt returns the integer payload. Only meaningful for KindInt.
func (v Value) AsInt() int64 { return int64(v.bits) }

// AsFloat returns the float payload. Only meaningful for KindFloat.
func (v Value) AsFloat() float64 { return math.Float64frombits(v.bits) }

// AsBool returns the boolean payload. Only meaningful for KindBool.
func (v Value) AsBool() bool { return v.bits != 0 }

// AsStr returns the string payload, or "" for non-strings.
func (v Value) AsStr() string {
	s, _ := v.ref.(string)
	return s
}

func (v Value) AsArray() *Array {
	a, _ := v.ref.(*Array)
	return a
}

func (v Value) AsDict() *Dict {
	d, _ := v.ref.(*Dict)
	return d
}

func (v Value) AsFunction() *Function {
	f, _ := v.ref.(*Function)
	return f
}

func (v Value) AsNative() *NativeFunction {
	n, _ := v.ref.(*NativeFunction)
	return n
}

func (v Value) AsStruct() *Struct {
	s, _ := v.ref.(*Struct)
	return s
}

func (v Value) AsError() *ErrorObject {
	e, _ := v.ref.(*ErrorObject)
	return e
}

func (v Value) AsGenerator() *Generator {
	g, _ := v.ref.(*Generator)
	return g
}

func (v Value) AsPromise() *Promise {
	p, _ := v.ref.(*Promise)
	return p
}

func (v Value) AsHandle() *Handle {
	h, _ := v.ref.(*Handle)
	return h
}

// Number returns v as a float64 when v is Int or Float.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.AsInt()), true
	case KindFloat:
		return v.AsFloat(), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Reference types
// ---------------------------------------------------------------------------

// Array is a growable, shared sequence of values.
type Array struct {
	mu    sync.RWMutex
	Items []Value
}

func (a *Array) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.Items)
}

func (a *Array) Get(i int) (Value, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if i < 0 || i >= len(a.Items) {
		return Null, false
	}
	return a.Items[i], true
}

func (a *Array) Set(i int, v Value) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= len(a.Items) {
		return false
	}
	a.Items[i] = v
	return true
}

func (a *Array) Append(v Value) {
	a.mu.Lock()
	a.Items = append(a.Items, v)
	a.mu.Unlock()
}

// Snapshot returns a copy of the current items.
func (a *Array) Snapshot() []Value {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Value, len(a.Items))
	copy(out, a.Items)
	return out
}

// Dict maps string keys to values.
type Dict struct {
	mu      sync.RWMutex
	entries map[string]Value
}

func (d *Dict) Get(key string) (Value, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.entries[key]
	return v, ok
}

func (d *Dict) Set(key string, v Value) {
	d.mu.Lock()
	d.entries[key] = v
	d.mu.Unlock()
}

func (d *Dict) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Keys returns the keys in sorted order.
func (d *Dict) Keys() []string {
	d.mu.RLock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	d.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Function is a bytecode function together with its captured environment.
type Function struct {
	Chunk    *Chunk
	Captured map[string]Value
}

// NewFunction wraps chunk with no captured variables.
func NewFunction(chunk *Chunk) *Function {
	return &Function{Chunk: chunk}
}

func (f *Function) Name() string { return f.Chunk.Name }

// NativeFunc is the Go signature of a host function callable from scripts.
type NativeFunc func(call *Call, args []Value) (Value, error)

// NativeFunction is a host function exposed to scripts.
type NativeFunction struct {
	Name  string
	Arity int // -1 for variadic
	Fn    NativeFunc
}

// Struct is a named record.
type Struct struct {
	Name   string
	Fields map[string]Value
}

// ErrorObject is the payload of a script-level error value.
type ErrorObject struct {
	Message string
	Kind    ErrorKind
}

// Handle wraps an opaque host resource such as a database connection.
type Handle struct {
	Kind     string
	Resource any
}

// ---------------------------------------------------------------------------
// Display
// ---------------------------------------------------------------------------

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindFloat:
		f := v.AsFloat()
		if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
			return strconv.FormatFloat(f, 'f', 1, 64)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindStr:
		return v.AsStr()
	case KindArray:
		items := v.AsArray().Snapshot()
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = it.repr()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindDict:
		d := v.AsDict()
		keys := d.Keys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			item, _ := d.Get(k)
			parts[i] = strconv.Quote(k) + ": " + item.repr()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindFunction:
		return "<fn " + v.AsFunction().Name() + ">"
	case KindNative:
		return "<native " + v.AsNative().Name + ">"
	case KindStruct:
		s := v.AsStruct()
		names := make([]string, 0, len(s.Fields))
		for k := range s.Fields {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, k := range names {
			parts[i] = k + ": " + s.Fields[k].repr()
		}
		return s.Name + " { " + strings.Join(parts, ", ") + " }"
	case KindError:
		return "Error(" + v.AsError().Message + ")"
	case KindGenerator:
		return "<generator " + v.AsGenerator().fn.Name() + ">"
	case KindPromise:
		return "<promise>"
	case KindHandle:
		return "<" + v.AsHandle().Kind + ">"
	case KindTagged:
		t := v.AsTagged()
		if t.Tag == TagNone {
			return "None"
		}
		return t.Tag.String() + "(" + t.Value.repr() + ")"
	case KindIterator:
		return "<iterator>"
	case KindUndefined:
		return "<undefined>"
	}
	return "<?>"
}

func (v Value) repr() string {
	if v.kind == KindStr {
		return strconv.Quote(v.AsStr())
	}
	return v.String()
}
