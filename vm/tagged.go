package vm

import (
	"sync"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Tagged values
// ---------------------------------------------------------------------------

// Tag is the variant of a tagged value.
type Tag uint8

const (
	TagOk Tag = iota
	TagErr
	TagSome
	TagNone
)

var tagNames = [...]string{TagOk: "Ok", TagErr: "Err", TagSome: "Some", TagNone: "None"}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "Tag(?)"
}

// Tagged is the payload of a Result (Ok, Err) or Option (Some, None) value.
// Tagged values are immutable.
type Tagged struct {
	Tag   Tag
	Value Value // Null for None
}

// Failed reports whether t short-circuits TRY_UNWRAP.
func (t *Tagged) Failed() bool { return t.Tag == TagErr || t.Tag == TagNone }

// None is the empty Option.
var None = Value{kind: KindTagged, ref: &Tagged{Tag: TagNone}}

func Ok(v Value) Value   { return Value{kind: KindTagged, ref: &Tagged{Tag: TagOk, Value: v}} }
func Err(v Value) Value  { return Value{kind: KindTagged, ref: &Tagged{Tag: TagErr, Value: v}} }
func Some(v Value) Value { return Value{kind: KindTagged, ref: &Tagged{Tag: TagSome, Value: v}} }

// NewTagged builds the tagged value of variant tag.
func NewTagged(tag Tag, v Value) Value {
	if tag == TagNone {
		return None
	}
	return Value{kind: KindTagged, ref: &Tagged{Tag: tag, Value: v}}
}

func (v Value) AsTagged() *Tagged {
	t, _ := v.ref.(*Tagged)
	return t
}

func taggedEqual(a, b *Tagged) bool {
	return a.Tag == b.Tag && Equal(a.Value, b.Value)
}

// tryUnwrap implements TRY_UNWRAP: the inner value of Ok and Some, or ret set
// when v must be returned from the frame as is.
func tryUnwrap(v Value) (inner Value, ret bool, err error) {
	t := v.AsTagged()
	if t == nil {
		return Null, false, newError(ErrTypeMismatch, "? expects a Result or Option, got %s", v.Kind())
	}
	if t.Failed() {
		return v, true, nil
	}
	return t.Value, false, nil
}

// ---------------------------------------------------------------------------
// Iterators
// ---------------------------------------------------------------------------

// Iterator walks an array by index, the sorted keys of a dictionary, or the
// characters of a string. Array iterators see elements appended while
// iterating.
type Iterator struct {
	mu     sync.Mutex
	source Value
	keys   []string // dictionary keys, fixed at creation
	pos    int      // next index, or byte offset into a string
}

// NewIterator returns an iterator over v. Iterating an iterator returns it.
func NewIterator(v Value) (Value, error) {
	switch v.kind {
	case KindIterator:
		return v, nil
	case KindArray, KindStr:
		return Value{kind: KindIterator, ref: &Iterator{source: v}}, nil
	case KindDict:
		return Value{kind: KindIterator, ref: &Iterator{source: v, keys: v.AsDict().Keys()}}, nil
	}
	return Null, newError(ErrTypeMismatch, "cannot iterate %s", v.Kind())
}

func (v Value) AsIterator() *Iterator {
	it, _ := v.ref.(*Iterator)
	return it
}

// HasNext reports whether Next would produce a value.
func (it *Iterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.hasNextLocked()
}

func (it *Iterator) hasNextLocked() bool {
	switch it.source.kind {
	case KindArray:
		return it.pos < it.source.AsArray().Len()
	case KindDict:
		return it.pos < len(it.keys)
	case KindStr:
		return it.pos < len(it.source.AsStr())
	}
	return false
}

// Next returns the next element and advances, or reports false when the
// iterator is exhausted.
func (it *Iterator) Next() (Value, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.hasNextLocked() {
		return Null, false
	}
	switch it.source.kind {
	case KindArray:
		v, _ := it.source.AsArray().Get(it.pos)
		it.pos++
		return v, true
	case KindDict:
		k := it.keys[it.pos]
		it.pos++
		return Str(k), true
	}
	s := it.source.AsStr()
	r, size := utf8.DecodeRuneInString(s[it.pos:])
	it.pos += size
	return Str(string(r)), true
}

func asIterator(v Value) (*Iterator, error) {
	if it := v.AsIterator(); it != nil {
		return it, nil
	}
	return nil, newError(ErrTypeMismatch, "expected an iterator, got %s", v.Kind())
}

// spread checks that v is an array of exactly n elements and returns them.
func spread(v Value, n int) ([]Value, error) {
	a := v.AsArray()
	if a == nil {
		return nil, newError(ErrTypeMismatch, "can only spread arrays, got %s", v.Kind())
	}
	items := a.Snapshot()
	if len(items) != n {
		return nil, newError(ErrIndex, "cannot spread %d elements into %d", len(items), n)
	}
	return items, nil
}
