package vm

// Stack is the operand stack shared by interpreted frames and native code.
type Stack struct {
	vals []Value
}

func (s *Stack) Push(v Value) { s.vals = append(s.vals, v) }

func (s *Stack) Pop() Value {
	n := len(s.vals) - 1
	v := s.vals[n]
	s.vals[n] = Null
	s.vals = s.vals[:n]
	return v
}

func (s *Stack) Peek() Value { return s.vals[len(s.vals)-1] }

// At returns the value n slots below the top (0 is the top).
func (s *Stack) At(n int) Value { return s.vals[len(s.vals)-1-n] }

func (s *Stack) Len() int { return len(s.vals) }

// PopN removes the top n values and returns them bottom-first in a fresh
// slice.
func (s *Stack) PopN(n int) []Value {
	start := len(s.vals) - n
	out := make([]Value, n)
	copy(out, s.vals[start:])
	s.Truncate(start)
	return out
}

// Slice copies the values from index from to the top.
func (s *Stack) Slice(from int) []Value {
	out := make([]Value, len(s.vals)-from)
	copy(out, s.vals[from:])
	return out
}

// Truncate drops everything above height n.
func (s *Stack) Truncate(n int) {
	for i := n; i < len(s.vals); i++ {
		s.vals[i] = Null
	}
	s.vals = s.vals[:n]
}

// Frame is the interpreter state of one active bytecode call.
type Frame struct {
	fn     *Function
	chunk  *Chunk
	ip     int
	base   int     // operand stack height at entry
	locals []Value // indexed by interned name id
	obs    TypeObserver
	gen    *Generator
}

// Function returns the function executing in this frame.
func (fr *Frame) Function() *Function { return fr.fn }

// IP returns the index of the next instruction.
func (fr *Frame) IP() int { return fr.ip }

func newLocals(chunk *Chunk, args []Value) []Value {
	locals := make([]Value, len(chunk.Names))
	for i := range locals {
		locals[i] = Undefined
	}
	copy(locals, args)
	return locals
}
