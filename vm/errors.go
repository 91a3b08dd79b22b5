package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies runtime errors.
type ErrorKind uint8

const (
	ErrThrown ErrorKind = iota // raised by a THROW instruction
	ErrTypeMismatch
	ErrDivideByZero
	ErrUndefinedVariable
	ErrNotCallable
	ErrArity
	ErrIndex
	ErrField
	ErrStackOverflow
	ErrGenerator
	ErrNative
)

var errorKindNames = [...]string{
	ErrThrown:            "Thrown",
	ErrTypeMismatch:      "TypeMismatch",
	ErrDivideByZero:      "DivideByZero",
	ErrUndefinedVariable: "UndefinedVariable",
	ErrNotCallable:       "NotCallable",
	ErrArity:             "ArityMismatch",
	ErrIndex:             "IndexOutOfRange",
	ErrField:             "UnknownField",
	ErrStackOverflow:     "StackOverflow",
	ErrGenerator:         "GeneratorError",
	ErrNative:            "NativeError",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// RuntimeError is a script-level error that escaped every handler.
type RuntimeError struct {
	Kind    ErrorKind
	Message string
	Value   Value    // the thrown value
	Trace   []string // innermost frame first
}

func (e *RuntimeError) Error() string {
	var sb strings.Builder
	sb.WriteString("runtime error: ")
	sb.WriteString(e.Message)
	for _, fr := range e.Trace {
		sb.WriteString("\n  at ")
		sb.WriteString(fr)
	}
	return sb.String()
}

// newError builds an unthrown error value of the given kind.
func newError(kind ErrorKind, format string, args ...any) *RuntimeError {
	msg := fmt.Sprintf(format, args...)
	return &RuntimeError{
		Kind:    kind,
		Message: msg,
		Value:   Value{kind: KindError, ref: &ErrorObject{Message: msg, Kind: kind}},
	}
}

// Errorf builds a RuntimeError. Native functions return these to raise
// catchable script errors.
func Errorf(format string, args ...any) *RuntimeError {
	return newError(ErrNative, format, args...)
}

// asRuntimeError converts any error into a RuntimeError so it can be thrown
// through script handlers.
func asRuntimeError(err error) *RuntimeError {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return newError(ErrNative, "%v", err)
}

// thrownError builds the RuntimeError for a value raised by THROW.
func thrownError(v Value) *RuntimeError {
	re := &RuntimeError{Kind: ErrThrown, Value: v}
	if eo := v.AsError(); eo != nil {
		re.Message = eo.Message
		re.Kind = eo.Kind
	} else {
		re.Message = v.String()
	}
	return re
}

func typeMismatch(op string, a, b Value) *RuntimeError {
	return newError(ErrTypeMismatch, "cannot apply %s to %s and %s", op, a.Kind(), b.Kind())
}
