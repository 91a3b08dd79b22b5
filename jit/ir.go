package jit

import (
	"fmt"
	"strings"

	"github.com/chazu/ember/vm"
)

// The IR is in SSA form with block parameters instead of phi nodes. Every
// value has a static Type; Box values hold a full vm.Value, the others hold
// raw machine scalars.

// Type is the static type of an SSA value.
type Type uint8

const (
	TypeBox Type = iota
	TypeInt
	TypeFloat
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeBox:
		return "box"
	case TypeInt:
		return "i64"
	case TypeFloat:
		return "f64"
	case TypeBool:
		return "bool"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ValueID names an SSA value.
type ValueID int32

// NoValue marks an instruction without a result.
const NoValue ValueID = -1

// BlockID names a block. Block 0 is the prologue.
type BlockID int32

// Op is an IR operation.
type Op uint8

const (
	OpArg        Op = iota // Box: argument Int
	OpConstBox             // Box: constant Box
	OpConstInt             // Int: constant Int
	OpConstFloat           // Float: constant Float
	OpConstBool            // Bool: constant Int != 0
	OpBox                  // Box <- Int|Float|Bool
	OpUnboxInt             // Int <- Box, after a passing GuardInt
	OpUnboxFloat           // Float <- Box, after a passing GuardFloat
	OpIntToFloat           // Float <- Int
	OpGuardInt             // check Box is Int, else deoptimize
	OpGuardFloat           // check Box is Float, else deoptimize
	OpIArith               // Int <- Int Code Int
	OpFArith               // Float <- Float Code Float
	OpINeg                 // Int <- -Int
	OpFNeg                 // Float <- -Float
	OpICmp                 // Bool <- Int Code Int
	OpFCmp                 // Bool <- Float Code Float
	OpTruthy               // Bool <- truthiness of Box
	OpBNot                 // Bool <- !Bool
	OpBAnd                 // Bool <- Bool && Bool
	OpBOr                  // Bool <- Bool || Bool
	OpLoadLocal            // Box <- slot value, resolving undefined through load_variable
	OpLoadVar              // Box <- load_variable(name)
	OpLoadGlobal           // Box <- load_variable(name, global)
	OpStoreVar             // store_variable(name, Box)
	OpStoreGlobal          // store_variable(name, Box, global)
	OpGeneric              // Box? <- generic_op(Ins, Box...)
	OpCall                 // Box <- call_function(Box callee, Box args...)
	OpPopStack             // Box <- a result a multi-value generic op left on the stack
)

var opNames = [...]string{
	OpArg:         "arg",
	OpConstBox:    "const.box",
	OpConstInt:    "const.i64",
	OpConstFloat:  "const.f64",
	OpConstBool:   "const.bool",
	OpBox:         "box",
	OpUnboxInt:    "unbox.i64",
	OpUnboxFloat:  "unbox.f64",
	OpIntToFloat:  "i64tof64",
	OpGuardInt:    "guard.i64",
	OpGuardFloat:  "guard.f64",
	OpIArith:      "iarith",
	OpFArith:      "farith",
	OpINeg:        "ineg",
	OpFNeg:        "fneg",
	OpICmp:        "icmp",
	OpFCmp:        "fcmp",
	OpTruthy:      "truthy",
	OpBNot:        "bnot",
	OpBAnd:        "band",
	OpBOr:         "bor",
	OpLoadLocal:   "load.local",
	OpLoadVar:     "load.var",
	OpLoadGlobal:  "load.global",
	OpStoreVar:    "store.var",
	OpStoreGlobal: "store.global",
	OpGeneric:     "generic",
	OpCall:        "call",
	OpPopStack:    "pop.stack",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// Inst is one IR instruction.
type Inst struct {
	Op     Op
	Result ValueID
	Args   []ValueID

	Code  vm.Opcode      // sub-operation of arithmetic and comparisons
	Ins   vm.Instruction // source instruction of generic and variable ops
	Int   int64          // Int/Bool constants, argument index, name id
	Float float64
	Box   vm.Value

	IP    int         // bytecode index of the source instruction
	Deopt *DeoptPoint // guards and instructions that can fail
}

// CanFail reports whether in may abandon native execution and so needs a
// deopt point.
func (in *Inst) CanFail() bool {
	switch in.Op {
	case OpGuardInt, OpGuardFloat, OpLoadLocal, OpLoadVar, OpLoadGlobal, OpGeneric, OpCall:
		return true
	case OpIArith:
		return in.Code == vm.OpDiv || in.Code == vm.OpMod
	}
	return false
}

// DeoptPoint records how to rebuild interpreter state where native execution
// may be abandoned: the bytecode ip to resume at and the SSA values currently
// standing for each local slot and each operand stack entry. Guards and
// failing arithmetic, variable and generic instructions resume by running ip
// again in the interpreter; a failed call raises its callee's error at ip.
type DeoptPoint struct {
	IP    int
	Slots []ValueID
	Stack []ValueID
}

// TermKind is the kind of a block terminator.
type TermKind uint8

const (
	TermJump TermKind = iota
	TermBranch
	TermReturn
)

// Edge is a control transfer with block arguments.
type Edge struct {
	Target BlockID
	Args   []ValueID
}

// Terminator ends a block.
type Terminator struct {
	Kind  TermKind
	Cond  ValueID // Bool, for TermBranch
	Then  Edge    // taken when Cond is true, and by TermJump
	Else  Edge
	Value ValueID // for TermReturn
}

// Block is a basic block. Params receive the arguments of incoming edges.
type Block struct {
	ID      BlockID
	StartIP int // -1 for the prologue
	Params  []ValueID
	Insts   []*Inst
	Term    Terminator
}

// Func is the IR of one chunk.
type Func struct {
	Name   string
	Chunk  *vm.Chunk
	Spec   Specialization
	Blocks []*Block
	Types  []Type // indexed by ValueID
	Slots  []int  // slot -> interned name id
}

// NewValue allocates an SSA value of type t.
func (f *Func) NewValue(t Type) ValueID {
	f.Types = append(f.Types, t)
	return ValueID(len(f.Types) - 1)
}

// TypeOf returns the static type of v.
func (f *Func) TypeOf(v ValueID) Type { return f.Types[v] }

// String renders the function as text, one instruction per line.
func (f *Func) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s spec=%s slots=%d\n", f.Name, f.Spec, len(f.Slots))
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "b%d(%s):", b.ID, f.valueList(b.Params))
		if b.StartIP >= 0 {
			fmt.Fprintf(&sb, " ; ip %04X", b.StartIP)
		}
		sb.WriteString("\n")
		for _, in := range b.Insts {
			sb.WriteString("    ")
			if in.Result != NoValue {
				fmt.Fprintf(&sb, "v%d:%s = ", in.Result, f.Types[in.Result])
			}
			sb.WriteString(in.Op.String())
			switch in.Op {
			case OpIArith, OpFArith, OpICmp, OpFCmp:
				fmt.Fprintf(&sb, ".%s", in.Code)
			case OpGeneric:
				fmt.Fprintf(&sb, " [%s]", in.Ins)
			case OpConstInt, OpConstBool, OpArg:
				fmt.Fprintf(&sb, " %d", in.Int)
			case OpConstFloat:
				fmt.Fprintf(&sb, " %g", in.Float)
			case OpConstBox:
				fmt.Fprintf(&sb, " %s", in.Box)
			case OpLoadLocal, OpLoadVar, OpLoadGlobal, OpStoreVar, OpStoreGlobal:
				fmt.Fprintf(&sb, " %s", f.Chunk.Names[in.Int])
			}
			if len(in.Args) > 0 {
				fmt.Fprintf(&sb, " %s", f.valueList(in.Args))
			}
			if in.Deopt != nil {
				fmt.Fprintf(&sb, " deopt@%04X", in.Deopt.IP)
			}
			sb.WriteString("\n")
		}
		switch b.Term.Kind {
		case TermJump:
			fmt.Fprintf(&sb, "    jump b%d(%s)\n", b.Term.Then.Target, f.valueList(b.Term.Then.Args))
		case TermBranch:
			fmt.Fprintf(&sb, "    br v%d, b%d(%s), b%d(%s)\n", b.Term.Cond,
				b.Term.Then.Target, f.valueList(b.Term.Then.Args),
				b.Term.Else.Target, f.valueList(b.Term.Else.Args))
		case TermReturn:
			fmt.Fprintf(&sb, "    return v%d\n", b.Term.Value)
		}
	}
	return sb.String()
}

func (f *Func) valueList(vs []ValueID) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("v%d", v)
	}
	return strings.Join(parts, ", ")
}
