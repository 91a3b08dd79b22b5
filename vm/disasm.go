package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the chunk and of every
// function constant it contains.
func (c *Chunk) Disassemble() string {
	var sb strings.Builder
	seen := make(map[*Chunk]bool)
	c.disassembleInto(&sb, seen)
	return sb.String()
}

func (c *Chunk) disassembleInto(sb *strings.Builder, seen map[*Chunk]bool) {
	if seen[c] {
		return
	}
	seen[c] = true

	// Header
	fmt.Fprintf(sb, "; === %s ===\n", c.Name)
	fmt.Fprintf(sb, "; Ember Bytecode v%d\n", c.Version)
	fmt.Fprintf(sb, "; Flags: 0x%04X", c.Flags)
	if c.IsScript() {
		sb.WriteString(" [SCRIPT]")
	}
	if c.IsGenerator() {
		sb.WriteString(" [GENERATOR]")
	}
	if c.IsAsync() {
		sb.WriteString(" [ASYNC]")
	}
	if c.IsInterpreterOnly() {
		sb.WriteString(" [INTERPRETER_ONLY]")
	}
	sb.WriteString("\n")

	if len(c.Params) > 0 {
		fmt.Fprintf(sb, "; Parameters (%d): %s\n", len(c.Params), strings.Join(c.Params, ", "))
	}
	if len(c.Upvalues) > 0 {
		fmt.Fprintf(sb, "; Upvalues: %s\n", strings.Join(c.Upvalues, ", "))
	}
	sb.WriteString("\n")

	// Constants
	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, k := range c.Constants {
			display := k.repr()
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			display = strings.ReplaceAll(display, "\n", "\\n")
			fmt.Fprintf(sb, ";   [%3d] %s\n", i, display)
		}
		sb.WriteString("\n")
	}

	// Code section
	sb.WriteString("; Code:\n")
	for i, ins := range c.Code {
		fmt.Fprintf(sb, "%04X  %s\n", i, c.DisassembleInstruction(ins))
	}

	for _, k := range c.Constants {
		if f := k.AsFunction(); f != nil {
			sb.WriteString("\n")
			f.Chunk.disassembleInto(sb, seen)
		}
	}
}

// DisassembleInstruction renders ins with its operands resolved against the
// chunk's constant pool and name table.
func (c *Chunk) DisassembleInstruction(ins Instruction) string {
	name := fmt.Sprintf("%-14s", ins.Op.String())
	switch ins.Op {
	case OpConst, OpMakeClosure:
		if ins.A >= 0 && ins.A < len(c.Constants) {
			return fmt.Sprintf("%s %d ; %s", name, ins.A, c.Constants[ins.A].repr())
		}
	case OpLoadVar, OpStoreVar, OpLoadGlobal, OpStoreGlobal, OpFieldGet, OpFieldSet:
		if ins.A >= 0 && ins.A < len(c.Names) {
			return fmt.Sprintf("%s %d ; %s", name, ins.A, c.Names[ins.A])
		}
	case OpMakeStruct:
		if ins.A >= 0 && ins.A < len(c.Names) {
			return fmt.Sprintf("%s %d %d ; %s", name, ins.A, ins.B, c.Names[ins.A])
		}
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpJumpBack, OpBeginTry:
		return fmt.Sprintf("%s %04X", name, ins.A)
	}
	switch GetOpcodeInfo(ins.Op).Operands {
	case 0:
		return strings.TrimRight(name, " ")
	case 1:
		return fmt.Sprintf("%s %d", name, ins.A)
	}
	return fmt.Sprintf("%s %d %d", name, ins.A, ins.B)
}
