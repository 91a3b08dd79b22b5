package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// Assemble builds chunks from a textual listing and returns the script
// chunk, sealed.
//
// A listing is a sequence of function bodies:
//
//	.func add a b          ; also .generator, .async
//	    LOAD_VAR a
//	    LOAD_VAR b
//	    ADD
//	    RETURN
//	.end
//
//	.script main
//	    CONST @add         ; function constant
//	    STORE_VAR add
//	    ...
//	.end
//
// Mnemonics are opcode names (case-insensitive). Jump operands are labels
// declared as "name:" on their own line. CONST accepts integers, floats,
// quoted strings, true, false, null and @function references. ".upvalues"
// inside a body lists the names a closure over it captures.
func Assemble(src string) (*Chunk, error) {
	a := &assembler{funcs: make(map[string]*Function)}
	if err := a.parse(src); err != nil {
		return nil, err
	}
	if err := a.resolve(); err != nil {
		return nil, err
	}
	if a.script == nil {
		return nil, fmt.Errorf("asm: no .script body")
	}
	if err := a.script.Seal(); err != nil {
		return nil, fmt.Errorf("asm: %w", err)
	}
	for _, fn := range a.order {
		if err := fn.Chunk.Seal(); err != nil {
			return nil, fmt.Errorf("asm: %w", err)
		}
	}
	return a.script, nil
}

// MustAssemble is like Assemble but panics on error. Intended for tests and
// fixed programs.
func MustAssemble(src string) *Chunk {
	c, err := Assemble(src)
	if err != nil {
		panic(err)
	}
	return c
}

type fixup struct {
	line  int
	chunk *Chunk
	index int
	label string // jump target label, or "" for a function reference
	fn    string // referenced function name
}

type assembler struct {
	funcs  map[string]*Function
	order  []*Function
	script *Chunk

	cur    *Chunk
	labels map[string]int
	fixups []fixup
	all    []fixup
}

func (a *assembler) parse(src string) error {
	for n, raw := range strings.Split(src, "\n") {
		line := n + 1
		text := strings.TrimSpace(stripComment(raw))
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, ".") {
			if err := a.directive(line, text); err != nil {
				return err
			}
			continue
		}
		if a.cur == nil {
			return fmt.Errorf("asm line %d: instruction outside of a body", line)
		}
		if strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t") {
			label := strings.TrimSuffix(text, ":")
			if _, dup := a.labels[label]; dup {
				return fmt.Errorf("asm line %d: duplicate label %s", line, label)
			}
			a.labels[label] = len(a.cur.Code)
			continue
		}
		if err := a.instruction(line, text); err != nil {
			return err
		}
	}
	if a.cur != nil {
		return fmt.Errorf("asm: body %s is missing .end", a.cur.Name)
	}
	return nil
}

func (a *assembler) directive(line int, text string) error {
	fields := strings.Fields(text)
	switch fields[0] {
	case ".func", ".generator", ".async", ".script":
		if a.cur != nil {
			return fmt.Errorf("asm line %d: nested body inside %s", line, a.cur.Name)
		}
		if len(fields) < 2 {
			return fmt.Errorf("asm line %d: %s needs a name", line, fields[0])
		}
		name := fields[1]
		if fields[0] == ".script" {
			if a.script != nil {
				return fmt.Errorf("asm line %d: more than one .script", line)
			}
			a.cur = NewScript(name)
			a.script = a.cur
		} else {
			if _, dup := a.funcs[name]; dup {
				return fmt.Errorf("asm line %d: duplicate function %s", line, name)
			}
			a.cur = NewChunk(name, fields[2:]...)
			switch fields[0] {
			case ".generator":
				a.cur.Flags |= ChunkGenerator
			case ".async":
				a.cur.Flags |= ChunkAsync
			}
			fn := NewFunction(a.cur)
			a.funcs[name] = fn
			a.order = append(a.order, fn)
		}
		a.labels = make(map[string]int)
		a.fixups = nil
	case ".upvalues":
		if a.cur == nil {
			return fmt.Errorf("asm line %d: .upvalues outside of a body", line)
		}
		a.cur.Upvalues = append(a.cur.Upvalues, fields[1:]...)
	case ".end":
		if a.cur == nil {
			return fmt.Errorf("asm line %d: .end without a body", line)
		}
		for _, f := range a.fixups {
			if f.label == "" {
				a.all = append(a.all, f)
				continue
			}
			target, ok := a.labels[f.label]
			if !ok {
				return fmt.Errorf("asm line %d: undefined label %s", f.line, f.label)
			}
			a.cur.Code[f.index].A = target
		}
		a.cur = nil
	default:
		return fmt.Errorf("asm line %d: unknown directive %s", line, fields[0])
	}
	return nil
}

func (a *assembler) instruction(line int, text string) error {
	mnemonic, rest := text, ""
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		mnemonic, rest = text[:i], strings.TrimSpace(text[i:])
	}
	op, ok := opcodesByName[strings.ToUpper(mnemonic)]
	if !ok {
		return fmt.Errorf("asm line %d: unknown opcode %s", line, mnemonic)
	}
	c := a.cur
	need := GetOpcodeInfo(op).Operands
	args := strings.Fields(rest)
	if op != OpConst && len(args) != need {
		return fmt.Errorf("asm line %d: %s takes %d operand(s), got %d", line, op, need, len(args))
	}

	switch op {
	case OpConst:
		if strings.HasPrefix(rest, "@") {
			idx := c.Emit(OpConst)
			a.fixups = append(a.fixups, fixup{line: line, chunk: c, index: idx, fn: rest[1:]})
			return nil
		}
		v, err := parseLiteral(rest)
		if err != nil {
			return fmt.Errorf("asm line %d: %w", line, err)
		}
		c.EmitConst(v)
	case OpMakeClosure:
		if !strings.HasPrefix(args[0], "@") {
			return fmt.Errorf("asm line %d: MAKE_CLOSURE needs an @function operand", line)
		}
		idx := c.Emit(OpMakeClosure)
		a.fixups = append(a.fixups, fixup{line: line, chunk: c, index: idx, fn: args[0][1:]})
	case OpLoadVar, OpStoreVar, OpLoadGlobal, OpStoreGlobal, OpFieldGet, OpFieldSet:
		c.EmitA(op, c.Intern(args[0]))
	case OpMakeStruct:
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("asm line %d: bad field count %q", line, args[1])
		}
		c.EmitAB(op, c.Intern(args[0]), n)
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpJumpBack, OpBeginTry:
		idx := c.EmitJump(op)
		a.fixups = append(a.fixups, fixup{line: line, chunk: c, index: idx, label: args[0]})
	default:
		if need == 0 {
			c.Emit(op)
			return nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("asm line %d: bad operand %q", line, args[0])
		}
		c.EmitA(op, n)
	}
	return nil
}

// resolve patches @function references once every body is known.
func (a *assembler) resolve() error {
	for _, f := range a.all {
		fn, ok := a.funcs[f.fn]
		if !ok {
			return fmt.Errorf("asm line %d: undefined function @%s", f.line, f.fn)
		}
		f.chunk.Code[f.index].A = f.chunk.AddConstant(FromFunction(fn))
	}
	return nil
}

func parseLiteral(s string) (Value, error) {
	switch s {
	case "null":
		return Null, nil
	case "true":
		return Bool(true), nil
	case "false":
		return Bool(false), nil
	}
	if strings.HasPrefix(s, "\"") {
		u, err := strconv.Unquote(s)
		if err != nil {
			return Null, fmt.Errorf("bad string literal %s", s)
		}
		return Str(u), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f), nil
	}
	return Null, fmt.Errorf("bad literal %q", s)
}

// stripComment removes a ';' comment that is not inside a string literal.
func stripComment(line string) string {
	inStr := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inStr {
				i++
			}
		case '"':
			inStr = !inStr
		case ';':
			if !inStr {
				return line[:i]
			}
		}
	}
	return line
}
