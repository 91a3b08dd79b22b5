package vm

import (
	"strings"
	"testing"
)

const addSource = `
; add(a, b) called once from the script
.func add a b
    LOAD_VAR a
    LOAD_VAR b
    ADD
    RETURN
.end

.script main
    CONST @add
    CONST 5
    CONST 3
    CALL 2
    RETURN
.end
`

func TestAssembleFunctionReference(t *testing.T) {
	script := MustAssemble(addSource)

	if !script.IsScript() || !script.Sealed() {
		t.Fatal("expected a sealed script chunk")
	}
	fn := script.Constants[script.Code[0].A].AsFunction()
	if fn == nil {
		t.Fatal("first constant should be the add function")
	}
	if fn.Chunk.Arity() != 2 || fn.Chunk.Params[1] != "b" {
		t.Errorf("unexpected parameters %v", fn.Chunk.Params)
	}
	if id, ok := fn.Chunk.NameID("b"); !ok || id != 1 {
		t.Errorf("parameter b should be name id 1, got %d", id)
	}
}

func TestAssembleLiterals(t *testing.T) {
	c := MustAssemble(`
.script lits
    CONST "a;b"   ; the semicolon inside the string is not a comment
    CONST -7
    CONST 2.5
    CONST true
    CONST null
    RETURN_NONE
.end
`)
	want := []Value{Str("a;b"), Int(-7), Float(2.5), Bool(true), Null}
	if len(c.Constants) != len(want) {
		t.Fatalf("expected %d constants, got %d", len(want), len(c.Constants))
	}
	for i, w := range want {
		if !Equal(c.Constants[i], w) || c.Constants[i].Kind() != w.Kind() {
			t.Errorf("constant %d = %s, want %s", i, c.Constants[i], w)
		}
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown opcode", ".script s\n FROB\n.end", "unknown opcode"},
		{"undefined label", ".script s\n JUMP nowhere\n.end", "undefined label"},
		{"undefined function", ".script s\n CONST @missing\n RETURN\n.end", "undefined function"},
		{"missing end", ".script s\n RETURN_NONE", "missing .end"},
		{"no script", ".func f\n RETURN_NONE\n.end", "no .script"},
		{"operand count", ".script s\n CALL\n.end", "takes 1 operand"},
		{"outside body", "RETURN_NONE", "outside of a body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.src)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSealRejectsBadOperands(t *testing.T) {
	c := NewChunk("fwd")
	c.EmitA(OpJumpBack, 1)
	c.Emit(OpReturnNone)
	if err := c.Seal(); err == nil {
		t.Error("JUMP_BACK to a later instruction should not seal")
	}

	c = NewChunk("const")
	c.EmitA(OpConst, 3)
	if err := c.Seal(); err == nil {
		t.Error("out-of-range constant should not seal")
	}
}

func TestSealMarksSuspendingChunks(t *testing.T) {
	script := MustAssemble(`
.generator gen
    CONST 1
    YIELD
    RETURN_NONE
.end
.script main
    CONST @gen
    CALL 0
    AWAIT
    RETURN
.end
`)
	if !script.IsInterpreterOnly() {
		t.Error("a chunk containing AWAIT should be interpreter-only")
	}
	gen := script.Constants[script.Code[0].A].AsFunction().Chunk
	if !gen.IsGenerator() || !gen.IsInterpreterOnly() {
		t.Error("a generator chunk should be interpreter-only")
	}
}

func TestDisassemble(t *testing.T) {
	out := MustAssemble(addSource).Disassemble()
	for _, want := range []string{"; === main ===", "; === add ===", "[SCRIPT]", "; Parameters (2): a, b", "LOAD_VAR", "; a", "ADD", "CALL"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly is missing %q:\n%s", want, out)
		}
	}
}

func TestStackEffect(t *testing.T) {
	tests := []struct {
		ins       Instruction
		pop, push int
	}{
		{Instruction{Op: OpCall, A: 2}, 3, 1},
		{Instruction{Op: OpMakeArray, A: 4}, 4, 1},
		{Instruction{Op: OpMakeDict, A: 2}, 4, 1},
		{Instruction{Op: OpMakeStruct, A: 0, B: 3}, 6, 1},
		{Instruction{Op: OpAdd}, 2, 1},
		{Instruction{Op: OpStoreVar}, 1, 0},
		{Instruction{Op: OpIterNext}, 1, 2},
		{Instruction{Op: OpMakeNone}, 0, 1},
		{Instruction{Op: OpSpreadArray, A: 3}, 1, 3},
	}
	for _, tt := range tests {
		pop, push := StackEffect(tt.ins)
		if pop != tt.pop || push != tt.push {
			t.Errorf("StackEffect(%s) = (%d, %d), want (%d, %d)", tt.ins, pop, push, tt.pop, tt.push)
		}
	}
}

func TestOpcodeTableComplete(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("opcode 0x%02X has no name", byte(op))
		}
		if back, ok := opcodesByName[info.Name]; !ok || back != op {
			t.Errorf("%s does not round-trip through the assembler table", info.Name)
		}
	}
}
