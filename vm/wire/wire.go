// Package wire encodes chunks as CBOR for chunk files. A chunk file is the
// magic "EMBC" followed by one canonical CBOR document, so encoding the same
// chunk always yields the same bytes.
package wire

import (
	"bytes"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/ember/vm"
)

// Magic prefixes every chunk file.
var Magic = []byte("EMBC")

// FormatVersion is the version of the file layout.
const FormatVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type file struct {
	Version int      `cbor:"1,keyasint"`
	Chunk   chunkDoc `cbor:"2,keyasint"`
}

type chunkDoc struct {
	Name      string        `cbor:"1,keyasint"`
	Flags     uint16        `cbor:"2,keyasint,omitempty"`
	Params    []string      `cbor:"3,keyasint,omitempty"`
	Names     []string      `cbor:"4,keyasint,omitempty"`
	Upvalues  []string      `cbor:"5,keyasint,omitempty"`
	Code      [][3]int64    `cbor:"6,keyasint"` // op, A, B
	Constants []constantDoc `cbor:"7,keyasint,omitempty"`
}

// constantDoc is one pool entry. Exactly the field matching Kind is set;
// tagged values also set Tag.
type constantDoc struct {
	Kind  uint8        `cbor:"1,keyasint"`
	Int   int64        `cbor:"2,keyasint,omitempty"`
	Float float64      `cbor:"3,keyasint,omitempty"`
	Str   string       `cbor:"4,keyasint,omitempty"`
	Bool  bool         `cbor:"5,keyasint,omitempty"`
	Func  *chunkDoc    `cbor:"6,keyasint,omitempty"`
	Tag   uint8        `cbor:"7,keyasint,omitempty"`
	Inner *constantDoc `cbor:"8,keyasint,omitempty"` // payload of a tagged value
}

// Marshal encodes chunk, including the chunks of its function constants.
func Marshal(chunk *vm.Chunk) ([]byte, error) {
	doc, err := encodeChunk(chunk)
	if err != nil {
		return nil, err
	}
	body, err := cborEncMode.Marshal(file{Version: FormatVersion, Chunk: *doc})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", chunk.Name, err)
	}
	return append(append([]byte(nil), Magic...), body...), nil
}

// Unmarshal decodes a chunk file. The result is sealed.
func Unmarshal(data []byte) (*vm.Chunk, error) {
	if !bytes.HasPrefix(data, Magic) {
		return nil, fmt.Errorf("wire: not a chunk file (bad magic)")
	}
	var f file
	if err := cbor.Unmarshal(data[len(Magic):], &f); err != nil {
		return nil, fmt.Errorf("wire: unmarshal: %w", err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("wire: unsupported format version %d", f.Version)
	}
	chunk, err := decodeChunk(&f.Chunk)
	if err != nil {
		return nil, err
	}
	if err := chunk.Seal(); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	return chunk, nil
}

// WriteFile encodes chunk into path.
func WriteFile(path string, chunk *vm.Chunk) error {
	data, err := Marshal(chunk)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	return nil
}

// ReadFile decodes the chunk file at path.
func ReadFile(path string) (*vm.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	return Unmarshal(data)
}

// IsChunkFile reports whether data starts with the chunk file magic.
func IsChunkFile(data []byte) bool { return bytes.HasPrefix(data, Magic) }

func encodeChunk(c *vm.Chunk) (*chunkDoc, error) {
	doc := &chunkDoc{
		Name:     c.Name,
		Flags:    uint16(c.Flags &^ vm.ChunkInterpreterOnly),
		Params:   c.Params,
		Names:    c.Names,
		Upvalues: c.Upvalues,
		Code:     make([][3]int64, len(c.Code)),
	}
	for i, ins := range c.Code {
		doc.Code[i] = [3]int64{int64(ins.Op), int64(ins.A), int64(ins.B)}
	}
	for i, k := range c.Constants {
		cd, err := encodeConstant(k)
		if err != nil {
			return nil, fmt.Errorf("wire: chunk %s: constant %d: %w", c.Name, i, err)
		}
		doc.Constants = append(doc.Constants, *cd)
	}
	return doc, nil
}

func encodeConstant(k vm.Value) (*constantDoc, error) {
	cd := &constantDoc{Kind: uint8(k.Kind())}
	switch k.Kind() {
	case vm.KindNull:
	case vm.KindInt:
		cd.Int = k.AsInt()
	case vm.KindFloat:
		cd.Float = k.AsFloat()
	case vm.KindStr:
		cd.Str = k.AsStr()
	case vm.KindBool:
		cd.Bool = k.AsBool()
	case vm.KindFunction:
		fn, err := encodeChunk(k.AsFunction().Chunk)
		if err != nil {
			return nil, err
		}
		cd.Func = fn
	case vm.KindTagged:
		t := k.AsTagged()
		cd.Tag = uint8(t.Tag)
		if t.Tag != vm.TagNone {
			inner, err := encodeConstant(t.Value)
			if err != nil {
				return nil, err
			}
			cd.Inner = inner
		}
	default:
		return nil, fmt.Errorf("kind %s cannot be encoded", k.Kind())
	}
	return cd, nil
}

func decodeChunk(doc *chunkDoc) (*vm.Chunk, error) {
	code := make([]vm.Instruction, len(doc.Code))
	for i, ins := range doc.Code {
		code[i] = vm.Instruction{Op: vm.Opcode(ins[0]), A: int(ins[1]), B: int(ins[2])}
	}
	consts := make([]vm.Value, len(doc.Constants))
	for i := range doc.Constants {
		k, err := decodeConstant(&doc.Constants[i])
		if err != nil {
			return nil, fmt.Errorf("wire: chunk %s: constant %d: %w", doc.Name, i, err)
		}
		consts[i] = k
	}
	c, err := vm.RestoreChunk(doc.Name, vm.ChunkFlags(doc.Flags), doc.Params, doc.Names, doc.Upvalues, code, consts)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	return c, nil
}

func decodeConstant(cd *constantDoc) (vm.Value, error) {
	switch vm.Kind(cd.Kind) {
	case vm.KindNull:
		return vm.Null, nil
	case vm.KindInt:
		return vm.Int(cd.Int), nil
	case vm.KindFloat:
		return vm.Float(cd.Float), nil
	case vm.KindStr:
		return vm.Str(cd.Str), nil
	case vm.KindBool:
		return vm.Bool(cd.Bool), nil
	case vm.KindFunction:
		if cd.Func == nil {
			return vm.Null, fmt.Errorf("function has no body")
		}
		fn, err := decodeChunk(cd.Func)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromFunction(vm.NewFunction(fn)), nil
	case vm.KindTagged:
		tag := vm.Tag(cd.Tag)
		if tag > vm.TagNone {
			return vm.Null, fmt.Errorf("unknown tag %d", cd.Tag)
		}
		if tag == vm.TagNone {
			return vm.None, nil
		}
		if cd.Inner == nil {
			return vm.Null, fmt.Errorf("%s has no payload", tag)
		}
		inner, err := decodeConstant(cd.Inner)
		if err != nil {
			return vm.Null, err
		}
		return vm.NewTagged(tag, inner), nil
	}
	return vm.Null, fmt.Errorf("unsupported kind %d", cd.Kind)
}
