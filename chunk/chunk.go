// Package chunk implements the binary chunk format for compiled prototypes.
// A chunk is a canonical CBOR encoding of a prototype tree, so equal
// prototypes always produce equal bytes and the SHA-256 of the encoding is a
// stable content hash.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/cobalt/vm"
)

// Version is the chunk format version written by Marshal.
const Version = 1

// Magic prefixes every chunk.
const Magic = "\x1bCob"

// constant kinds
const (
	kindNil uint8 = iota
	kindFalse
	kindTrue
	kindInt
	kindFloat
	kindString
)

// Header is the top level of an encoded chunk.
type Header struct {
	Magic   string    `cbor:"1,keyasint"`
	Version uint8     `cbor:"2,keyasint"`
	Main    *Function `cbor:"3,keyasint"`
}

// Function is the wire form of a vm.Proto.
type Function struct {
	Source          string      `cbor:"1,keyasint,omitempty"`
	LineDefined     int         `cbor:"2,keyasint,omitempty"`
	LastLineDefined int         `cbor:"3,keyasint,omitempty"`
	NumParams       int         `cbor:"4,keyasint,omitempty"`
	IsVararg        bool        `cbor:"5,keyasint,omitempty"`
	MaxStackSize    int         `cbor:"6,keyasint"`
	Code            []uint32    `cbor:"7,keyasint"`
	Constants       []Constant  `cbor:"8,keyasint,omitempty"`
	Upvalues        []Upvalue   `cbor:"9,keyasint,omitempty"`
	Protos          []*Function `cbor:"10,keyasint,omitempty"`
	LineInfo        []int32     `cbor:"11,keyasint,omitempty"`
	LocVars         []LocVar    `cbor:"12,keyasint,omitempty"`
}

// Constant is a tagged constant. Floats travel as their IEEE bit pattern so
// NaN payloads and negative zero survive.
type Constant struct {
	Kind uint8  `cbor:"1,keyasint"`
	Int  int64  `cbor:"2,keyasint,omitempty"`
	Bits uint64 `cbor:"3,keyasint,omitempty"`
	Str  string `cbor:"4,keyasint,omitempty"`
}

// Upvalue is the wire form of vm.UpvalueDesc.
type Upvalue struct {
	Name    string `cbor:"1,keyasint,omitempty"`
	InStack bool   `cbor:"2,keyasint,omitempty"`
	Index   int    `cbor:"3,keyasint"`
}

// LocVar is the wire form of vm.LocVar.
type LocVar struct {
	Name    string `cbor:"1,keyasint"`
	StartPC int    `cbor:"2,keyasint"`
	EndPC   int    `cbor:"3,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("chunk: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal encodes p and its nested prototypes.
func Marshal(p *vm.Proto) ([]byte, error) {
	fn, err := encodeProto(p)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(&Header{Magic: Magic, Version: Version, Main: fn})
}

// Unmarshal decodes a chunk and validates the resulting prototype, so code
// from an untrusted source cannot address registers or constants out of
// range.
func Unmarshal(data []byte) (*vm.Proto, error) {
	var h Header
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("chunk: unmarshal: %w", err)
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("chunk: not a cobalt chunk")
	}
	if h.Version != Version {
		return nil, fmt.Errorf("chunk: unsupported version %d (want %d)", h.Version, Version)
	}
	if h.Main == nil {
		return nil, fmt.Errorf("chunk: missing main function")
	}
	p, err := decodeFunction(h.Main, 0)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	return p, nil
}

// Hash returns the SHA-256 of p's encoding.
func Hash(p *vm.Proto) ([32]byte, error) {
	data, err := Marshal(p)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// HashString formats a hash for display and storage keys.
func HashString(h [32]byte) string { return hex.EncodeToString(h[:]) }

func encodeProto(p *vm.Proto) (*Function, error) {
	if p.Native != nil {
		return nil, fmt.Errorf("chunk: %s has a native implementation", p)
	}
	fn := &Function{
		Source:          p.Source,
		LineDefined:     p.LineDefined,
		LastLineDefined: p.LastLineDefined,
		NumParams:       p.NumParams,
		IsVararg:        p.IsVararg,
		MaxStackSize:    p.MaxStackSize,
		Code:            make([]uint32, len(p.Code)),
		LineInfo:        p.LineInfo,
	}
	for i, ins := range p.Code {
		fn.Code[i] = uint32(ins)
	}
	for i, k := range p.Constants {
		c, err := encodeConstant(k)
		if err != nil {
			return nil, fmt.Errorf("chunk: %s constant %d: %w", p, i, err)
		}
		fn.Constants = append(fn.Constants, c)
	}
	for _, u := range p.Upvalues {
		fn.Upvalues = append(fn.Upvalues, Upvalue{Name: u.Name, InStack: u.InStack, Index: u.Index})
	}
	for _, v := range p.LocVars {
		fn.LocVars = append(fn.LocVars, LocVar{Name: v.Name, StartPC: v.StartPC, EndPC: v.EndPC})
	}
	for _, child := range p.Protos {
		c, err := encodeProto(child)
		if err != nil {
			return nil, err
		}
		fn.Protos = append(fn.Protos, c)
	}
	return fn, nil
}

func encodeConstant(v vm.Value) (Constant, error) {
	switch v := v.(type) {
	case nil:
		return Constant{Kind: kindNil}, nil
	case vm.Bool:
		if v {
			return Constant{Kind: kindTrue}, nil
		}
		return Constant{Kind: kindFalse}, nil
	case vm.Int:
		return Constant{Kind: kindInt, Int: int64(v)}, nil
	case vm.Float:
		return Constant{Kind: kindFloat, Bits: math.Float64bits(float64(v))}, nil
	case vm.String:
		return Constant{Kind: kindString, Str: string(v)}, nil
	}
	return Constant{}, fmt.Errorf("%s values cannot be constants", v.Type())
}

// maxNesting bounds prototype depth when decoding.
const maxNesting = 200

func decodeFunction(fn *Function, depth int) (*vm.Proto, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("chunk: functions nested too deeply")
	}
	p := &vm.Proto{
		Source:          fn.Source,
		LineDefined:     fn.LineDefined,
		LastLineDefined: fn.LastLineDefined,
		NumParams:       fn.NumParams,
		IsVararg:        fn.IsVararg,
		MaxStackSize:    fn.MaxStackSize,
		Code:            make([]vm.Instruction, len(fn.Code)),
		LineInfo:        fn.LineInfo,
	}
	for i, ins := range fn.Code {
		p.Code[i] = vm.Instruction(ins)
	}
	for i, c := range fn.Constants {
		switch c.Kind {
		case kindNil:
			p.Constants = append(p.Constants, nil)
		case kindFalse:
			p.Constants = append(p.Constants, vm.Bool(false))
		case kindTrue:
			p.Constants = append(p.Constants, vm.Bool(true))
		case kindInt:
			p.Constants = append(p.Constants, vm.Int(c.Int))
		case kindFloat:
			p.Constants = append(p.Constants, vm.Float(math.Float64frombits(c.Bits)))
		case kindString:
			p.Constants = append(p.Constants, vm.String(c.Str))
		default:
			return nil, fmt.Errorf("chunk: constant %d has unknown kind %d", i, c.Kind)
		}
	}
	for _, u := range fn.Upvalues {
		p.Upvalues = append(p.Upvalues, vm.UpvalueDesc{Name: u.Name, InStack: u.InStack, Index: u.Index})
	}
	for _, v := range fn.LocVars {
		p.LocVars = append(p.LocVars, vm.LocVar{Name: v.Name, StartPC: v.StartPC, EndPC: v.EndPC})
	}
	for _, child := range fn.Protos {
		if child == nil {
			return nil, fmt.Errorf("chunk: nil nested function")
		}
		c, err := decodeFunction(child, depth+1)
		if err != nil {
			return nil, err
		}
		p.Protos = append(p.Protos, c)
	}
	return p, nil
}
