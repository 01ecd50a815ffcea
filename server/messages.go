package server

import (
	"math"

	"github.com/chazu/cobalt/vm"
)

// Procedure paths of the ExecutionService.
const (
	ServiceName             = "cobalt.v1.ExecutionService"
	CreateSessionProcedure  = "/" + ServiceName + "/CreateSession"
	DestroySessionProcedure = "/" + ServiceName + "/DestroySession"
	LoadProcedure           = "/" + ServiceName + "/Load"
	ExecuteProcedure        = "/" + ServiceName + "/Execute"
)

type CreateSessionRequest struct {
	Name string `cbor:"1,keyasint,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `cbor:"1,keyasint"`
}

type DestroySessionRequest struct {
	SessionID string `cbor:"1,keyasint"`
}

type DestroySessionResponse struct{}

// LoadRequest carries a program as an encoded chunk or as an assembly
// listing. Exactly one must be set.
type LoadRequest struct {
	SessionID string `cbor:"1,keyasint"`
	Chunk     []byte `cbor:"2,keyasint,omitempty"`
	Listing   string `cbor:"3,keyasint,omitempty"`
	Name      string `cbor:"4,keyasint,omitempty"` // chunk name for listings
}

type LoadResponse struct {
	Hash      string `cbor:"1,keyasint"`
	Functions int    `cbor:"2,keyasint"`
	Seeded    int    `cbor:"3,keyasint,omitempty"` // prototypes seeded from the profile store
}

// ExecuteRequest runs a program loaded earlier in the session.
type ExecuteRequest struct {
	SessionID string      `cbor:"1,keyasint"`
	Hash      string      `cbor:"2,keyasint"`
	Args      []WireValue `cbor:"3,keyasint,omitempty"`
	TimeoutMs int64       `cbor:"4,keyasint,omitempty"`
}

// ExecuteResponse reports the results of a run. A script error is not an
// RPC error; it is returned in Error.
type ExecuteResponse struct {
	Results []WireValue `cbor:"1,keyasint,omitempty"`
	Output  string      `cbor:"2,keyasint,omitempty"`
	Error   *WireError  `cbor:"3,keyasint,omitempty"`
}

// WireKind tags a WireValue.
type WireKind uint8

const (
	WireNil WireKind = iota
	WireBool
	WireInt
	WireFloat
	WireString
	WireOpaque // tables, functions, userdata and threads travel as their repr
)

// WireValue is a script value in transit. Reference values cannot cross
// the wire and are reduced to a printable form.
type WireValue struct {
	Kind WireKind `cbor:"1,keyasint"`
	Bool bool     `cbor:"2,keyasint,omitempty"`
	Int  int64    `cbor:"3,keyasint,omitempty"`
	Bits uint64   `cbor:"4,keyasint,omitempty"`
	Str  string   `cbor:"5,keyasint,omitempty"`
}

// WireError is a script error in transit.
type WireError struct {
	Kind      string   `cbor:"1,keyasint"`
	Message   string   `cbor:"2,keyasint"`
	Traceback []string `cbor:"3,keyasint,omitempty"`
}

// ToWire converts v for transport.
func ToWire(v vm.Value) WireValue {
	switch v := v.(type) {
	case nil:
		return WireValue{Kind: WireNil}
	case vm.Bool:
		return WireValue{Kind: WireBool, Bool: bool(v)}
	case vm.Int:
		return WireValue{Kind: WireInt, Int: int64(v)}
	case vm.Float:
		return WireValue{Kind: WireFloat, Bits: math.Float64bits(float64(v))}
	case vm.String:
		return WireValue{Kind: WireString, Str: string(v)}
	}
	return WireValue{Kind: WireOpaque, Str: vm.Repr(v)}
}

// Value converts w back into a script value. Opaque values arrive as
// strings.
func (w WireValue) Value() vm.Value {
	switch w.Kind {
	case WireBool:
		return vm.Bool(w.Bool)
	case WireInt:
		return vm.Int(w.Int)
	case WireFloat:
		return vm.Float(math.Float64frombits(w.Bits))
	case WireString, WireOpaque:
		return vm.String(w.Str)
	}
	return nil
}

func toWireError(err error) *WireError {
	e, ok := vm.AsError(err)
	if !ok {
		return &WireError{Kind: "host", Message: err.Error()}
	}
	we := &WireError{Kind: e.Kind.String(), Message: e.Error()}
	for _, f := range e.Traceback {
		we.Traceback = append(we.Traceback, f.String())
	}
	return we
}
