package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborCodec carries ExecutionService messages as canonical CBOR, so the
// service needs no generated protobuf types. Connect negotiates it as the
// "application/cbor" content type.
type cborCodec struct{}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(msg any) ([]byte, error) {
	return cborEncMode.Marshal(msg)
}

func (cborCodec) Unmarshal(data []byte, msg any) error {
	if err := cbor.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("server: unmarshal: %w", err)
	}
	return nil
}
