package protocol

import (
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// Operations every servant implements
const (
	OpPing = "ice_ping"
	OpIsA  = "ice_isA"
	OpID   = "ice_id"
	OpIDs  = "ice_ids"
)

// ObjectTypeID is the type id implemented by every servant
const ObjectTypeID = "::Ice::Object"

// IsBuiltin reports whether operation is one of the built-in operations
func IsBuiltin(operation string) bool {
	switch operation {
	case OpPing, OpIsA, OpID, OpIDs:
		return true
	}
	return false
}

// EncodeArgs encodes a parameter list with enc. A nil function produces an
// empty payload.
func EncodeArgs(enc encoding.Encoding, encode func(e *encoding.Encoder)) ([]byte, error) {
	e := encoding.NewEncoder(enc)
	if encode != nil {
		encode(e)
	}
	return e.Finish()
}

// DecodeArgs decodes a payload with decode and checks that all bytes were
// consumed
func DecodeArgs(enc encoding.Encoding, payload []byte, decode func(d *encoding.Decoder) error) error {
	d := encoding.NewDecoder(payload, enc, nil)
	if err := decode(d); err != nil {
		return err
	}
	return d.CheckEndOfBuffer()
}
