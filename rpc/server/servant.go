package server

import (
	"context"
	"slices"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
)

// Servant dispatches requests to operation handlers by operation name and
// implements the built-in operations ice_ping, ice_isA, ice_id and ice_ids
type Servant struct {
	typeID     string
	typeIDs    []string
	operations map[string]OperationHandler
}

// NewServant creates a servant whose most derived type is typeID. baseTypeIDs
// lists the other types it implements; "::Ice::Object" is always included.
func NewServant(typeID string, operations map[string]OperationHandler, baseTypeIDs ...string) *Servant {
	ids := append([]string{typeID, protocol.ObjectTypeID}, baseTypeIDs...)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	ops := make(map[string]OperationHandler, len(operations))
	for name, h := range operations {
		ops[name] = h
	}
	return &Servant{typeID: typeID, typeIDs: ids, operations: ops}
}

// TypeID returns the most derived type id
func (s *Servant) TypeID() string { return s.typeID }

// TypeIDs returns all type ids, sorted
func (s *Servant) TypeIDs() []string { return slices.Clone(s.typeIDs) }

// IsA reports whether the servant implements typeID
func (s *Servant) IsA(typeID string) bool {
	_, found := slices.BinarySearch(s.typeIDs, typeID)
	return found
}

// Dispatch implements protocol.Dispatcher
func (s *Servant) Dispatch(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
	if h, ok := s.operations[req.Operation]; ok {
		return h(ctx, req)
	}

	switch req.Operation {
	case protocol.OpPing:
		if err := protocol.DecodeArgs(req.Encoding, req.Payload, noArgs); err != nil {
			return nil, err
		}
		return okResult(req, nil)

	case protocol.OpIsA:
		var typeID string
		err := protocol.DecodeArgs(req.Encoding, req.Payload, func(d *encoding.Decoder) (err error) {
			typeID, err = d.DecodeString()
			return err
		})
		if err != nil {
			return nil, err
		}
		isA := s.IsA(typeID)
		return okResult(req, func(e *encoding.Encoder) { e.EncodeBool(isA) })

	case protocol.OpID:
		if err := protocol.DecodeArgs(req.Encoding, req.Payload, noArgs); err != nil {
			return nil, err
		}
		return okResult(req, func(e *encoding.Encoder) { e.EncodeString(s.typeID) })

	case protocol.OpIDs:
		if err := protocol.DecodeArgs(req.Encoding, req.Payload, noArgs); err != nil {
			return nil, err
		}
		return okResult(req, func(e *encoding.Encoder) { e.EncodeStringSeq(s.typeIDs) })
	}

	return nil, common.NewOperationNotExistError(req.Identity, req.Facet, req.Operation)
}

func noArgs(*encoding.Decoder) error { return nil }

// okResult encodes a successful result with the request's encoding
func okResult(req *protocol.IncomingRequest, encode func(e *encoding.Encoder)) (*protocol.OutgoingResponse, error) {
	payload, err := protocol.EncodeArgs(req.Encoding, encode)
	if err != nil {
		return nil, err
	}
	return protocol.NewOkResponse(req.Encoding, payload), nil
}
