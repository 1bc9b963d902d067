package ice2

import (
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
)

// NewSerializer creates the ice2 frame serializer
func NewSerializer() protocol.IFrameSerializer {
	return &serializerImpl{}
}

// serializerImpl implements protocol.IFrameSerializer for ice2. Headers are
// always encoded with 2.0, payloads with the encoding of the request.
type serializerImpl struct{}

// Bits of the request header presence bit sequence
const (
	bitFacet = iota
	bitLocation
	bitIdempotent
	bitPriority
	bitContext
	headerBits
)

// --------------------------------------------------------------------------
// Interface Methods (docu see protocol.IFrameSerializer)
// --------------------------------------------------------------------------

func (s *serializerImpl) Protocol() common.Protocol { return common.ProtocolIce2 }

func (s *serializerImpl) EncodeRequest(req *protocol.OutgoingRequest) ([]byte, error) {
	if err := protocol.CheckPayloadEncoding(common.ProtocolIce2, req.Encoding); err != nil {
		return nil, err
	}
	e := encoding.NewEncoder(encoding.Encoding20)
	bits := e.ReserveBitSequence(headerBits)

	req.Identity.Encode(e)
	if req.Facet != "" {
		bits.Set(bitFacet, true)
		e.EncodeString(req.Facet)
	}
	if len(req.Location) > 0 {
		bits.Set(bitLocation, true)
		e.EncodeStringSeq(req.Location)
	}
	e.EncodeString(req.Operation)
	if req.Idempotent {
		bits.Set(bitIdempotent, true)
		e.EncodeBool(true)
	}
	e.EncodeVarLong(req.DeadlineMillis())
	if ctx := req.Context(); len(ctx) > 0 {
		bits.Set(bitContext, true)
		e.EncodeStringDict(ctx)
	}

	protocol.EncodeEncapsulation(e, common.ProtocolIce2, req.Encoding, req.Payload)
	return e.Finish()
}

func (s *serializerImpl) DecodeRequest(b []byte) (*protocol.IncomingRequest, error) {
	d := encoding.NewDecoder(b, encoding.Encoding20, nil)
	bits, err := d.DecodeBitSequence(headerBits)
	if err != nil {
		return nil, err
	}

	req := &protocol.IncomingRequest{}
	req.Protocol = common.ProtocolIce2
	if req.Identity, err = common.DecodeIdentity(d); err != nil {
		return nil, err
	}
	if bits.Get(bitFacet) {
		if req.Facet, err = d.DecodeString(); err != nil {
			return nil, err
		}
	}
	if bits.Get(bitLocation) {
		if req.Location, err = d.DecodeStringSeq(); err != nil {
			return nil, err
		}
	}
	if req.Operation, err = d.DecodeString(); err != nil {
		return nil, err
	}
	if bits.Get(bitIdempotent) {
		if req.Idempotent, err = d.DecodeBool(); err != nil {
			return nil, err
		}
	}
	if bits.Get(bitPriority) {
		// reserved, read and ignored
		if _, err = d.DecodeUInt8(); err != nil {
			return nil, err
		}
	}
	deadline, err := d.DecodeVarLong()
	if err != nil {
		return nil, err
	}
	req.Deadline = protocol.DeadlineFromMillis(deadline)
	if bits.Get(bitContext) {
		if req.Context, err = d.DecodeStringDict(); err != nil {
			return nil, err
		}
	}

	if req.Encoding, req.Payload, err = protocol.DecodeEncapsulation(d, common.ProtocolIce2); err != nil {
		return nil, err
	}
	if err := d.CheckEndOfBuffer(); err != nil {
		return nil, err
	}
	if req.Identity.IsZero() {
		return nil, common.NewProtocolError(common.ErrInvalidFrame, "request without identity")
	}
	return req, nil
}

func (s *serializerImpl) EncodeResponse(resp *protocol.OutgoingResponse) ([]byte, error) {
	return protocol.EncodeResponseBody(common.ProtocolIce2, resp)
}

func (s *serializerImpl) DecodeResponse(b []byte) (*protocol.IncomingResponse, error) {
	return protocol.DecodeResponseBody(common.ProtocolIce2, b)
}
