package ice1

import (
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
)

// NewSerializer creates the ice1 frame serializer
func NewSerializer() protocol.IFrameSerializer {
	return &serializerImpl{}
}

// serializerImpl implements protocol.IFrameSerializer for ice1. Bodies are
// encoded with 1.1 and exclude the request id, which the connection writes.
type serializerImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see protocol.IFrameSerializer)
// --------------------------------------------------------------------------

func (s *serializerImpl) Protocol() common.Protocol { return common.ProtocolIce1 }

func (s *serializerImpl) EncodeRequest(req *protocol.OutgoingRequest) ([]byte, error) {
	if err := protocol.CheckPayloadEncoding(common.ProtocolIce1, req.Encoding); err != nil {
		return nil, err
	}
	e := encoding.NewEncoder(encoding.Encoding11)
	req.Identity.Encode(e)
	protocol.EncodeFacetSeq(e, req.Facet)
	e.EncodeString(req.Operation)
	mode := common.ModeNormal
	if req.Idempotent {
		mode = common.ModeIdempotent
	}
	e.EncodeUInt8(byte(mode))
	e.EncodeStringDict(req.Context())
	protocol.EncodeEncapsulation(e, common.ProtocolIce1, req.Encoding, req.Payload)
	return e.Finish()
}

func (s *serializerImpl) DecodeRequest(b []byte) (*protocol.IncomingRequest, error) {
	d := encoding.NewDecoder(b, encoding.Encoding11, nil)
	req := &protocol.IncomingRequest{}
	req.Protocol = common.ProtocolIce1

	var err error
	if req.Identity, err = common.DecodeIdentity(d); err != nil {
		return nil, err
	}
	if req.Facet, err = protocol.DecodeFacetSeq(d); err != nil {
		return nil, err
	}
	if req.Operation, err = d.DecodeString(); err != nil {
		return nil, err
	}
	mode, err := d.DecodeUInt8()
	if err != nil {
		return nil, err
	}
	switch common.OperationMode(mode) {
	case common.ModeNormal:
	case common.ModeIdempotent, 1: // 1 is the deprecated "nonmutating" mode
		req.Idempotent = true
	default:
		return nil, common.NewProtocolError(common.ErrInvalidFrame, "invalid operation mode %d", mode)
	}
	ctx, err := d.DecodeStringDict()
	if err != nil {
		return nil, err
	}
	if len(ctx) > 0 {
		req.Context = ctx
	}
	if req.Encoding, req.Payload, err = protocol.DecodeEncapsulation(d, common.ProtocolIce1); err != nil {
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
	return protocol.EncodeResponseBody(common.ProtocolIce1, resp)
}

func (s *serializerImpl) DecodeResponse(b []byte) (*protocol.IncomingResponse, error) {
	return protocol.DecodeResponseBody(common.ProtocolIce1, b)
}
