package protocol

import (
	"context"
	"errors"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// --------------------------------------------------------------------------
// Responses
// --------------------------------------------------------------------------

// OutgoingResponse is produced by a dispatch. For Ok and UserException the
// payload holds the encapsulated return value or exception; for every other
// status Err describes the failure.
type OutgoingResponse struct {
	Status   common.ReplyStatus
	Encoding encoding.Encoding
	Payload  []byte
	Err      *common.DispatchError
}

// IncomingResponse is a response decoded from a frame
type IncomingResponse struct {
	Status   common.ReplyStatus
	Encoding encoding.Encoding
	Payload  []byte
	Err      *common.DispatchError
}

// NewOkResponse creates a successful response carrying payload
func NewOkResponse(enc encoding.Encoding, payload []byte) *OutgoingResponse {
	return &OutgoingResponse{Status: common.ReplyOk, Encoding: enc, Payload: payload}
}

// NewExceptionResponse encodes ex as a user exception. Exceptions are always
// written in sliced format.
func NewExceptionResponse(enc encoding.Encoding, ex encoding.RemoteException) (*OutgoingResponse, error) {
	e := encoding.NewEncoder(enc)
	e.EncodeException(ex)
	b, err := e.Finish()
	if err != nil {
		return nil, err
	}
	return &OutgoingResponse{Status: common.ReplyUserException, Encoding: enc, Payload: b}, nil
}

// NewErrorResponse converts a dispatch error into a response
func NewErrorResponse(err *common.DispatchError) *OutgoingResponse {
	return &OutgoingResponse{Status: err.Status, Err: err}
}

// NewResponseFromError converts a failed dispatch into a response: dispatch
// errors keep their status, user exceptions are encoded with enc and any
// other error becomes UnknownLocalException
func NewResponseFromError(enc encoding.Encoding, err error) *OutgoingResponse {
	var dispatchErr *common.DispatchError
	if errors.As(err, &dispatchErr) {
		return NewErrorResponse(dispatchErr)
	}
	var ex encoding.RemoteException
	if errors.As(err, &ex) {
		resp, encErr := NewExceptionResponse(enc, ex)
		if encErr == nil {
			return resp
		}
		return NewErrorResponse(common.NewUnknownError(common.ReplyUnknownUserException, ex.Error()))
	}
	return NewErrorResponse(common.NewUnknownError(common.ReplyUnknownLocalException, err.Error()))
}

// ToIncoming returns the response as the invoker would decode it. It is used
// by collocated invocations, which skip the wire.
func (r *OutgoingResponse) ToIncoming() *IncomingResponse {
	return &IncomingResponse{
		Status:   r.Status,
		Encoding: r.Encoding,
		Payload:  append([]byte(nil), r.Payload...),
		Err:      r.Err,
	}
}

// Result returns the payload of a successful response. A user exception is
// decoded with loader and returned as error; other statuses return the
// dispatch error.
func (r *IncomingResponse) Result(loader *encoding.SliceLoader) ([]byte, error) {
	switch r.Status {
	case common.ReplyOk:
		return r.Payload, nil
	case common.ReplyUserException:
		d := encoding.NewDecoder(r.Payload, r.Encoding, loader)
		ex, err := d.DecodeException()
		if err != nil {
			return nil, err
		}
		return nil, ex
	default:
		if r.Err != nil {
			return nil, r.Err
		}
		return nil, common.NewUnknownError(r.Status, "")
	}
}

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// Dispatcher handles incoming requests. Returning an error instead of a
// response lets the dispatch pipeline convert it into a well formed response.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *IncomingRequest) (*OutgoingResponse, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface
type DispatcherFunc func(ctx context.Context, req *IncomingRequest) (*OutgoingResponse, error)

// Dispatch calls f(ctx, req)
func (f DispatcherFunc) Dispatch(ctx context.Context, req *IncomingRequest) (*OutgoingResponse, error) {
	return f(ctx, req)
}

// --------------------------------------------------------------------------
// Dispatch error bodies
// --------------------------------------------------------------------------

// EncodeDispatchError writes the body of a non-payload response. facetAsSeq
// selects the ice1 layout, where the facet is a sequence of zero or one
// strings.
func EncodeDispatchError(e *encoding.Encoder, err *common.DispatchError, facetAsSeq bool) {
	switch err.Status {
	case common.ReplyObjectNotExist, common.ReplyFacetNotExist, common.ReplyOperationNotExist:
		err.Identity.Encode(e)
		encodeFacet(e, err.Facet, facetAsSeq)
		e.EncodeString(err.Operation)
	default:
		e.EncodeString(err.Message)
	}
}

// DecodeDispatchError reads a body written by EncodeDispatchError
func DecodeDispatchError(d *encoding.Decoder, status common.ReplyStatus, facetAsSeq bool) (*common.DispatchError, error) {
	if !status.IsValid() || status.HasPayload() {
		return nil, common.NewProtocolError(common.ErrInvalidFrame, "reply status %d has no dispatch error body", byte(status))
	}
	switch status {
	case common.ReplyObjectNotExist, common.ReplyFacetNotExist, common.ReplyOperationNotExist:
		id, err := common.DecodeIdentity(d)
		if err != nil {
			return nil, err
		}
		facet, err := decodeFacet(d, facetAsSeq)
		if err != nil {
			return nil, err
		}
		op, err := d.DecodeString()
		if err != nil {
			return nil, err
		}
		return &common.DispatchError{Status: status, Identity: id, Facet: facet, Operation: op}, nil
	default:
		msg, err := d.DecodeString()
		if err != nil {
			return nil, err
		}
		return common.NewUnknownError(status, msg), nil
	}
}

func encodeFacet(e *encoding.Encoder, facet string, asSeq bool) {
	if !asSeq {
		e.EncodeString(facet)
		return
	}
	if facet == "" {
		e.EncodeSize(0)
		return
	}
	e.EncodeStringSeq([]string{facet})
}

func decodeFacet(d *encoding.Decoder, asSeq bool) (string, error) {
	if !asSeq {
		return d.DecodeString()
	}
	seq, err := d.DecodeStringSeq()
	if err != nil {
		return "", err
	}
	switch len(seq) {
	case 0:
		return "", nil
	case 1:
		return seq[0], nil
	default:
		return "", common.NewProtocolError(common.ErrInvalidFrame, "facet sequence of %d elements", len(seq))
	}
}

// EncodeFacetSeq writes an ice1 facet (a sequence of zero or one strings)
func EncodeFacetSeq(e *encoding.Encoder, facet string) { encodeFacet(e, facet, true) }

// DecodeFacetSeq reads an ice1 facet
func DecodeFacetSeq(d *encoding.Decoder) (string, error) { return decodeFacet(d, true) }

// --------------------------------------------------------------------------
// Response bodies
// --------------------------------------------------------------------------

// EncodeResponseBody writes the reply status followed by the encapsulated
// payload, or by the dispatch error for statuses without payload. The header
// encoding is the one pinned by proto.
func EncodeResponseBody(proto common.Protocol, resp *OutgoingResponse) ([]byte, error) {
	if !resp.Status.IsValid() {
		return nil, common.NewProtocolError(common.ErrInvalidFrame, "invalid reply status %d", byte(resp.Status))
	}
	e := encoding.NewEncoder(proto.Encoding())
	e.EncodeUInt8(byte(resp.Status))
	if resp.Status.HasPayload() {
		if err := CheckPayloadEncoding(proto, resp.Encoding); err != nil {
			return nil, err
		}
		EncodeEncapsulation(e, proto, resp.Encoding, resp.Payload)
	} else {
		dispatchErr := resp.Err
		if dispatchErr == nil {
			dispatchErr = common.NewUnknownError(resp.Status, "")
		}
		EncodeDispatchError(e, dispatchErr, proto == common.ProtocolIce1)
	}
	return e.Finish()
}

// DecodeResponseBody reads a body written by EncodeResponseBody
func DecodeResponseBody(proto common.Protocol, b []byte) (*IncomingResponse, error) {
	d := encoding.NewDecoder(b, proto.Encoding(), nil)
	status, err := d.DecodeUInt8()
	if err != nil {
		return nil, err
	}
	resp := &IncomingResponse{Status: common.ReplyStatus(status)}
	if !resp.Status.IsValid() {
		return nil, common.NewProtocolError(common.ErrInvalidFrame, "invalid reply status %d", status)
	}
	if resp.Status.HasPayload() {
		resp.Encoding, resp.Payload, err = DecodeEncapsulation(d, proto)
	} else {
		resp.Err, err = DecodeDispatchError(d, resp.Status, proto == common.ProtocolIce1)
	}
	if err != nil {
		return nil, err
	}
	if err := d.CheckEndOfBuffer(); err != nil {
		return nil, err
	}
	return resp, nil
}
