package protocol

import "github.com/ValentinKolb/slicerpc/rpc/common"

// IFrameSerializer converts requests and responses to and from frame bodies of
// one protocol. Framing around the body (message headers, request ids, frame
// type and size) is the job of the connection that owns the byte stream.
type IFrameSerializer interface {
	// Protocol returns the protocol the serializer implements
	Protocol() common.Protocol
	// EncodeRequest encodes the request header followed by its encapsulated
	// payload
	EncodeRequest(req *OutgoingRequest) ([]byte, error)
	// DecodeRequest decodes a request body written by EncodeRequest
	DecodeRequest(b []byte) (*IncomingRequest, error)
	// EncodeResponse encodes the reply status followed by the encapsulated
	// payload or the dispatch error
	EncodeResponse(resp *OutgoingResponse) ([]byte, error)
	// DecodeResponse decodes a response body written by EncodeResponse
	DecodeResponse(b []byte) (*IncomingResponse, error)
}
