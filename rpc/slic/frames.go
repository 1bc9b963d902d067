package slic

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// FrameType is the first byte of every Slic frame
type FrameType byte

const (
	FrameInitialize     FrameType = 1
	FrameInitializeAck  FrameType = 2
	FrameVersion        FrameType = 3
	FramePing           FrameType = 4
	FramePong           FrameType = 5
	FrameStream         FrameType = 6
	FrameStreamLast     FrameType = 7
	FrameStreamReset    FrameType = 8
	FrameStreamConsumed FrameType = 9
)

func (t FrameType) String() string {
	switch t {
	case FrameInitialize:
		return "Initialize"
	case FrameInitializeAck:
		return "InitializeAck"
	case FrameVersion:
		return "Version"
	case FramePing:
		return "Ping"
	case FramePong:
		return "Pong"
	case FrameStream:
		return "Stream"
	case FrameStreamLast:
		return "StreamLast"
	case FrameStreamReset:
		return "StreamReset"
	case FrameStreamConsumed:
		return "StreamConsumed"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(t))
	}
}

// isStreamFrame reports whether the frame body starts with a stream id
func (t FrameType) isStreamFrame() bool {
	return t >= FrameStream && t <= FrameStreamConsumed
}

// Version1 is the only Slic version this implementation speaks
const Version1 uint64 = 1

// supportedVersions is announced in Version frames, most preferred first
var supportedVersions = []uint64{Version1}

// ApplicationProtocol is the protocol name carried by Initialize
const ApplicationProtocol = "ice2"

// Initialize parameter keys
const (
	ParamMaxBidirectionalStreams  int32 = 0
	ParamMaxUnidirectionalStreams int32 = 1
	ParamIdleTimeout              int32 = 2 // milliseconds
	ParamPacketMaxSize            int32 = 3
	ParamStreamBufferMaxSize      int32 = 4
)

// frameHeaderMaxSize is the type byte plus the largest size and stream id
const frameHeaderMaxSize = 1 + 8 + 8

// --------------------------------------------------------------------------
// Frame encoding
// --------------------------------------------------------------------------

// appendHeader appends the frame type and the varulong body size
func appendHeader(dst []byte, t FrameType, bodySize int) []byte {
	dst = append(dst, byte(t))
	dst, _ = encoding.AppendVarULong(dst, uint64(bodySize))
	return dst
}

// appendStreamHeader appends the header of a stream frame whose body is the
// stream id followed by dataSize bytes
func appendStreamHeader(dst []byte, t FrameType, streamID int64, dataSize int) []byte {
	idSize := encoding.VarULongSize(uint64(streamID))
	dst = appendHeader(dst, t, idSize+dataSize)
	dst, _ = encoding.AppendVarULong(dst, uint64(streamID))
	return dst
}

// initializeBody is the decoded body of Initialize and InitializeAck
type initializeBody struct {
	Version             uint64
	ApplicationProtocol string
	Parameters          map[int32]uint64
}

func encodeParameters(e *encoding.Encoder, params map[int32]uint64) {
	encoding.EncodeDictionary(e, params, (*encoding.Encoder).EncodeVarInt32, (*encoding.Encoder).EncodeVarULong)
}

func decodeParameters(d *encoding.Decoder) (map[int32]uint64, error) {
	return encoding.DecodeDictionary(d, 2, (*encoding.Decoder).DecodeVarInt32, (*encoding.Decoder).DecodeVarULong)
}

// encodeInitialize returns the body of an Initialize frame
func encodeInitialize(version uint64, params map[int32]uint64) ([]byte, error) {
	e := encoding.NewEncoder(encoding.Encoding20)
	e.EncodeVarULong(version)
	e.EncodeString(ApplicationProtocol)
	encodeParameters(e, params)
	return e.Finish()
}

func decodeInitialize(b []byte) (initializeBody, error) {
	d := encoding.NewDecoder(b, encoding.Encoding20, nil)
	var (
		body initializeBody
		err  error
	)
	if body.Version, err = d.DecodeVarULong(); err != nil {
		return body, err
	}
	if body.Version != Version1 {
		// The rest of the body is version specific and not understood
		return body, nil
	}
	if body.ApplicationProtocol, err = d.DecodeString(); err != nil {
		return body, err
	}
	if body.Parameters, err = decodeParameters(d); err != nil {
		return body, err
	}
	return body, d.CheckEndOfBuffer()
}

// encodeInitializeAck returns the body of an InitializeAck frame
func encodeInitializeAck(params map[int32]uint64) ([]byte, error) {
	e := encoding.NewEncoder(encoding.Encoding20)
	encodeParameters(e, params)
	return e.Finish()
}

func decodeInitializeAck(b []byte) (map[int32]uint64, error) {
	d := encoding.NewDecoder(b, encoding.Encoding20, nil)
	params, err := decodeParameters(d)
	if err != nil {
		return nil, err
	}
	return params, d.CheckEndOfBuffer()
}

// encodeVersion returns the body of a Version frame
func encodeVersion(versions []uint64) ([]byte, error) {
	e := encoding.NewEncoder(encoding.Encoding20)
	encoding.EncodeSequence(e, versions, (*encoding.Encoder).EncodeVarULong)
	return e.Finish()
}

func decodeVersion(b []byte) ([]uint64, error) {
	d := encoding.NewDecoder(b, encoding.Encoding20, nil)
	versions, err := encoding.DecodeSequence(d, 1, (*encoding.Decoder).DecodeVarULong)
	if err != nil {
		return nil, err
	}
	return versions, d.CheckEndOfBuffer()
}

// --------------------------------------------------------------------------
// Frame decoding
// --------------------------------------------------------------------------

// frame is one frame read from the connection. For stream frames, streamID is
// set and body holds the bytes after the id.
type frame struct {
	typ      FrameType
	streamID int64
	body     []byte
}

// readFrame reads the next frame. Bodies above maxSize are a protocol error.
func readFrame(r *bufio.Reader, maxSize int) (frame, error) {
	b, err := r.ReadByte()
	if err != nil {
		return frame{}, err
	}
	f := frame{typ: FrameType(b), streamID: -1}
	if f.typ < FrameInitialize || f.typ > FrameStreamConsumed {
		return frame{}, common.NewProtocolError(common.ErrInvalidFrame, "unknown slic frame type %d", b)
	}

	size, err := encoding.ReadVarULongFrom(r)
	if err != nil {
		return frame{}, unexpectedEOF(err)
	}
	if maxSize > 0 && size > uint64(maxSize) {
		return frame{}, common.NewProtocolError(common.ErrFrameTooLarge, "%s frame of %d bytes exceeds %d", f.typ, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, unexpectedEOF(err)
	}

	if f.typ.isStreamFrame() {
		id, n, err := encoding.ReadVarULong(body)
		if err != nil {
			return frame{}, common.NewProtocolError(err, "%s frame without stream id", f.typ)
		}
		f.streamID = int64(id)
		body = body[n:]
	}
	f.body = body
	return f, nil
}

// decodeVarULongBody decodes a body that holds exactly one varulong
func decodeVarULongBody(t FrameType, b []byte) (uint64, error) {
	v, n, err := encoding.ReadVarULong(b)
	if err != nil {
		return 0, common.NewProtocolError(err, "invalid %s frame", t)
	}
	if n != len(b) {
		return 0, common.NewProtocolError(common.ErrInvalidFrame, "%d trailing bytes in %s frame", len(b)-n, t)
	}
	return v, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
