package ice1

import (
	"encoding/binary"
	"io"

	"github.com/ValentinKolb/slicerpc/rpc/common"
)

// MessageType is the message kind byte of the ice1 header
type MessageType byte

const (
	MessageRequest            MessageType = 0
	MessageBatchRequest       MessageType = 1
	MessageReply              MessageType = 2
	MessageValidateConnection MessageType = 3
	MessageCloseConnection    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "Request"
	case MessageBatchRequest:
		return "BatchRequest"
	case MessageReply:
		return "Reply"
	case MessageValidateConnection:
		return "ValidateConnection"
	case MessageCloseConnection:
		return "CloseConnection"
	default:
		return "Unknown"
	}
}

// HeaderSize is the size of every ice1 message header:
//
//	'I' 'c' 'e' 'P', protocol 1.0, encoding 1.0, type, compression, int32 size
//
// The size includes the header.
const HeaderSize = 14

const (
	compressionNotSupported = 0
	compressionSupported    = 1
	compressionCompressed   = 2
)

var magic = [4]byte{'I', 'c', 'e', 'P'}

// OnewayRequestID is the request id of requests that expect no reply
const OnewayRequestID int32 = 0

// --------------------------------------------------------------------------
// Message framing
// --------------------------------------------------------------------------

// AppendMessage appends a header for a message of type t followed by body
func AppendMessage(dst []byte, t MessageType, body []byte) []byte {
	var h [HeaderSize]byte
	copy(h[:4], magic[:])
	h[4], h[5] = 1, 0 // protocol
	h[6], h[7] = 1, 0 // encoding
	h[8] = byte(t)
	h[9] = compressionNotSupported
	binary.LittleEndian.PutUint32(h[10:], uint32(HeaderSize+len(body)))
	dst = append(dst, h[:]...)
	return append(dst, body...)
}

// AppendRequestMessage appends a request or reply message whose body starts
// with requestID
func AppendRequestMessage(dst []byte, t MessageType, requestID int32, body []byte) []byte {
	var h [HeaderSize + 4]byte
	AppendMessage(h[:0], t, nil)
	binary.LittleEndian.PutUint32(h[10:], uint32(HeaderSize+4+len(body)))
	binary.LittleEndian.PutUint32(h[HeaderSize:], uint32(requestID))
	dst = append(dst, h[:]...)
	return append(dst, body...)
}

// ReadMessage reads one message from r and returns its type and body (the
// bytes following the header)
func ReadMessage(r io.Reader, maxSize int) (MessageType, []byte, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, nil, err
	}
	if [4]byte(h[:4]) != magic {
		return 0, nil, common.NewProtocolError(common.ErrInvalidFrame, "bad magic % x", h[:4])
	}
	if h[4] != 1 || h[5] != 0 {
		return 0, nil, common.NewProtocolError(common.ErrUnsupportedProtocol, "ice1 protocol version %d.%d", h[4], h[5])
	}
	if h[6] != 1 || h[7] != 0 {
		return 0, nil, common.NewProtocolError(common.ErrUnsupportedEncoding, "ice1 protocol encoding %d.%d", h[6], h[7])
	}
	t := MessageType(h[8])
	if t > MessageCloseConnection {
		return 0, nil, common.NewProtocolError(common.ErrInvalidFrame, "unknown ice1 message type %d", h[8])
	}
	if h[9] == compressionCompressed {
		return 0, nil, common.NewProtocolError(common.ErrCompression, "compressed %s message", t)
	}
	size := int32(binary.LittleEndian.Uint32(h[10:]))
	if size < HeaderSize {
		return 0, nil, common.NewProtocolError(common.ErrInvalidFrame, "message size %d below header size", size)
	}
	if maxSize > 0 && int(size)-HeaderSize > maxSize {
		return 0, nil, common.NewProtocolError(common.ErrFrameTooLarge, "%s message of %d bytes exceeds %d", t, size, maxSize)
	}
	body := make([]byte, int(size)-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return t, body, nil
}

// SplitRequestID splits the request id off a request or reply body
func SplitRequestID(body []byte) (int32, []byte, error) {
	if len(body) < 4 {
		return 0, nil, common.NewProtocolError(common.ErrInvalidFrame, "message body too short for a request id")
	}
	return int32(binary.LittleEndian.Uint32(body)), body[4:], nil
}
