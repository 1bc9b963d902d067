package ice2

import (
	"io"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// FrameType is the first byte of every ice2 frame
type FrameType byte

const (
	FrameRequest    FrameType = 0
	FrameResponse   FrameType = 1
	FrameInitialize FrameType = 2
	FrameGoAway     FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "Request"
	case FrameResponse:
		return "Response"
	case FrameInitialize:
		return "Initialize"
	case FrameGoAway:
		return "GoAway"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Framing: type byte, varulong size, body
// --------------------------------------------------------------------------

// AppendFrame appends a frame carrying body to dst
func AppendFrame(dst []byte, t FrameType, body []byte) []byte {
	dst = append(dst, byte(t))
	// a body never exceeds the varulong range
	dst, _ = encoding.AppendVarULong(dst, uint64(len(body)))
	return append(dst, body...)
}

// WriteFrame writes one frame to w
func WriteFrame(w io.Writer, t FrameType, body []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, len(body)+9), t, body))
	return err
}

// ReadFrame reads one frame from r. Frames whose body exceeds maxSize are
// rejected with a protocol error.
func ReadFrame(r io.Reader, maxSize int) (FrameType, []byte, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return 0, nil, err
	}
	t := FrameType(typ[0])
	if t > FrameGoAway {
		return 0, nil, common.NewProtocolError(common.ErrInvalidFrame, "unknown ice2 frame type %d", typ[0])
	}
	size, err := ReadVarULong(r)
	if err != nil {
		return 0, nil, err
	}
	if maxSize > 0 && size > uint64(maxSize) {
		return 0, nil, common.NewProtocolError(common.ErrFrameTooLarge, "%s frame of %d bytes exceeds %d", t, size, maxSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, unexpectedEOF(err)
	}
	return t, body, nil
}

// ReadVarULong reads one varulong from a byte stream
func ReadVarULong(r io.Reader) (uint64, error) {
	return encoding.ReadVarULongFrom(r)
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// --------------------------------------------------------------------------
// Control frames
// --------------------------------------------------------------------------

// EncodeInitialize returns the body of an Initialize frame. No parameters are
// defined, the dictionary is empty.
func EncodeInitialize() []byte {
	e := encoding.NewEncoder(encoding.Encoding20)
	e.EncodeSize(0)
	b, _ := e.Finish()
	return b
}

// DecodeInitialize reads the parameter dictionary of an Initialize frame.
// Unknown parameters are returned and otherwise ignored.
func DecodeInitialize(b []byte) (map[int32][]byte, error) {
	d := encoding.NewDecoder(b, encoding.Encoding20, nil)
	params, err := encoding.DecodeDictionary(d, 2, (*encoding.Decoder).DecodeVarInt32, (*encoding.Decoder).DecodeBytes)
	if err != nil {
		return nil, err
	}
	return params, d.CheckEndOfBuffer()
}

// GoAway announces a graceful close. Requests on streams above the last
// stream ids were not and will not be dispatched by the sender.
type GoAway struct {
	LastBidirectionalStreamID  int64
	LastUnidirectionalStreamID int64
	Message                    string
}

// Encode returns the body of a GoAway frame
func (g GoAway) Encode() ([]byte, error) {
	e := encoding.NewEncoder(encoding.Encoding20)
	e.EncodeVarLong(g.LastBidirectionalStreamID)
	e.EncodeVarLong(g.LastUnidirectionalStreamID)
	e.EncodeString(g.Message)
	return e.Finish()
}

// DecodeGoAway reads the body of a GoAway frame
func DecodeGoAway(b []byte) (GoAway, error) {
	d := encoding.NewDecoder(b, encoding.Encoding20, nil)
	var (
		g   GoAway
		err error
	)
	if g.LastBidirectionalStreamID, err = d.DecodeVarLong(); err != nil {
		return GoAway{}, err
	}
	if g.LastUnidirectionalStreamID, err = d.DecodeVarLong(); err != nil {
		return GoAway{}, err
	}
	if g.Message, err = d.DecodeString(); err != nil {
		return GoAway{}, err
	}
	return g, d.CheckEndOfBuffer()
}
