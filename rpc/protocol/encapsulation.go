package protocol

import (
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// --------------------------------------------------------------------------
// Encapsulations
// --------------------------------------------------------------------------

// An encapsulation wraps a payload with the encoding it was written with.
//
//	ice1: int32 size (including the 6 header bytes), major, minor, body
//	ice2: varulong size (excluding itself), major, minor, [compression], body
//
// The compression byte is only present for encoding 2.0 and must be 0.

const (
	ice1EncapsulationHeaderSize = 6
	compressionNone             = 0
)

// Canonical response payloads (reply status Ok followed by an empty
// encapsulation). Peers compare against these byte for byte.
var (
	VoidPayloadIce2Encoding11 = []byte{0, 8, 1, 1}
	VoidPayloadIce2Encoding20 = []byte{0, 12, 2, 0, 0}
	VoidPayloadIce1           = []byte{0, 6, 0, 0, 0, 1, 1}
)

// VoidPayload returns a copy of the canonical empty Ok response payload
func VoidPayload(proto common.Protocol, enc encoding.Encoding) []byte {
	var b []byte
	switch {
	case proto == common.ProtocolIce1:
		b = VoidPayloadIce1
	case enc == encoding.Encoding11:
		b = VoidPayloadIce2Encoding11
	default:
		b = VoidPayloadIce2Encoding20
	}
	return append([]byte(nil), b...)
}

// EncodeEncapsulation writes body as an encapsulation of enc. e must use the
// header encoding of proto (1.1 for ice1, 2.0 for ice2).
func EncodeEncapsulation(e *encoding.Encoder, proto common.Protocol, enc encoding.Encoding, body []byte) {
	if proto == common.ProtocolIce1 {
		e.EncodeInt32(int32(ice1EncapsulationHeaderSize + len(body)))
		e.EncodeUInt8(enc.Major)
		e.EncodeUInt8(enc.Minor)
		e.WriteRaw(body)
		return
	}
	size := 2 + len(body)
	if enc == encoding.Encoding20 {
		size++
	}
	e.EncodeSize(size)
	e.EncodeUInt8(enc.Major)
	e.EncodeUInt8(enc.Minor)
	if enc == encoding.Encoding20 {
		e.EncodeUInt8(compressionNone)
	}
	e.WriteRaw(body)
}

// DecodeEncapsulation reads an encapsulation written by EncodeEncapsulation and
// returns the payload encoding and body. The body aliases the input buffer.
func DecodeEncapsulation(d *encoding.Decoder, proto common.Protocol) (encoding.Encoding, []byte, error) {
	var size int
	if proto == common.ProtocolIce1 {
		n, err := d.DecodeInt32()
		if err != nil {
			return encoding.Encoding{}, nil, err
		}
		if n < ice1EncapsulationHeaderSize {
			return encoding.Encoding{}, nil, common.NewProtocolError(common.ErrInvalidFrame, "encapsulation size %d", n)
		}
		size = int(n) - 4
	} else {
		n, err := d.DecodeSize()
		if err != nil {
			return encoding.Encoding{}, nil, err
		}
		if n < 2 {
			return encoding.Encoding{}, nil, common.NewProtocolError(common.ErrInvalidFrame, "encapsulation size %d", n)
		}
		size = n
	}
	if size > d.Remaining() {
		return encoding.Encoding{}, nil, common.NewProtocolError(common.ErrInvalidFrame, "encapsulation of %d bytes exceeds frame", size)
	}

	major, err := d.DecodeUInt8()
	if err != nil {
		return encoding.Encoding{}, nil, err
	}
	minor, err := d.DecodeUInt8()
	if err != nil {
		return encoding.Encoding{}, nil, err
	}
	enc := encoding.Encoding{Major: major, Minor: minor}
	if !enc.IsSupported() {
		return encoding.Encoding{}, nil, common.NewProtocolError(common.ErrUnsupportedEncoding, "encapsulation encoding %s", enc)
	}
	size -= 2

	if proto != common.ProtocolIce1 && enc == encoding.Encoding20 {
		if size < 1 {
			return encoding.Encoding{}, nil, common.NewProtocolError(common.ErrInvalidFrame, "missing compression format")
		}
		c, err := d.DecodeUInt8()
		if err != nil {
			return encoding.Encoding{}, nil, err
		}
		if c != compressionNone {
			return encoding.Encoding{}, nil, common.NewProtocolError(common.ErrCompression, "compression format %d", c)
		}
		size--
	}

	body, err := d.ReadRaw(size)
	if err != nil {
		return encoding.Encoding{}, nil, err
	}
	return enc, body, nil
}

// CheckPayloadEncoding verifies that a payload of enc can travel over proto
func CheckPayloadEncoding(proto common.Protocol, enc encoding.Encoding) error {
	if !enc.IsSupported() || (proto == common.ProtocolIce1 && enc != encoding.Encoding11) {
		return common.NewProtocolError(common.ErrUnsupportedEncoding, "encoding %s over %s", enc, proto)
	}
	return nil
}
