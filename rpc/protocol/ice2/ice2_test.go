package ice2

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	s := NewSerializer()
	assert.Equal(t, common.ProtocolIce2, s.Protocol())

	tests := []struct {
		name  string
		build func() *protocol.OutgoingRequest
	}{
		{"minimal", func() *protocol.OutgoingRequest {
			return protocol.NewOutgoingRequest(common.NewIdentity("", "hello"), "sayHello", encoding.Encoding20, nil)
		}},
		{"all fields", func() *protocol.OutgoingRequest {
			req := protocol.NewOutgoingRequest(common.NewIdentity("cat", "obj"), "op", encoding.Encoding11, []byte{1, 2, 3})
			req.Facet = "admin"
			req.Location = []string{"loc1", "loc2"}
			req.Idempotent = true
			req.Deadline = time.UnixMilli(1700000000000)
			_ = req.SetContext("a", "1")
			_ = req.SetContext("b", "2")
			return req
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.build()
			b, err := s.EncodeRequest(req)
			require.NoError(t, err)

			in, err := s.DecodeRequest(b)
			require.NoError(t, err)
			assert.Equal(t, req.Identity, in.Identity)
			assert.Equal(t, req.Facet, in.Facet)
			assert.Equal(t, req.Location, in.Location)
			assert.Equal(t, req.Operation, in.Operation)
			assert.Equal(t, req.Idempotent, in.Idempotent)
			assert.Equal(t, req.Deadline.IsZero(), in.Deadline.IsZero())
			if !req.Deadline.IsZero() {
				assert.True(t, req.Deadline.Equal(in.Deadline))
			}
			assert.Equal(t, req.Context(), in.Context)
			assert.Equal(t, req.Encoding, in.Encoding)
			assert.Equal(t, []byte(req.Payload), nilIfEmpty(in.Payload))
			assert.Equal(t, common.ProtocolIce2, in.Protocol)
		})
	}
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func TestRequestHeaderLayout(t *testing.T) {
	req := protocol.NewOutgoingRequest(common.NewIdentity("", "a"), "op", encoding.Encoding20, nil)
	b, err := NewSerializer().EncodeRequest(req)
	require.NoError(t, err)
	want := []byte{
		0x00,           // no optional member present
		1 << 2, 'a', 0, // identity name "a", empty category
		2 << 2, 'o', 'p', // operation
		0xFC,            // deadline -1
		3 << 2, 2, 0, 0, // empty 2.0 encapsulation
	}
	assert.Equal(t, want, b)
}

func TestDecodeRequestErrors(t *testing.T) {
	s := NewSerializer()
	req := protocol.NewOutgoingRequest(common.NewIdentity("", "a"), "op", encoding.Encoding20, nil)
	b, err := s.EncodeRequest(req)
	require.NoError(t, err)

	_, err = s.DecodeRequest(b[:len(b)-1])
	assert.Error(t, err)
	_, err = s.DecodeRequest(append(append([]byte(nil), b...), 0))
	assert.Error(t, err)

	empty := protocol.NewOutgoingRequest(common.Identity{}, "op", encoding.Encoding20, nil)
	b, err = s.EncodeRequest(empty)
	require.NoError(t, err)
	_, err = s.DecodeRequest(b)
	assert.ErrorIs(t, err, common.ErrInvalidFrame)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameRequest, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, FrameResponse, bytes.Repeat([]byte{1}, 300)))

	typ, body, err := ReadFrame(&buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, FrameRequest, typ)
	assert.Equal(t, []byte("hello"), body)

	typ, body, err = ReadFrame(&buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, typ)
	assert.Len(t, body, 300)

	_, _, err = ReadFrame(&buf, 1024)
	assert.Equal(t, io.EOF, err)
}

func TestFrameErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameRequest, make([]byte, 100)))
	_, _, err := ReadFrame(&buf, 50)
	assert.ErrorIs(t, err, common.ErrFrameTooLarge)

	_, _, err = ReadFrame(bytes.NewReader([]byte{9, 0}), 0)
	assert.ErrorIs(t, err, common.ErrInvalidFrame)

	_, _, err = ReadFrame(bytes.NewReader([]byte{0, 5 << 2, 1}), 0)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestControlFrames(t *testing.T) {
	params, err := DecodeInitialize(EncodeInitialize())
	require.NoError(t, err)
	assert.Empty(t, params)

	g := GoAway{LastBidirectionalStreamID: 8, LastUnidirectionalStreamID: -1, Message: "shutdown"}
	b, err := g.Encode()
	require.NoError(t, err)
	back, err := DecodeGoAway(b)
	require.NoError(t, err)
	assert.Equal(t, g, back)
}

func TestReadVarULong(t *testing.T) {
	for _, v := range []uint64{0, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, encoding.VarULongMax} {
		b, err := encoding.AppendVarULong(nil, v)
		require.NoError(t, err)
		got, err := ReadVarULong(bytes.NewReader(b))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
