package ice1

import (
	"bytes"
	"io"
	"testing"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageHeader(t *testing.T) {
	b := AppendMessage(nil, MessageValidateConnection, nil)
	assert.Equal(t, []byte{'I', 'c', 'e', 'P', 1, 0, 1, 0, 3, 0, 14, 0, 0, 0}, b)

	typ, body, err := ReadMessage(bytes.NewReader(b), 0)
	require.NoError(t, err)
	assert.Equal(t, MessageValidateConnection, typ)
	assert.Empty(t, body)
}

func TestRequestMessage(t *testing.T) {
	b := AppendRequestMessage(nil, MessageRequest, 42, []byte{9, 8, 7})
	assert.Len(t, b, HeaderSize+4+3)

	typ, body, err := ReadMessage(bytes.NewReader(b), 0)
	require.NoError(t, err)
	assert.Equal(t, MessageRequest, typ)

	id, rest, err := SplitRequestID(body)
	require.NoError(t, err)
	assert.Equal(t, int32(42), id)
	assert.Equal(t, []byte{9, 8, 7}, rest)

	_, _, err = SplitRequestID([]byte{1, 2})
	assert.ErrorIs(t, err, common.ErrInvalidFrame)
}

func TestReadMessageErrors(t *testing.T) {
	valid := AppendMessage(nil, MessageReply, []byte{1, 2, 3, 4})

	corrupt := func(i int, v byte) []byte {
		b := append([]byte(nil), valid...)
		b[i] = v
		return b
	}
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"magic", corrupt(0, 'X'), common.ErrInvalidFrame},
		{"protocol", corrupt(4, 2), common.ErrUnsupportedProtocol},
		{"encoding", corrupt(6, 2), common.ErrUnsupportedEncoding},
		{"type", corrupt(8, 7), common.ErrInvalidFrame},
		{"compressed", corrupt(9, 2), common.ErrCompression},
		{"size", corrupt(10, 3), common.ErrInvalidFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadMessage(bytes.NewReader(tt.data), 0)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, _, err := ReadMessage(bytes.NewReader(valid), 2)
	assert.ErrorIs(t, err, common.ErrFrameTooLarge)

	_, _, err = ReadMessage(bytes.NewReader(valid[:16]), 0)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestRequestRoundTrip(t *testing.T) {
	s := NewSerializer()
	assert.Equal(t, common.ProtocolIce1, s.Protocol())

	req := protocol.NewOutgoingRequest(common.NewIdentity("cat", "obj"), "op", encoding.Encoding11, []byte{5, 6})
	req.Facet = "admin"
	req.Idempotent = true
	require.NoError(t, req.SetContext("k", "v"))

	b, err := s.EncodeRequest(req)
	require.NoError(t, err)
	in, err := s.DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, req.Identity, in.Identity)
	assert.Equal(t, "admin", in.Facet)
	assert.Equal(t, "op", in.Operation)
	assert.True(t, in.Idempotent)
	assert.Equal(t, map[string]string{"k": "v"}, in.Context)
	assert.Equal(t, encoding.Encoding11, in.Encoding)
	assert.Equal(t, []byte{5, 6}, in.Payload)
	assert.True(t, in.Deadline.IsZero())
}

func TestRequestLayout(t *testing.T) {
	req := protocol.NewOutgoingRequest(common.NewIdentity("", "a"), "op", encoding.Encoding11, nil)
	b, err := NewSerializer().EncodeRequest(req)
	require.NoError(t, err)
	want := []byte{
		1, 'a', 0, // identity
		0,           // empty facet sequence
		2, 'o', 'p', // operation
		0,                // normal mode
		0,                // empty context
		6, 0, 0, 0, 1, 1, // empty 1.1 encapsulation
	}
	assert.Equal(t, want, b)
}

func TestRejects20Payload(t *testing.T) {
	req := protocol.NewOutgoingRequest(common.NewIdentity("", "a"), "op", encoding.Encoding20, nil)
	_, err := NewSerializer().EncodeRequest(req)
	assert.ErrorIs(t, err, common.ErrUnsupportedEncoding)
}

func TestResponseRoundTrip(t *testing.T) {
	s := NewSerializer()
	b, err := s.EncodeResponse(protocol.NewOkResponse(encoding.Encoding11, []byte{1}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 7, 0, 0, 0, 1, 1, 1}, b)

	resp, err := s.DecodeResponse(b)
	require.NoError(t, err)
	assert.Equal(t, common.ReplyOk, resp.Status)
	assert.Equal(t, []byte{1}, resp.Payload)
}
