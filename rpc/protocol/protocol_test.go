package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notFoundTypeID = "::Demo::NotFound"

type notFoundError struct {
	encoding.ClassBase
	Key string
}

func (e *notFoundError) Error() string { return "not found: " + e.Key }

func (e *notFoundError) EncodeSlices(enc *encoding.Encoder) {
	enc.StartSlice(notFoundTypeID, -1, true)
	enc.EncodeString(e.Key)
	enc.EndSlice()
}

func (e *notFoundError) DecodeSlices(d *encoding.Decoder) error {
	if err := d.StartSlice(); err != nil {
		return err
	}
	var err error
	if e.Key, err = d.DecodeString(); err != nil {
		return err
	}
	return d.EndSlice()
}

func TestVoidPayloadConstants(t *testing.T) {
	tests := []struct {
		name  string
		proto common.Protocol
		enc   encoding.Encoding
		want  []byte
	}{
		{"ice2/1.1", common.ProtocolIce2, encoding.Encoding11, []byte{0, 8, 1, 1}},
		{"ice2/2.0", common.ProtocolIce2, encoding.Encoding20, []byte{0, 12, 2, 0, 0}},
		{"ice1/1.1", common.ProtocolIce1, encoding.Encoding11, []byte{0, 6, 0, 0, 0, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeResponseBody(tt.proto, NewOkResponse(tt.enc, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, b)
			assert.Equal(t, tt.want, VoidPayload(tt.proto, tt.enc))

			resp, err := DecodeResponseBody(tt.proto, tt.want)
			require.NoError(t, err)
			assert.Equal(t, common.ReplyOk, resp.Status)
			assert.Equal(t, tt.enc, resp.Encoding)
			assert.Empty(t, resp.Payload)
		})
	}
}

func TestEncapsulation(t *testing.T) {
	body := []byte{1, 2, 3, 4, 5}
	for _, proto := range []common.Protocol{common.ProtocolIce1, common.ProtocolIce2} {
		e := encoding.NewEncoder(proto.Encoding())
		EncodeEncapsulation(e, proto, encoding.Encoding11, body)
		e.EncodeUInt8(0xAA) // trailing data must stay unread
		b, err := e.Finish()
		require.NoError(t, err)

		d := encoding.NewDecoder(b, proto.Encoding(), nil)
		enc, got, err := DecodeEncapsulation(d, proto)
		require.NoError(t, err)
		assert.Equal(t, encoding.Encoding11, enc)
		assert.Equal(t, body, got)
		assert.Equal(t, 1, d.Remaining())
	}
}

func TestEncapsulationErrors(t *testing.T) {
	decode := func(proto common.Protocol, b []byte) error {
		_, _, err := DecodeEncapsulation(encoding.NewDecoder(b, proto.Encoding(), nil), proto)
		return err
	}
	// compressed 2.0 payload
	assert.ErrorIs(t, decode(common.ProtocolIce2, []byte{12, 2, 0, 1}), common.ErrCompression)
	// unsupported encoding 3.0
	assert.ErrorIs(t, decode(common.ProtocolIce2, []byte{8, 3, 0}), common.ErrUnsupportedEncoding)
	// size larger than the frame
	assert.ErrorIs(t, decode(common.ProtocolIce2, []byte{40, 1, 1}), common.ErrInvalidFrame)
	// ice1 size below the header size
	assert.ErrorIs(t, decode(common.ProtocolIce1, []byte{5, 0, 0, 0, 1, 1}), common.ErrInvalidFrame)

	assert.Error(t, CheckPayloadEncoding(common.ProtocolIce1, encoding.Encoding20))
	assert.NoError(t, CheckPayloadEncoding(common.ProtocolIce2, encoding.Encoding11))
}

func TestRequestSealing(t *testing.T) {
	req := NewOutgoingRequest(common.NewIdentity("", "obj"), "op", encoding.Encoding20, nil)
	require.NoError(t, req.SetContext("k", "v"))
	req.Seal()
	assert.True(t, req.IsSealed())
	assert.True(t, errors.Is(req.SetContext("k2", "v2"), ErrRequestSealed))
	assert.Equal(t, map[string]string{"k": "v"}, req.Context())

	// Context returns a copy
	req.Context()["x"] = "y"
	assert.Len(t, req.Context(), 1)

	assert.False(t, req.IsSent())
	req.MarkSent()
	assert.True(t, req.IsSent())
	req.ResetSent()
	assert.False(t, req.IsSent())
}

func TestDeadlineMillis(t *testing.T) {
	req := NewOutgoingRequest(common.NewIdentity("", "obj"), "op", encoding.Encoding20, nil)
	assert.Equal(t, int64(-1), req.DeadlineMillis())
	assert.True(t, DeadlineFromMillis(-1).IsZero())

	req.Deadline = time.UnixMilli(1700000000123)
	assert.Equal(t, int64(1700000000123), req.DeadlineMillis())
	assert.True(t, DeadlineFromMillis(1700000000123).Equal(req.Deadline))
}

func TestDispatchContext(t *testing.T) {
	in := &IncomingRequest{}
	ctx, cancel := in.DispatchContext(context.Background())
	_, has := ctx.Deadline()
	assert.False(t, has)
	cancel()

	in.Deadline = time.Now().Add(time.Minute)
	ctx, cancel = in.DispatchContext(context.Background())
	defer cancel()
	dl, has := ctx.Deadline()
	assert.True(t, has)
	assert.True(t, dl.Equal(in.Deadline))
}

func TestDispatchErrorBodies(t *testing.T) {
	errs := []*common.DispatchError{
		common.NewObjectNotExistError(common.NewIdentity("cat", "obj"), "", "op"),
		common.NewFacetNotExistError(common.NewIdentity("", "obj"), "admin", "op"),
		common.NewOperationNotExistError(common.NewIdentity("", "obj"), "", "missing"),
		common.NewUnknownError(common.ReplyUnknownLocalException, "boom"),
		common.NewUnknownError(common.ReplyUnknownException, "panic"),
	}
	for _, proto := range []common.Protocol{common.ProtocolIce1, common.ProtocolIce2} {
		for _, want := range errs {
			b, err := EncodeResponseBody(proto, NewErrorResponse(want))
			require.NoError(t, err)
			resp, err := DecodeResponseBody(proto, b)
			require.NoError(t, err)
			assert.Equal(t, want.Status, resp.Status)
			assert.Equal(t, want, resp.Err)

			_, err = resp.Result(nil)
			var dispatchErr *common.DispatchError
			require.ErrorAs(t, err, &dispatchErr)
			assert.Equal(t, want.Status, dispatchErr.Status)
		}
	}
}

func TestUserExceptionResult(t *testing.T) {
	resp, err := NewExceptionResponse(encoding.Encoding20, &notFoundError{Key: "k1"})
	require.NoError(t, err)

	b, err := EncodeResponseBody(common.ProtocolIce2, resp)
	require.NoError(t, err)
	in, err := DecodeResponseBody(common.ProtocolIce2, b)
	require.NoError(t, err)
	assert.Equal(t, common.ReplyUserException, in.Status)

	loader := encoding.NewSliceLoader().RegisterException(notFoundTypeID, func() encoding.RemoteException { return &notFoundError{} })
	_, err = in.Result(loader)
	var nf *notFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "k1", nf.Key)

	// without the type the exception stays sliced
	_, err = in.Result(nil)
	var unknown *encoding.UnknownSlicedRemoteException
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, notFoundTypeID, unknown.TypeID)
}

func TestInvalidReplyStatus(t *testing.T) {
	_, err := DecodeResponseBody(common.ProtocolIce2, []byte{9})
	assert.ErrorIs(t, err, common.ErrInvalidFrame)

	_, err = EncodeResponseBody(common.ProtocolIce2, &OutgoingResponse{Status: 42})
	assert.Error(t, err)
}

func TestCollocatedConversion(t *testing.T) {
	req := NewOutgoingRequest(common.NewIdentity("", "obj"), "op", encoding.Encoding20, []byte{1, 2})
	req.Idempotent = true
	require.NoError(t, req.SetContext("trace", "1"))

	in := NewIncomingRequest(req, common.ProtocolIce2)
	assert.Equal(t, req.Identity, in.Identity)
	assert.True(t, in.Idempotent)
	assert.Equal(t, "1", in.Context["trace"])
	in.Payload[0] = 9
	assert.Equal(t, byte(1), req.Payload[0])

	out := NewOkResponse(encoding.Encoding20, []byte{7})
	back := out.ToIncoming()
	payload, err := back.Result(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, payload)
}

func TestNewResponseFromError(t *testing.T) {
	t.Run("dispatch error keeps status", func(t *testing.T) {
		err := common.NewOperationNotExistError(common.NewIdentity("", "obj"), "", "missing")
		resp := NewResponseFromError(encoding.Encoding20, fmt.Errorf("routing: %w", err))
		assert.Equal(t, common.ReplyOperationNotExist, resp.Status)
		assert.Equal(t, "missing", resp.Err.Operation)
	})

	t.Run("user exception is encoded", func(t *testing.T) {
		resp := NewResponseFromError(encoding.Encoding20, &notFoundError{Key: "k2"})
		require.Equal(t, common.ReplyUserException, resp.Status)

		loader := encoding.NewSliceLoader().RegisterException(notFoundTypeID, func() encoding.RemoteException { return &notFoundError{} })
		_, err := resp.ToIncoming().Result(loader)
		var nf *notFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "k2", nf.Key)
	})

	t.Run("other errors are unknown local exceptions", func(t *testing.T) {
		resp := NewResponseFromError(encoding.Encoding20, errors.New("disk full"))
		assert.Equal(t, common.ReplyUnknownLocalException, resp.Status)
		assert.Equal(t, "disk full", resp.Err.Message)
	})
}
