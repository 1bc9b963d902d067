package connection

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol/ice2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStream records writes and fails Write or CloseWrite on demand
type failingStream struct {
	bytes.Buffer
	writeErr error
	closeErr error
}

func (s *failingStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.Buffer.Write(p)
}

func (s *failingStream) ID() int64             { return 0 }
func (s *failingStream) IsBidirectional() bool { return true }
func (s *failingStream) IsRemote() bool        { return false }
func (s *failingStream) CloseWrite() error     { return s.closeErr }
func (s *failingStream) Reset(error)           {}

func TestSendRequestMarksSentOnceFrameIsWritten(t *testing.T) {
	lost := common.NewTransportError(common.ConnectionLost, errors.New("eof"))
	ep := common.MustParseEndpoint("coloc://server")

	t.Run("end of stream fails", func(t *testing.T) {
		s := &failingStream{closeErr: lost}
		req := newRequest(ep, "op", []byte{1})
		err := sendRequest(s, req, []byte{1, 2, 3})
		require.ErrorIs(t, err, lost)
		assert.True(t, req.IsSent(), "the peer may already dispatch the request")

		typ, body, err := ice2.ReadFrame(&s.Buffer, 0)
		require.NoError(t, err)
		assert.Equal(t, ice2.FrameRequest, typ)
		assert.Equal(t, []byte{1, 2, 3}, body)
	})

	t.Run("frame fails", func(t *testing.T) {
		s := &failingStream{writeErr: lost}
		req := newRequest(ep, "op", []byte{1})
		require.ErrorIs(t, sendRequest(s, req, []byte{1, 2, 3}), lost)
		assert.False(t, req.IsSent())
	})

	t.Run("success", func(t *testing.T) {
		s := &failingStream{}
		req := newRequest(ep, "op", []byte{1})
		require.NoError(t, sendRequest(s, req, []byte{1}))
		assert.True(t, req.IsSent())
	})
}
