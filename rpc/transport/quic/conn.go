package quic

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/quic-go/quic-go"
)

// Application error codes sent when closing connections
const (
	codeNoError quic.ApplicationErrorCode = 0
	codeAborted quic.ApplicationErrorCode = 1
)

// connection adapts a quic.Conn to transport.IMultiplexedConnection
type connection struct {
	conn     *quic.Conn
	isServer bool

	incoming chan transport.IStream
	errMu    sync.Mutex
	closeErr error
}

func newConnection(conn *quic.Conn, isServer bool) *connection {
	c := &connection{
		conn:     conn,
		isServer: isServer,
		incoming: make(chan transport.IStream),
	}
	go c.acceptLoop(true)
	go c.acceptLoop(false)
	return c
}

// acceptLoop forwards streams opened by the peer to AcceptStream
func (c *connection) acceptLoop(bidirectional bool) {
	ctx := c.conn.Context()
	for {
		var s transport.IStream
		if bidirectional {
			qs, err := c.conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			s = &stream{bidi: qs, remote: true}
		} else {
			qs, err := c.conn.AcceptUniStream(ctx)
			if err != nil {
				return
			}
			s = &stream{recv: qs, remote: true}
		}
		select {
		case c.incoming <- s:
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IMultiplexedConnection)
// --------------------------------------------------------------------------

func (c *connection) OpenStream(ctx context.Context, bidirectional bool) (transport.IStream, error) {
	if bidirectional {
		qs, err := c.conn.OpenStreamSync(ctx)
		if err != nil {
			return nil, c.mapError(err)
		}
		return &stream{bidi: qs}, nil
	}
	qs, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, c.mapError(err)
	}
	return &stream{send: qs}, nil
}

func (c *connection) AcceptStream(ctx context.Context) (transport.IStream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-c.conn.Context().Done():
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connection) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *connection) Close(err error) error {
	var closed *common.ConnectionClosedError
	graceful := err == nil || (errors.As(err, &closed) && closed.Graceful)

	c.errMu.Lock()
	if c.closeErr == nil {
		if err == nil {
			err = &common.ConnectionClosedError{Graceful: true}
		}
		c.closeErr = err
	}
	c.errMu.Unlock()

	if graceful {
		return c.conn.CloseWithError(codeNoError, "")
	}
	return c.conn.CloseWithError(codeAborted, err.Error())
}

func (c *connection) Done() <-chan struct{} {
	return c.conn.Context().Done()
}

func (c *connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	if c.conn.Context().Err() == nil {
		return nil
	}
	return c.mapError(context.Cause(c.conn.Context()))
}

// mapError converts quic-go errors into common.TransportError
func (c *connection) mapError(err error) error {
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	switch {
	case errors.As(err, &appErr) && appErr.Remote:
		if appErr.ErrorCode == codeNoError {
			return &common.ConnectionClosedError{Graceful: true, ByPeer: true, Message: appErr.ErrorMessage}
		}
		return &common.ConnectionClosedError{ByPeer: true, Message: appErr.ErrorMessage}
	case errors.As(err, &idleErr):
		return &common.ConnectionClosedError{Graceful: true, Message: "idle timeout"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return common.NewTransportError(common.ConnectionLost, err)
	}
}

// --------------------------------------------------------------------------
// Stream
// --------------------------------------------------------------------------

// stream adapts the three quic-go stream types to transport.IStream. Exactly
// one of bidi, send and recv is set.
type stream struct {
	bidi   *quic.Stream
	send   *quic.SendStream
	recv   *quic.ReceiveStream
	remote bool
}

func (s *stream) ID() int64 {
	switch {
	case s.bidi != nil:
		return int64(s.bidi.StreamID())
	case s.send != nil:
		return int64(s.send.StreamID())
	default:
		return int64(s.recv.StreamID())
	}
}

func (s *stream) IsBidirectional() bool { return s.bidi != nil }
func (s *stream) IsRemote() bool        { return s.remote }

func (s *stream) Read(p []byte) (int, error) {
	switch {
	case s.bidi != nil:
		n, err := s.bidi.Read(p)
		return n, mapStreamError(err)
	case s.recv != nil:
		n, err := s.recv.Read(p)
		return n, mapStreamError(err)
	default:
		return 0, errors.New("read on a local unidirectional stream")
	}
}

func (s *stream) Write(p []byte) (int, error) {
	switch {
	case s.bidi != nil:
		n, err := s.bidi.Write(p)
		return n, mapStreamError(err)
	case s.send != nil:
		n, err := s.send.Write(p)
		return n, mapStreamError(err)
	default:
		return 0, errors.New("write on a remote unidirectional stream")
	}
}

func (s *stream) CloseWrite() error {
	switch {
	case s.bidi != nil:
		return s.bidi.Close()
	case s.send != nil:
		return s.send.Close()
	default:
		return nil
	}
}

func (s *stream) Reset(err error) {
	code := quic.StreamErrorCode(transport.ResetCode(err))
	if s.bidi != nil {
		s.bidi.CancelWrite(code)
		s.bidi.CancelRead(code)
	}
	if s.send != nil {
		s.send.CancelWrite(code)
	}
	if s.recv != nil {
		s.recv.CancelRead(code)
	}
}

// mapStreamError converts quic-go stream cancellations into
// transport.StreamResetError
func mapStreamError(err error) error {
	var se *quic.StreamError
	if errors.As(err, &se) {
		return &transport.StreamResetError{Code: uint64(se.ErrorCode), Remote: se.Remote}
	}
	return err
}
