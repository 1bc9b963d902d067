package base

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/ValentinKolb/slicerpc/rpc/common"
)

// ClassifyDialError converts a dial failure into a common.TransportError
func ClassifyDialError(ctx context.Context, err error) *common.TransportError {
	var te *common.TransportError
	if errors.As(err, &te) {
		return te
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return common.NewTransportError(common.ConnectTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, os.ErrNotExist):
		return common.NewTransportError(common.ConnectionRefused, err)
	case ctx.Err() != nil:
		return common.NewTransportError(common.ConnectFailed, ctx.Err())
	default:
		return common.NewTransportError(common.ConnectFailed, err)
	}
}

// ClassifyIOError converts a read or write failure on an established
// connection into a common.TransportError. nil stays nil.
func ClassifyIOError(err error) error {
	if err == nil {
		return nil
	}
	var te *common.TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, net.ErrClosed) {
		return common.NewTransportError(common.ConnectionAborted, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return common.NewTransportError(common.ConnectionLost, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return common.NewTransportError(common.ConnectionLost, err)
	}
	return err
}

// WriteBuffers writes all buffers to conn. Connections that support it (TCP,
// unix) receive them with a single writev call.
func WriteBuffers(conn net.Conn, bufs ...[]byte) error {
	b := net.Buffers(bufs)
	_, err := b.WriteTo(conn)
	return err
}
