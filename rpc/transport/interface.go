package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/ValentinKolb/slicerpc/rpc/common"
)

// --------------------------------------------------------------------------
// Byte stream transports
// --------------------------------------------------------------------------

// IStreamTransport is a transport that provides one ordered byte stream per
// connection (tcp, unix, ws, coloc). ice2 runs Slic on top of it, ice1 uses
// the stream directly.
type IStreamTransport interface {
	// GetName returns the name used as endpoint scheme (e.g., "tcp", "ws")
	GetName() string
	// Dial connects to the connector's address. Failures are reported as
	// common.TransportError.
	Dial(ctx context.Context, connector common.Connector, config common.Config) (net.Conn, error)
	// Listen creates a listener for the endpoint. The listener's Addr reflects
	// the bound address (e.g., the port chosen for port 0).
	Listen(ep common.Endpoint, config common.Config) (net.Listener, error)
}

// --------------------------------------------------------------------------
// Multiplexed transports
// --------------------------------------------------------------------------

// Stream reset codes
const (
	// ResetCanceled reports that the resetting side gave up on the stream
	ResetCanceled uint64 = 0
	// ResetAborted reports a failure on the resetting side
	ResetAborted uint64 = 1
	// ResetRefused reports that the stream was not processed by the peer,
	// e.g., because it arrived after the peer started shutting down
	ResetRefused uint64 = 2
)

// ErrStreamRefused resets a stream with ResetRefused
var ErrStreamRefused = errors.New("stream refused")

// StreamResetError is returned by reads and writes on a stream that was reset
type StreamResetError struct {
	Code   uint64
	Remote bool
}

func (e *StreamResetError) Error() string {
	who := "locally"
	if e.Remote {
		who = "by peer"
	}
	return fmt.Sprintf("stream reset %s (code %d)", who, e.Code)
}

// IsRefused reports whether the stream was refused without being processed
func (e *StreamResetError) IsRefused() bool { return e.Code == ResetRefused }

// ResetCode returns the reset code for a local reset caused by err
func ResetCode(err error) uint64 {
	if errors.Is(err, ErrStreamRefused) {
		return ResetRefused
	}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ResetCanceled
	}
	return ResetAborted
}

// IStream is one logical stream of a multiplexed connection
type IStream interface {
	io.Reader
	io.Writer
	// ID returns the stream id. Ids are never reused on a connection.
	ID() int64
	// IsBidirectional reports whether both sides may write
	IsBidirectional() bool
	// IsRemote reports whether the peer opened the stream
	IsRemote() bool
	// CloseWrite sends the end of stream (Fin) on the write side
	CloseWrite() error
	// Reset aborts both directions of the stream. Buffered data is discarded
	// and the peer is notified. Reset never blocks on the peer.
	Reset(err error)
}

// IMultiplexedConnection provides many independent streams over one
// connection (Slic over a byte stream, or QUIC)
type IMultiplexedConnection interface {
	// OpenStream opens a new local stream. It blocks while the peer's stream
	// limit is reached.
	OpenStream(ctx context.Context, bidirectional bool) (IStream, error)
	// AcceptStream waits for the next stream opened by the peer
	AcceptStream(ctx context.Context) (IStream, error)
	// LocalAddr returns the local network address
	LocalAddr() net.Addr
	// RemoteAddr returns the peer's network address
	RemoteAddr() net.Addr
	// Close shuts down the connection. Pending stream operations fail with err.
	Close(err error) error
	// Done is closed once the connection is closed or lost
	Done() <-chan struct{}
	// Err returns the error that closed the connection, nil while open
	Err() error
}

// IMultiplexedListener accepts multiplexed connections
type IMultiplexedListener interface {
	Accept(ctx context.Context) (IMultiplexedConnection, error)
	Addr() net.Addr
	Close() error
}

// IMultiplexedTransport is a transport with native stream multiplexing
type IMultiplexedTransport interface {
	// GetName returns the name used as endpoint scheme (e.g., "quic")
	GetName() string
	// Dial connects to the connector's address
	Dial(ctx context.Context, connector common.Connector, config common.Config) (IMultiplexedConnection, error)
	// Listen creates a listener for the endpoint
	Listen(ep common.Endpoint, config common.Config) (IMultiplexedListener, error)
}
