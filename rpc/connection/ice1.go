package connection

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/protocol/ice1"
	"github.com/ValentinKolb/slicerpc/rpc/transport/base"
	"github.com/puzpuzpuz/xsync/v3"
)

// ice1Conn runs ice1 directly over a byte stream. Replies are matched to
// requests by request id. The server validates the connection by sending
// ValidateConnection, which also serves as heartbeat; CloseConnection ends a
// graceful close.
type ice1Conn struct {
	conn       *Connection
	netConn    net.Conn
	reader     *bufio.Reader
	serializer protocol.IFrameSerializer

	writeMu sync.Mutex
	nextID  atomic.Int32
	pending *xsync.MapOf[int32, chan ice1Reply]

	lastActivity  atomic.Int64 // last message received
	lastWrite     atomic.Int64
	closeSent     atomic.Bool
	closeReceived atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
	errMu     sync.Mutex
	closeErr  error
}

type ice1Reply struct {
	resp *protocol.IncomingResponse
	err  error
}

func newIce1Conn(c *Connection, netConn net.Conn) *ice1Conn {
	p := &ice1Conn{
		conn:       c,
		netConn:    netConn,
		reader:     bufio.NewReaderSize(netConn, 64*1024),
		serializer: ice1.NewSerializer(),
		pending:    xsync.NewMapOf[int32, chan ice1Reply](),
		closed:     make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	now := time.Now().UnixNano()
	p.lastActivity.Store(now)
	p.lastWrite.Store(now)
	return p
}

// --------------------------------------------------------------------------
// Validation
// --------------------------------------------------------------------------

func (p *ice1Conn) validate(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = p.netConn.SetDeadline(time.Unix(1, 0)) })
	defer func() {
		if stop() {
			_ = p.netConn.SetDeadline(time.Time{})
		}
	}()

	if p.conn.isServer {
		return p.write(ice1.AppendMessage(nil, ice1.MessageValidateConnection, nil))
	}
	typ, _, err := ice1.ReadMessage(p.reader, p.conn.config.MaxMessageSize)
	if err != nil {
		return base.ClassifyIOError(err)
	}
	if typ != ice1.MessageValidateConnection {
		return common.NewProtocolError(common.ErrUnexpectedFrame, "expected ValidateConnection, got %s", typ)
	}
	return nil
}

func (p *ice1Conn) start() {
	go p.readLoop()
}

// --------------------------------------------------------------------------
// Outgoing requests
// --------------------------------------------------------------------------

// allocID returns the next two way request id. Ids are positive, 0 is
// reserved for oneway requests.
func (p *ice1Conn) allocID() int32 {
	for {
		id := p.nextID.Add(1)
		if id > 0 {
			return id
		}
		p.nextID.CompareAndSwap(id, 0)
	}
}

func (p *ice1Conn) invoke(ctx context.Context, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error) {
	body, err := p.serializer.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if limit := p.conn.config.MaxMessageSize; limit > 0 && len(body) > limit {
		return nil, common.NewProtocolError(common.ErrFrameTooLarge, "request of %d bytes exceeds %d", len(body), limit)
	}
	if ctx.Err() != nil {
		return nil, common.NewCancellationError(ctx)
	}

	id := ice1.OnewayRequestID
	var reply chan ice1Reply
	if !req.Oneway {
		id = p.allocID()
		reply = make(chan ice1Reply, 1)
		p.pending.Store(id, reply)
		defer p.pending.Delete(id)
		if p.closeReceived.Load() {
			return nil, &common.ConnectionClosedError{Graceful: true, ByPeer: true}
		}
	}

	if err := p.write(ice1.AppendRequestMessage(nil, ice1.MessageRequest, id, body)); err != nil {
		return nil, err
	}
	req.MarkSent()
	if req.Oneway {
		return nil, nil
	}

	select {
	case r := <-reply:
		return r.resp, r.err
	case <-p.closed:
		select {
		case r := <-reply:
			return r.resp, r.err
		default:
			return nil, p.err()
		}
	case <-ctx.Done():
		return nil, common.NewCancellationError(ctx)
	}
}

// write sends one message; a failed write aborts the connection
func (p *ice1Conn) write(msg []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.err(); err != nil {
		return err
	}
	if _, err := p.netConn.Write(msg); err != nil {
		err = base.ClassifyIOError(err)
		p.abort(err)
		return err
	}
	p.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// --------------------------------------------------------------------------
// Reader loop
// --------------------------------------------------------------------------

func (p *ice1Conn) readLoop() {
	defer close(p.readDone)
	for {
		typ, body, err := ice1.ReadMessage(p.reader, p.conn.config.MaxMessageSize)
		if err != nil {
			p.abort(p.readError(err))
			return
		}
		p.lastActivity.Store(time.Now().UnixNano())
		p.conn.checkFrameSize(len(body))
		p.conn.tracer.Trace(common.TraceNetwork, 3, "%s received %s message (%d bytes)", p.conn, typ, len(body))

		if err := p.handleMessage(typ, body); err != nil {
			Logger.Warningf("%s failed: %v", p.conn, err)
			p.abort(err)
			return
		}
	}
}

func (p *ice1Conn) readError(err error) error {
	if closed := p.err(); closed != nil {
		return closed
	}
	var pe *common.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, io.EOF) && (p.closeSent.Load() || p.closeReceived.Load()) {
		return &common.ConnectionClosedError{Graceful: true, ByPeer: p.closeReceived.Load()}
	}
	return base.ClassifyIOError(err)
}

func (p *ice1Conn) handleMessage(typ ice1.MessageType, body []byte) error {
	switch typ {
	case ice1.MessageValidateConnection:
		// Heartbeats are not answered. A peer that has not written for half the
		// idle timeout sends one back so a one sided keep alive sees traffic.
		if idle := p.conn.config.IdleTimeout; idle > 0 && time.Since(time.Unix(0, p.lastWrite.Load())) >= idle/2 {
			go func() { _ = p.Ping(context.Background()) }()
		}
		return nil

	case ice1.MessageBatchRequest:
		return common.NewProtocolError(common.ErrUnexpectedFrame, "batch requests are not supported")

	case ice1.MessageRequest:
		id, rest, err := ice1.SplitRequestID(body)
		if err != nil {
			return err
		}
		req, err := p.serializer.DecodeRequest(rest)
		if err != nil {
			return common.NewProtocolError(err, "invalid request")
		}
		req.Oneway = id == ice1.OnewayRequestID
		if p.closeSent.Load() || !p.conn.trackDispatch() {
			// The peer treats requests without reply as not dispatched
			return nil
		}
		go p.dispatch(id, req)
		return nil

	case ice1.MessageReply:
		id, rest, err := ice1.SplitRequestID(body)
		if err != nil {
			return err
		}
		resp, err := p.serializer.DecodeResponse(rest)
		if err != nil {
			return common.NewProtocolError(err, "invalid reply")
		}
		if reply, ok := p.pending.LoadAndDelete(id); ok {
			reply <- ice1Reply{resp: resp}
		}
		return nil

	case ice1.MessageCloseConnection:
		p.closeReceived.Store(true)
		// Requests without reply were not dispatched by the peer
		p.pending.Range(func(id int32, reply chan ice1Reply) bool {
			p.pending.Delete(id)
			reply <- ice1Reply{err: &common.ConnectionClosedError{Graceful: true, ByPeer: true}}
			return true
		})
		if p.closeSent.Load() {
			// Both sides closed at the same time
			p.abort(&common.ConnectionClosedError{Graceful: true})
			return nil
		}
		p.conn.beginClose(true, "")
		return nil

	default:
		return common.NewProtocolError(common.ErrUnexpectedFrame, "unexpected %s message", typ)
	}
}

func (p *ice1Conn) dispatch(id int32, req *protocol.IncomingRequest) {
	defer p.conn.release()

	ctx, cancel := req.DispatchContext(p.conn.dispatchCtx)
	defer cancel()
	resp := p.conn.dispatch(ctx, req)
	if req.Oneway {
		return
	}

	b, err := p.serializer.EncodeResponse(resp)
	if err != nil {
		Logger.Errorf("%s failed to encode the reply to %s: %v", p.conn, req.Operation, err)
		b, _ = p.serializer.EncodeResponse(protocol.NewResponseFromError(req.Encoding, err))
	}
	if err := p.write(ice1.AppendRequestMessage(nil, ice1.MessageReply, id, b)); err != nil {
		Logger.Debugf("%s failed to send the reply to %s: %v", p.conn, req.Operation, err)
	}
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

// goAway has nothing to send: ice1 announces the close with CloseConnection
// once the connection is drained
func (p *ice1Conn) goAway(string) error { return nil }

// finish sends CloseConnection and waits for the peer to close the socket.
// On a close initiated by the peer the socket is closed directly.
func (p *ice1Conn) finish(ctx context.Context, byPeer bool) error {
	if !byPeer {
		p.closeSent.Store(true)
		if err := p.write(ice1.AppendMessage(nil, ice1.MessageCloseConnection, nil)); err != nil {
			return err
		}
		select {
		case <-p.readDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.abort(&common.ConnectionClosedError{Graceful: true, ByPeer: byPeer})
	return nil
}

func (p *ice1Conn) closedGracefully() bool {
	return p.closeReceived.Load() || p.closeSent.Load()
}

func (p *ice1Conn) abort(err error) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.closeErr = err
		p.errMu.Unlock()
		close(p.closed)
		_ = p.netConn.Close()
	})
}

func (p *ice1Conn) err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.closeErr
}

// --------------------------------------------------------------------------
// Heartbeat
// --------------------------------------------------------------------------

func (p *ice1Conn) heartbeat() heartbeater { return p }

// IdleTimeout returns the configured idle timeout
func (p *ice1Conn) IdleTimeout() time.Duration { return p.conn.config.IdleTimeout }

// LastActivity returns when the last message was received. Sent messages do
// not count, so a silent peer is detected even while heartbeats go out.
func (p *ice1Conn) LastActivity() time.Time { return time.Unix(0, p.lastActivity.Load()) }

// Ping sends ValidateConnection, which the peer accepts as heartbeat
func (p *ice1Conn) Ping(context.Context) error {
	return p.write(ice1.AppendMessage(nil, ice1.MessageValidateConnection, nil))
}

func (p *ice1Conn) done() <-chan struct{} { return p.closed }
func (p *ice1Conn) localAddr() net.Addr   { return p.netConn.LocalAddr() }
func (p *ice1Conn) remoteAddr() net.Addr  { return p.netConn.RemoteAddr() }
