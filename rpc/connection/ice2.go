package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/protocol/ice2"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
)

// maxControlFrameSize bounds frames on the control streams
const maxControlFrameSize = 64 * 1024

// ice2Conn runs ice2 over a multiplexed connection. Each side opens one
// unidirectional control stream carrying Initialize and GoAway. Two way
// requests use bidirectional streams, oneway requests unidirectional ones.
type ice2Conn struct {
	conn       *Connection
	mux        transport.IMultiplexedConnection
	serializer protocol.IFrameSerializer

	control       transport.IStream
	remoteControl transport.IStream
	// bidirectional streams accepted while waiting for the peer's control stream
	early []transport.IStream

	mu             sync.Mutex
	invocations    map[transport.IStream]chan error
	peerGoAway     *ice2.GoAway
	goAwaySent     bool
	lastRemoteBidi int64
	lastRemoteUni  int64

	remoteControlDone chan struct{}
	controlExited     chan struct{}
}

func newIce2Conn(c *Connection, mux transport.IMultiplexedConnection) *ice2Conn {
	return &ice2Conn{
		conn:              c,
		mux:               mux,
		serializer:        ice2.NewSerializer(),
		invocations:       make(map[transport.IStream]chan error),
		lastRemoteBidi:    -1,
		lastRemoteUni:     -1,
		remoteControlDone: make(chan struct{}),
		controlExited:     make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Validation
// --------------------------------------------------------------------------

func (p *ice2Conn) validate(ctx context.Context) error {
	control, err := p.mux.OpenStream(ctx, false)
	if err != nil {
		return err
	}
	p.control = control
	if err := ice2.WriteFrame(control, ice2.FrameInitialize, ice2.EncodeInitialize()); err != nil {
		return err
	}

	for p.remoteControl == nil {
		s, err := p.mux.AcceptStream(ctx)
		if err != nil {
			return err
		}
		if s.IsBidirectional() {
			p.early = append(p.early, s)
			continue
		}
		p.remoteControl = s
	}

	stop := context.AfterFunc(ctx, func() { p.remoteControl.Reset(ctx.Err()) })
	typ, body, err := ice2.ReadFrame(p.remoteControl, maxControlFrameSize)
	stop()
	if err != nil {
		return err
	}
	if typ != ice2.FrameInitialize {
		return common.NewProtocolError(common.ErrUnexpectedFrame, "expected Initialize on the control stream, got %s", typ)
	}
	if _, err := ice2.DecodeInitialize(body); err != nil {
		return common.NewProtocolError(err, "invalid Initialize frame")
	}
	return nil
}

func (p *ice2Conn) start() {
	go p.readControl()
	for _, s := range p.early {
		p.accept(s)
	}
	p.early = nil
	go p.acceptLoop()
}

// --------------------------------------------------------------------------
// Outgoing requests
// --------------------------------------------------------------------------

type ice2Result struct {
	resp *protocol.IncomingResponse
	err  error
}

func (p *ice2Conn) invoke(ctx context.Context, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error) {
	body, err := p.serializer.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if limit := p.conn.config.MaxMessageSize; limit > 0 && len(body) > limit {
		return nil, common.NewProtocolError(common.ErrFrameTooLarge, "request of %d bytes exceeds %d", len(body), limit)
	}

	s, err := p.mux.OpenStream(ctx, !req.Oneway)
	if err != nil {
		if ctx.Err() != nil {
			return nil, common.NewCancellationError(ctx)
		}
		return nil, p.streamError(err)
	}

	// Canceling before the request is written resets the stream
	stop := context.AfterFunc(ctx, func() { s.Reset(ctx.Err()) })
	err = sendRequest(s, req, body)
	if !stop() {
		return nil, common.NewCancellationError(ctx)
	}
	if err != nil {
		s.Reset(err)
		return nil, p.streamError(err)
	}
	if req.Oneway {
		return nil, nil
	}

	failed := p.register(s)
	defer p.unregister(s)

	result := make(chan ice2Result, 1)
	go func() {
		resp, err := p.readResponse(s)
		result <- ice2Result{resp, err}
	}()

	select {
	case r := <-result:
		return r.resp, r.err
	case err := <-failed:
		s.Reset(err)
		return nil, err
	case <-ctx.Done():
		// The response is read and dropped by the reader goroutine
		return nil, common.NewCancellationError(ctx)
	}
}

// sendRequest writes the request frame and ends the stream's write side. The
// peer dispatches as soon as the frame is read, so the request counts as sent
// before the end of stream is written.
func sendRequest(s transport.IStream, req *protocol.OutgoingRequest, body []byte) error {
	if err := ice2.WriteFrame(s, ice2.FrameRequest, body); err != nil {
		return err
	}
	req.MarkSent()
	return s.CloseWrite()
}

func (p *ice2Conn) readResponse(s transport.IStream) (*protocol.IncomingResponse, error) {
	typ, body, err := ice2.ReadFrame(s, p.conn.config.MaxMessageSize)
	if err != nil {
		return nil, p.readError(err)
	}
	if typ != ice2.FrameResponse {
		err := common.NewProtocolError(common.ErrUnexpectedFrame, "expected Response, got %s", typ)
		p.conn.Abort(err)
		return nil, err
	}
	p.conn.checkFrameSize(len(body))

	resp, err := p.serializer.DecodeResponse(body)
	if err != nil {
		err = common.NewProtocolError(err, "invalid response")
		p.conn.Abort(err)
		return nil, err
	}
	_, _ = io.Copy(io.Discard, s)
	return resp, nil
}

// register tracks an invocation waiting for its response. The returned
// channel receives an error if the peer announces it will not dispatch the
// request.
func (p *ice2Conn) register(s transport.IStream) chan error {
	failed := make(chan error, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peerGoAway != nil && s.ID() > p.peerGoAway.LastBidirectionalStreamID {
		failed <- p.refusedError(p.peerGoAway.Message)
		return failed
	}
	p.invocations[s] = failed
	return failed
}

func (p *ice2Conn) unregister(s transport.IStream) {
	p.mu.Lock()
	delete(p.invocations, s)
	p.mu.Unlock()
}

func (p *ice2Conn) refusedError(message string) error {
	return &common.ConnectionClosedError{Graceful: true, ByPeer: true, Message: message}
}

// readError maps a failed read of a frame
func (p *ice2Conn) readError(err error) error {
	var pe *common.ProtocolError
	if errors.As(err, &pe) {
		p.conn.Abort(err)
		return err
	}
	return p.streamError(err)
}

// streamError maps stream failures: refused streams were not dispatched by
// the peer, other failures are reported as the connection's error if it is
// gone
func (p *ice2Conn) streamError(err error) error {
	var reset *transport.StreamResetError
	if errors.As(err, &reset) && reset.Remote && reset.IsRefused() {
		return p.refusedError("request refused")
	}
	if connErr := p.mux.Err(); connErr != nil {
		return connErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return common.NewTransportError(common.ConnectionLost, err)
	}
	return err
}

// --------------------------------------------------------------------------
// Incoming requests
// --------------------------------------------------------------------------

func (p *ice2Conn) acceptLoop() {
	for {
		s, err := p.mux.AcceptStream(p.conn.dispatchCtx)
		if err != nil {
			return
		}
		p.accept(s)
	}
}

// accept dispatches a stream opened by the peer, or refuses it once GoAway
// was sent
func (p *ice2Conn) accept(s transport.IStream) {
	p.mu.Lock()
	refused := p.goAwaySent || !p.conn.trackDispatch()
	if !refused {
		if s.IsBidirectional() {
			p.lastRemoteBidi = max(p.lastRemoteBidi, s.ID())
		} else {
			p.lastRemoteUni = max(p.lastRemoteUni, s.ID())
		}
	}
	p.mu.Unlock()

	if refused {
		s.Reset(transport.ErrStreamRefused)
		return
	}
	go p.dispatch(s)
}

func (p *ice2Conn) dispatch(s transport.IStream) {
	defer p.conn.release()

	typ, body, err := ice2.ReadFrame(s, p.conn.config.MaxMessageSize)
	if err != nil {
		var pe *common.ProtocolError
		if errors.As(err, &pe) {
			p.conn.Abort(err)
		} else {
			s.Reset(err)
		}
		return
	}
	if typ != ice2.FrameRequest {
		p.conn.Abort(common.NewProtocolError(common.ErrUnexpectedFrame, "expected Request, got %s", typ))
		return
	}
	p.conn.checkFrameSize(len(body))

	req, err := p.serializer.DecodeRequest(body)
	if err != nil {
		p.conn.Abort(common.NewProtocolError(err, "invalid request"))
		return
	}
	req.Oneway = !s.IsBidirectional()

	ctx, cancel := req.DispatchContext(p.conn.dispatchCtx)
	defer cancel()
	// A reset by the peer cancels the dispatch
	go func() {
		if _, err := io.Copy(io.Discard, s); err != nil {
			cancel()
		}
	}()

	resp := p.conn.dispatch(ctx, req)
	if req.Oneway {
		return
	}

	b, err := p.serializer.EncodeResponse(resp)
	if err != nil {
		Logger.Errorf("%s failed to encode the response to %s: %v", p.conn, req.Operation, err)
		b, _ = p.serializer.EncodeResponse(protocol.NewResponseFromError(req.Encoding, err))
	}
	if err := ice2.WriteFrame(s, ice2.FrameResponse, b); err != nil {
		Logger.Debugf("%s failed to send the response to %s: %v", p.conn, req.Operation, err)
		s.Reset(err)
		return
	}
	_ = s.CloseWrite()
}

// --------------------------------------------------------------------------
// Control stream
// --------------------------------------------------------------------------

func (p *ice2Conn) readControl() {
	defer close(p.controlExited)
	for {
		typ, body, err := ice2.ReadFrame(p.remoteControl, maxControlFrameSize)
		if err != nil {
			p.mu.Lock()
			goAway := p.peerGoAway != nil
			p.mu.Unlock()
			switch {
			case err == io.EOF && goAway:
				close(p.remoteControlDone)
			case p.mux.Err() != nil:
			case err == io.EOF:
				p.conn.Abort(common.NewProtocolError(common.ErrUnexpectedFrame, "control stream closed before GoAway"))
			default:
				p.conn.Abort(err)
			}
			return
		}

		if typ != ice2.FrameGoAway {
			p.conn.Abort(common.NewProtocolError(common.ErrUnexpectedFrame, "unexpected %s frame on the control stream", typ))
			return
		}
		g, err := ice2.DecodeGoAway(body)
		if err != nil {
			p.conn.Abort(common.NewProtocolError(err, "invalid GoAway frame"))
			return
		}
		if err := p.onGoAway(g); err != nil {
			p.conn.Abort(err)
			return
		}
	}
}

// onGoAway fails the invocations the peer will not dispatch and starts the
// graceful close
func (p *ice2Conn) onGoAway(g ice2.GoAway) error {
	p.mu.Lock()
	if p.peerGoAway != nil {
		p.mu.Unlock()
		return common.NewProtocolError(common.ErrUnexpectedFrame, "duplicate GoAway")
	}
	p.peerGoAway = &g
	for s, failed := range p.invocations {
		if s.ID() > g.LastBidirectionalStreamID {
			failed <- p.refusedError(g.Message)
			delete(p.invocations, s)
		}
	}
	p.mu.Unlock()

	p.conn.tracer.Trace(common.TraceProtocol, 1, "%s received GoAway (last stream %d): %s", p.conn, g.LastBidirectionalStreamID, g.Message)
	p.conn.beginClose(true, g.Message)
	return nil
}

func (p *ice2Conn) goAway(message string) error {
	p.mu.Lock()
	p.goAwaySent = true
	g := ice2.GoAway{
		LastBidirectionalStreamID:  p.lastRemoteBidi,
		LastUnidirectionalStreamID: p.lastRemoteUni,
		Message:                    message,
	}
	p.mu.Unlock()

	b, err := g.Encode()
	if err != nil {
		return err
	}
	return ice2.WriteFrame(p.control, ice2.FrameGoAway, b)
}

// finish ends the local control stream and waits for the peer to end its
// own, which it does once it has drained too
func (p *ice2Conn) finish(ctx context.Context, byPeer bool) error {
	if err := p.control.CloseWrite(); err != nil {
		return err
	}
	select {
	case <-p.remoteControlDone:
	case <-p.mux.Done():
		if !p.closedGracefully() {
			return p.mux.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.mux.Close(&common.ConnectionClosedError{Graceful: true, ByPeer: byPeer})
}

// closedGracefully is called once the multiplexed connection is done. Frames
// received before the close are still delivered, so it waits for the control
// reader to see the peer's end of the control stream.
func (p *ice2Conn) closedGracefully() bool {
	<-p.controlExited
	select {
	case <-p.remoteControlDone:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

func (p *ice2Conn) heartbeat() heartbeater {
	if hb, ok := p.mux.(heartbeater); ok {
		return hb
	}
	return nil
}

func (p *ice2Conn) abort(err error)       { _ = p.mux.Close(err) }
func (p *ice2Conn) done() <-chan struct{} { return p.mux.Done() }
func (p *ice2Conn) err() error            { return p.mux.Err() }
func (p *ice2Conn) localAddr() net.Addr   { return p.mux.LocalAddr() }
func (p *ice2Conn) remoteAddr() net.Addr  { return p.mux.RemoteAddr() }
