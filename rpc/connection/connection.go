package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger(common.LogConnection)

// protocolConn runs one protocol (ice1 or ice2) over a transport connection
type protocolConn interface {
	// validate performs the protocol handshake
	validate(ctx context.Context) error
	// start launches the reader goroutines of an active connection
	start()
	// invoke sends req and waits for its response
	invoke(ctx context.Context, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error)
	// goAway tells the peer that no new requests will be dispatched
	goAway(message string) error
	// finish completes a graceful close once all requests are drained
	finish(ctx context.Context, byPeer bool) error
	// closedGracefully reports whether both sides completed the close handshake
	closedGracefully() bool
	// heartbeat returns the idle detection of the protocol, nil if it has none
	heartbeat() heartbeater
	// abort closes the transport immediately
	abort(err error)
	done() <-chan struct{}
	err() error
	localAddr() net.Addr
	remoteAddr() net.Addr
}

// heartbeater is implemented by protocol connections with idle detection
type heartbeater interface {
	IdleTimeout() time.Duration
	LastActivity() time.Time
	Ping(ctx context.Context) error
}

// Connection owns one physical link: its validation, the requests sent and
// dispatched over it, and its shutdown.
//
// A connection is created by Connect or accepted by an IncomingFactory and is
// always returned in the Active state. Invocations are accepted while Active;
// once Close is called the connection drains in-flight requests and moves to
// Closed. Abort and transport failures move to Closed immediately.
type Connection struct {
	id         string
	endpoint   common.Endpoint
	isServer   bool
	config     common.Config
	tracer     *common.Tracer
	dispatcher protocol.Dispatcher
	proto      protocolConn

	stats       metrics.Registry
	invocations metrics.Counter
	dispatches  metrics.Counter

	// dispatchCtx is canceled when the connection is closed
	dispatchCtx    context.Context
	cancelDispatch context.CancelCauseFunc

	mu            sync.Mutex
	state         State
	inflight      int
	closingByPeer bool
	closeMessage  string
	err           error
	closing       chan struct{}
	drained       chan struct{}
	drainedDone   bool
	closed        chan struct{}
	onClose       []func(*Connection, error)
	finalizeOnce  sync.Once
}

func newConnection(ep common.Endpoint, isServer bool, config common.Config, dispatcher protocol.Dispatcher) *Connection {
	registry := metrics.NewRegistry()
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Connection{
		id:             uuid.NewString(),
		endpoint:       ep,
		isServer:       isServer,
		config:         config,
		tracer:         common.NewTracer(config.Trace),
		dispatcher:     dispatcher,
		stats:          registry,
		invocations:    metrics.GetOrRegisterCounter("connection.invocations", registry),
		dispatches:     metrics.GetOrRegisterCounter("connection.dispatches", registry),
		dispatchCtx:    ctx,
		cancelDispatch: cancel,
		closing:        make(chan struct{}),
		drained:        make(chan struct{}),
		closed:         make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// establish validates the connection and makes it active
func (c *Connection) establish(parent, ctx context.Context, proto protocolConn) error {
	c.mu.Lock()
	c.proto = proto
	c.state = StateValidating
	c.mu.Unlock()

	if err := proto.validate(ctx); err != nil {
		err = connectError(parent, ctx, err)
		c.finalize(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateValidating {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.state = StateActive
	c.mu.Unlock()

	common.RecordConnectionOpened()
	proto.start()
	go c.monitor()
	if hb := proto.heartbeat(); hb != nil && hb.IdleTimeout() > 0 {
		go c.watchdog(hb)
	}
	Logger.Debugf("%s established", c)
	c.tracer.Trace(common.TraceNetwork, 1, "%s established", c)
	return nil
}

// connectError maps a failure that happened before the connection became
// active. Every such failure is reported as a connect error.
func connectError(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		return common.NewCancellationError(parent)
	}
	if ctx.Err() != nil {
		return common.NewTransportError(common.ConnectTimeout, err)
	}
	var te *common.TransportError
	if errors.As(err, &te) && te.IsConnectError() {
		return err
	}
	return common.NewTransportError(common.ConnectFailed, err)
}

// Close shuts the connection down gracefully: new invocations are rejected,
// in-flight invocations and dispatches complete, then the transport is
// closed. The close timeout bounds the whole shutdown, after which the
// connection is aborted. Concurrent callers wait for the same close; ctx only
// bounds the caller's wait.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state < StateActive {
		c.Abort(&common.ConnectionClosedError{Graceful: true})
		return nil
	}

	c.beginClose(false, "")
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return common.NewCancellationError(ctx)
	}
}

// Abort closes the connection immediately. Pending invocations and dispatches
// fail with err.
func (c *Connection) Abort(err error) {
	if err == nil {
		err = common.NewTransportError(common.ConnectionAborted, nil)
	}
	c.finalize(err)
}

// beginClose moves an active connection to Closing and starts the graceful
// close
func (c *Connection) beginClose(byPeer bool, message string) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.closingByPeer = byPeer
	c.closeMessage = message
	close(c.closing)
	c.checkDrainedLocked()
	c.mu.Unlock()

	if byPeer {
		Logger.Debugf("%s closing on peer request %q", c, message)
	} else {
		Logger.Debugf("%s closing", c)
	}
	go c.gracefulClose(byPeer, message)
}

func (c *Connection) gracefulClose(byPeer bool, message string) {
	ctx, cancel := context.WithCancel(context.Background())
	if c.config.CloseTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.config.CloseTimeout)
	}
	defer cancel()

	if err := c.proto.goAway(message); err != nil {
		c.Abort(err)
		return
	}

	select {
	case <-c.drained:
	case <-c.closed:
		return
	case <-ctx.Done():
		c.closeTimedOut()
		return
	}

	if err := c.proto.finish(ctx, byPeer); err != nil {
		if ctx.Err() != nil {
			c.closeTimedOut()
		} else {
			c.Abort(err)
		}
		return
	}
	c.finalize(&common.ConnectionClosedError{Graceful: true, ByPeer: byPeer, Message: message})
}

func (c *Connection) closeTimedOut() {
	Logger.Warningf("%s did not close within %s, aborting", c, c.config.CloseTimeout)
	c.Abort(common.NewTransportError(common.ConnectionAborted, errors.New("close timeout")))
}

// finalize moves the connection to Closed. Only the first call has an effect.
func (c *Connection) finalize(err error) {
	c.finalizeOnce.Do(func() {
		c.mu.Lock()
		wasActive := c.state >= StateActive
		if c.state < StateClosing {
			close(c.closing)
		}
		c.state = StateClosed
		c.err = err
		if !c.drainedDone {
			c.drainedDone = true
			close(c.drained)
		}
		callbacks := c.onClose
		c.onClose = nil
		proto := c.proto
		c.mu.Unlock()

		if proto != nil {
			proto.abort(err)
		}
		c.cancelDispatch(err)

		if wasActive {
			common.RecordConnectionClosed()
			var closed *common.ConnectionClosedError
			if errors.As(err, &closed) && closed.Graceful {
				Logger.Debugf("%s closed: %v", c, err)
			} else {
				Logger.Infof("%s closed: %v", c, err)
			}
			c.tracer.Trace(common.TraceNetwork, 1, "%s closed: %v", c, err)
		}
		for _, cb := range callbacks {
			cb(c, err)
		}
		close(c.closed)
	})
}

// monitor finalizes the connection when the transport goes away
func (c *Connection) monitor() {
	select {
	case <-c.proto.done():
	case <-c.closed:
		return
	}

	err := c.proto.err()
	graceful := c.proto.closedGracefully()
	c.mu.Lock()
	if c.state == StateClosing && graceful {
		err = &common.ConnectionClosedError{Graceful: true, ByPeer: c.closingByPeer, Message: c.closeMessage}
	}
	c.mu.Unlock()
	c.finalize(err)
}

// watchdog enforces the idle timeout. Heartbeats are sent when keep alive is
// enabled or requests are pending; a connection that stays silent for the idle
// timeout is closed gracefully if unused and aborted otherwise.
func (c *Connection) watchdog(hb heartbeater) {
	idle := hb.IdleTimeout()
	interval := idle / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		state, busy := c.state, c.inflight > 0
		c.mu.Unlock()
		if state != StateActive {
			continue
		}

		silent := time.Since(hb.LastActivity())
		switch {
		case silent >= idle && !busy && !c.config.KeepAlive:
			c.beginClose(false, "idle timeout")
		case silent >= idle:
			c.Abort(common.NewTransportError(common.ConnectionLost, fmt.Errorf("no traffic for %s", silent.Round(time.Millisecond))))
		case silent >= idle/2 && (busy || c.config.KeepAlive):
			go func() {
				ctx, cancel := context.WithTimeout(c.dispatchCtx, idle/2)
				defer cancel()
				if err := hb.Ping(ctx); err != nil {
					Logger.Debugf("%s heartbeat failed: %v", c, err)
				}
			}()
		}
	}
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Invoke sends req and waits for its response. Oneway requests return a nil
// response once written. Canceling ctx stops the wait with a
// common.CancellationError; a request that was already sent is not recalled.
func (c *Connection) Invoke(ctx context.Context, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	req.Seal()
	c.invocations.Inc(1)
	c.tracer.Trace(common.TraceProtocol, 2, "%s sending request %s", c, req)

	resp, err := c.proto.invoke(ctx, req)
	if err != nil {
		c.tracer.Trace(common.TraceProtocol, 1, "%s request %s failed: %v", c, req, err)
		return nil, err
	}
	if resp != nil {
		c.tracer.Trace(common.TraceProtocol, 2, "%s received %s response for %s", c, resp.Status, req)
	}
	return resp, nil
}

// acquire registers an invocation; it fails once the connection left Active
func (c *Connection) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return c.closedErrorLocked()
	}
	c.inflight++
	return nil
}

// trackDispatch registers a dispatch. Dispatches are accepted while closing
// until the connection is drained.
func (c *Connection) trackDispatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.drainedDone {
		return false
	}
	c.inflight++
	return true
}

// release ends an invocation or dispatch
func (c *Connection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	c.checkDrainedLocked()
}

func (c *Connection) checkDrainedLocked() {
	if c.state >= StateClosing && c.inflight == 0 && !c.drainedDone {
		c.drainedDone = true
		close(c.drained)
	}
}

func (c *Connection) closedErrorLocked() error {
	switch c.state {
	case StateClosing:
		return &common.ConnectionClosedError{Graceful: true, ByPeer: c.closingByPeer, Message: c.closeMessage}
	case StateClosed:
		if c.err != nil {
			return c.err
		}
		return &common.ConnectionClosedError{Graceful: true}
	default:
		return common.NewTransportError(common.ConnectFailed, errors.New("connection is not established"))
	}
}

// dispatch runs an incoming request through the dispatcher. Dispatch
// failures always produce a response.
func (c *Connection) dispatch(ctx context.Context, req *protocol.IncomingRequest) *protocol.OutgoingResponse {
	req.Connection = c.id
	c.dispatches.Inc(1)
	c.tracer.Trace(common.TraceDispatch, 2, "%s dispatching %s -> %s", c, req.Operation, req.Identity)

	if c.dispatcher == nil {
		return protocol.NewErrorResponse(common.NewObjectNotExistError(req.Identity, req.Facet, req.Operation))
	}
	resp, err := c.dispatcher.Dispatch(ctx, req)
	switch {
	case err != nil:
		return protocol.NewResponseFromError(req.Encoding, err)
	case resp == nil:
		return protocol.NewOkResponse(req.Encoding, nil)
	default:
		return resp
	}
}

// checkFrameSize logs frames above the warning threshold
func (c *Connection) checkFrameSize(size int) {
	if c.config.WarnBufferSize > 0 && size > c.config.WarnBufferSize {
		Logger.Warningf("%s received a frame of %d bytes (warning threshold %d bytes)", c, size, c.config.WarnBufferSize)
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the unique id of the connection
func (c *Connection) ID() string { return c.id }

// Endpoint returns the endpoint the connection was established for
func (c *Connection) Endpoint() common.Endpoint { return c.endpoint }

// Protocol returns the protocol spoken on the connection
func (c *Connection) Protocol() common.Protocol { return c.endpoint.Protocol }

// IsServer reports whether the connection was accepted
func (c *Connection) IsServer() bool { return c.isServer }

// State returns the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that closed the connection, nil while it is open
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return nil
	}
	return c.err
}

// Closing is closed when the connection stops accepting invocations
func (c *Connection) Closing() <-chan struct{} { return c.closing }

// Done is closed when the connection reached Closed and the OnClose
// callbacks have run
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Stats returns the connection's counters
func (c *Connection) Stats() metrics.Registry { return c.stats }

// LocalAddr returns the local network address
func (c *Connection) LocalAddr() net.Addr { return c.proto.localAddr() }

// RemoteAddr returns the peer's network address
func (c *Connection) RemoteAddr() net.Addr { return c.proto.remoteAddr() }

// OnClose registers cb to run once the connection is closed. If it is already
// closed, cb runs immediately.
func (c *Connection) OnClose(cb func(*Connection, error)) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.onClose = append(c.onClose, cb)
		c.mu.Unlock()
		return
	}
	err := c.err
	c.mu.Unlock()
	cb(c, err)
}

func (c *Connection) String() string {
	side := "client"
	if c.isServer {
		side = "server"
	}
	local, remote := "?", "?"
	if c.proto != nil {
		local, remote = c.proto.localAddr().String(), c.proto.remoteAddr().String()
	}
	return fmt.Sprintf("%s %s connection %s (%s -> %s)", c.endpoint.Protocol, side, c.id[:8], local, remote)
}
