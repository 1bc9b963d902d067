package client

import (
	"context"
	"sync"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/connection"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
)

// IRequestHandler sends the requests of one proxy
type IRequestHandler interface {
	// SendRequest sends req and waits for its response. Oneway requests
	// return a nil response once sent.
	SendRequest(ctx context.Context, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error)
	// Connection returns the connection the handler currently uses, nil if
	// it has none
	Connection() *connection.Connection
}

// IConnectionProvider hands out outgoing connections. It is implemented by
// connection.OutgoingFactory.
type IConnectionProvider interface {
	GetConnection(ctx context.Context, endpoints []common.Endpoint, preferExisting bool) (*connection.Connection, error)
}

// ICollocationResolver finds a dispatcher of this process that serves a
// reference, so invocations can skip the network
type ICollocationResolver interface {
	FindDispatcher(id common.Identity, endpoints []common.Endpoint) (protocol.Dispatcher, bool)
}

// --------------------------------------------------------------------------
// Connect request handler
// --------------------------------------------------------------------------

// ConnectRequestHandler sends requests over a connection obtained from an
// IConnectionProvider. The connection is kept until it closes; the next
// request then asks the provider again.
type ConnectRequestHandler struct {
	provider       IConnectionProvider
	endpoints      []common.Endpoint
	preferExisting bool

	mu   sync.Mutex
	conn *connection.Connection
	// onLost is called once when the cached connection closes
	onLost func(*ConnectRequestHandler)
}

// NewConnectRequestHandler creates a handler for endpoints
func NewConnectRequestHandler(provider IConnectionProvider, endpoints []common.Endpoint, preferExisting bool) *ConnectRequestHandler {
	return &ConnectRequestHandler{
		provider:       provider,
		endpoints:      endpoints,
		preferExisting: preferExisting,
	}
}

// getConnection returns the cached connection or a new one from the provider
func (h *ConnectRequestHandler) getConnection(ctx context.Context) (*connection.Connection, error) {
	h.mu.Lock()
	if h.conn != nil && h.conn.State() == connection.StateActive {
		c := h.conn
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()

	c, err := h.provider.GetConnection(ctx, h.endpoints, h.preferExisting)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.conn == c {
		h.mu.Unlock()
		return c, nil
	}
	h.conn = c
	h.mu.Unlock()

	c.OnClose(func(closed *connection.Connection, _ error) {
		h.mu.Lock()
		lost := h.conn == closed
		if lost {
			h.conn = nil
		}
		onLost := h.onLost
		h.mu.Unlock()
		if lost && onLost != nil {
			onLost(h)
		}
	})
	return c, nil
}

// SendRequest implements IRequestHandler
func (h *ConnectRequestHandler) SendRequest(ctx context.Context, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error) {
	c, err := h.getConnection(ctx)
	if err != nil {
		return nil, err
	}
	return c.Invoke(ctx, req)
}

// Connection implements IRequestHandler
func (h *ConnectRequestHandler) Connection() *connection.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// --------------------------------------------------------------------------
// Collocated request handler
// --------------------------------------------------------------------------

// CollocatedRequestHandler dispatches requests directly to a dispatcher of
// this process. Requests and responses are copied, and user exceptions are
// encoded and decoded as on the wire.
type CollocatedRequestHandler struct {
	dispatcher protocol.Dispatcher
	protocol   common.Protocol
}

// NewCollocatedRequestHandler creates a handler dispatching to dispatcher
func NewCollocatedRequestHandler(dispatcher protocol.Dispatcher, proto common.Protocol) *CollocatedRequestHandler {
	return &CollocatedRequestHandler{dispatcher: dispatcher, protocol: proto}
}

// SendRequest implements IRequestHandler
func (h *CollocatedRequestHandler) SendRequest(ctx context.Context, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error) {
	req.Seal()
	in := protocol.NewIncomingRequest(req, h.protocol)
	req.MarkSent()

	if req.Oneway {
		go func() {
			dctx, cancel := in.DispatchContext(context.Background())
			defer cancel()
			if _, err := h.dispatcher.Dispatch(dctx, in); err != nil {
				Logger.Debugf("Collocated oneway %s failed: %v", in.Operation, err)
			}
		}()
		return nil, nil
	}

	type result struct {
		resp *protocol.OutgoingResponse
	}
	done := make(chan result, 1)
	go func() {
		// the dispatch is not canceled when the caller stops waiting
		dctx, cancel := in.DispatchContext(context.WithoutCancel(ctx))
		defer cancel()
		resp, err := h.dispatcher.Dispatch(dctx, in)
		switch {
		case err != nil:
			resp = protocol.NewResponseFromError(in.Encoding, err)
		case resp == nil:
			resp = protocol.NewOkResponse(in.Encoding, nil)
		}
		done <- result{resp}
	}()

	select {
	case r := <-done:
		return r.resp.ToIncoming(), nil
	case <-ctx.Done():
		return nil, common.NewCancellationError(ctx)
	}
}

// Connection implements IRequestHandler; collocated requests use none
func (h *CollocatedRequestHandler) Connection() *connection.Connection { return nil }
