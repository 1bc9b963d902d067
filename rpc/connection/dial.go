package connection

import (
	"context"
	"fmt"
	"net"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/slic"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
)

// Connect dials the connector and returns a validated, active connection.
// Failures are reported as connect errors (common.TransportError with
// IsConnectError set) or as common.CancellationError if ctx was canceled.
// dispatcher serves requests the peer sends back over the connection and may
// be nil.
func Connect(ctx context.Context, registry *transport.Registry, connector common.Connector, config common.Config, dispatcher protocol.Dispatcher) (*Connection, error) {
	connectCtx, cancel := context.WithCancel(ctx)
	if config.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
	}
	defer cancel()

	c := newConnection(connector.Endpoint, false, config, dispatcher)
	proto, err := c.dial(connectCtx, registry, connector)
	if err != nil {
		return nil, connectError(ctx, connectCtx, err)
	}
	if err := c.establish(ctx, connectCtx, proto); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) dial(ctx context.Context, registry *transport.Registry, connector common.Connector) (protocolConn, error) {
	ep := connector.Endpoint
	if t, ok := registry.Multiplexed(ep.Transport); ok {
		if ep.Protocol != common.ProtocolIce2 {
			return nil, common.NewProtocolError(common.ErrUnsupportedProtocol, "%s transport requires ice2", ep.Transport)
		}
		mux, err := t.Dial(ctx, connector, c.config)
		if err != nil {
			return nil, err
		}
		return newIce2Conn(c, mux), nil
	}

	t, ok := registry.Stream(ep.Transport)
	if !ok {
		return nil, registry.Check(ep.Transport)
	}
	netConn, err := t.Dial(ctx, connector, c.config)
	if err != nil {
		return nil, err
	}
	return c.protocolOver(ctx, netConn)
}

// protocolOver runs the endpoint's protocol over a byte stream
func (c *Connection) protocolOver(ctx context.Context, netConn net.Conn) (protocolConn, error) {
	switch c.endpoint.Protocol {
	case common.ProtocolIce1:
		return newIce1Conn(c, netConn), nil
	case common.ProtocolIce2:
		var (
			mux *slic.Conn
			err error
		)
		if c.isServer {
			mux, err = slic.NewServerConn(ctx, netConn, c.config, c.stats)
		} else {
			mux, err = slic.NewClientConn(ctx, netConn, c.config, c.stats)
		}
		if err != nil {
			return nil, err
		}
		return newIce2Conn(c, mux), nil
	default:
		_ = netConn.Close()
		return nil, common.NewProtocolError(common.ErrUnsupportedProtocol, "protocol %s", c.endpoint.Protocol)
	}
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// Listener accepts connections for one endpoint
type Listener struct {
	endpoint   common.Endpoint
	config     common.Config
	dispatcher protocol.Dispatcher
	stream     net.Listener
	mux        transport.IMultiplexedListener
}

// Listen creates a listener for ep. Requests received on accepted connections
// are dispatched to dispatcher.
func Listen(registry *transport.Registry, ep common.Endpoint, config common.Config, dispatcher protocol.Dispatcher) (*Listener, error) {
	l := &Listener{config: config, dispatcher: dispatcher}
	var addr net.Addr

	if t, ok := registry.Multiplexed(ep.Transport); ok {
		if ep.Protocol != common.ProtocolIce2 {
			return nil, fmt.Errorf("%s transport requires ice2", ep.Transport)
		}
		mux, err := t.Listen(ep, config)
		if err != nil {
			return nil, err
		}
		l.mux, addr = mux, mux.Addr()
	} else {
		t, ok := registry.Stream(ep.Transport)
		if !ok {
			return nil, registry.Check(ep.Transport)
		}
		stream, err := t.Listen(ep, config)
		if err != nil {
			return nil, err
		}
		l.stream, addr = stream, stream.Addr()
	}

	l.endpoint = boundEndpoint(ep, addr)
	return l, nil
}

// boundEndpoint replaces port 0 with the port the listener was bound to
func boundEndpoint(ep common.Endpoint, addr net.Addr) common.Endpoint {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return ep.WithPort(uint16(a.Port))
	case *net.UDPAddr:
		return ep.WithPort(uint16(a.Port))
	default:
		return ep
	}
}

// Endpoint returns the endpoint the listener is bound to
func (l *Listener) Endpoint() common.Endpoint { return l.endpoint }

// Accept waits for the next transport connection and returns a function that
// validates it. Validation runs separately so a slow peer does not hold up
// other connections.
func (l *Listener) Accept(ctx context.Context) (func(ctx context.Context) (*Connection, error), error) {
	if l.mux != nil {
		mux, err := l.mux.Accept(ctx)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (*Connection, error) {
			c := newConnection(l.endpoint, true, l.config, l.dispatcher)
			validateCtx, cancel := l.validateContext(ctx)
			defer cancel()
			if err := c.establish(ctx, validateCtx, newIce2Conn(c, mux)); err != nil {
				return nil, err
			}
			return c, nil
		}, nil
	}

	netConn, err := l.stream.Accept()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (*Connection, error) {
		c := newConnection(l.endpoint, true, l.config, l.dispatcher)
		validateCtx, cancel := l.validateContext(ctx)
		defer cancel()
		proto, err := c.protocolOver(validateCtx, netConn)
		if err != nil {
			return nil, connectError(ctx, validateCtx, err)
		}
		if err := c.establish(ctx, validateCtx, proto); err != nil {
			return nil, err
		}
		return c, nil
	}, nil
}

func (l *Listener) validateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.config.ConnectTimeout > 0 {
		return context.WithTimeout(ctx, l.config.ConnectTimeout)
	}
	return context.WithCancel(ctx)
}

// Close stops accepting connections. Accepted connections are not affected.
func (l *Listener) Close() error {
	if l.mux != nil {
		return l.mux.Close()
	}
	return l.stream.Close()
}
