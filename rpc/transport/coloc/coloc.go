package coloc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/ValentinKolb/slicerpc/rpc/transport/base"
)

// addr is the net.Addr of both ends of a collocated connection
type addr string

func (a addr) Network() string { return "coloc" }
func (a addr) String() string  { return string(a) }

// hub holds the listeners of one coloc transport instance. Names are only
// visible to dialers of the same instance.
type hub struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

// clientConnector implements base.IClientConnector for in-process connections
type clientConnector struct {
	hub *hub
}

func (c *clientConnector) GetName() string {
	return "coloc"
}

func (c *clientConnector) Connect(ctx context.Context, connector common.Connector, config common.Config) (net.Conn, error) {
	c.hub.mu.Lock()
	l, ok := c.hub.listeners[connector.Address]
	c.hub.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no coloc listener named %q: %w", connector.Address, syscall.ECONNREFUSED)
	}
	return l.dial(ctx)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.Config) error {
	return nil
}

// serverConnector implements base.IServerConnector for in-process connections
type serverConnector struct {
	hub *hub
}

func (c *serverConnector) GetName() string {
	return "coloc"
}

func (c *serverConnector) Listen(ep common.Endpoint, config common.Config) (net.Listener, error) {
	name := ep.Address()
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, exists := c.hub.listeners[name]; exists {
		return nil, fmt.Errorf("coloc listener %q already exists: %w", name, syscall.EADDRINUSE)
	}
	l := &listener{
		name:  name,
		hub:   c.hub,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	c.hub.listeners[name] = l
	return l, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.Config) error {
	return nil
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

type listener struct {
	name  string
	hub   *hub
	conns chan net.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// dial creates a pipe and waits until Accept takes the server end
func (l *listener) dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case l.conns <- &conn{Conn: server, local: addr(l.name), remote: addr(l.name + "#client")}:
		return &conn{Conn: client, local: addr(l.name + "#client"), remote: addr(l.name)}, nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("coloc listener %q closed: %w", l.name, syscall.ECONNREFUSED)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		l.hub.mu.Lock()
		if l.hub.listeners[l.name] == l {
			delete(l.hub.listeners, l.name)
		}
		l.hub.mu.Unlock()
		close(l.done)
	})
	return nil
}

func (l *listener) Addr() net.Addr {
	return addr(l.name)
}

// conn overrides the pipe addresses
type conn struct {
	net.Conn
	local, remote net.Addr
}

func (c *conn) LocalAddr() net.Addr  { return c.local }
func (c *conn) RemoteAddr() net.Addr { return c.remote }

// --------------------------------------------------------------------------
// Transport Factory Method
// --------------------------------------------------------------------------

// NewColocTransport creates an in-process transport. Listeners created by the
// returned transport can only be reached through the same instance.
func NewColocTransport() transport.IStreamTransport {
	h := &hub{listeners: make(map[string]*listener)}
	return base.NewStreamTransport(&clientConnector{hub: h}, &serverConnector{hub: h})
}
