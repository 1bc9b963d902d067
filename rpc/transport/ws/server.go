package ws

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/ValentinKolb/slicerpc/rpc/transport/base"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LogWebSocket)

// serverConnector implements the IServerConnector interface for websockets
type serverConnector struct {
	name   string
	secure bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return c.name
}

func (c *serverConnector) Listen(ep common.Endpoint, config common.Config) (net.Listener, error) {
	secure := c.secure || config.TLSConfig != nil
	if secure && config.TLSConfig == nil {
		return nil, fmt.Errorf("%s endpoint %s requires a TLS configuration", c.name, ep)
	}

	tcpListener, err := net.Listen("tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}
	var netListener net.Listener = tcpListener
	if secure {
		netListener = tls.NewListener(tcpListener, config.TLSConfig)
	}

	l := &listener{
		addr:  tcpListener.Addr(),
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.ConnectTimeout,
			ReadBufferSize:   config.Socket.ReadBufferSize,
			WriteBufferSize:  config.Socket.WriteBufferSize,
			// RPC peers are not browsers; there is no origin to check
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	path := defaultPath
	if p, ok := ep.Option(common.OptionPath); ok {
		path = p
	}

	// Create a new HTTP server
	mux := http.NewServeMux()
	handler := http.HandlerFunc(l.handleUpgrade)
	if config.LogLevel == "debug" {
		handler = loggerMiddleware(handler)
	}
	mux.Handle(path, handler)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(netListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("websocket server on %s stopped: %v", l.addr, err)
		}
	}()
	return l, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.Config) error {
	return nil
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// listener hands upgraded websocket connections from the HTTP server to Accept
type listener struct {
	addr     net.Addr
	server   *http.Server
	upgrader websocket.Upgrader
	conns    chan net.Conn

	done      chan struct{}
	closeOnce sync.Once
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

func (l *listener) Addr() net.Addr {
	return l.addr
}

// handleUpgrade upgrades the HTTP request and passes the connection to Accept
func (l *listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response
		Logger.Debugf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(conn)
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// loggerMiddleware logs every upgrade request
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		Logger.Debugf("%s %s from %s took %s", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	}
}

// --------------------------------------------------------------------------
// Transport Factory Methods
// --------------------------------------------------------------------------

// NewWSTransport creates the "ws" transport
func NewWSTransport() transport.IStreamTransport {
	return base.NewStreamTransport(&clientConnector{name: "ws"}, &serverConnector{name: "ws"})
}

// NewWSSTransport creates the "wss" transport which always uses TLS
func NewWSSTransport() transport.IStreamTransport {
	return base.NewStreamTransport(&clientConnector{name: "wss", secure: true}, &serverConnector{name: "wss", secure: true})
}
