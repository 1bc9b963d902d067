package tcp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/ValentinKolb/slicerpc/rpc/transport/base"
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct {
	name string
	tls  bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return c.name
}

func (c *serverConnector) Listen(ep common.Endpoint, config common.Config) (net.Listener, error) {
	useTLS := c.tls || config.TLSConfig != nil
	if useTLS && (config.TLSConfig == nil || (len(config.TLSConfig.Certificates) == 0 && config.TLSConfig.GetCertificate == nil)) {
		return nil, fmt.Errorf("%s endpoint %s requires a TLS configuration with a certificate", c.name, ep)
	}

	// Create TCP socket listener
	listener, err := net.Listen("tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}

	if useTLS {
		// Socket options are applied by the upgrade; keep the raw TCP
		// connection reachable by accepting through socketListener
		return tls.NewListener(&socketListener{Listener: listener, config: config}, config.TLSConfig), nil
	}
	return listener, nil
}

// UpgradeConnection applies performance optimizations to a TCP connection
// using configuration values from TCPConf and SocketConf
func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.Config) error {
	return applySocketOptions(conn, config)
}

// socketListener applies socket options before the TLS layer wraps the connection
type socketListener struct {
	net.Listener
	config common.Config
}

func (l *socketListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := applySocketOptions(conn, l.config); err != nil {
		base.Logger.Warningf("Failed to apply socket options to %s: %v", conn.RemoteAddr(), err)
	}
	return conn, nil
}

// applySocketOptions sets TCPConf and SocketConf options. Connections that are
// not TCP connections are left untouched.
func applySocketOptions(conn net.Conn, config common.Config) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(config.TCP.TCPNoDelay); err != nil {
		return err
	}

	// Set socket write buffer size if configured
	if config.Socket.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.Socket.WriteBufferSize); err != nil {
			return err
		}
	}

	// Set socket read buffer size if configured
	if config.Socket.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.Socket.ReadBufferSize); err != nil {
			return err
		}
	}

	// Enable TCP keep-alive if configured
	if config.TCP.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(config.TCP.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	// Set linger option if configured
	if config.TCP.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(config.TCP.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Transport Factory Methods
// --------------------------------------------------------------------------

// NewTCPTransport creates the "tcp" transport. It uses TLS when the
// configuration carries a TLS config.
func NewTCPTransport() transport.IStreamTransport {
	return base.NewStreamTransport(&clientConnector{name: "tcp"}, &serverConnector{name: "tcp"})
}

// NewTLSTransport creates the "ssl" transport which always uses TLS
func NewTLSTransport() transport.IStreamTransport {
	return base.NewStreamTransport(&clientConnector{name: "ssl", tls: true}, &serverConnector{name: "ssl", tls: true})
}
