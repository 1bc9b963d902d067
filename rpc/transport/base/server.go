package base

import (
	"net"

	"github.com/ValentinKolb/slicerpc/rpc/common"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener for the endpoint and returns it
	Listen(ep common.Endpoint, config common.Config) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.Config) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// upgradingListener applies the server connector's upgrade to every accepted
// connection. Connections that cannot be upgraded are dropped.
type upgradingListener struct {
	net.Listener
	server IServerConnector
	config common.Config
}

func (l *upgradingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if err := l.server.UpgradeConnection(conn, l.config); err != nil {
			Logger.Warningf("Dropping connection from %s: upgrade failed: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		return conn, nil
	}
}
