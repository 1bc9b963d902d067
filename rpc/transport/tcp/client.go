package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/ValentinKolb/slicerpc/rpc/common"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct {
	name string
	tls  bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return c.name
}

func (c *clientConnector) Connect(ctx context.Context, connector common.Connector, config common.Config) (net.Conn, error) {
	dialer := &net.Dialer{}
	if connector.SourceAddress != "" {
		src, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(connector.SourceAddress, "0"))
		if err != nil {
			return nil, fmt.Errorf("invalid source address %q: %w", connector.SourceAddress, err)
		}
		dialer.LocalAddr = src
	}

	conn, err := dialer.DialContext(ctx, "tcp", connector.Address)
	if err != nil {
		return nil, err
	}

	// TCP options must be applied to the raw socket before it is wrapped
	if err := applySocketOptions(conn, config); err != nil {
		conn.Close()
		return nil, err
	}

	if !c.tls && config.TLSConfig == nil {
		return conn, nil
	}

	tlsConfig := clientTLSConfig(config.TLSConfig, connector)
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.Config) error {
	// Socket options were applied in Connect
	return nil
}

// clientTLSConfig returns a copy of base with the server name derived from the
// endpoint host when base does not set one
func clientTLSConfig(base *tls.Config, connector common.Connector) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = connector.Endpoint.Host
	}
	return cfg
}
