package ws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/gorilla/websocket"
)

// defaultPath is the upgrade path used when the endpoint has no path option
const defaultPath = "/"

// clientConnector implements the IClientConnector interface for websockets
type clientConnector struct {
	name   string
	secure bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return c.name
}

func (c *clientConnector) Connect(ctx context.Context, connector common.Connector, config common.Config) (net.Conn, error) {
	netDialer := &net.Dialer{}
	if connector.SourceAddress != "" {
		src, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(connector.SourceAddress, "0"))
		if err != nil {
			return nil, fmt.Errorf("invalid source address %q: %w", connector.SourceAddress, err)
		}
		netDialer.LocalAddr = src
	}

	dialer := &websocket.Dialer{
		NetDialContext:   netDialer.DialContext,
		HandshakeTimeout: config.ConnectTimeout,
		ReadBufferSize:   config.Socket.ReadBufferSize,
		WriteBufferSize:  config.Socket.WriteBufferSize,
	}

	secure := c.secure || config.TLSConfig != nil
	if secure {
		var tlsConfig *tls.Config
		if config.TLSConfig != nil {
			tlsConfig = config.TLSConfig.Clone()
		} else {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = connector.Endpoint.Host
		}
		dialer.TLSClientConfig = tlsConfig
	}

	conn, resp, err := dialer.DialContext(ctx, upgradeURL(connector, secure), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.Config) error {
	return nil
}

// upgradeURL builds the websocket URL for a connector
func upgradeURL(connector common.Connector, secure bool) string {
	u := url.URL{Scheme: "ws", Host: connector.Address, Path: defaultPath}
	if secure {
		u.Scheme = "wss"
	}
	if p, ok := connector.Endpoint.Option(common.OptionPath); ok {
		u.Path = p
	}
	return u.String()
}
