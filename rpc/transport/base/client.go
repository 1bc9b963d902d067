package base

import (
	"context"
	"net"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LogTransport)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the connector's address
	Connect(ctx context.Context, connector common.Connector, config common.Config) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.Config) error
}

// -----------------------------------------------------------
// Stream Transport
// -----------------------------------------------------------

// streamTransport implements transport.IStreamTransport on top of a client and
// a server connector. It owns everything that is independent of the medium:
// connect timeouts, error classification and connection upgrades.
type streamTransport struct {
	client IClientConnector
	server IServerConnector
}

// NewStreamTransport creates a byte stream transport from its connectors
func NewStreamTransport(client IClientConnector, server IServerConnector) transport.IStreamTransport {
	return &streamTransport{client: client, server: server}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IStreamTransport)
// --------------------------------------------------------------------------

func (t *streamTransport) GetName() string {
	return t.client.GetName()
}

func (t *streamTransport) Dial(ctx context.Context, connector common.Connector, config common.Config) (net.Conn, error) {
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	conn, err := t.client.Connect(ctx, connector, config)
	if err != nil {
		return nil, ClassifyDialError(ctx, err)
	}

	// Upgrade the connection with transport-specific settings
	if err := t.client.UpgradeConnection(conn, config); err != nil {
		conn.Close()
		return nil, common.NewTransportError(common.ConnectFailed, err)
	}

	Logger.Debugf("Connected to %s using %s transport", connector, t.client.GetName())
	return conn, nil
}

func (t *streamTransport) Listen(ep common.Endpoint, config common.Config) (net.Listener, error) {
	listener, err := t.server.Listen(ep, config)
	if err != nil {
		return nil, err
	}
	Logger.Infof("Starting %s listener on %s", t.server.GetName(), listener.Addr())
	return &upgradingListener{Listener: listener, server: t.server, config: config}, nil
}
