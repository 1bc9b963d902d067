package unix

import (
	"context"
	"net"

	"github.com/ValentinKolb/slicerpc/rpc/common"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(ctx context.Context, connector common.Connector, config common.Config) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", connector.Address)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.Config) error {
	return upgrade(conn, config)
}
