package ws

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopback(t *testing.T) {
	tr := NewWSTransport()
	config := common.DefaultConfig()

	l, err := tr.Listen(common.MustParseEndpoint("ws://127.0.0.1:0/rpc"), config)
	require.NoError(t, err)
	defer l.Close()

	port := uint16(l.Addr().(*net.TCPAddr).Port)
	ep := common.MustParseEndpoint("ws://127.0.0.1:0/rpc").WithPort(port)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := tr.Dial(context.Background(), common.NewConnector(ep, ep.Address()), config)
	require.NoError(t, err)
	server := <-accepted
	defer server.Close()

	// Two writes arrive as one byte stream
	_, err = client.Write([]byte("hel"))
	require.NoError(t, err)
	_, err = client.Write([]byte("lo"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// A large write spans many websocket frames
	big := bytes.Repeat([]byte{7}, 100*1024)
	go func() { _, _ = server.Write(big) }()
	got := make([]byte, len(big))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	// Closing the client ends the server's stream
	require.NoError(t, client.Close())
	_, err = server.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestUpgradeURL(t *testing.T) {
	ep := common.MustParseEndpoint("ws://example.com:8080/api")
	assert.Equal(t, "ws://example.com:8080/api", upgradeURL(common.NewConnector(ep, ep.Address()), false))

	ep = common.MustParseEndpoint("wss://example.com:443")
	assert.Equal(t, "wss://example.com:443/", upgradeURL(common.NewConnector(ep, ep.Address()), true))
}

func TestListenClose(t *testing.T) {
	l, err := NewWSTransport().Listen(common.MustParseEndpoint("ws://127.0.0.1:0"), common.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}
