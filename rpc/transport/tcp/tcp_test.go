package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopback(t *testing.T) {
	tr := NewTCPTransport()
	assert.Equal(t, "tcp", tr.GetName())
	config := common.DefaultConfig()
	config.TCP.TCPKeepAliveSec = 30
	config.Socket.ReadBufferSize = 64 * 1024

	l, err := tr.Listen(common.MustParseEndpoint("tcp://127.0.0.1:0"), config)
	require.NoError(t, err)
	defer l.Close()

	port := uint16(l.Addr().(*net.TCPAddr).Port)
	ep := common.MustParseEndpoint("tcp://127.0.0.1:0").WithPort(port)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := tr.Dial(context.Background(), common.NewConnector(ep, ep.Address()), config)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestDialRefused(t *testing.T) {
	// Reserve a port and release it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ep := common.MustParseEndpoint("tcp://" + addr)
	_, err = NewTCPTransport().Dial(context.Background(), common.NewConnector(ep, ep.Address()), common.DefaultConfig())
	var te *common.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, common.ConnectionRefused, te.Kind)
}

func TestTLSListenRequiresCertificate(t *testing.T) {
	_, err := NewTLSTransport().Listen(common.MustParseEndpoint("ssl://127.0.0.1:0"), common.DefaultConfig())
	assert.Error(t, err)
}
