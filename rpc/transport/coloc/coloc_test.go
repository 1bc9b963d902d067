package coloc

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialAndAccept(t *testing.T) {
	tr := NewColocTransport()
	ep := common.MustParseEndpoint("coloc://adapter")
	config := common.DefaultConfig()

	l, err := tr.Listen(ep, config)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, "adapter", l.Addr().String())

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
	assert.Equal(t, "adapter", client.RemoteAddr().String())

	go func() { _, _ = client.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestDialUnknownIsRefused(t *testing.T) {
	tr := NewColocTransport()
	ep := common.MustParseEndpoint("coloc://missing")

	_, err := tr.Dial(context.Background(), common.NewConnector(ep, ep.Address()), common.DefaultConfig())
	var te *common.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, common.ConnectionRefused, te.Kind)
}

func TestInstancesAreIsolated(t *testing.T) {
	ep := common.MustParseEndpoint("coloc://shared")
	a, b := NewColocTransport(), NewColocTransport()

	l, err := a.Listen(ep, common.DefaultConfig())
	require.NoError(t, err)
	defer l.Close()

	_, err = b.Dial(context.Background(), common.NewConnector(ep, ep.Address()), common.DefaultConfig())
	assert.Error(t, err)

	_, err = a.Listen(ep, common.DefaultConfig())
	assert.Error(t, err, "duplicate name")
}

func TestCloseListener(t *testing.T) {
	tr := NewColocTransport()
	ep := common.MustParseEndpoint("coloc://closing")
	l, err := tr.Listen(ep, common.DefaultConfig())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		done <- err
	}()
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after Close")
	}

	// The name is free again
	l2, err := tr.Listen(ep, common.DefaultConfig())
	require.NoError(t, err)
	l2.Close()
}

func TestDialCanceled(t *testing.T) {
	tr := NewColocTransport()
	ep := common.MustParseEndpoint("coloc://busy")
	l, err := tr.Listen(ep, common.DefaultConfig())
	require.NoError(t, err)
	defer l.Close()

	config := common.DefaultConfig()
	config.ConnectTimeout = 20 * time.Millisecond

	// Nobody accepts, so the dial times out
	_, err = tr.Dial(context.Background(), common.NewConnector(ep, ep.Address()), config)
	var te *common.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, common.ConnectTimeout, te.Kind)
}
