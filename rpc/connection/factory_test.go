package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOutgoing(t *testing.T, s *testServer) *OutgoingFactory {
	t.Helper()
	f := NewOutgoingFactory(s.registry, testConfig(), nil)
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func TestOutgoingFactoryCachesConnections(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	f := newOutgoing(t, s)
	endpoints := []common.Endpoint{s.endpoint}

	var wg sync.WaitGroup
	conns := make([]*Connection, 8)
	for i := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.GetConnection(context.Background(), endpoints, true)
			assert.NoError(t, err)
			conns[i] = c
		}()
	}
	wg.Wait()

	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
	assert.Len(t, f.Connections(), 1)
	assert.Eventually(t, func() bool { return len(s.factory.Connections()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestOutgoingFactoryReconnectsAfterClose(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	f := newOutgoing(t, s)
	endpoints := []common.Endpoint{s.endpoint}

	first, err := f.GetConnection(context.Background(), endpoints, true)
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))
	assert.Empty(t, f.Connections())

	second, err := f.GetConnection(context.Background(), endpoints, true)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateActive, second.State())
}

func TestOutgoingFactorySkipsFailingEndpoints(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	f := newOutgoing(t, s)
	missing := common.MustParseEndpoint("coloc://missing")

	c, err := f.GetConnection(context.Background(), []common.Endpoint{missing, s.endpoint}, false)
	require.NoError(t, err)
	assert.Equal(t, s.endpoint.String(), c.Endpoint().String())
}

func TestOutgoingFactoryReturnsLastError(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	f := newOutgoing(t, s)

	_, err := f.GetConnection(context.Background(), []common.Endpoint{common.MustParseEndpoint("coloc://a")}, false)
	var te *common.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.IsConnectError())

	_, err = f.GetConnection(context.Background(), []common.Endpoint{
		common.MustParseEndpoint("coloc://a"),
		common.MustParseEndpoint("coloc://b"),
	}, false)
	var merr *multierror.Error
	assert.False(t, errors.As(err, &merr), "callers see the failure itself, not an aggregate")
	require.ErrorAs(t, err, &te)
	assert.True(t, te.IsConnectError())
	assert.Contains(t, err.Error(), `"b"`)

	_, err = f.GetConnection(context.Background(), nil, false)
	assert.Error(t, err)
}

func TestOutgoingFactorySharesConnectionPerConnector(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	f := newOutgoing(t, s)

	// Same transport, protocol and address, different spelling
	other := common.MustParseEndpoint("coloc://server?label=other")
	require.NotEqual(t, s.endpoint.String(), other.String())
	require.Equal(t,
		common.NewConnector(s.endpoint, s.endpoint.Address()).Key(),
		common.NewConnector(other, other.Address()).Key())

	first, err := f.GetConnection(context.Background(), []common.Endpoint{s.endpoint}, false)
	require.NoError(t, err)
	second, err := f.GetConnection(context.Background(), []common.Endpoint{other}, false)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, f.Connections(), 1)
}

func TestOutgoingFactoryClose(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	f := NewOutgoingFactory(s.registry, testConfig(), nil)

	c, err := f.GetConnection(context.Background(), []common.Endpoint{s.endpoint}, true)
	require.NoError(t, err)

	require.NoError(t, f.Close(context.Background()))
	assert.Equal(t, StateClosed, c.State())

	_, err = f.GetConnection(context.Background(), []common.Endpoint{s.endpoint}, true)
	assert.True(t, errors.Is(err, common.ErrCommunicatorDestroyed))
	assert.NoError(t, f.Close(context.Background()))
}

func TestIncomingFactoryClose(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			s := startServer(t, proto, testConfig())
			c := s.connect(t, testConfig())
			s.serverConn(t)

			require.NoError(t, s.factory.Close(context.Background()))
			assert.Empty(t, s.factory.Connections())

			select {
			case <-c.Done():
			case <-time.After(3 * time.Second):
				t.Fatal("client did not observe the close")
			}
			var cc *common.ConnectionClosedError
			require.ErrorAs(t, c.Err(), &cc)
			assert.True(t, cc.ByPeer)

			// the listener is gone
			_, err := Connect(context.Background(), s.registry, common.NewConnector(s.endpoint, s.endpoint.Address()), testConfig(), nil)
			assert.Error(t, err)
		})
	}
}
