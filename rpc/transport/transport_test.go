package transport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/ValentinKolb/slicerpc/rpc/transport/coloc"
	"github.com/ValentinKolb/slicerpc/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := transport.NewRegistry().
		RegisterStream(tcp.NewTCPTransport(), "default").
		RegisterStream(coloc.NewColocTransport())

	assert.Equal(t, []string{"coloc", "default", "tcp"}, r.Names())

	st, ok := r.Stream("default")
	require.True(t, ok)
	assert.Equal(t, "tcp", st.GetName())

	_, ok = r.Multiplexed("tcp")
	assert.False(t, ok)

	assert.NoError(t, r.Check("coloc"))
	assert.Error(t, r.Check("bogus"))
}

func TestResolveConnectors(t *testing.T) {
	ctx := context.Background()

	connectors, err := transport.ResolveConnectors(ctx, common.MustParseEndpoint("tcp://127.0.0.1:4061?source-address=127.0.0.2"))
	require.NoError(t, err)
	require.Len(t, connectors, 1)
	assert.Equal(t, "127.0.0.1:4061", connectors[0].Address)
	assert.Equal(t, "127.0.0.2", connectors[0].SourceAddress)

	connectors, err = transport.ResolveConnectors(ctx, common.MustParseEndpoint("coloc://adapter"))
	require.NoError(t, err)
	require.Len(t, connectors, 1)
	assert.Equal(t, "adapter", connectors[0].Address)

	connectors, err = transport.ResolveConnectors(ctx, common.MustParseEndpoint("tcp://localhost:4061"))
	require.NoError(t, err)
	require.NotEmpty(t, connectors)
	for _, c := range connectors {
		assert.Contains(t, c.Address, ":4061")
	}
}

func TestOrderEndpoints(t *testing.T) {
	eps := []common.Endpoint{
		common.MustParseEndpoint("tcp://127.0.0.1:1"),
		common.MustParseEndpoint("tcp://127.0.0.1:2"),
		common.MustParseEndpoint("tcp://127.0.0.1:3"),
	}
	assert.Equal(t, eps, transport.OrderEndpoints(eps, common.EndpointSelectionOrdered))

	random := transport.OrderEndpoints(eps, common.EndpointSelectionRandom)
	assert.ElementsMatch(t, eps, random)
	assert.Equal(t, "tcp://127.0.0.1:1?protocol=ice2", eps[0].String(), "input must not be reordered")
}

func TestResetCode(t *testing.T) {
	assert.Equal(t, transport.ResetCanceled, transport.ResetCode(nil))
	assert.Equal(t, transport.ResetCanceled, transport.ResetCode(context.Canceled))
	assert.Equal(t, transport.ResetCanceled, transport.ResetCode(context.DeadlineExceeded))
	assert.Equal(t, transport.ResetRefused, transport.ResetCode(transport.ErrStreamRefused))
	assert.Equal(t, transport.ResetAborted, transport.ResetCode(errors.New("boom")))

	err := &transport.StreamResetError{Code: transport.ResetRefused, Remote: true}
	assert.True(t, err.IsRefused())
	assert.Equal(t, "stream reset by peer (code 2)", err.Error())
}
