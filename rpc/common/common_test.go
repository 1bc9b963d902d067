package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityString(t *testing.T) {
	tests := []struct {
		id   Identity
		want string
	}{
		{NewIdentity("", "hello"), "hello"},
		{NewIdentity("cat", "hello"), "cat/hello"},
		{NewIdentity("a/b", `c\d`), `a\/b/c\\d`},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.String())
			parsed, err := ParseIdentity(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}
}

func TestParseIdentityErrors(t *testing.T) {
	for _, s := range []string{"", "a/b/c", `trailing\`, "cat/"} {
		_, err := ParseIdentity(s)
		assert.Error(t, err, s)
	}
}

func TestIdentityWire(t *testing.T) {
	for _, enc := range []encoding.Encoding{encoding.Encoding11, encoding.Encoding20} {
		e := encoding.NewEncoder(enc)
		NewIdentity("cat", "name").Encode(e)
		b, err := e.Finish()
		require.NoError(t, err)
		if enc == encoding.Encoding11 {
			// name first, then category
			assert.Equal(t, []byte{4, 'n', 'a', 'm', 'e', 3, 'c', 'a', 't'}, b)
		}

		id, err := DecodeIdentity(encoding.NewDecoder(b, enc, nil))
		require.NoError(t, err)
		assert.Equal(t, NewIdentity("cat", "name"), id)
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("tcp://localhost:4061?protocol=ice1&source-address=10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "tcp", ep.Transport)
	assert.Equal(t, "localhost", ep.Host)
	assert.Equal(t, uint16(4061), ep.Port)
	assert.Equal(t, ProtocolIce1, ep.Protocol)
	src, ok := ep.Option(OptionSourceAddress)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", src)
	assert.Equal(t, "localhost:4061", ep.Address())

	c := NewConnector(ep, "127.0.0.1:4061")
	assert.Equal(t, "10.0.0.1", c.SourceAddress)
	assert.Contains(t, c.Key(), "127.0.0.1:4061")

	unix, err := ParseEndpoint("unix:///tmp/app.sock")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/app.sock", unix.Address())
	assert.Equal(t, ProtocolIce2, unix.Protocol)

	ws, err := ParseEndpoint("ws://example.org:80/rpc")
	require.NoError(t, err)
	path, _ := ws.Option(OptionPath)
	assert.Equal(t, "/rpc", path)
	assert.Equal(t, "ws://example.org:80/rpc?protocol=ice2", ws.String())
}

func TestParseEndpointErrors(t *testing.T) {
	for _, s := range []string{"localhost:4061", "tcp://:4061", "tcp://host:99999", "tcp://host:1?protocol=ice9"} {
		_, err := ParseEndpoint(s)
		assert.Error(t, err, s)
	}
}

func TestEndpointStringRoundTrip(t *testing.T) {
	ep := NewEndpoint("tcp", "host", 10000, ProtocolIce2, map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "tcp://host:10000?a=1&b=2&protocol=ice2", ep.String())

	parsed, err := ParseEndpoint(ep.String())
	require.NoError(t, err)
	assert.True(t, ep.Equal(parsed))
	assert.False(t, ep.Equal(ep.WithPort(10001)))
}

func TestRetryPolicyOf(t *testing.T) {
	lost := NewTransportError(ConnectionLost, errors.New("reset"))
	assert.Equal(t, RetryImmediately, RetryPolicyOf(lost))
	assert.Equal(t, RetryImmediately, RetryPolicyOf(fmt.Errorf("wrapped: %w", lost)))

	assert.Equal(t, NoRetry, RetryPolicyOf(NewTransportError(InvocationTimeout, nil)))
	assert.Equal(t, NoRetry, RetryPolicyOf(errors.New("plain")))
	assert.Equal(t, RetryImmediately, RetryPolicyOf(&ConnectionClosedError{Graceful: true, ByPeer: true}))

	delayed := &TransportError{Kind: ConnectionRefused, Policy: RetryAfter(time.Second)}
	assert.Equal(t, time.Second, RetryPolicyOf(delayed).Delay)
	assert.True(t, delayed.IsConnectError())
}

func TestErrorMessages(t *testing.T) {
	err := NewObjectNotExistError(NewIdentity("", "obj"), "", "op")
	assert.Equal(t, `ObjectNotExist: identity "obj" operation "op"`, err.Error())

	closed := &ConnectionClosedError{Graceful: true, ByPeer: true, Message: "shutdown"}
	assert.Equal(t, "connection closed by peer: shutdown", closed.Error())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cerr := NewCancellationError(ctx)
	assert.ErrorIs(t, cerr, context.Canceled)

	perr := NewProtocolError(ErrInvalidFrame, "bad type %d", 9)
	assert.ErrorIs(t, perr, ErrInvalidFrame)
}

func TestReplyStatus(t *testing.T) {
	assert.True(t, ReplyOk.HasPayload())
	assert.True(t, ReplyUserException.HasPayload())
	assert.False(t, ReplyObjectNotExist.HasPayload())
	assert.True(t, ReplyUnknownException.IsValid())
	assert.False(t, ReplyStatus(8).IsValid())
	assert.Equal(t, "ReplyStatus(8)", ReplyStatus(8).String())
}

func TestProtocol(t *testing.T) {
	p, err := ParseProtocol("ICE1")
	require.NoError(t, err)
	assert.Equal(t, ProtocolIce1, p)
	assert.Equal(t, encoding.Encoding11, p.Encoding())
	assert.Equal(t, encoding.Encoding20, ProtocolIce2.Encoding())

	b, err := ProtocolIce2.MarshalJSON()
	require.NoError(t, err)
	var back Protocol
	require.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, ProtocolIce2, back)
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, 1, config.MaxRetries())

	bad := []func(c *Config){
		func(c *Config) { c.LogLevel = "loud" },
		func(c *Config) { c.DefaultProtocol = ProtocolUnknown },
		func(c *Config) { c.ConnectTimeout = -1 },
		func(c *Config) { c.RetryIntervals = []time.Duration{-time.Second} },
		func(c *Config) { c.MaxMessageSize = 0 },
		func(c *Config) { c.Slic.MaxBidirectionalStreams = 0 },
		func(c *Config) { c.Slic.PacketMaxSize = 10 },
		func(c *Config) { c.Slic.StreamBufferMaxSize = c.Slic.PacketMaxSize - 1 },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	for _, section := range []string{"LOGGING", "PROTOCOL", "TIMEOUTS", "RETRY", "SLIC", "SOCKETS", "INVOCATION"} {
		assert.True(t, strings.Contains(s, section), section)
	}
	assert.Contains(t, s, "ice2")
}

func TestTracerGating(t *testing.T) {
	var nilTracer *Tracer
	assert.False(t, nilTracer.Enabled(TraceNetwork, 1))
	nilTracer.Trace(TraceNetwork, 1, "ignored")

	tr := NewTracer(TraceLevels{Network: 2, Retry: 1})
	assert.True(t, tr.Enabled(TraceNetwork, 1))
	assert.True(t, tr.Enabled(TraceNetwork, 2))
	assert.False(t, tr.Enabled(TraceNetwork, 3))
	assert.True(t, tr.Enabled(TraceRetry, 1))
	assert.False(t, tr.Enabled(TraceDispatch, 1))
	assert.False(t, tr.Enabled(TraceNetwork, 0))
}

func TestParseLogLevel(t *testing.T) {
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
	for _, l := range []string{"debug", "info", "warn", "warning", "error", ""} {
		_, err := ParseLogLevel(l)
		assert.NoError(t, err, l)
	}
}
