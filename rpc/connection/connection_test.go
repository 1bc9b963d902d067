package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/protocol/ice1"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/ValentinKolb/slicerpc/rpc/transport/coloc"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var protocols = []string{"ice1", "ice2"}

func testConfig() common.Config {
	config := common.DefaultConfig()
	config.ConnectTimeout = 2 * time.Second
	config.CloseTimeout = 5 * time.Second
	config.IdleTimeout = 0
	return config
}

// testServer is a coloc server with a dispatcher that echoes the payload.
// Operation "block" waits for release, "fail" returns an error.
type testServer struct {
	registry *transport.Registry
	factory  *IncomingFactory
	endpoint common.Endpoint

	started chan string
	release chan struct{}
	calls   atomic.Int32
}

func startServer(t *testing.T, proto string, config common.Config) *testServer {
	t.Helper()
	s := &testServer{
		registry: transport.NewRegistry().RegisterStream(coloc.NewColocTransport()),
		started:  make(chan string, 16),
		release:  make(chan struct{}),
	}

	dispatcher := protocol.DispatcherFunc(func(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
		s.calls.Add(1)
		switch req.Operation {
		case "block":
			s.started <- req.Connection
			select {
			case <-s.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case "fail":
			return nil, errors.New("boom")
		}
		return protocol.NewOkResponse(req.Encoding, req.Payload), nil
	})

	ep := common.MustParseEndpoint("coloc://server?protocol=" + proto)
	f, err := NewIncomingFactory(s.registry, ep, config, dispatcher)
	require.NoError(t, err)
	f.Activate()
	s.factory, s.endpoint = f, f.Endpoint()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Close(ctx)
	})
	return s
}

func (s *testServer) connect(t *testing.T, config common.Config) *Connection {
	t.Helper()
	c, err := Connect(context.Background(), s.registry, common.NewConnector(s.endpoint, s.endpoint.Address()), config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Abort(nil) })
	return c
}

// serverConn returns the single connection accepted by the server
func (s *testServer) serverConn(t *testing.T) *Connection {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.factory.Connections()) == 1 }, 2*time.Second, 5*time.Millisecond)
	return s.factory.Connections()[0]
}

func (s *testServer) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d dispatches started", i, n)
		}
	}
}

func newRequest(ep common.Endpoint, operation string, payload []byte) *protocol.OutgoingRequest {
	return protocol.NewOutgoingRequest(common.NewIdentity("", "obj"), operation, ep.Protocol.Encoding(), payload)
}

func TestInvokeRoundTrip(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			s := startServer(t, proto, testConfig())
			c := s.connect(t, testConfig())
			assert.Equal(t, StateActive, c.State())
			assert.False(t, c.IsServer())

			req := newRequest(s.endpoint, "echo", []byte{1, 2, 3})
			resp, err := c.Invoke(context.Background(), req)
			require.NoError(t, err)
			assert.True(t, req.IsSent())
			assert.True(t, req.IsSealed())

			payload, err := resp.Result(nil)
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, payload)
			assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("connection.invocations", c.Stats()).Count())

			server := s.serverConn(t)
			assert.True(t, server.IsServer())
			assert.Equal(t, StateActive, server.State())
		})
	}
}

func TestOnewayInvocation(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			s := startServer(t, proto, testConfig())
			c := s.connect(t, testConfig())

			req := newRequest(s.endpoint, "echo", nil)
			req.Oneway = true
			resp, err := c.Invoke(context.Background(), req)
			require.NoError(t, err)
			assert.Nil(t, resp)
			assert.Eventually(t, func() bool { return s.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestDispatchErrorKeepsConnectionOpen(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			s := startServer(t, proto, testConfig())
			c := s.connect(t, testConfig())

			resp, err := c.Invoke(context.Background(), newRequest(s.endpoint, "fail", nil))
			require.NoError(t, err)
			assert.Equal(t, common.ReplyUnknownLocalException, resp.Status)
			_, err = resp.Result(nil)
			var de *common.DispatchError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "boom", de.Message)

			resp, err = c.Invoke(context.Background(), newRequest(s.endpoint, "echo", []byte{9}))
			require.NoError(t, err)
			assert.Equal(t, common.ReplyOk, resp.Status)
			assert.Equal(t, StateActive, c.State())
		})
	}
}

func TestCancellationIsolation(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			s := startServer(t, proto, testConfig())
			c := s.connect(t, testConfig())

			ctxA, cancelA := context.WithCancel(context.Background())
			errA := make(chan error, 1)
			go func() {
				_, err := c.Invoke(ctxA, newRequest(s.endpoint, "block", nil))
				errA <- err
			}()
			respB := make(chan error, 1)
			go func() {
				resp, err := c.Invoke(context.Background(), newRequest(s.endpoint, "block", []byte{2}))
				if err == nil && resp.Status != common.ReplyOk {
					err = resp.Err
				}
				respB <- err
			}()
			s.waitStarted(t, 2)

			cancelA()
			var ce *common.CancellationError
			require.ErrorAs(t, <-errA, &ce)
			assert.ErrorIs(t, ce, context.Canceled)

			close(s.release)
			require.NoError(t, <-respB)
			assert.Equal(t, StateActive, c.State())
		})
	}
}

func TestGracefulCloseDrains(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			s := startServer(t, proto, testConfig())
			c := s.connect(t, testConfig())

			const n = 3
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := c.Invoke(context.Background(), newRequest(s.endpoint, "block", nil))
					errs <- err
				}()
			}
			s.waitStarted(t, n)

			closed := make(chan error, 1)
			go func() { closed <- c.Close(context.Background()) }()
			require.Eventually(t, func() bool { return c.State() == StateClosing }, 2*time.Second, time.Millisecond)

			_, err := c.Invoke(context.Background(), newRequest(s.endpoint, "echo", nil))
			var cc *common.ConnectionClosedError
			require.ErrorAs(t, err, &cc)
			assert.True(t, cc.Graceful)
			assert.False(t, cc.ByPeer)

			select {
			case <-c.Done():
				t.Fatal("connection closed before in-flight requests finished")
			case <-time.After(50 * time.Millisecond):
			}

			close(s.release)
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}

			select {
			case err := <-closed:
				require.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("close did not complete")
			}
			assert.Equal(t, StateClosed, c.State())
			require.ErrorAs(t, c.Err(), &cc)
			assert.True(t, cc.Graceful)

			// the server side follows
			require.Eventually(t, func() bool { return len(s.factory.Connections()) == 0 }, 3*time.Second, 5*time.Millisecond)
		})
	}
}

func TestCloseTimeoutAborts(t *testing.T) {
	config := testConfig()
	config.CloseTimeout = 100 * time.Millisecond
	s := startServer(t, "ice2", testConfig())
	c := s.connect(t, config)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), newRequest(s.endpoint, "block", nil))
		errCh <- err
	}()
	s.waitStarted(t, 1)

	require.NoError(t, c.Close(context.Background()))
	var te *common.TransportError
	require.ErrorAs(t, c.Err(), &te)
	assert.Equal(t, common.ConnectionAborted, te.Kind)
	assert.Error(t, <-errCh)
	close(s.release)
}

func TestPeerCloseRejectsNewRequests(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	c := s.connect(t, testConfig())

	inflight := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), newRequest(s.endpoint, "block", nil))
		inflight <- err
	}()
	s.waitStarted(t, 1)

	server := s.serverConn(t)
	serverClosed := make(chan error, 1)
	go func() { serverClosed <- server.Close(context.Background()) }()

	// GoAway moves the client to Closing; the in-flight request still completes
	require.Eventually(t, func() bool { return c.State() == StateClosing }, 2*time.Second, time.Millisecond)
	_, err := c.Invoke(context.Background(), newRequest(s.endpoint, "echo", nil))
	var cc *common.ConnectionClosedError
	require.ErrorAs(t, err, &cc)
	assert.True(t, cc.Graceful)
	assert.True(t, cc.ByPeer)
	assert.True(t, common.RetryPolicyOf(err).Retryable)

	close(s.release)
	require.NoError(t, <-inflight)
	require.NoError(t, <-serverClosed)

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not close")
	}
	require.ErrorAs(t, c.Err(), &cc)
	assert.True(t, cc.ByPeer)
}

func TestIce1PeerClose(t *testing.T) {
	s := startServer(t, "ice1", testConfig())
	c := s.connect(t, testConfig())

	_, err := c.Invoke(context.Background(), newRequest(s.endpoint, "echo", nil))
	require.NoError(t, err)
	require.NoError(t, s.serverConn(t).Close(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not close")
	}
	var cc *common.ConnectionClosedError
	require.ErrorAs(t, c.Err(), &cc)
	assert.True(t, cc.Graceful)
	assert.True(t, cc.ByPeer)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	c := s.connect(t, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, StateClosed, c.State())
	assert.NoError(t, c.Close(context.Background()))
}

func TestAbortFailsPendingRequests(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			s := startServer(t, proto, testConfig())
			c := s.connect(t, testConfig())

			errCh := make(chan error, 1)
			go func() {
				_, err := c.Invoke(context.Background(), newRequest(s.endpoint, "block", nil))
				errCh <- err
			}()
			s.waitStarted(t, 1)

			cause := common.NewTransportError(common.ConnectionAborted, errors.New("test"))
			var closedCb atomic.Bool
			c.OnClose(func(*Connection, error) { closedCb.Store(true) })
			c.Abort(cause)

			select {
			case err := <-errCh:
				assert.Error(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("pending request did not fail")
			}
			assert.Equal(t, cause, c.Err())
			assert.True(t, closedCb.Load())
			close(s.release)
		})
	}
}

func TestIdleTimeoutClosesUnusedConnection(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			config := testConfig()
			config.IdleTimeout = 200 * time.Millisecond
			s := startServer(t, proto, config)
			c := s.connect(t, config)

			select {
			case <-c.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("idle connection was not closed")
			}
			var cc *common.ConnectionClosedError
			require.ErrorAs(t, c.Err(), &cc)
			assert.True(t, cc.Graceful)
		})
	}
}

func TestKeepAliveKeepsConnectionOpen(t *testing.T) {
	for _, proto := range protocols {
		t.Run(proto, func(t *testing.T) {
			config := testConfig()
			config.IdleTimeout = 200 * time.Millisecond
			config.KeepAlive = true
			s := startServer(t, proto, config)
			c := s.connect(t, config)

			time.Sleep(600 * time.Millisecond)
			assert.Equal(t, StateActive, c.State())
		})
	}
}

func TestIce1KeepAliveOnOneSide(t *testing.T) {
	serverConfig := testConfig()
	serverConfig.IdleTimeout = 200 * time.Millisecond
	s := startServer(t, "ice1", serverConfig)

	config := serverConfig
	config.KeepAlive = true
	c := s.connect(t, config)

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, StateActive, c.State())
}

func TestIce1SilentPeerIsDetected(t *testing.T) {
	registry := transport.NewRegistry().RegisterStream(coloc.NewColocTransport())
	ep := common.MustParseEndpoint("coloc://silent?protocol=ice1")
	colocTransport, _ := registry.Stream("coloc")
	ln, err := colocTransport.Listen(ep, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// The peer validates the connection, then only reads
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := conn.Write(ice1.AppendMessage(nil, ice1.MessageValidateConnection, nil)); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
	}()

	config := testConfig()
	config.IdleTimeout = 200 * time.Millisecond
	config.KeepAlive = true
	c, err := Connect(context.Background(), registry, common.NewConnector(ep, ep.Address()), config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Abort(nil) })

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection to a silent peer is still %s", c.State())
	}
	var te *common.TransportError
	require.ErrorAs(t, c.Err(), &te)
	assert.Equal(t, common.ConnectionLost, te.Kind)
}

func TestConnectRefused(t *testing.T) {
	registry := transport.NewRegistry().RegisterStream(coloc.NewColocTransport())
	ep := common.MustParseEndpoint("coloc://nobody")

	_, err := Connect(context.Background(), registry, common.NewConnector(ep, ep.Address()), testConfig(), nil)
	var te *common.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.IsConnectError())
}

func TestConnectCanceled(t *testing.T) {
	s := startServer(t, "ice2", testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, s.registry, common.NewConnector(s.endpoint, s.endpoint.Address()), testConfig(), nil)
	var ce *common.CancellationError
	require.ErrorAs(t, err, &ce)
}

func TestUnknownTransport(t *testing.T) {
	registry := transport.NewRegistry()
	ep := common.MustParseEndpoint("coloc://server")
	_, err := Connect(context.Background(), registry, common.NewConnector(ep, ep.Address()), testConfig(), nil)
	assert.Error(t, err)

	_, err = Listen(registry, ep, testConfig(), nil)
	assert.Error(t, err)
}

func TestRequestTooLarge(t *testing.T) {
	config := testConfig()
	config.MaxMessageSize = 64
	s := startServer(t, "ice2", testConfig())
	c := s.connect(t, config)

	_, err := c.Invoke(context.Background(), newRequest(s.endpoint, "echo", make([]byte, 128)))
	assert.ErrorIs(t, err, common.ErrFrameTooLarge)
	assert.Equal(t, StateActive, c.State())
}
