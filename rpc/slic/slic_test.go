package slic

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() common.Config {
	config := common.DefaultConfig()
	config.Slic.PacketMaxSize = 1024
	config.Slic.StreamBufferMaxSize = 4096
	return config
}

// newPair connects a client and a server Conn over net.Pipe
func newPair(t *testing.T, clientConfig, serverConfig common.Config) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		c   *Conn
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := NewServerConn(ctx, b, serverConfig, nil)
		serverCh <- result{c, err}
	}()

	client, err := NewClientConn(ctx, a, clientConfig, nil)
	require.NoError(t, err)
	res := <-serverCh
	require.NoError(t, res.err)

	t.Cleanup(func() {
		client.Close(nil)
		res.c.Close(nil)
	})
	return client, res.c
}

func accept(t *testing.T, c *Conn) transport.IStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.AcceptStream(ctx)
	require.NoError(t, err)
	return s
}

func TestHandshake(t *testing.T) {
	clientConfig := testConfig()
	clientConfig.IdleTimeout = 30 * time.Second
	serverConfig := testConfig()
	serverConfig.Slic.MaxBidirectionalStreams = 7
	serverConfig.IdleTimeout = 10 * time.Second

	client, server := newPair(t, clientConfig, serverConfig)
	assert.Equal(t, 7, client.peer.maxBidi)
	assert.Equal(t, 1024, client.peer.packetMaxSize)
	assert.Equal(t, 100, server.peer.maxBidi)
	assert.Equal(t, 10*time.Second, client.IdleTimeout())
	assert.Equal(t, 10*time.Second, server.IdleTimeout())
}

func TestStreamRoundTrip(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())

	s, err := client.OpenStream(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), s.ID(), "ids are assigned on first write")
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	assert.Equal(t, int64(0), s.ID())

	remote := accept(t, server)
	assert.True(t, remote.IsRemote())
	assert.True(t, remote.IsBidirectional())
	req, err := io.ReadAll(remote)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(req))

	_, err = remote.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, remote.CloseWrite())

	resp, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "world", string(resp))

	// Writing after the fin fails
	_, err = s.Write([]byte("x"))
	assert.Error(t, err)
}

func TestStreamIDParity(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())
	ctx := context.Background()

	open := func(c *Conn, bidi bool) int64 {
		s, err := c.OpenStream(ctx, bidi)
		require.NoError(t, err)
		_, err = s.Write([]byte{1})
		require.NoError(t, err)
		return s.ID()
	}

	var clientBidi, serverBidi, clientUni, serverUni []int64
	for i := 0; i < 3; i++ {
		clientBidi = append(clientBidi, open(client, true))
		serverBidi = append(serverBidi, open(server, true))
		clientUni = append(clientUni, open(client, false))
		serverUni = append(serverUni, open(server, false))
	}
	assert.Equal(t, []int64{0, 4, 8}, clientBidi)
	assert.Equal(t, []int64{1, 5, 9}, serverBidi)
	assert.Equal(t, []int64{2, 6, 10}, clientUni)
	assert.Equal(t, []int64{3, 7, 11}, serverUni)

	// The peer sees the same ids
	seen := map[int64]bool{}
	for i := 0; i < 6; i++ {
		s := accept(t, server)
		assert.Equal(t, int64(0), s.ID()%2, "client opened ids are even")
		seen[s.ID()] = true
	}
	assert.Len(t, seen, 6)
}

func TestFlowControl(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	s, err := client.OpenStream(context.Background(), false)
	require.NoError(t, err)

	writeErr := make(chan error, 1)
	go func() {
		if _, err := s.Write(payload); err != nil {
			writeErr <- err
			return
		}
		writeErr <- s.CloseWrite()
	}()

	remote := accept(t, server)
	assert.False(t, remote.IsBidirectional())
	got, err := io.ReadAll(remote)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	assert.Equal(t, payload, got)

	_, err = remote.Write([]byte("x"))
	assert.Error(t, err, "remote unidirectional streams are read only")
}

func TestStreamLimit(t *testing.T) {
	serverConfig := testConfig()
	serverConfig.Slic.MaxBidirectionalStreams = 1
	client, server := newPair(t, testConfig(), serverConfig)

	first, err := client.OpenStream(context.Background(), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.OpenStream(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Waiters are served once the first stream completes on both sides
	second := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.OpenStream(ctx, true)
		second <- err
	}()

	require.NoError(t, first.CloseWrite())
	remote := accept(t, server)
	_, err = io.ReadAll(remote)
	require.NoError(t, err)
	require.NoError(t, remote.CloseWrite())
	_, err = io.ReadAll(first)
	require.NoError(t, err)

	assert.NoError(t, <-second)
}

func TestStreamLimitSequentialExchanges(t *testing.T) {
	serverConfig := testConfig()
	serverConfig.Slic.MaxBidirectionalStreams = 1
	client, server := newPair(t, testConfig(), serverConfig)

	const exchanges = 20
	served := make(chan error, 1)
	go func() {
		for i := 0; i < exchanges; i++ {
			remote, err := server.AcceptStream(context.Background())
			if err != nil {
				served <- err
				return
			}
			req, err := io.ReadAll(remote)
			if err != nil {
				served <- err
				return
			}
			if _, err := remote.Write(req); err != nil {
				served <- err
				return
			}
			if err := remote.CloseWrite(); err != nil {
				served <- err
				return
			}
		}
		served <- nil
	}()

	for i := 0; i < exchanges; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s, err := client.OpenStream(ctx, true)
		cancel()
		require.NoError(t, err, "exchange %d", i)
		_, err = s.Write([]byte{byte(i)})
		require.NoError(t, err, "exchange %d", i)
		require.NoError(t, s.CloseWrite(), "exchange %d", i)
		resp, err := io.ReadAll(s)
		require.NoError(t, err, "exchange %d", i)
		assert.Equal(t, []byte{byte(i)}, resp)
	}
	require.NoError(t, <-served)
	assert.NoError(t, server.Err())
	assert.NoError(t, client.Err())
}

func TestReset(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())

	s, err := client.OpenStream(context.Background(), true)
	require.NoError(t, err)
	_, err = s.Write([]byte("abc"))
	require.NoError(t, err)

	remote := accept(t, server)
	s.Reset(context.Canceled)

	_, err = io.ReadAll(remote)
	var resetErr *transport.StreamResetError
	require.True(t, errors.As(err, &resetErr))
	assert.True(t, resetErr.Remote)
	assert.Equal(t, transport.ResetCanceled, resetErr.Code)

	// The local side fails immediately and discards buffered data
	_, err = s.Read(make([]byte, 1))
	require.True(t, errors.As(err, &resetErr))
	assert.False(t, resetErr.Remote)

	// Other streams are unaffected
	other, err := client.OpenStream(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, other.CloseWrite())
	_, err = io.ReadAll(accept(t, server))
	assert.NoError(t, err)
}

func TestCloseAbortsStreams(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())

	s, err := client.OpenStream(context.Background(), true)
	require.NoError(t, err)
	_, err = s.Write([]byte("x"))
	require.NoError(t, err)
	accept(t, server)

	readErr := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		readErr <- err
	}()

	server.Close(errors.New("shutting down"))

	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not aborted")
	}
	<-client.Done()
	assert.Error(t, client.Err())

	_, err = client.OpenStream(context.Background(), true)
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	client, _ := newPair(t, testConfig(), testConfig())
	before := client.LastActivity()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, client.Ping(context.Background()))
	assert.Eventually(t, func() bool {
		return client.LastActivity().After(before)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStats(t *testing.T) {
	a, b := net.Pipe()
	registry := metrics.NewRegistry()
	go func() { _, _ = NewServerConn(context.Background(), b, testConfig(), nil) }()
	client, err := NewClientConn(context.Background(), a, testConfig(), registry)
	require.NoError(t, err)
	defer client.Close(nil)

	s, err := client.OpenStream(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())

	opened := registry.Get("slic.streams.opened").(metrics.Counter)
	assert.Equal(t, int64(1), opened.Count())
	sent := registry.Get("slic.frames.sent").(metrics.Counter)
	assert.GreaterOrEqual(t, sent.Count(), int64(2), "Initialize and StreamLast")
}

func TestVersionNegotiation(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	serverErr := make(chan error, 1)
	go func() {
		c, err := NewServerConn(context.Background(), b, testConfig(), nil)
		if err == nil {
			c.Close(nil)
		}
		serverErr <- err
	}()

	// Offer an unknown version first
	body, err := encodeInitialize(7, nil)
	require.NoError(t, err)
	_, err = a.Write(append(appendHeader(nil, FrameInitialize, len(body)), body...))
	require.NoError(t, err)

	r := bufio.NewReader(a)
	f, err := readFrame(r, 0)
	require.NoError(t, err)
	require.Equal(t, FrameVersion, f.typ)
	versions, err := decodeVersion(f.body)
	require.NoError(t, err)
	assert.Equal(t, []uint64{Version1}, versions)

	// Retry with the supported version
	body, err = encodeInitialize(Version1, map[int32]uint64{ParamPacketMaxSize: 2048})
	require.NoError(t, err)
	_, err = a.Write(append(appendHeader(nil, FrameInitialize, len(body)), body...))
	require.NoError(t, err)

	f, err = readFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameInitializeAck, f.typ)
	assert.NoError(t, <-serverErr)
}

func TestClientRejectsUnsupportedVersion(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	go func() {
		r := bufio.NewReader(b)
		if _, err := readFrame(r, 0); err != nil {
			return
		}
		body, _ := encodeVersion([]uint64{9})
		_, _ = b.Write(append(appendHeader(nil, FrameVersion, len(body)), body...))
	}()

	_, err := NewClientConn(context.Background(), a, testConfig(), nil)
	var pe *common.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, common.ErrUnsupportedProtocol)
}

func TestHandshakeTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Nobody reads the Initialize frame
	_, err := NewClientConn(ctx, a, testConfig(), nil)
	var te *common.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, common.ConnectTimeout, te.Kind)
}

func TestReadFrameErrors(t *testing.T) {
	_, err := readFrame(bufio.NewReader(bytes.NewReader([]byte{42, 0})), 0)
	assert.ErrorIs(t, err, common.ErrInvalidFrame)

	b := appendHeader(nil, FramePing, 100)
	b = append(b, make([]byte, 100)...)
	_, err = readFrame(bufio.NewReader(bytes.NewReader(b)), 50)
	assert.ErrorIs(t, err, common.ErrFrameTooLarge)

	_, err = readFrame(bufio.NewReader(bytes.NewReader(b[:10])), 0)
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	s := appendStreamHeader(nil, FrameStream, 4, 3)
	s = append(s, 'a', 'b', 'c')
	f, err := readFrame(bufio.NewReader(bytes.NewReader(s)), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.streamID)
	assert.Equal(t, []byte("abc"), f.body)
}
