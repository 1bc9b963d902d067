package slic

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/slicerpc/lib/util"
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/ValentinKolb/slicerpc/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/semaphore"
)

var Logger = logger.GetLogger(common.LogSlic)

// handshakeMaxSize limits Initialize, InitializeAck and Version frames
const handshakeMaxSize = 4096

// peerParams are the limits announced by the peer
type peerParams struct {
	maxBidi             int
	maxUni              int
	packetMaxSize       int
	streamBufferMaxSize int
	idleTimeout         time.Duration
}

// Conn multiplexes streams over one byte stream connection. It implements
// transport.IMultiplexedConnection.
//
// A single reader goroutine demultiplexes incoming frames into the stream
// buffers. It never writes synchronously; replies to Ping are sent from
// their own goroutines so a peer that is blocked writing cannot deadlock it.
type Conn struct {
	netConn  net.Conn
	reader   *bufio.Reader
	isServer bool
	config   common.Config
	peer     peerParams
	tracer   *common.Tracer

	// writeMu serializes frames on the wire and guards local id assignment
	writeMu    sync.Mutex
	headerBuf  []byte
	nextBidiID int64
	nextUniID  int64

	// bidiSem and uniSem bound local streams by the peer's limits (FIFO)
	bidiSem *semaphore.Weighted
	uniSem  *semaphore.Weighted

	streams *xsync.MapOf[int64, *stream]

	// Remote streams. last* and the counts are owned by the reader loop
	// except for decrements on completion.
	lastRemoteBidi  int64
	lastRemoteUni   int64
	remoteBidiCount atomic.Int32
	remoteUniCount  atomic.Int32

	// accepted hands streams opened by the peer from the reader loop to
	// AcceptStream
	accepted *util.LockFreeMPSC[stream]

	lastActivity atomic.Int64

	framesSent      metrics.Counter
	framesReceived  metrics.Counter
	bytesSent       metrics.Counter
	bytesReceived   metrics.Counter
	streamsOpened   metrics.Counter
	streamsAccepted metrics.Counter

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewClientConn performs the client side of the Slic handshake on netConn and
// starts the reader loop. Stats are registered in registry (nil creates one).
func NewClientConn(ctx context.Context, netConn net.Conn, config common.Config, registry metrics.Registry) (*Conn, error) {
	c := newConn(netConn, false, config, registry)
	if err := c.handshake(ctx, c.clientHandshake); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// NewServerConn performs the server side of the Slic handshake on netConn and
// starts the reader loop
func NewServerConn(ctx context.Context, netConn net.Conn, config common.Config, registry metrics.Registry) (*Conn, error) {
	c := newConn(netConn, true, config, registry)
	if err := c.handshake(ctx, c.serverHandshake); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func newConn(netConn net.Conn, isServer bool, config common.Config, registry metrics.Registry) *Conn {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	c := &Conn{
		netConn:         netConn,
		reader:          bufio.NewReaderSize(netConn, 64*1024),
		isServer:        isServer,
		config:          config,
		tracer:          common.NewTracer(config.Trace),
		headerBuf:       make([]byte, 0, frameHeaderMaxSize),
		streams:         xsync.NewMapOf[int64, *stream](),
		lastRemoteBidi:  -1,
		lastRemoteUni:   -1,
		accepted:        util.NewLockFreeMPSC[stream](),
		done:            make(chan struct{}),
		framesSent:      metrics.GetOrRegisterCounter("slic.frames.sent", registry),
		framesReceived:  metrics.GetOrRegisterCounter("slic.frames.received", registry),
		bytesSent:       metrics.GetOrRegisterCounter("slic.bytes.sent", registry),
		bytesReceived:   metrics.GetOrRegisterCounter("slic.bytes.received", registry),
		streamsOpened:   metrics.GetOrRegisterCounter("slic.streams.opened", registry),
		streamsAccepted: metrics.GetOrRegisterCounter("slic.streams.accepted", registry),
	}
	// client bidi 0, server bidi 1, client uni 2, server uni 3 (mod 4)
	c.nextBidiID, c.nextUniID = 0, 2
	if isServer {
		c.nextBidiID, c.nextUniID = 1, 3
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

// handshake runs fn with ctx mapped onto the connection deadline
func (c *Conn) handshake(ctx context.Context, fn func() error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.netConn.SetDeadline(time.Unix(1, 0))
	})
	err := fn()
	if !stop() {
		// ctx expired during the handshake
		c.netConn.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return common.NewTransportError(common.ConnectTimeout, ctx.Err())
		}
		return ctx.Err()
	}
	if err != nil {
		c.netConn.Close()
		return base.ClassifyIOError(err)
	}
	return nil
}

func (c *Conn) localParams() map[int32]uint64 {
	return map[int32]uint64{
		ParamMaxBidirectionalStreams:  uint64(c.config.Slic.MaxBidirectionalStreams),
		ParamMaxUnidirectionalStreams: uint64(c.config.Slic.MaxUnidirectionalStreams),
		ParamIdleTimeout:              uint64(c.config.IdleTimeout / time.Millisecond),
		ParamPacketMaxSize:            uint64(c.config.Slic.PacketMaxSize),
		ParamStreamBufferMaxSize:      uint64(c.config.Slic.StreamBufferMaxSize),
	}
}

func (c *Conn) clientHandshake() error {
	version := Version1
	for attempt := 0; ; attempt++ {
		body, err := encodeInitialize(version, c.localParams())
		if err != nil {
			return err
		}
		if err := c.writeFrame(FrameInitialize, body); err != nil {
			return err
		}

		f, err := readFrame(c.reader, handshakeMaxSize)
		if err != nil {
			return err
		}
		switch f.typ {
		case FrameInitializeAck:
			params, err := decodeInitializeAck(f.body)
			if err != nil {
				return common.NewProtocolError(err, "invalid InitializeAck frame")
			}
			return c.applyPeerParams(params)

		case FrameVersion:
			versions, err := decodeVersion(f.body)
			if err != nil {
				return common.NewProtocolError(err, "invalid Version frame")
			}
			next, ok := selectVersion(versions)
			if !ok || attempt > 0 {
				return common.NewProtocolError(common.ErrUnsupportedProtocol, "peer supports slic versions %v, we support %v", versions, supportedVersions)
			}
			Logger.Debugf("peer %s requested slic version %d", c.netConn.RemoteAddr(), next)
			version = next

		default:
			return common.NewProtocolError(common.ErrUnexpectedFrame, "unexpected %s frame during handshake", f.typ)
		}
	}
}

func (c *Conn) serverHandshake() error {
	for attempt := 0; ; attempt++ {
		f, err := readFrame(c.reader, handshakeMaxSize)
		if err != nil {
			return err
		}
		if f.typ != FrameInitialize {
			return common.NewProtocolError(common.ErrUnexpectedFrame, "expected Initialize frame, got %s", f.typ)
		}
		ini, err := decodeInitialize(f.body)
		if err != nil {
			return common.NewProtocolError(err, "invalid Initialize frame")
		}

		if _, ok := selectVersion([]uint64{ini.Version}); !ok {
			if attempt > 0 {
				return common.NewProtocolError(common.ErrUnsupportedProtocol, "peer insists on slic version %d", ini.Version)
			}
			body, err := encodeVersion(supportedVersions)
			if err != nil {
				return err
			}
			if err := c.writeFrame(FrameVersion, body); err != nil {
				return err
			}
			continue
		}

		if ini.ApplicationProtocol != ApplicationProtocol {
			return common.NewProtocolError(common.ErrUnsupportedProtocol, "unsupported application protocol %q", ini.ApplicationProtocol)
		}
		if err := c.applyPeerParams(ini.Parameters); err != nil {
			return err
		}
		body, err := encodeInitializeAck(c.localParams())
		if err != nil {
			return err
		}
		return c.writeFrame(FrameInitializeAck, body)
	}
}

// selectVersion returns the first of the offered versions this side supports
func selectVersion(offered []uint64) (uint64, bool) {
	for _, v := range offered {
		for _, s := range supportedVersions {
			if v == s {
				return v, true
			}
		}
	}
	return 0, false
}

// applyPeerParams stores the peer's limits. Missing parameters fall back to
// the defaults.
func (c *Conn) applyPeerParams(params map[int32]uint64) error {
	defaults := common.DefaultConfig()
	get := func(key int32, def int) int {
		if v, ok := params[key]; ok {
			if v > 1<<31-1 {
				return 1<<31 - 1
			}
			return int(v)
		}
		return def
	}
	c.peer = peerParams{
		maxBidi:             get(ParamMaxBidirectionalStreams, defaults.Slic.MaxBidirectionalStreams),
		maxUni:              get(ParamMaxUnidirectionalStreams, defaults.Slic.MaxUnidirectionalStreams),
		packetMaxSize:       get(ParamPacketMaxSize, defaults.Slic.PacketMaxSize),
		streamBufferMaxSize: get(ParamStreamBufferMaxSize, defaults.Slic.StreamBufferMaxSize),
		idleTimeout:         time.Duration(get(ParamIdleTimeout, 0)) * time.Millisecond,
	}
	if c.peer.packetMaxSize < 1024 {
		return common.NewProtocolError(common.ErrInvalidFrame, "peer packet max size %d is below 1024", c.peer.packetMaxSize)
	}
	if c.peer.streamBufferMaxSize < 1024 {
		return common.NewProtocolError(common.ErrInvalidFrame, "peer stream buffer max size %d is below 1024", c.peer.streamBufferMaxSize)
	}
	c.bidiSem = semaphore.NewWeighted(int64(c.peer.maxBidi))
	c.uniSem = semaphore.NewWeighted(int64(c.peer.maxUni))
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IMultiplexedConnection)
// --------------------------------------------------------------------------

func (c *Conn) OpenStream(ctx context.Context, bidirectional bool) (transport.IStream, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	sem, limit := c.uniSem, c.peer.maxUni
	if bidirectional {
		sem, limit = c.bidiSem, c.peer.maxBidi
	}
	if limit == 0 {
		return nil, common.NewProtocolError(common.ErrStreamLimit, "peer accepts no streams of this kind")
	}

	// Closing the connection releases waiters
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	if err := sem.Acquire(waitCtx, 1); err != nil {
		if connErr := c.Err(); connErr != nil {
			return nil, connErr
		}
		return nil, err
	}
	if err := c.Err(); err != nil {
		sem.Release(1)
		return nil, err
	}

	c.streamsOpened.Inc(1)
	return newStream(c, bidirectional, false, -1), nil
}

func (c *Conn) AcceptStream(ctx context.Context) (transport.IStream, error) {
	select {
	case s, ok := <-c.accepted.Recv():
		if !ok {
			return nil, c.Err()
		}
		return s, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) LocalAddr() net.Addr  { return c.netConn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

func (c *Conn) Close(err error) error {
	if err == nil {
		err = &common.ConnectionClosedError{Graceful: true}
	}
	c.abort(err)
	return nil
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// --------------------------------------------------------------------------
// Liveness
// --------------------------------------------------------------------------

// IdleTimeout returns the negotiated idle timeout: the smaller of both sides'
// non-zero values, or zero if neither side has one
func (c *Conn) IdleTimeout() time.Duration {
	local, peer := c.config.IdleTimeout, c.peer.idleTimeout
	switch {
	case local == 0:
		return peer
	case peer == 0 || local < peer:
		return local
	default:
		return peer
	}
}

// LastActivity returns when the last frame was received
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Ping sends a Ping frame. The peer's Pong counts as activity.
func (c *Conn) Ping(ctx context.Context) error {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], uint64(time.Now().UnixNano()))
	return c.writeFrame(FramePing, payload[:])
}

// --------------------------------------------------------------------------
// Reader loop
// --------------------------------------------------------------------------

func (c *Conn) readLoop() {
	maxSize := c.config.Slic.PacketMaxSize + frameHeaderMaxSize
	for {
		f, err := readFrame(c.reader, maxSize)
		if err != nil {
			c.abort(c.readError(err))
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())
		c.framesReceived.Inc(1)
		c.bytesReceived.Inc(int64(len(f.body)))
		c.tracer.Trace(common.TraceNetwork, 3, "slic received %s frame (stream %d, %d bytes) from %s", f.typ, f.streamID, len(f.body), c.netConn.RemoteAddr())

		if err := c.handleFrame(f); err != nil {
			Logger.Warningf("slic connection to %s failed: %v", c.netConn.RemoteAddr(), err)
			c.abort(err)
			return
		}
	}
}

// readError maps a read failure to the error the connection fails with
func (c *Conn) readError(err error) error {
	if closed := c.Err(); closed != nil {
		return closed
	}
	var pe *common.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return base.ClassifyIOError(err)
}

func (c *Conn) handleFrame(f frame) error {
	switch f.typ {
	case FramePing:
		go func() {
			_ = c.writeFrame(FramePong, f.body)
		}()
		return nil

	case FramePong:
		return nil

	case FrameStream, FrameStreamLast:
		return c.handleStreamData(f)

	case FrameStreamReset:
		code, err := decodeVarULongBody(f.typ, f.body)
		if err != nil {
			return err
		}
		if s, ok := c.streams.Load(f.streamID); ok && s.peerReset(code) {
			c.streamCompleted(s)
		}
		return nil

	case FrameStreamConsumed:
		n, err := decodeVarULongBody(f.typ, f.body)
		if err != nil {
			return err
		}
		if n > uint64(c.peer.streamBufferMaxSize) {
			return common.NewProtocolError(common.ErrInvalidFrame, "stream %d consumed %d bytes, more than the window", f.streamID, n)
		}
		if s, ok := c.streams.Load(f.streamID); ok {
			s.addCredit(int(n))
		}
		return nil

	default:
		return common.NewProtocolError(common.ErrUnexpectedFrame, "unexpected %s frame", f.typ)
	}
}

// isRemoteID reports whether the peer opened the stream with the given id
func (c *Conn) isRemoteID(id int64) bool {
	serverInitiated := id&1 == 1
	return serverInitiated != c.isServer
}

func (c *Conn) handleStreamData(f frame) error {
	s, ok := c.streams.Load(f.streamID)
	if !ok {
		if !c.isRemoteID(f.streamID) {
			// Completed local stream
			return nil
		}
		var err error
		if s, err = c.newRemoteStream(f.streamID); err != nil || s == nil {
			return err
		}
	}

	ok, completed := s.received(f.body, f.typ == FrameStreamLast, c.config.Slic.StreamBufferMaxSize)
	if !ok {
		return common.NewProtocolError(common.ErrInvalidFrame, "invalid %s frame for stream %d", f.typ, f.streamID)
	}
	if completed {
		c.streamCompleted(s)
	}
	return nil
}

// newRemoteStream registers a stream opened by the peer. It returns nil for
// ids of remote streams that already completed.
func (c *Conn) newRemoteStream(id int64) (*stream, error) {
	bidi := id&2 == 0
	last, count, limit := &c.lastRemoteUni, &c.remoteUniCount, c.config.Slic.MaxUnidirectionalStreams
	if bidi {
		last, count, limit = &c.lastRemoteBidi, &c.remoteBidiCount, c.config.Slic.MaxBidirectionalStreams
	}
	if id <= *last {
		return nil, nil
	}
	if int(count.Load()) >= limit {
		return nil, common.NewProtocolError(common.ErrStreamLimit, "peer opened stream %d beyond the limit of %d", id, limit)
	}
	*last = id
	count.Add(1)

	s := newStream(c, bidi, true, id)
	c.streams.Store(id, s)
	c.streamsAccepted.Inc(1)

	c.accepted.Push(s)
	return s, nil
}

// streamCompleted releases the stream's slot once both sides are done
func (c *Conn) streamCompleted(s *stream) {
	if !s.markReleased() {
		return
	}
	if id := s.ID(); id >= 0 {
		c.streams.Delete(id)
	}
	switch {
	case s.remote && s.bidi:
		c.remoteBidiCount.Add(-1)
	case s.remote:
		c.remoteUniCount.Add(-1)
	case s.bidi:
		c.bidiSem.Release(1)
	default:
		c.uniSem.Release(1)
	}
}

// --------------------------------------------------------------------------
// Writing
// --------------------------------------------------------------------------

// writeFrame writes a control frame
func (c *Conn) writeFrame(t FrameType, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	c.headerBuf = appendHeader(c.headerBuf[:0], t, len(body))
	return c.writeLocked(c.headerBuf, body)
}

// writeLocked writes one frame; the caller holds writeMu
func (c *Conn) writeLocked(header, body []byte) error {
	if err := base.WriteBuffers(c.netConn, header, body); err != nil {
		err = base.ClassifyIOError(err)
		c.abort(err)
		return err
	}
	c.framesSent.Inc(1)
	c.bytesSent.Inc(int64(len(header) + len(body)))
	return nil
}

// sendStreamFrame writes a Stream or StreamLast frame. The first frame of a
// local stream assigns its id, so ids appear on the wire in increasing order.
func (c *Conn) sendStreamFrame(s *stream, data []byte, fin bool) error {
	c.writeMu.Lock()
	if err := c.Err(); err != nil {
		c.writeMu.Unlock()
		return err
	}
	id, completed, err := s.prepareSend(fin)
	if err != nil {
		c.writeMu.Unlock()
		return err
	}
	if completed {
		// The peer may open its next stream as soon as it reads the fin
		c.streamCompleted(s)
	}

	t := FrameStream
	if fin {
		t = FrameStreamLast
	}
	c.headerBuf = appendStreamHeader(c.headerBuf[:0], t, id, len(data))
	err = c.writeLocked(c.headerBuf, data)
	c.writeMu.Unlock()
	return err
}

// assignID returns the next local stream id; the caller holds writeMu
func (c *Conn) assignID(bidi bool) int64 {
	if bidi {
		id := c.nextBidiID
		c.nextBidiID += 4
		return id
	}
	id := c.nextUniID
	c.nextUniID += 4
	return id
}

// sendConsumed returns n bytes of receive window to the peer
func (c *Conn) sendConsumed(s *stream, n int) {
	id := s.ID()
	if id < 0 {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Err() != nil {
		return
	}
	body, _ := encoding.AppendVarULong(nil, uint64(n))
	c.headerBuf = appendStreamHeader(c.headerBuf[:0], FrameStreamConsumed, id, len(body))
	_ = c.writeLocked(c.headerBuf, body)
}

// sendReset notifies the peer of a local reset without blocking the caller
func (c *Conn) sendReset(s *stream, code uint64) {
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		id := s.ID()
		if id < 0 || c.Err() != nil {
			return
		}
		body, _ := encoding.AppendVarULong(nil, code)
		c.headerBuf = appendStreamHeader(c.headerBuf[:0], FrameStreamReset, id, len(body))
		_ = c.writeLocked(c.headerBuf, body)
	}()
}

// abort closes the connection with err. Pending and future stream operations
// fail with err.
func (c *Conn) abort(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.accepted.Discard()
		c.netConn.Close()
		Logger.Debugf("slic connection %s -> %s closed: %v", c.netConn.LocalAddr(), c.netConn.RemoteAddr(), err)
	})
}

func (c *Conn) String() string {
	side := "client"
	if c.isServer {
		side = "server"
	}
	return fmt.Sprintf("slic %s %s -> %s", side, c.netConn.LocalAddr(), c.netConn.RemoteAddr())
}
