package slic

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/slicerpc/rpc/transport"
)

var errStreamClosed = errors.New("stream write side closed")

// stream is one Slic stream. Incoming data is appended by the connection's
// reader loop and consumed by Read; Write sends stream frames under the
// connection's write lock.
type stream struct {
	conn   *Conn
	bidi   bool
	remote bool

	// id is -1 until the first frame of a local stream is sent
	id atomic.Int64

	mu sync.Mutex
	// receive side
	recvBuf    []byte
	recvFin    bool
	readErr    error
	consumed   int // bytes read but not yet returned to the peer as credit
	readSignal chan struct{}
	// send side
	sendCredit  int
	writeClosed bool
	writeErr    error
	sendSignal  chan struct{}
	// completion
	readDone  bool
	writeDone bool
	released  bool

	writeMu sync.Mutex // serializes Write calls on this stream
}

func newStream(c *Conn, bidi, remote bool, id int64) *stream {
	s := &stream{
		conn:       c,
		bidi:       bidi,
		remote:     remote,
		sendCredit: c.peer.streamBufferMaxSize,
		readSignal: make(chan struct{}, 1),
		sendSignal: make(chan struct{}, 1),
	}
	s.id.Store(id)
	if !bidi {
		// Unidirectional streams only have the opener's write side
		if remote {
			s.writeDone = true
			s.writeClosed = true
			s.writeErr = errors.New("write on a remote unidirectional stream")
		} else {
			s.readDone = true
			s.recvFin = true
		}
	}
	return s
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IStream)
// --------------------------------------------------------------------------

func (s *stream) ID() int64 {
	return s.id.Load()
}

func (s *stream) IsBidirectional() bool { return s.bidi }
func (s *stream) IsRemote() bool        { return s.remote }

func (s *stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if len(s.recvBuf) > 0 {
			n := copy(p, s.recvBuf)
			s.recvBuf = s.recvBuf[n:]
			if len(s.recvBuf) == 0 {
				s.recvBuf = nil
			}
			credit := 0
			if !s.recvFin {
				s.consumed += n
				if s.consumed >= s.conn.config.Slic.StreamBufferMaxSize/2 {
					credit, s.consumed = s.consumed, 0
				}
			}
			s.mu.Unlock()
			if credit > 0 {
				s.conn.sendConsumed(s, credit)
			}
			return n, nil
		}
		if s.readErr != nil {
			err := s.readErr
			s.mu.Unlock()
			return 0, err
		}
		if s.recvFin {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.readSignal:
		case <-s.conn.done:
			// Deliver data that arrived before the connection closed
			s.mu.Lock()
			pending := len(s.recvBuf) > 0 || s.recvFin || s.readErr != nil
			s.mu.Unlock()
			if !pending {
				return 0, s.conn.Err()
			}
		}
	}
}

func (s *stream) Write(p []byte) (int, error) {
	return s.write(p, false)
}

func (s *stream) CloseWrite() error {
	_, err := s.write(nil, true)
	return err
}

func (s *stream) Reset(err error) {
	s.mu.Lock()
	if s.readDone && s.writeDone {
		s.mu.Unlock()
		return
	}
	s.recvBuf = nil
	if s.readErr == nil {
		s.readErr = &transport.StreamResetError{Code: transport.ResetCode(err)}
	}
	if s.writeErr == nil {
		s.writeErr = &transport.StreamResetError{Code: transport.ResetCode(err)}
	}
	s.readDone, s.writeDone, s.writeClosed = true, true, true
	s.mu.Unlock()
	signal(s.readSignal)
	signal(s.sendSignal)

	s.conn.sendReset(s, transport.ResetCode(err))
	s.conn.streamCompleted(s)
}

// --------------------------------------------------------------------------
// Send side
// --------------------------------------------------------------------------

// write sends p in frames no larger than the peer's packet size, waiting for
// flow control credit. last sends the end of stream with the final frame.
func (s *stream) write(p []byte, last bool) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for {
		chunk := len(p) - written
		if chunk > s.conn.peer.packetMaxSize {
			chunk = s.conn.peer.packetMaxSize
		}
		if chunk > 0 {
			var err error
			if chunk, err = s.acquireCredit(chunk); err != nil {
				return written, err
			}
		} else if !last {
			return written, nil
		}

		fin := last && written+chunk == len(p)
		if err := s.conn.sendStreamFrame(s, p[written:written+chunk], fin); err != nil {
			return written, err
		}
		written += chunk
		if written == len(p) && (!last || fin) {
			return written, nil
		}
	}
}

// acquireCredit waits until the peer accepts at least one byte and takes up to
// want bytes of credit
func (s *stream) acquireCredit(want int) (int, error) {
	for {
		s.mu.Lock()
		if s.writeErr != nil {
			err := s.writeErr
			s.mu.Unlock()
			return 0, err
		}
		if s.writeClosed {
			s.mu.Unlock()
			return 0, errStreamClosed
		}
		if s.sendCredit > 0 {
			n := want
			if n > s.sendCredit {
				n = s.sendCredit
			}
			s.sendCredit -= n
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.sendSignal:
		case <-s.conn.done:
			return 0, s.conn.Err()
		}
	}
}

// prepareSend is called under the connection write lock before a frame is
// sent. It assigns the id of a local stream on its first frame. A fin
// completes the write side and reports whether the stream is now done, so the
// slot is released before the peer can observe the fin.
func (s *stream) prepareSend(fin bool) (id int64, completed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return -1, false, s.writeErr
	}
	if s.writeClosed {
		return -1, false, errStreamClosed
	}
	id = s.id.Load()
	if id < 0 {
		id = s.conn.assignID(s.bidi)
		s.id.Store(id)
		s.conn.streams.Store(id, s)
	}
	if fin {
		s.writeClosed = true
		s.writeDone = true
		completed = s.readDone
	}
	return id, completed, nil
}

// addCredit handles a StreamConsumed frame
func (s *stream) addCredit(n int) {
	s.mu.Lock()
	s.sendCredit += n
	s.mu.Unlock()
	signal(s.sendSignal)
}

// --------------------------------------------------------------------------
// Receive side (called by the reader loop)
// --------------------------------------------------------------------------

// received appends data from a Stream or StreamLast frame. It returns false
// when the frame violates the stream state or the receive window.
func (s *stream) received(data []byte, fin bool, window int) (ok bool, completed bool) {
	s.mu.Lock()
	if s.readDone {
		// Reset locally; the peer has not seen the reset yet
		reset := s.readErr != nil
		s.mu.Unlock()
		return reset, false
	}
	if s.recvFin {
		s.mu.Unlock()
		return false, false
	}
	if len(s.recvBuf)+len(data) > window {
		s.mu.Unlock()
		return false, false
	}
	s.recvBuf = append(s.recvBuf, data...)
	if fin {
		s.recvFin = true
		s.readDone = true
		completed = s.writeDone
	}
	s.mu.Unlock()
	signal(s.readSignal)
	return true, completed
}

// peerReset handles a StreamReset frame
func (s *stream) peerReset(code uint64) (completed bool) {
	s.mu.Lock()
	if s.readDone && s.writeDone {
		s.mu.Unlock()
		return false
	}
	resetErr := &transport.StreamResetError{Code: code, Remote: true}
	s.recvBuf = nil
	if !s.readDone {
		s.readErr = resetErr
	}
	if !s.writeDone {
		s.writeErr = resetErr
	}
	s.readDone, s.writeDone, s.writeClosed = true, true, true
	s.mu.Unlock()
	signal(s.readSignal)
	signal(s.sendSignal)
	return true
}

// markReleased reports whether the stream's slot is released for the first time
func (s *stream) markReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.released = true
	return true
}
