// Package slic implements the Slic multiplexing protocol: many independent,
// ordered and flow controlled streams over one byte stream connection (tcp,
// unix, ws, coloc). ice2 runs on top of it; QUIC provides the same stream
// abstraction natively and does not use this package.
//
// Frames are a type byte, a varulong body size and the body. Stream frames
// start their body with the varulong stream id.
//
// Key Components:
//
//   - Conn: transport.IMultiplexedConnection. NewClientConn and NewServerConn
//     run the Initialize/InitializeAck handshake (with Version fallback) and
//     start the reader loop.
//
//   - stream: transport.IStream. Incoming data is buffered per stream up to
//     the announced window; consumed bytes are returned to the sender with
//     StreamConsumed frames.
//
// Stream ids: client bidirectional streams are 0 mod 4, server bidirectional
// 1 mod 4, client unidirectional 2 mod 4 and server unidirectional 3 mod 4.
// Local ids are assigned when the first frame is written, under the write
// lock, so they appear on the wire in increasing order and are never reused.
//
// Thread Safety:
//
//	One reader goroutine per connection demultiplexes frames; it never blocks
//	on a write. Writers are serialized with a connection wide mutex so frames
//	never interleave. Opening streams beyond the peer's limit waits on a FIFO
//	semaphore (golang.org/x/sync/semaphore).
package slic
