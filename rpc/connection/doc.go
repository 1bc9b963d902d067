// Package connection implements the lifecycle of one RPC connection: protocol
// validation, sending requests, dispatching requests received from the peer,
// heartbeats and graceful shutdown.
//
// A connection runs either ice2 (one stream per request over Slic or QUIC,
// with a unidirectional control stream per side) or ice1 (request ids over a
// single byte stream).
//
// Key Components:
//
//   - Connection: moves through Uninitialized, Validating, Active, Closing and
//     Closed. Connect and the incoming factory only hand out active
//     connections. Close drains in-flight requests before the transport is
//     closed; Abort and transport failures close immediately.
//
//   - OutgoingFactory: dials and caches client connections by endpoint.
//     Concurrent callers asking for the same endpoint share one attempt.
//
//   - IncomingFactory: accepts connections on one endpoint and validates each
//     of them in its own goroutine.
//
// Graceful close: ice2 sends GoAway with the ids of the last peer streams that
// will be dispatched; the peer fails its later requests with a retryable
// ConnectionClosedError (ByPeer set). ice1 sends CloseConnection once the
// connection is drained and requests without reply count as not dispatched.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use. Canceling the context
//	of Invoke stops only the caller's wait; other requests on the same
//	connection are not affected.
package connection
