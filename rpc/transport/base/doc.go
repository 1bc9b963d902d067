// Package base provides the medium independent part of the byte stream
// transports (tcp, unix, ws, coloc). Transports supply a client and a server
// connector; base turns them into a transport.IStreamTransport.
//
// The package focuses on:
//   - Connect timeouts and classification of dial failures into
//     common.TransportError kinds (refused, timeout, failed)
//   - Applying transport specific socket settings to dialed and accepted
//     connections
//   - Classification of I/O failures on established connections
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network media.
//
//   - streamTransport: transport.IStreamTransport implementation built from a
//     client and a server connector.
//
//   - ClassifyDialError/ClassifyIOError: map net, syscall and io errors to the
//     error kinds the retry policy understands.
//
//   - WriteBuffers: writes a frame header and body with a single writev call
//     (net.Buffers) where the connection supports it.
//
// Thread Safety:
//
//	The transport is stateless after construction and safe for concurrent use.
package base
