// Package transport defines the network abstractions of the RPC runtime. It
// provides a common contract that all transport implementations fulfill, so
// the protocol layers never depend on a concrete network medium.
//
// The package focuses on:
//   - Byte stream transports (tcp, ssl, unix, ws, wss, coloc) used by ice1
//     directly and by ice2 through Slic
//   - Multiplexed transports (quic) that provide streams natively
//   - Resolving endpoints into connectors and ordering them for connection
//     establishment
//
// Key Components:
//
//   - IStreamTransport: dials and listens for net.Conn based connections.
//
//   - IMultiplexedConnection/IStream: the stream abstraction ice2 runs on,
//     implemented by the slic package and the quic transport.
//
//   - Registry: maps endpoint transport names to transports. Every communicator
//     owns its own registry.
//
//   - ResolveConnectors/OrderEndpoints: host name resolution and endpoint
//     selection.
package transport
