// Package quic implements the multiplexed QUIC transport on top of quic-go.
// QUIC provides streams natively, so the ice2 protocol uses it directly
// instead of running Slic over a byte stream.
//
// Key Components:
//
//   - quicTransport: dials and listens with quic-go. Slic stream limits and the
//     connection timeouts are mapped onto quic.Config.
//
//   - connection: transport.IMultiplexedConnection over *quic.Conn. Peer
//     opened bidirectional and unidirectional streams are merged into one
//     AcceptStream queue.
//
//   - stream: transport.IStream over quic-go's stream, send stream and receive
//     stream types.
//
// QUIC requires TLS. Listening fails without a certificate in
// common.Config.TLSConfig.
package quic
