// Package tcp implements the TCP byte stream transport of the RPC runtime. It
// provides concrete implementations of the base package's connector
// interfaces for plain TCP and TLS over TCP.
//
// Key Components:
//
//   - clientConnector: dials with an optional source address and performs the
//     TLS handshake when the transport or the configuration requires it
//
//   - serverConnector: creates TCP listeners, optionally wrapped by
//     tls.NewListener
//
//   - applySocketOptions: TCPNoDelay, keep-alive, linger and socket buffer
//     sizes from common.TCPConf and common.SocketConf
//
// Two transports are exported: NewTCPTransport ("tcp") and NewTLSTransport
// ("ssl"). Plain "tcp" switches to TLS when common.Config.TLSConfig is set.
package tcp
