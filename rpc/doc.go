// Package rpc provides an RPC runtime for Slice-defined interfaces. Clients
// invoke operations on remote objects through proxies; servers host servants
// in object adapters. Both sides speak the ice1 or the ice2 protocol.
//
// The package is organized into several subpackages:
//
//   - encoding: Slice encoding 1.1 and 2.0 of primitives, sequences, classes,
//     exceptions and tagged members.
//
//   - common: Core data structures used across the runtime, including
//     identities, endpoints, configuration, errors, logging and metrics.
//
//   - protocol: Requests, responses and encapsulations plus the ice1 and ice2
//     frame codecs.
//
//   - slic: Multiplexed streams with flow control over a byte stream transport.
//
//   - transport: Pluggable byte stream and multiplexed transports (tcp, ssl,
//     unix, ws, wss, coloc, quic) behind a name based registry.
//
//   - connection: Connection lifecycle from establishment to graceful shutdown,
//     plus the factories creating and accepting connections.
//
//   - client: Proxies, request handlers and the retry queue.
//
//   - server: Object adapters, servants and the dispatch pipeline.
//
//   - communicator: Ties configuration, transports, adapters and proxies
//     together.
package rpc
