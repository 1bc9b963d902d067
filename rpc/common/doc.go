// Package common provides the data structures and utilities shared by every
// layer of the RPC runtime. It defines the values that travel between the
// encoding, transport, connection, client and server packages, the error
// taxonomy, and the configuration snapshot.
//
// The package focuses on:
//   - Addressing: identities, endpoints and resolved connectors
//   - Protocol elements: protocol versions, reply statuses, operation modes
//   - Error classification and retry hints consumed by the retry queue
//   - Configuration, logging, tracing and process level metrics
//
// Key Components:
//
//   - Identity: (category, name) pair addressing a target object. Parsed from
//     and rendered to "category/name" with backslash escaping, and marshaled
//     as name followed by category.
//
//   - Endpoint / Connector: an endpoint is an immutable transport address such
//     as "tcp://host:4061?protocol=ice1". A connector is one resolved address
//     of an endpoint; its Key deduplicates and caches outgoing connections.
//
//   - Protocol / ReplyStatus: ice1 and ice2, each pinning a default encoding,
//     and the reply status byte that starts every response payload.
//
//   - Errors: TransportError (with a RetryPolicy), ConnectionClosedError,
//     ProtocolError, DispatchError, CancellationError and
//     CommunicatorDestroyedError. RetryPolicyOf extracts the retry hint from
//     any error chain.
//
//   - Config: read-only snapshot of timeouts, retry intervals, message limits,
//     Slic parameters, socket options and invocation defaults. It is passed by
//     value and validated once when a communicator is created.
//
//   - Logger: logrus backed implementation of dragonboat's logger.ILogger with
//     one logger per runtime category, plus a Tracer that gates category traces
//     on the configured trace levels.
//
//   - Metrics: process wide counters and histograms in Prometheus text format.
package common
