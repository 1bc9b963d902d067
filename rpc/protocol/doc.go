// Package protocol defines the protocol independent request and response
// model of the RPC runtime and the pieces of the wire layout shared by ice1
// and ice2.
//
// Key Components:
//
//   - OutgoingRequest: request built by an invoker. It carries the header
//     fields (identity, facet, location, operation, idempotent flag, deadline,
//     context) and the encapsulated arguments. It is sealed when first sent;
//     later context writes fail with ErrRequestSealed. A per-attempt sent flag
//     feeds the retry decision.
//
//   - IncomingRequest / Current: request decoded on the dispatching side.
//     Current holds the header fields, which interceptors may rewrite.
//
//   - OutgoingResponse / IncomingResponse: reply status plus either an
//     encapsulated payload (Ok, UserException) or a dispatch error.
//
//   - Dispatcher: the terminal step of the dispatch pipeline, supplied by
//     servant code.
//
//   - IFrameSerializer: converts requests and responses to frame bodies.
//     Implementations live in the ice1 and ice2 subpackages.
//
//   - Encapsulations: payload wrappers that record the payload encoding, and
//     the canonical void payloads VoidPayloadIce1, VoidPayloadIce2Encoding11
//     and VoidPayloadIce2Encoding20.
package protocol
