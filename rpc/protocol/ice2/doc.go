// Package ice2 implements the ice2 frame layout. ice2 carries one request per
// stream of a multiplexed connection (Slic or QUIC): the invoker writes a
// Request frame and closes its side of the stream, the dispatcher answers with
// a Response frame on the same stream. Oneway requests use unidirectional
// streams and get no response.
//
// Every frame is a type byte, a varulong body size and the body. Besides
// Request and Response, each side opens one unidirectional control stream and
// writes an Initialize frame to it when the connection is established, and a
// GoAway frame when it closes gracefully.
//
// Request headers are encoded with encoding 2.0 regardless of the payload
// encoding: a 5-bit presence bit sequence, the identity, the optional facet
// and location, the operation, the optional idempotent flag and priority, the
// deadline in milliseconds since the Unix epoch (-1 for none) and the optional
// context.
package ice2
