// Package ice1 implements the ice1 message layout. ice1 runs directly over a
// byte stream: every message starts with a 14 byte header and requests are
// correlated with their replies by a request id. Oneway requests carry the
// request id 0 and get no reply.
//
// Message types: Request, BatchRequest (not supported, rejected by the
// connection), Reply, ValidateConnection (sent by the accepting side when the
// connection is established and used as heartbeat afterwards) and
// CloseConnection (graceful close).
//
// Bodies are encoded with encoding 1.1; payloads are 1.1 encapsulations with
// an int32 size that includes the 6 byte encapsulation header.
package ice1
