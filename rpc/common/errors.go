package common

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Retry policy
// --------------------------------------------------------------------------

// RetryPolicy is the retry hint carried by transport level errors
type RetryPolicy struct {
	Retryable bool
	Delay     time.Duration
}

var (
	// NoRetry forbids retrying the failed invocation
	NoRetry = RetryPolicy{}
	// RetryImmediately allows a retry with no extra delay
	RetryImmediately = RetryPolicy{Retryable: true}
)

// RetryAfter allows a retry after d
func RetryAfter(d time.Duration) RetryPolicy {
	return RetryPolicy{Retryable: true, Delay: d}
}

func (p RetryPolicy) String() string {
	switch {
	case !p.Retryable:
		return "no retry"
	case p.Delay == 0:
		return "retry immediately"
	default:
		return "retry after " + p.Delay.String()
	}
}

// IRetryPolicyError is implemented by errors that carry a retry hint
type IRetryPolicyError interface {
	error
	RetryPolicy() RetryPolicy
}

// RetryPolicyOf returns the retry hint of the first error in err's chain that
// carries one, or NoRetry
func RetryPolicyOf(err error) RetryPolicy {
	var rp IRetryPolicyError
	if errors.As(err, &rp) {
		return rp.RetryPolicy()
	}
	return NoRetry
}

// --------------------------------------------------------------------------
// Transport errors
// --------------------------------------------------------------------------

// TransportErrorKind classifies I/O failures
type TransportErrorKind byte

const (
	ConnectFailed TransportErrorKind = iota
	ConnectionRefused
	ConnectTimeout
	ConnectionLost
	ConnectionAborted
	InvocationTimeout
)

func (k TransportErrorKind) String() string {
	switch k {
	case ConnectFailed:
		return "connect failed"
	case ConnectionRefused:
		return "connection refused"
	case ConnectTimeout:
		return "connect timeout"
	case ConnectionLost:
		return "connection lost"
	case ConnectionAborted:
		return "connection aborted"
	case InvocationTimeout:
		return "invocation timeout"
	default:
		return fmt.Sprintf("transport error %d", byte(k))
	}
}

// TransportError is raised by transceivers and the stream layer
type TransportError struct {
	Kind   TransportErrorKind
	Policy RetryPolicy
	Err    error
}

// NewTransportError creates a transport error with the default retry policy of
// its kind: everything but invocation timeouts may be retried
func NewTransportError(kind TransportErrorKind, err error) *TransportError {
	policy := RetryImmediately
	if kind == InvocationTimeout {
		policy = NoRetry
	}
	return &TransportError{Kind: kind, Policy: policy, Err: err}
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RetryPolicy returns the retry hint of the error
func (e *TransportError) RetryPolicy() RetryPolicy { return e.Policy }

// IsConnectError reports whether the error happened before a connection existed
func (e *TransportError) IsConnectError() bool {
	return e.Kind == ConnectFailed || e.Kind == ConnectionRefused || e.Kind == ConnectTimeout
}

// ConnectionClosedError reports that a connection was closed while an
// operation was pending or starting
type ConnectionClosedError struct {
	// Graceful is set when the close was an orderly shutdown (GoAway or
	// CloseConnection), as opposed to an abort
	Graceful bool
	// ByPeer is set when the peer initiated the close
	ByPeer  bool
	Message string
}

func (e *ConnectionClosedError) Error() string {
	who := "locally"
	if e.ByPeer {
		who = "by peer"
	}
	how := "aborted"
	if e.Graceful {
		how = "closed"
	}
	if e.Message == "" {
		return fmt.Sprintf("connection %s %s", how, who)
	}
	return fmt.Sprintf("connection %s %s: %s", how, who, e.Message)
}

// RetryPolicy allows a retry: graceful closes only fail requests that were
// never dispatched, and other cases are subject to the idempotency rules
func (e *ConnectionClosedError) RetryPolicy() RetryPolicy { return RetryImmediately }

// --------------------------------------------------------------------------
// Protocol errors
// --------------------------------------------------------------------------

// Sentinel protocol failures
var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	ErrInvalidFrame        = errors.New("invalid frame")
	ErrFrameTooLarge       = errors.New("frame exceeds maximum message size")
	ErrUnexpectedFrame     = errors.New("unexpected frame")
	ErrCompression         = errors.New("compressed payloads are not supported")
	ErrStreamLimit         = errors.New("stream limit exceeded")
)

// ProtocolError reports a version mismatch or an invalid frame sequence. It is
// fatal to the connection.
type ProtocolError struct {
	Msg string
	Err error
}

// NewProtocolError creates a protocol error with a formatted message
func NewProtocolError(cause error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Msg
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Msg, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// --------------------------------------------------------------------------
// Dispatch errors
// --------------------------------------------------------------------------

// DispatchError is produced on the receiving side when a request cannot be
// routed or its servant fails. It always becomes a response, and the invoker
// sees it with the same status.
type DispatchError struct {
	Status    ReplyStatus
	Identity  Identity
	Facet     string
	Operation string
	Message   string
}

// NewObjectNotExistError reports an unknown identity
func NewObjectNotExistError(id Identity, facet, operation string) *DispatchError {
	return &DispatchError{Status: ReplyObjectNotExist, Identity: id, Facet: facet, Operation: operation}
}

// NewFacetNotExistError reports an unknown facet
func NewFacetNotExistError(id Identity, facet, operation string) *DispatchError {
	return &DispatchError{Status: ReplyFacetNotExist, Identity: id, Facet: facet, Operation: operation}
}

// NewOperationNotExistError reports an unknown operation
func NewOperationNotExistError(id Identity, facet, operation string) *DispatchError {
	return &DispatchError{Status: ReplyOperationNotExist, Identity: id, Facet: facet, Operation: operation}
}

// NewUnknownError wraps a failure that is not a declared user exception
func NewUnknownError(status ReplyStatus, message string) *DispatchError {
	return &DispatchError{Status: status, Message: message}
}

func (e *DispatchError) Error() string {
	switch e.Status {
	case ReplyObjectNotExist, ReplyFacetNotExist, ReplyOperationNotExist:
		s := fmt.Sprintf("%s: identity %q", e.Status, e.Identity.String())
		if e.Facet != "" {
			s += fmt.Sprintf(" facet %q", e.Facet)
		}
		return s + fmt.Sprintf(" operation %q", e.Operation)
	default:
		if e.Message == "" {
			return e.Status.String()
		}
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
}

// --------------------------------------------------------------------------
// Cancellation and shutdown
// --------------------------------------------------------------------------

// CancellationError is returned when the caller's wait was canceled. It wraps
// the context error.
type CancellationError struct {
	Err error
}

// NewCancellationError wraps ctx.Err()
func NewCancellationError(ctx context.Context) *CancellationError {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return &CancellationError{Err: err}
}

func (e *CancellationError) Error() string {
	return "invocation canceled: " + e.Err.Error()
}

func (e *CancellationError) Unwrap() error { return e.Err }

// CommunicatorDestroyedError is returned by operations started or pending
// while the communicator shuts down
type CommunicatorDestroyedError struct{}

func (e *CommunicatorDestroyedError) Error() string { return "communicator destroyed" }

// ErrCommunicatorDestroyed is the shared CommunicatorDestroyedError value
var ErrCommunicatorDestroyed error = &CommunicatorDestroyedError{}
