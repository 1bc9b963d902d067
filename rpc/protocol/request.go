package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// ErrRequestSealed is returned when the context of a request is modified after
// the request was sent for the first time
var ErrRequestSealed = errors.New("request is sealed")

// --------------------------------------------------------------------------
// Outgoing request
// --------------------------------------------------------------------------

// OutgoingRequest is a request built by an invoker. The header fields are set
// before the first send; once sent, the request is sealed and its context can
// no longer be changed. The same request is resent on retries.
type OutgoingRequest struct {
	Identity   common.Identity
	Facet      string
	Location   []string
	Operation  string
	Idempotent bool
	Oneway     bool
	// Deadline is the absolute deadline of the invocation, zero means none
	Deadline time.Time
	// Encoding and Payload describe the encapsulated arguments
	Encoding encoding.Encoding
	Payload  []byte

	mu      sync.Mutex
	context map[string]string
	sealed  bool
	sent    atomic.Bool
}

// NewOutgoingRequest creates a request with an encapsulation of args encoded
// with enc
func NewOutgoingRequest(id common.Identity, operation string, enc encoding.Encoding, args []byte) *OutgoingRequest {
	return &OutgoingRequest{
		Identity:  id,
		Operation: operation,
		Encoding:  enc,
		Payload:   args,
	}
}

// SetContext sets one request context entry. It fails once the request is
// sealed.
func (r *OutgoingRequest) SetContext(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRequestSealed
	}
	if r.context == nil {
		r.context = make(map[string]string)
	}
	r.context[key] = value
	return nil
}

// Context returns a copy of the request context
func (r *OutgoingRequest) Context() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyContext(r.context)
}

// Seal freezes the request context. Sealing twice is a no-op.
func (r *OutgoingRequest) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// IsSealed reports whether the request was sealed
func (r *OutgoingRequest) IsSealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// MarkSent records that the request bytes of the current attempt were fully
// written to the transport
func (r *OutgoingRequest) MarkSent() { r.sent.Store(true) }

// IsSent reports whether the current attempt was fully written
func (r *OutgoingRequest) IsSent() bool { return r.sent.Load() }

// ResetSent starts a new attempt
func (r *OutgoingRequest) ResetSent() { r.sent.Store(false) }

// DeadlineMillis returns the deadline as milliseconds since the Unix epoch, or
// -1 for no deadline
func (r *OutgoingRequest) DeadlineMillis() int64 {
	return deadlineToMillis(r.Deadline)
}

// String returns a short description used in traces
func (r *OutgoingRequest) String() string {
	if r.Facet == "" {
		return fmt.Sprintf("%s -> %s", r.Operation, r.Identity)
	}
	return fmt.Sprintf("%s -> %s [%s]", r.Operation, r.Identity, r.Facet)
}

// --------------------------------------------------------------------------
// Incoming request
// --------------------------------------------------------------------------

// Current describes the request being dispatched. Interceptors may modify it
// before passing the request on.
type Current struct {
	Identity   common.Identity
	Facet      string
	Location   []string
	Operation  string
	Idempotent bool
	Oneway     bool
	Deadline   time.Time
	Context    map[string]string
	Encoding   encoding.Encoding
	Protocol   common.Protocol
	// Adapter is the name of the object adapter dispatching the request, set
	// by the adapter
	Adapter string
	// Connection identifies the connection the request was received on, empty
	// for collocated requests
	Connection string
}

// IncomingRequest is a request decoded from a frame
type IncomingRequest struct {
	Current
	Payload []byte
}

// NewIncomingRequest converts an outgoing request into the incoming request
// seen by a collocated dispatcher
func NewIncomingRequest(req *OutgoingRequest, proto common.Protocol) *IncomingRequest {
	return &IncomingRequest{
		Current: Current{
			Identity:   req.Identity,
			Facet:      req.Facet,
			Location:   append([]string(nil), req.Location...),
			Operation:  req.Operation,
			Idempotent: req.Idempotent,
			Oneway:     req.Oneway,
			Deadline:   req.Deadline,
			Context:    req.Context(),
			Encoding:   req.Encoding,
			Protocol:   proto,
		},
		Payload: append([]byte(nil), req.Payload...),
	}
}

// DispatchContext derives the context a dispatch runs with: the request
// deadline, if any, is applied to parent
func (r *IncomingRequest) DispatchContext(parent context.Context) (context.Context, context.CancelFunc) {
	if r.Deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, r.Deadline)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func copyContext(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func deadlineToMillis(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.UnixMilli()
}

// DeadlineFromMillis converts a wire deadline back, -1 (or any negative value)
// means no deadline
func DeadlineFromMillis(ms int64) time.Time {
	if ms < 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
