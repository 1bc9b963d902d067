package server

import (
	"context"
	"errors"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LogDispatch)

var (
	// ErrAlreadyRegistered is returned when a servant is added for an identity
	// and facet that already have one
	ErrAlreadyRegistered = errors.New("servant already registered")
	// ErrInvalidIdentity is returned for identities with an empty name
	ErrInvalidIdentity = errors.New("identity name must not be empty")
	// ErrAdapterActive is returned by operations only allowed before activation
	ErrAdapterActive = errors.New("object adapter already activated")
	// ErrAdapterDeactivated is returned once the adapter was deactivated
	ErrAdapterDeactivated = errors.New("object adapter deactivated")
)

// OperationHandler handles one operation of a servant. Returning an error
// instead of a response lets the adapter convert it: dispatch errors keep
// their status, remote exceptions become user exceptions and anything else
// becomes an UnknownLocalException.
type OperationHandler func(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error)

// Interceptor wraps the dispatcher of an object adapter. Interceptors run in
// the order they were added, the first one sees the request first.
type Interceptor func(next protocol.Dispatcher) protocol.Dispatcher
