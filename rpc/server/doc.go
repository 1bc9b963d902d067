// Package server implements the dispatch side of the RPC runtime: object
// adapters, servants and dispatch interceptors.
//
// The package focuses on:
//   - Routing incoming requests to servants by identity and facet
//   - Converting every dispatch outcome into a well formed response
//   - Hosting adapters on the endpoints of the transport registry
//
// Key Components:
//
//   - ObjectAdapter: Holds the servant map and the default servants per
//     identity category. Activate listens on endpoints through
//     connection.IncomingFactory; the adapter is the dispatcher of every
//     connection it accepts and of collocated invocations.
//
//   - Servant: Dispatches by operation name to OperationHandlers and answers
//     the built-in operations ice_ping, ice_isA, ice_id and ice_ids.
//
//   - Interceptor: Wraps the adapter's dispatcher. LoggingInterceptor and
//     ContextInterceptor are provided.
//
// Dispatch Errors:
//
//	Unknown identities yield ObjectNotExist, unknown facets FacetNotExist and
//	unknown operations OperationNotExist. Remote exceptions returned by a
//	handler are sent as user exceptions, other errors as
//	UnknownLocalException. A panicking handler produces UnknownException; the
//	connection stays open.
//
// Usage Example:
//
//	adapter := server.NewObjectAdapter("demo", registry, config)
//	echo := server.NewServant("::Demo::Echo", map[string]server.OperationHandler{
//	    "echo": func(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
//	        return protocol.NewOkResponse(req.Encoding, req.Payload), nil
//	    },
//	})
//	_ = adapter.Add(common.NewIdentity("", "echo"), echo)
//	_ = adapter.Use(server.LoggingInterceptor(common.Backend()))
//	if err := adapter.Activate(ctx, common.MustParseEndpoint("tcp://0.0.0.0:4061")); err != nil {
//	    // listen failed
//	}
//
// Thread Safety:
//
//	Servants can be added and removed while the adapter dispatches.
//	Interceptors must be installed before activation.
package server
