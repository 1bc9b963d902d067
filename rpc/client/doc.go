// Package client implements the invocation side of the RPC runtime: proxies,
// request handlers and the retry queue.
//
// The package focuses on:
//   - Binding a proxy to a connection, or to a servant of the same process
//   - Retrying failed attempts without duplicating side effects
//   - Cancellation and invocation timeouts
//
// Key Components:
//
//   - Proxy: An immutable reference to a remote object (identity, facet,
//     endpoints). Invoke sends encoded arguments and returns the encoded
//     result; Ping, IsA, ID and IDs call the built-in operations.
//
//   - Invoker: Runs the attempts of one invocation. It selects a request
//     handler per attempt, applies the invocation timeout and consults
//     RetryDelay after every failure.
//
//   - ConnectRequestHandler / CollocatedRequestHandler: Send a request over a
//     connection obtained from an IConnectionProvider, or hand it directly to
//     a local dispatcher.
//
//   - RetryQueue: Delays retried attempts. Canceling the invocation removes
//     its pending retry; destroying the queue fails all pending retries with
//     common.ErrCommunicatorDestroyed.
//
// Retry Rules:
//
//	A failed attempt is retried when its error carries a retryable policy
//	(transport errors, connection closures) and the request is idempotent,
//	was not fully written, or was refused by a peer closing gracefully. At
//	most len(Config.RetryIntervals) retries are made; the error of the last
//	attempt is returned to the caller.
//
// Usage Example:
//
//	inv := client.NewInvoker(outgoingFactory, nil, client.NewRetryQueue(nil), config)
//	proxy := client.NewProxy(inv, common.NewIdentity("", "echo"),
//	    common.MustParseEndpoint("tcp://localhost:4061"))
//
//	if err := proxy.Ping(ctx); err != nil {
//	    // not reachable
//	}
//	result, err := proxy.Invoke(ctx, "echo", args, client.Idempotent())
//
// Thread Safety:
//
//	Proxies, the invoker and the retry queue are safe for concurrent use.
package client
