package client

import (
	"context"
	"errors"

	"github.com/ValentinKolb/slicerpc/lib/util"
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/puzpuzpuz/xsync/v3"
)

// Invoker runs invocations of proxies. It picks a request handler for every
// attempt, applies the invocation timeout and retries failed attempts through
// the RetryQueue.
type Invoker struct {
	provider    IConnectionProvider
	collocation ICollocationResolver
	retries     *RetryQueue
	config      common.Config
	tracer      *common.Tracer

	seed uint64
	// handlers caches connect handlers of proxies that cache their connection
	handlers *xsync.MapOf[uint64, *ConnectRequestHandler]
}

// NewInvoker creates an invoker. collocation may be nil, which disables
// collocated invocations.
func NewInvoker(provider IConnectionProvider, collocation ICollocationResolver, retries *RetryQueue, config common.Config) *Invoker {
	return &Invoker{
		provider:    provider,
		collocation: collocation,
		retries:     retries,
		config:      config,
		tracer:      common.NewTracer(config.Trace),
		seed:        util.GenerateSeed(),
		handlers:    xsync.NewMapOf[uint64, *ConnectRequestHandler](),
	}
}

// Config returns the configuration the invoker was created with
func (inv *Invoker) Config() common.Config { return inv.config }

// Invoke sends req to the target of p and returns the response. Oneway
// requests return a nil response once sent.
//
// Failed attempts are retried according to RetryDelay. When retries are
// exhausted or not allowed, the error of the last attempt is returned.
func (inv *Invoker) Invoke(ctx context.Context, p *Proxy, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error) {
	common.RecordInvocation()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.timeout, errInvocationTimeout)
		defer cancel()
	}
	if deadline, ok := ctx.Deadline(); ok && req.Deadline.IsZero() {
		req.Deadline = deadline
	}

	for attempt := 0; ; attempt++ {
		req.ResetSent()

		resp, err := inv.attempt(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		err = timeoutError(ctx, err)

		delay, retry := RetryDelay(inv.config, req, err, attempt)
		if !retry {
			inv.tracer.Trace(common.TraceRetry, 1, "%s failed after %d retries: %v", req, attempt, err)
			return nil, err
		}

		common.RecordRetry()
		inv.tracer.Trace(common.TraceRetry, 1, "retrying %s in %s (attempt %d of %d): %v",
			req, delay, attempt+1, inv.config.MaxRetries(), err)
		if waitErr := inv.retries.Wait(ctx, delay); waitErr != nil {
			return nil, timeoutError(ctx, waitErr)
		}
	}
}

// attempt sends req once through the handler selected for p
func (inv *Invoker) attempt(ctx context.Context, p *Proxy, req *protocol.OutgoingRequest) (*protocol.IncomingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.NewCancellationError(ctx)
	}
	h, err := inv.handler(p)
	if err != nil {
		return nil, err
	}
	return h.SendRequest(ctx, req)
}

// handler selects the request handler of p: a collocated handler if a local
// dispatcher serves the target, the cached connect handler if p caches its
// connection, a fresh connect handler otherwise
func (inv *Invoker) handler(p *Proxy) (IRequestHandler, error) {
	if p.collocation && inv.collocation != nil {
		if d, ok := inv.collocation.FindDispatcher(p.identity, p.endpoints); ok {
			return NewCollocatedRequestHandler(d, p.protocol), nil
		}
	}
	if len(p.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if !p.cacheConnection {
		return NewConnectRequestHandler(inv.provider, p.endpoints, p.preferExisting), nil
	}

	key := handlerKey(inv.seed, p.endpoints, p.preferExisting)
	h, _ := inv.handlers.LoadOrCompute(key, func() *ConnectRequestHandler {
		h := NewConnectRequestHandler(inv.provider, p.endpoints, p.preferExisting)
		h.onLost = func(lost *ConnectRequestHandler) {
			inv.handlers.Compute(key, func(cur *ConnectRequestHandler, loaded bool) (*ConnectRequestHandler, bool) {
				return cur, !loaded || cur == lost
			})
		}
		return h
	})
	return h, nil
}

// cachedHandler returns the cached connect handler of p, if any
func (inv *Invoker) cachedHandler(p *Proxy) (*ConnectRequestHandler, bool) {
	return inv.handlers.Load(handlerKey(inv.seed, p.endpoints, p.preferExisting))
}

// HandlerCount returns the number of cached connect handlers
func (inv *Invoker) HandlerCount() int { return inv.handlers.Size() }

// Destroy drains the retry queue. Invocations waiting for a retry fail with
// common.ErrCommunicatorDestroyed.
func (inv *Invoker) Destroy(ctx context.Context) error {
	err := inv.retries.Destroy(ctx)
	inv.handlers.Clear()
	return err
}

// timeoutError reports the expiry of the invocation timeout as a transport
// error; other errors are returned unchanged
func timeoutError(ctx context.Context, err error) error {
	if ctx.Err() == nil || !errors.Is(context.Cause(ctx), errInvocationTimeout) {
		return err
	}
	var canceled *common.CancellationError
	if errors.As(err, &canceled) {
		return common.NewTransportError(common.InvocationTimeout, errInvocationTimeout)
	}
	return err
}
