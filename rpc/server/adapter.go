package server

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/connection"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

type adapterState int32

const (
	adapterCreated adapterState = iota
	adapterActive
	adapterDeactivated
)

// ObjectAdapter routes incoming requests to servants by identity and facet.
// It listens on its endpoints once activated and is also the dispatcher of
// collocated invocations.
//
// Requests for unknown identities fall back to the default servant of the
// identity's category, then to the default servant of the empty category.
type ObjectAdapter struct {
	name     string
	registry *transport.Registry
	config   common.Config
	tracer   *common.Tracer

	// servants maps an identity to its facets; facet maps are copied on write
	servants *xsync.MapOf[common.Identity, map[string]protocol.Dispatcher]
	defaults *xsync.MapOf[string, protocol.Dispatcher]

	mu           sync.Mutex
	state        adapterState
	interceptors []Interceptor
	factories    []*connection.IncomingFactory
	endpoints    []common.Endpoint

	pipeline atomic.Pointer[protocol.Dispatcher]
}

// NewObjectAdapter creates an inactive adapter
func NewObjectAdapter(name string, registry *transport.Registry, config common.Config) *ObjectAdapter {
	a := &ObjectAdapter{
		name:     name,
		registry: registry,
		config:   config,
		tracer:   common.NewTracer(config.Trace),
		servants: xsync.NewMapOf[common.Identity, map[string]protocol.Dispatcher](),
		defaults: xsync.NewMapOf[string, protocol.Dispatcher](),
	}
	a.buildPipeline()
	return a
}

// Name returns the adapter name
func (a *ObjectAdapter) Name() string { return a.name }

// --------------------------------------------------------------------------
// Servant map
// --------------------------------------------------------------------------

// Add registers servant for id
func (a *ObjectAdapter) Add(id common.Identity, servant protocol.Dispatcher) error {
	return a.AddFacet(id, "", servant)
}

// AddFacet registers servant for a facet of id
func (a *ObjectAdapter) AddFacet(id common.Identity, facet string, servant protocol.Dispatcher) error {
	if id.Name == "" {
		return ErrInvalidIdentity
	}
	var err error
	a.servants.Compute(id, func(facets map[string]protocol.Dispatcher, loaded bool) (map[string]protocol.Dispatcher, bool) {
		if _, exists := facets[facet]; exists {
			err = fmt.Errorf("%w: %s [%s]", ErrAlreadyRegistered, id, facet)
			return facets, false
		}
		updated := make(map[string]protocol.Dispatcher, len(facets)+1)
		maps.Copy(updated, facets)
		updated[facet] = servant
		return updated, false
	})
	if err == nil {
		Logger.Debugf("Adapter %s: added servant %s [%s]", a.name, id, facet)
	}
	return err
}

// Remove unregisters the servant of id and returns it
func (a *ObjectAdapter) Remove(id common.Identity) (protocol.Dispatcher, bool) {
	return a.RemoveFacet(id, "")
}

// RemoveFacet unregisters the servant of a facet of id and returns it
func (a *ObjectAdapter) RemoveFacet(id common.Identity, facet string) (protocol.Dispatcher, bool) {
	var removed protocol.Dispatcher
	a.servants.Compute(id, func(facets map[string]protocol.Dispatcher, loaded bool) (map[string]protocol.Dispatcher, bool) {
		s, ok := facets[facet]
		if !ok {
			return facets, !loaded
		}
		removed = s
		if len(facets) == 1 {
			return nil, true
		}
		updated := maps.Clone(facets)
		delete(updated, facet)
		return updated, false
	})
	return removed, removed != nil
}

// Find returns the servant registered for id and facet, ignoring default
// servants
func (a *ObjectAdapter) Find(id common.Identity, facet string) (protocol.Dispatcher, bool) {
	facets, ok := a.servants.Load(id)
	if !ok {
		return nil, false
	}
	s, ok := facets[facet]
	return s, ok
}

// AddDefaultServant registers servant for all identities of category that
// have no servant of their own. The empty category matches every identity.
func (a *ObjectAdapter) AddDefaultServant(category string, servant protocol.Dispatcher) error {
	if _, loaded := a.defaults.LoadOrStore(category, servant); loaded {
		return fmt.Errorf("%w: default servant for category %q", ErrAlreadyRegistered, category)
	}
	return nil
}

// RemoveDefaultServant unregisters the default servant of category
func (a *ObjectAdapter) RemoveDefaultServant(category string) (protocol.Dispatcher, bool) {
	return a.defaults.LoadAndDelete(category)
}

// --------------------------------------------------------------------------
// Dispatch pipeline
// --------------------------------------------------------------------------

// Use appends interceptors to the dispatch pipeline. It fails once the
// adapter is active.
func (a *ObjectAdapter) Use(interceptors ...Interceptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != adapterCreated {
		return ErrAdapterActive
	}
	a.interceptors = append(a.interceptors, interceptors...)
	a.buildPipeline()
	return nil
}

// buildPipeline wraps route with the interceptors, the first interceptor
// being outermost
func (a *ObjectAdapter) buildPipeline() {
	var d protocol.Dispatcher = protocol.DispatcherFunc(a.route)
	for i := len(a.interceptors) - 1; i >= 0; i-- {
		d = a.interceptors[i](d)
	}
	a.pipeline.Store(&d)
}

// Dispatch implements protocol.Dispatcher. It always returns a response:
// errors and panics of the pipeline are converted according to their type.
func (a *ObjectAdapter) Dispatch(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
	start := time.Now()
	req.Adapter = a.name

	resp, err := a.invokePipeline(ctx, req)
	switch {
	case err != nil:
		resp = protocol.NewResponseFromError(req.Encoding, err)
	case resp == nil:
		resp = protocol.NewOkResponse(req.Encoding, nil)
	}

	common.RecordDispatch(resp.Status, start)
	a.tracer.Trace(common.TraceDispatch, 1, "adapter %s dispatched %s -> %s: %s",
		a.name, req.Operation, req.Identity, resp.Status)
	return resp, nil
}

// invokePipeline runs the pipeline and converts a panic into an
// UnknownException
func (a *ObjectAdapter) invokePipeline(ctx context.Context, req *protocol.IncomingRequest) (resp *protocol.OutgoingResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("Adapter %s: dispatch of %s -> %s panicked: %v\n%s", a.name, req.Operation, req.Identity, r, debug.Stack())
			resp, err = nil, common.NewUnknownError(common.ReplyUnknownException, fmt.Sprint(r))
		}
	}()
	return (*a.pipeline.Load()).Dispatch(ctx, req)
}

// route is the innermost dispatcher: it selects the servant of the request
func (a *ObjectAdapter) route(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
	if facets, ok := a.servants.Load(req.Identity); ok {
		if s, ok := facets[req.Facet]; ok {
			return s.Dispatch(ctx, req)
		}
		if req.Facet != "" {
			return nil, common.NewFacetNotExistError(req.Identity, req.Facet, req.Operation)
		}
	}
	if s, ok := a.defaults.Load(req.Identity.Category); ok {
		return s.Dispatch(ctx, req)
	}
	if s, ok := a.defaults.Load(""); ok {
		return s.Dispatch(ctx, req)
	}
	return nil, common.NewObjectNotExistError(req.Identity, req.Facet, req.Operation)
}

// --------------------------------------------------------------------------
// Activation
// --------------------------------------------------------------------------

// Activate listens on endpoints and starts accepting connections. If one
// endpoint fails, the listeners already opened are closed again.
func (a *ObjectAdapter) Activate(ctx context.Context, endpoints ...common.Endpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case adapterActive:
		return ErrAdapterActive
	case adapterDeactivated:
		return ErrAdapterDeactivated
	}

	factories := make([]*connection.IncomingFactory, 0, len(endpoints))
	for _, ep := range endpoints {
		f, err := connection.NewIncomingFactory(a.registry, ep, a.config, a)
		if err != nil {
			_ = closeFactories(ctx, factories)
			return fmt.Errorf("adapter %s: listen on %s: %w", a.name, ep, err)
		}
		factories = append(factories, f)
	}

	a.factories = factories
	a.endpoints = make([]common.Endpoint, 0, len(factories))
	for _, f := range factories {
		a.endpoints = append(a.endpoints, f.Endpoint())
		f.Activate()
	}
	a.state = adapterActive
	Logger.Infof("Adapter %s activated on %v", a.name, a.endpoints)
	return nil
}

// Endpoints returns the bound endpoints, ports of port 0 endpoints resolved
func (a *ObjectAdapter) Endpoints() []common.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]common.Endpoint(nil), a.endpoints...)
}

// IsActive reports whether the adapter is activated and not yet deactivated
func (a *ObjectAdapter) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == adapterActive
}

// Serves reports whether a reference with id and endpoints designates this
// adapter. A reference without endpoints matches if a servant for id is
// registered; otherwise one of its endpoints must be an endpoint of the
// adapter.
func (a *ObjectAdapter) Serves(id common.Identity, endpoints []common.Endpoint) bool {
	if !a.IsActive() {
		return false
	}
	if len(endpoints) == 0 {
		_, ok := a.servants.Load(id)
		return ok
	}
	for _, ep := range endpoints {
		for _, own := range a.Endpoints() {
			if ep.Equal(own) {
				return true
			}
		}
	}
	return false
}

// Connections returns the connections currently accepted by the adapter
func (a *ObjectAdapter) Connections() []*connection.Connection {
	a.mu.Lock()
	factories := append([]*connection.IncomingFactory(nil), a.factories...)
	a.mu.Unlock()

	var conns []*connection.Connection
	for _, f := range factories {
		conns = append(conns, f.Connections()...)
	}
	return conns
}

// Deactivate stops the listeners and closes all accepted connections
// gracefully. Calling it again has no effect.
func (a *ObjectAdapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	if a.state == adapterDeactivated {
		a.mu.Unlock()
		return nil
	}
	a.state = adapterDeactivated
	factories := a.factories
	a.factories = nil
	a.mu.Unlock()

	err := closeFactories(ctx, factories)
	Logger.Infof("Adapter %s deactivated", a.name)
	return err
}

// closeFactories closes the factories in parallel
func closeFactories(ctx context.Context, factories []*connection.IncomingFactory) error {
	var g errgroup.Group
	for _, f := range factories {
		g.Go(func() error { return f.Close(ctx) })
	}
	return g.Wait()
}
