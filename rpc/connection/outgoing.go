package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/hashicorp/go-multierror"
)

var errNoEndpoints = errors.New("no endpoints to connect to")

// OutgoingFactory creates client connections and caches them by connector, so
// invocations to the same resolved address share one connection whatever
// endpoint spelling they came from
type OutgoingFactory struct {
	registry   *transport.Registry
	config     common.Config
	dispatcher protocol.Dispatcher

	// ctx bounds all connection attempts; it is canceled by Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	connections map[string]*Connection // by common.Connector.Key
	pending     map[string]*pendingConnect
	closed      bool
}

// pendingConnect is a connection attempt shared by all callers asking for the
// same connector while it runs
type pendingConnect struct {
	done chan struct{}
	conn *Connection
	err  error
}

// NewOutgoingFactory creates a factory. dispatcher serves requests sent back
// by servers over outgoing connections and may be nil.
func NewOutgoingFactory(registry *transport.Registry, config common.Config, dispatcher protocol.Dispatcher) *OutgoingFactory {
	ctx, cancel := context.WithCancel(context.Background())
	return &OutgoingFactory{
		registry:    registry,
		config:      config,
		dispatcher:  dispatcher,
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[string]*Connection),
		pending:     make(map[string]*pendingConnect),
	}
}

// GetConnection returns an active connection to one of endpoints. Endpoints
// are tried in the configured selection order, each resolved address in turn.
// With preferExisting, a cached connection to any of the endpoints is used
// before a new one is dialed.
//
// If every attempt fails, the error of the last attempt is returned.
func (f *OutgoingFactory) GetConnection(ctx context.Context, endpoints []common.Endpoint, preferExisting bool) (*Connection, error) {
	if len(endpoints) == 0 {
		return nil, common.NewTransportError(common.ConnectFailed, errNoEndpoints)
	}
	ordered := transport.OrderEndpoints(endpoints, f.config.EndpointSelection)

	var (
		errs    *multierror.Error
		lastErr error
	)
	resolved := make([][]common.Connector, len(ordered))
	for i, ep := range ordered {
		connectors, err := transport.ResolveConnectors(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return nil, common.NewCancellationError(ctx)
			}
			Logger.Debugf("Resolving %s failed: %v", ep, err)
			errs, lastErr = multierror.Append(errs, err), err
			continue
		}
		resolved[i] = connectors
	}

	if preferExisting {
		f.mu.Lock()
		for _, connectors := range resolved {
			for _, connector := range connectors {
				if c := f.cachedLocked(connector.Key()); c != nil {
					f.mu.Unlock()
					return c, nil
				}
			}
		}
		f.mu.Unlock()
	}

	for _, connectors := range resolved {
		for _, connector := range connectors {
			c, err := f.connect(ctx, connector)
			if err == nil {
				return c, nil
			}
			var cancelled *common.CancellationError
			if errors.As(err, &cancelled) || errors.Is(err, common.ErrCommunicatorDestroyed) {
				return nil, err
			}
			Logger.Debugf("Connecting to %s failed: %v", connector, err)
			errs, lastErr = multierror.Append(errs, err), err
		}
	}
	if errs != nil && len(errs.Errors) > 1 {
		Logger.Infof("All %d connection attempts failed: %v", len(errs.Errors), errs)
	}
	return nil, lastErr
}

// cachedLocked returns the cached active connection for the connector key
func (f *OutgoingFactory) cachedLocked(key string) *Connection {
	c, ok := f.connections[key]
	if !ok || c.State() != StateActive {
		return nil
	}
	return c
}

// connect returns the cached connection for connector or joins/starts a
// connection attempt. The attempt itself is not bound to ctx: a caller giving
// up does not cancel it for the others.
func (f *OutgoingFactory) connect(ctx context.Context, connector common.Connector) (*Connection, error) {
	key := connector.Key()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, common.ErrCommunicatorDestroyed
	}
	if c := f.cachedLocked(key); c != nil {
		f.mu.Unlock()
		return c, nil
	}
	p, ok := f.pending[key]
	if !ok {
		p = &pendingConnect{done: make(chan struct{})}
		f.pending[key] = p
		f.wg.Add(1)
		go f.run(connector, p)
	}
	f.mu.Unlock()

	select {
	case <-p.done:
		return p.conn, p.err
	case <-ctx.Done():
		return nil, common.NewCancellationError(ctx)
	}
}

// run performs one connection attempt and caches the result
func (f *OutgoingFactory) run(connector common.Connector, p *pendingConnect) {
	defer f.wg.Done()
	key := connector.Key()

	p.conn, p.err = Connect(f.ctx, f.registry, connector, f.config, f.dispatcher)

	f.mu.Lock()
	delete(f.pending, key)
	if p.err == nil {
		if f.closed {
			p.conn.Abort(common.ErrCommunicatorDestroyed)
			p.conn, p.err = nil, common.ErrCommunicatorDestroyed
		} else {
			f.connections[key] = p.conn
		}
	} else if f.closed {
		p.err = common.ErrCommunicatorDestroyed
	}
	f.mu.Unlock()

	if p.conn != nil {
		Logger.Debugf("Connected %s", p.conn)
		p.conn.OnClose(func(c *Connection, _ error) {
			f.mu.Lock()
			if f.connections[key] == c {
				delete(f.connections, key)
			}
			f.mu.Unlock()
		})
	}
	close(p.done)
}

// Connections returns a snapshot of the cached connections
func (f *OutgoingFactory) Connections() []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := make([]*Connection, 0, len(f.connections))
	for _, c := range f.connections {
		conns = append(conns, c)
	}
	return conns
}

// Close cancels pending connection attempts and closes all connections
// gracefully. Later GetConnection calls fail with
// common.ErrCommunicatorDestroyed.
func (f *OutgoingFactory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := make([]*Connection, 0, len(f.connections))
	for _, c := range f.connections {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	f.cancel()
	result := closeAll(ctx, conns)
	f.wg.Wait()
	return result.ErrorOrNil()
}
