package communicator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/slicerpc/rpc/client"
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/connection"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/server"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/ValentinKolb/slicerpc/rpc/transport/coloc"
	"github.com/ValentinKolb/slicerpc/rpc/transport/quic"
	"github.com/ValentinKolb/slicerpc/rpc/transport/tcp"
	"github.com/ValentinKolb/slicerpc/rpc/transport/unix"
	"github.com/ValentinKolb/slicerpc/rpc/transport/ws"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger(common.LogRPC)

// DefaultRegistry returns a registry with every built-in transport: tcp,
// ssl (alias tls), unix, ws, wss, coloc and quic
func DefaultRegistry() *transport.Registry {
	return transport.NewRegistry().
		RegisterStream(tcp.NewTCPTransport()).
		RegisterStream(tcp.NewTLSTransport(), "tls").
		RegisterStream(unix.NewUnixTransport()).
		RegisterStream(ws.NewWSTransport()).
		RegisterStream(ws.NewWSSTransport()).
		RegisterStream(coloc.NewColocTransport()).
		RegisterMultiplexed(quic.NewQuicTransport())
}

// Option configures a communicator
type Option func(*Communicator)

// WithRegistry replaces the default transport registry
func WithRegistry(registry *transport.Registry) Option {
	return func(c *Communicator) { c.registry = registry }
}

// WithDispatcher serves requests peers send back over outgoing connections
func WithDispatcher(dispatcher protocol.Dispatcher) Option {
	return func(c *Communicator) { c.dispatcher = dispatcher }
}

// Communicator owns the runtime state of one process side: the transport
// registry, the outgoing connection cache, the retry queue and the object
// adapters. It is created once and destroyed exactly once.
type Communicator struct {
	config     common.Config
	registry   *transport.Registry
	dispatcher protocol.Dispatcher
	outgoing   *connection.OutgoingFactory
	invoker    *client.Invoker

	mu        sync.Mutex
	adapters  map[string]*server.ObjectAdapter
	destroyed bool

	destroyOnce sync.Once
	destroyErr  error
}

// New validates config, initializes the loggers and creates a communicator
func New(config common.Config, opts ...Option) (*Communicator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := common.InitLoggers(config); err != nil {
		return nil, err
	}

	c := &Communicator{
		config:   config,
		adapters: make(map[string]*server.ObjectAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = DefaultRegistry()
	}

	c.outgoing = connection.NewOutgoingFactory(c.registry, config, c.dispatcher)
	var resolver client.ICollocationResolver
	if config.CollocationOptimized {
		resolver = c
	}
	c.invoker = client.NewInvoker(c.outgoing, resolver, client.NewRetryQueue(common.NewTracer(config.Trace)), config)

	Logger.Infof("Communicator created, transports %v", c.registry.Names())
	Logger.Debugf("%s", config)
	return c, nil
}

// Config returns the configuration snapshot
func (c *Communicator) Config() common.Config { return c.config }

// Registry returns the transport registry
func (c *Communicator) Registry() *transport.Registry { return c.registry }

// Connections returns the cached outgoing connections
func (c *Communicator) Connections() []*connection.Connection { return c.outgoing.Connections() }

// Proxy creates a proxy for id reachable over endpoints
func (c *Communicator) Proxy(id common.Identity, endpoints ...common.Endpoint) *client.Proxy {
	return client.NewProxy(c.invoker, id, endpoints...)
}

// CreateObjectAdapter creates an inactive adapter. Adapter names are unique
// per communicator.
func (c *Communicator) CreateObjectAdapter(name string) (*server.ObjectAdapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, common.ErrCommunicatorDestroyed
	}
	if _, exists := c.adapters[name]; exists {
		return nil, fmt.Errorf("object adapter %q already exists", name)
	}
	a := server.NewObjectAdapter(name, c.registry, c.config)
	c.adapters[name] = a
	return a, nil
}

// FindDispatcher implements client.ICollocationResolver: it returns the
// active adapter serving id at endpoints, if any
func (c *Communicator) FindDispatcher(id common.Identity, endpoints []common.Endpoint) (protocol.Dispatcher, bool) {
	c.mu.Lock()
	adapters := make([]*server.ObjectAdapter, 0, len(c.adapters))
	for _, a := range c.adapters {
		adapters = append(adapters, a)
	}
	c.mu.Unlock()

	for _, a := range adapters {
		if a.Serves(id, endpoints) {
			return a, true
		}
	}
	return nil, false
}

// Destroy shuts the communicator down: adapters are deactivated, pending
// retries fail with common.ErrCommunicatorDestroyed and outgoing connections
// are closed gracefully. Later calls return the result of the first one.
func (c *Communicator) Destroy(ctx context.Context) error {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		adapters := make([]*server.ObjectAdapter, 0, len(c.adapters))
		for _, a := range c.adapters {
			adapters = append(adapters, a)
		}
		c.mu.Unlock()

		var result *multierror.Error

		var g errgroup.Group
		for _, a := range adapters {
			g.Go(func() error { return a.Deactivate(ctx) })
		}
		if err := g.Wait(); err != nil {
			result = multierror.Append(result, fmt.Errorf("deactivating adapters: %w", err))
		}
		if err := c.invoker.Destroy(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("draining retry queue: %w", err))
		}
		if err := c.outgoing.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing connections: %w", err))
		}

		c.destroyErr = result.ErrorOrNil()
		Logger.Infof("Communicator destroyed")
	})
	return c.destroyErr
}
