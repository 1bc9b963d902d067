package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/hashicorp/go-multierror"
)

// IncomingFactory accepts and owns the connections of one endpoint
type IncomingFactory struct {
	listener *Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	connections map[string]*Connection
	activated   bool
	closed      bool
}

// NewIncomingFactory listens on ep. Connections are accepted once Activate is
// called.
func NewIncomingFactory(registry *transport.Registry, ep common.Endpoint, config common.Config, dispatcher protocol.Dispatcher) (*IncomingFactory, error) {
	l, err := Listen(registry, ep, config, dispatcher)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	Logger.Infof("Listening on %s", l.Endpoint())
	return &IncomingFactory{
		listener:    l,
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[string]*Connection),
	}, nil
}

// Endpoint returns the endpoint the factory is bound to
func (f *IncomingFactory) Endpoint() common.Endpoint { return f.listener.Endpoint() }

// Activate starts accepting connections. Calling it again has no effect.
func (f *IncomingFactory) Activate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activated || f.closed {
		return
	}
	f.activated = true
	f.wg.Add(1)
	go f.acceptLoop()
}

// Connections returns a snapshot of the active connections
func (f *IncomingFactory) Connections() []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := make([]*Connection, 0, len(f.connections))
	for _, c := range f.connections {
		conns = append(conns, c)
	}
	return conns
}

func (f *IncomingFactory) acceptLoop() {
	defer f.wg.Done()
	for {
		establish, err := f.listener.Accept(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Warningf("Accepting on %s failed: %v", f.Endpoint(), err)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			c, err := establish(f.ctx)
			if err != nil {
				Logger.Debugf("Connection on %s failed validation: %v", f.Endpoint(), err)
				return
			}
			f.add(c)
		}()
	}
}

func (f *IncomingFactory) add(c *Connection) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		c.Abort(common.ErrCommunicatorDestroyed)
		return
	}
	f.connections[c.ID()] = c
	f.mu.Unlock()

	c.OnClose(func(c *Connection, _ error) {
		f.mu.Lock()
		delete(f.connections, c.ID())
		f.mu.Unlock()
	})
}

// Close stops accepting and closes all connections gracefully. ctx bounds
// the wait; connections still open when it expires are aborted.
func (f *IncomingFactory) Close(ctx context.Context) error {
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
	if err := f.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("closing listener %s: %w", f.Endpoint(), err))
	}
	f.wg.Wait()
	return result.ErrorOrNil()
}

// closeAll closes conns in parallel and aborts the ones that did not close
// before ctx expired
func closeAll(ctx context.Context, conns []*Connection) *multierror.Error {
	var g multierror.Group
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				c.Abort(common.ErrCommunicatorDestroyed)
				return fmt.Errorf("closing %s: %w", c, err)
			}
			return nil
		})
	}
	return g.Wait()
}
