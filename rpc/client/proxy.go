package client

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/connection"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
)

// Proxy is a reference to a remote object. Proxies are immutable; the With
// methods return modified copies.
type Proxy struct {
	invoker *Invoker

	identity  common.Identity
	facet     string
	endpoints []common.Endpoint
	protocol  common.Protocol
	encoding  encoding.Encoding

	timeout         time.Duration
	cacheConnection bool
	preferExisting  bool
	collocation     bool
	context         map[string]string
	loader          *encoding.SliceLoader
}

// NewProxy creates a proxy for id reachable over endpoints. The protocol is
// taken from the first endpoint; settings default to the invoker's config.
func NewProxy(inv *Invoker, id common.Identity, endpoints ...common.Endpoint) *Proxy {
	config := inv.Config()
	proto := config.DefaultProtocol
	if len(endpoints) > 0 {
		proto = endpoints[0].Protocol
	}
	return &Proxy{
		invoker:         inv,
		identity:        id,
		endpoints:       append([]common.Endpoint(nil), endpoints...),
		protocol:        proto,
		encoding:        proto.Encoding(),
		timeout:         config.InvocationTimeout,
		cacheConnection: config.CacheConnection,
		preferExisting:  config.PreferExistingConnection,
		collocation:     config.CollocationOptimized,
	}
}

// --------------------------------------------------------------------------
// Accessors and copies
// --------------------------------------------------------------------------

func (p *Proxy) Identity() common.Identity        { return p.identity }
func (p *Proxy) Facet() string                    { return p.facet }
func (p *Proxy) Protocol() common.Protocol        { return p.protocol }
func (p *Proxy) Encoding() encoding.Encoding      { return p.encoding }
func (p *Proxy) InvocationTimeout() time.Duration { return p.timeout }

// Endpoints returns a copy of the proxy endpoints
func (p *Proxy) Endpoints() []common.Endpoint {
	return append([]common.Endpoint(nil), p.endpoints...)
}

func (p *Proxy) clone() *Proxy {
	c := *p
	return &c
}

// WithFacet returns a copy targeting facet
func (p *Proxy) WithFacet(facet string) *Proxy {
	c := p.clone()
	c.facet = facet
	return c
}

// WithIdentity returns a copy targeting id
func (p *Proxy) WithIdentity(id common.Identity) *Proxy {
	c := p.clone()
	c.identity = id
	return c
}

// WithEndpoints returns a copy using endpoints
func (p *Proxy) WithEndpoints(endpoints ...common.Endpoint) *Proxy {
	c := p.clone()
	c.endpoints = append([]common.Endpoint(nil), endpoints...)
	if len(endpoints) > 0 {
		c.protocol = endpoints[0].Protocol
	}
	return c
}

// WithEncoding returns a copy encoding its arguments with enc
func (p *Proxy) WithEncoding(enc encoding.Encoding) *Proxy {
	c := p.clone()
	c.encoding = enc
	return c
}

// WithInvocationTimeout returns a copy with timeout, 0 disables it
func (p *Proxy) WithInvocationTimeout(timeout time.Duration) *Proxy {
	c := p.clone()
	c.timeout = timeout
	return c
}

// WithCacheConnection returns a copy that does or does not keep its connection
// between invocations
func (p *Proxy) WithCacheConnection(cache bool) *Proxy {
	c := p.clone()
	c.cacheConnection = cache
	return c
}

// WithPreferExistingConnection returns a copy that does or does not reuse an
// open connection to any of its endpoints before connecting in order
func (p *Proxy) WithPreferExistingConnection(prefer bool) *Proxy {
	c := p.clone()
	c.preferExisting = prefer
	return c
}

// WithCollocation returns a copy that does or does not dispatch directly to
// servants of this process
func (p *Proxy) WithCollocation(enabled bool) *Proxy {
	c := p.clone()
	c.collocation = enabled
	return c
}

// WithContext returns a copy sending ctx as request context of every
// invocation
func (p *Proxy) WithContext(ctx map[string]string) *Proxy {
	c := p.clone()
	c.context = make(map[string]string, len(ctx))
	for k, v := range ctx {
		c.context[k] = v
	}
	return c
}

// WithLoader returns a copy decoding user exceptions with loader
func (p *Proxy) WithLoader(loader *encoding.SliceLoader) *Proxy {
	c := p.clone()
	c.loader = loader
	return c
}

// Connection returns the connection cached for the proxy, nil if there is
// none or the proxy does not cache its connection
func (p *Proxy) Connection() *connection.Connection {
	if !p.cacheConnection {
		return nil
	}
	if h, ok := p.invoker.cachedHandler(p); ok {
		return h.Connection()
	}
	return nil
}

func (p *Proxy) String() string {
	s := p.identity.String()
	if p.facet != "" {
		s += " -f " + p.facet
	}
	for _, ep := range p.endpoints {
		s += " @ " + ep.String()
	}
	return s
}

// --------------------------------------------------------------------------
// Invocation
// --------------------------------------------------------------------------

// InvokeOption configures a single invocation
type InvokeOption func(*protocol.OutgoingRequest) error

// Idempotent marks the invocation as safe to execute more than once
func Idempotent() InvokeOption {
	return func(r *protocol.OutgoingRequest) error {
		r.Idempotent = true
		return nil
	}
}

// Oneway sends the request without waiting for a response
func Oneway() InvokeOption {
	return func(r *protocol.OutgoingRequest) error {
		r.Oneway = true
		return nil
	}
}

// WithRequestContext adds an entry to the request context
func WithRequestContext(key, value string) InvokeOption {
	return func(r *protocol.OutgoingRequest) error {
		return r.SetContext(key, value)
	}
}

// NewRequest builds the request of one invocation of operation with the
// encoded arguments args
func (p *Proxy) NewRequest(operation string, args []byte, opts ...InvokeOption) (*protocol.OutgoingRequest, error) {
	if err := protocol.CheckPayloadEncoding(p.protocol, p.encoding); err != nil {
		return nil, err
	}
	req := protocol.NewOutgoingRequest(p.identity, operation, p.encoding, args)
	req.Facet = p.facet
	for k, v := range p.context {
		if err := req.SetContext(k, v); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		if err := opt(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Invoke invokes operation with the encoded arguments args and returns the
// encoded result. A user exception is decoded with the proxy's loader and
// returned as error. Oneway invocations return a nil result.
func (p *Proxy) Invoke(ctx context.Context, operation string, args []byte, opts ...InvokeOption) ([]byte, error) {
	req, err := p.NewRequest(operation, args, opts...)
	if err != nil {
		return nil, err
	}
	resp, err := p.invoker.Invoke(ctx, p, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Result(p.loader)
}

// --------------------------------------------------------------------------
// Built-in operations
// --------------------------------------------------------------------------

// Ping checks that the target object exists
func (p *Proxy) Ping(ctx context.Context) error {
	args, err := protocol.EncodeArgs(p.encoding, nil)
	if err != nil {
		return err
	}
	result, err := p.Invoke(ctx, protocol.OpPing, args, Idempotent())
	if err != nil {
		return err
	}
	return protocol.DecodeArgs(p.encoding, result, func(*encoding.Decoder) error { return nil })
}

// IsA reports whether the target object implements typeID
func (p *Proxy) IsA(ctx context.Context, typeID string) (bool, error) {
	args, err := protocol.EncodeArgs(p.encoding, func(e *encoding.Encoder) { e.EncodeString(typeID) })
	if err != nil {
		return false, err
	}
	result, err := p.Invoke(ctx, protocol.OpIsA, args, Idempotent())
	if err != nil {
		return false, err
	}
	var isA bool
	err = protocol.DecodeArgs(p.encoding, result, func(d *encoding.Decoder) (err error) {
		isA, err = d.DecodeBool()
		return err
	})
	return isA, err
}

// ID returns the most derived type id of the target object
func (p *Proxy) ID(ctx context.Context) (string, error) {
	var id string
	err := p.invokeDecode(ctx, protocol.OpID, func(d *encoding.Decoder) (err error) {
		id, err = d.DecodeString()
		return err
	})
	return id, err
}

// IDs returns all type ids of the target object, sorted
func (p *Proxy) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := p.invokeDecode(ctx, protocol.OpIDs, func(d *encoding.Decoder) (err error) {
		ids, err = d.DecodeStringSeq()
		return err
	})
	return ids, err
}

// invokeDecode invokes an idempotent operation without arguments and decodes
// its result with decode
func (p *Proxy) invokeDecode(ctx context.Context, operation string, decode func(*encoding.Decoder) error) error {
	args, err := protocol.EncodeArgs(p.encoding, nil)
	if err != nil {
		return err
	}
	result, err := p.Invoke(ctx, operation, args, Idempotent())
	if err != nil {
		return err
	}
	if err := protocol.DecodeArgs(p.encoding, result, decode); err != nil {
		return fmt.Errorf("decoding result of %s: %w", operation, err)
	}
	return nil
}
