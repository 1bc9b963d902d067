package common

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Endpoint
// --------------------------------------------------------------------------

// Well known endpoint options
const (
	OptionProtocol      = "protocol"
	OptionSourceAddress = "source-address"
	OptionPath          = "path" // websocket upgrade path
)

// Endpoint is one address a connection can be made to or accepted on. It is a
// value type; the option map is never modified after construction.
type Endpoint struct {
	Transport string
	Host      string
	Port      uint16
	Protocol  Protocol
	options   map[string]string
}

// NewEndpoint creates an endpoint. options is copied.
func NewEndpoint(transport, host string, port uint16, protocol Protocol, options map[string]string) Endpoint {
	ep := Endpoint{Transport: transport, Host: host, Port: port, Protocol: protocol}
	if len(options) > 0 {
		ep.options = make(map[string]string, len(options))
		for k, v := range options {
			ep.options[k] = v
		}
	}
	return ep
}

// ParseEndpoint parses "transport://host:port?protocol=ice1&key=value". Unix
// socket endpoints carry the socket path: "unix:///run/app.sock". The protocol
// defaults to ice2.
func ParseEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	if u.Scheme == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing transport", s)
	}

	ep := Endpoint{Transport: strings.ToLower(u.Scheme), Protocol: ProtocolIce2}
	switch ep.Transport {
	case "unix":
		ep.Host = u.Path
		if ep.Host == "" {
			ep.Host = u.Opaque
		}
	case "coloc":
		ep.Host = u.Host
	default:
		ep.Host = u.Hostname()
		if p := u.Port(); p != "" {
			port, err := strconv.ParseUint(p, 10, 16)
			if err != nil {
				return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port: %w", s, err)
			}
			ep.Port = uint16(port)
		}
		if u.Path != "" && u.Path != "/" {
			ep.setOption(OptionPath, u.Path)
		}
	}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", s)
	}

	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		if key == OptionProtocol {
			if ep.Protocol, err = ParseProtocol(values[0]); err != nil {
				return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
			}
			continue
		}
		ep.setOption(key, values[len(values)-1])
	}
	return ep, nil
}

// MustParseEndpoint is ParseEndpoint for constant endpoint strings
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

func (ep *Endpoint) setOption(key, value string) {
	if ep.options == nil {
		ep.options = make(map[string]string)
	}
	ep.options[key] = value
}

// Option returns a transport specific option
func (ep Endpoint) Option(key string) (string, bool) {
	v, ok := ep.options[key]
	return v, ok
}

// Options returns a copy of all transport specific options
func (ep Endpoint) Options() map[string]string {
	m := make(map[string]string, len(ep.options))
	for k, v := range ep.options {
		m[k] = v
	}
	return m
}

// WithHost returns a copy of ep with another host
func (ep Endpoint) WithHost(host string) Endpoint {
	c := NewEndpoint(ep.Transport, host, ep.Port, ep.Protocol, ep.options)
	return c
}

// WithPort returns a copy of ep with another port
func (ep Endpoint) WithPort(port uint16) Endpoint {
	c := NewEndpoint(ep.Transport, ep.Host, port, ep.Protocol, ep.options)
	return c
}

// Address returns the address to dial or listen on
func (ep Endpoint) Address() string {
	switch ep.Transport {
	case "unix", "coloc":
		return ep.Host
	default:
		return net.JoinHostPort(ep.Host, strconv.Itoa(int(ep.Port)))
	}
}

// String renders the endpoint as a URI with sorted options
func (ep Endpoint) String() string {
	var sb strings.Builder
	sb.WriteString(ep.Transport)
	sb.WriteString("://")
	switch ep.Transport {
	case "unix", "coloc":
		sb.WriteString(ep.Host)
	default:
		sb.WriteString(ep.Address())
		if p, ok := ep.options[OptionPath]; ok {
			sb.WriteString(p)
		}
	}

	query := url.Values{}
	query.Set(OptionProtocol, ep.Protocol.String())
	keys := make([]string, 0, len(ep.options))
	for k := range ep.options {
		if k != OptionPath {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		query.Set(k, ep.options[k])
	}
	sb.WriteString("?")
	sb.WriteString(query.Encode())
	return sb.String()
}

// Equal reports structural equality
func (ep Endpoint) Equal(o Endpoint) bool {
	return ep.String() == o.String()
}

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// Connector is a resolved, connectable form of an endpoint (for example one IP
// address of a host name). Connections are cached by Connector.Key.
type Connector struct {
	Endpoint      Endpoint
	Address       string
	SourceAddress string
}

// NewConnector creates a connector for an already resolved address
func NewConnector(ep Endpoint, address string) Connector {
	src, _ := ep.Option(OptionSourceAddress)
	return Connector{Endpoint: ep, Address: address, SourceAddress: src}
}

// Key identifies connectors that may share a connection
func (c Connector) Key() string {
	return c.Endpoint.Transport + "|" + c.Endpoint.Protocol.String() + "|" + c.Address + "|" + c.SourceAddress
}

func (c Connector) String() string {
	if c.SourceAddress == "" {
		return fmt.Sprintf("%s %s (%s)", c.Endpoint.Transport, c.Address, c.Endpoint.Protocol)
	}
	return fmt.Sprintf("%s %s from %s (%s)", c.Endpoint.Transport, c.Address, c.SourceAddress, c.Endpoint.Protocol)
}
