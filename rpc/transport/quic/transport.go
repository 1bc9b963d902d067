package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/transport"
	"github.com/ValentinKolb/slicerpc/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/quic-go/quic-go"
)

var Logger = logger.GetLogger(common.LogQuic)

// alpn is the application protocol negotiated during the TLS handshake
const alpn = "ice2"

// quicTransport implements transport.IMultiplexedTransport with quic-go
type quicTransport struct{}

// NewQuicTransport creates the "quic" transport. QUIC always runs over TLS;
// listening requires common.Config.TLSConfig with a certificate.
func NewQuicTransport() transport.IMultiplexedTransport {
	return &quicTransport{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IMultiplexedTransport)
// --------------------------------------------------------------------------

func (t *quicTransport) GetName() string {
	return "quic"
}

func (t *quicTransport) Dial(ctx context.Context, connector common.Connector, config common.Config) (transport.IMultiplexedConnection, error) {
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	tlsConfig := tlsConfigFor(config.TLSConfig)
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = connector.Endpoint.Host
	}

	conn, err := quic.DialAddr(ctx, connector.Address, tlsConfig, quicConfig(config))
	if err != nil {
		return nil, base.ClassifyDialError(ctx, err)
	}
	Logger.Debugf("Connected to %s using quic transport", connector)
	return newConnection(conn, false), nil
}

func (t *quicTransport) Listen(ep common.Endpoint, config common.Config) (transport.IMultiplexedListener, error) {
	if config.TLSConfig == nil || (len(config.TLSConfig.Certificates) == 0 && config.TLSConfig.GetCertificate == nil) {
		return nil, fmt.Errorf("quic endpoint %s requires a TLS configuration with a certificate", ep)
	}
	l, err := quic.ListenAddr(ep.Address(), tlsConfigFor(config.TLSConfig), quicConfig(config))
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %v", err)
	}
	Logger.Infof("Starting quic listener on %s", l.Addr())
	return &listener{l: l}, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// tlsConfigFor returns a copy of cfg that negotiates the RPC ALPN
func tlsConfigFor(cfg *tls.Config) *tls.Config {
	var c *tls.Config
	if cfg == nil {
		c = &tls.Config{MinVersion: tls.VersionTLS13}
	} else {
		c = cfg.Clone()
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{alpn}
	}
	return c
}

// quicConfig maps the Slic stream limits and timeouts onto quic-go's config
func quicConfig(config common.Config) *quic.Config {
	qc := &quic.Config{
		MaxIncomingStreams:    int64(config.Slic.MaxBidirectionalStreams),
		MaxIncomingUniStreams: int64(config.Slic.MaxUnidirectionalStreams),
		HandshakeIdleTimeout:  config.ConnectTimeout,
		MaxIdleTimeout:        config.IdleTimeout,
	}
	if config.KeepAlive && config.IdleTimeout > 0 {
		qc.KeepAlivePeriod = config.IdleTimeout / 2
	}
	return qc
}

// listener adapts quic.Listener to transport.IMultiplexedListener
type listener struct {
	l *quic.Listener
}

func (l *listener) Accept(ctx context.Context) (transport.IMultiplexedConnection, error) {
	conn, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newConnection(conn, true), nil
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }
func (l *listener) Close() error   { return l.l.Close() }
