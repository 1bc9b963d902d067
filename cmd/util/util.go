package util

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/communicator"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by the cli
	EnvPrefix = "slicerpc"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds environment variables to viper
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupConfigFlags adds the communicator configuration flags to a command
func SetupConfigFlags(cmd *cobra.Command) {
	def := common.DefaultConfig()
	flags := cmd.PersistentFlags()

	// logging
	flags.String("log-level", def.LogLevel, WrapString("The level at which logs will be output (debug, info, warn, error)"))
	flags.Int("trace-network", 0, WrapString("Trace level of connection establishment and closure"))
	flags.Int("trace-protocol", 0, WrapString("Trace level of protocol frames"))
	flags.Int("trace-retry", 0, WrapString("Trace level of invocation retries"))
	flags.Int("trace-slicing", 0, WrapString("Trace level of class and exception slicing"))
	flags.Int("trace-dispatch", 0, WrapString("Trace level of request dispatch"))

	// protocol
	flags.String("protocol", def.DefaultProtocol.String(), WrapString("Protocol of endpoints without explicit protocol option (ice1, ice2)"))
	flags.String("class-format", "compact", WrapString("Format of encoded classes and exceptions (compact, sliced)"))
	flags.Int("max-message-size", def.MaxMessageSize/1024, WrapString("Largest accepted message (in KB)"))
	flags.Int("warn-buffer-size", def.WarnBufferSize/1024, WrapString("Messages above this size are logged as warning (in KB, 0 disables)"))

	// timeouts
	flags.Duration("connect-timeout", def.ConnectTimeout, WrapString("Timeout of connection establishment (0 disables)"))
	flags.Duration("close-timeout", def.CloseTimeout, WrapString("Timeout of a graceful connection shutdown before it is aborted"))
	flags.Duration("idle-timeout", def.IdleTimeout, WrapString("Connections without activity are closed after this duration (0 disables)"))
	flags.Duration("invocation-timeout", def.InvocationTimeout, WrapString("Default timeout of an invocation including its retries (0 disables)"))
	flags.Bool("keep-alive", def.KeepAlive, WrapString("Send heartbeats on idle connections instead of closing them"))
	flags.String("retry-intervals", formatDurations(def.RetryIntervals), WrapString("Comma-separated delays before each retry, the count is the maximum number of retries (e.g. 0,100ms,1s). An empty value disables retries"))

	// slic
	flags.Int("slic-bidi-streams", def.Slic.MaxBidirectionalStreams, WrapString("Concurrent bidirectional streams the peer may open"))
	flags.Int("slic-uni-streams", def.Slic.MaxUnidirectionalStreams, WrapString("Concurrent unidirectional streams the peer may open"))
	flags.Int("slic-packet-size", def.Slic.PacketMaxSize/1024, WrapString("Largest stream frame payload (in KB)"))
	flags.Int("slic-stream-buffer", def.Slic.StreamBufferMaxSize/1024, WrapString("Receive window of each stream (in KB)"))

	// sockets
	flags.Int("write-buffer", 0, WrapString("Socket write buffer size (in KB, 0 keeps the system default)"))
	flags.Int("read-buffer", 0, WrapString("Socket read buffer size (in KB, 0 keeps the system default)"))
	flags.Bool("tcp-nodelay", def.TCP.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY"))
	flags.Int("tcp-keepalive", def.TCP.TCPKeepAliveSec, WrapString("TCP keepalive interval (in seconds, 0 keeps the system default)"))
	flags.Int("tcp-linger", def.TCP.TCPLingerSec, WrapString("TCP linger time (in seconds, negative keeps the system default)"))

	// tls
	flags.String("tls-cert", "", WrapString("PEM certificate for ssl, wss and quic endpoints"))
	flags.String("tls-key", "", WrapString("PEM private key of tls-cert"))
	flags.String("tls-ca", "", WrapString("PEM bundle of trusted certificate authorities, the system pool is used if empty"))
	flags.Bool("tls-insecure", false, WrapString("Skip verification of server certificates"))

	// invocation
	flags.Bool("cache-connection", def.CacheConnection, WrapString("Reuse the connection of a proxy across invocations"))
	flags.Bool("prefer-existing", def.PreferExistingConnection, WrapString("Reuse an established connection to any endpoint before connecting"))
	flags.Bool("collocation", def.CollocationOptimized, WrapString("Dispatch invocations on local objects directly"))
	flags.String("endpoint-selection", def.EndpointSelection.String(), WrapString("Order in which endpoints are tried (ordered, random)"))
}

// GetConfig reads the communicator configuration from viper
func GetConfig() (common.Config, error) {
	conf := common.DefaultConfig()

	conf.LogLevel = viper.GetString("log-level")
	conf.Trace = common.TraceLevels{
		Network:  viper.GetInt("trace-network"),
		Protocol: viper.GetInt("trace-protocol"),
		Retry:    viper.GetInt("trace-retry"),
		Slicing:  viper.GetInt("trace-slicing"),
		Dispatch: viper.GetInt("trace-dispatch"),
	}

	var err error
	if conf.DefaultProtocol, err = common.ParseProtocol(viper.GetString("protocol")); err != nil {
		return conf, err
	}
	if conf.ClassFormat, err = parseClassFormat(viper.GetString("class-format")); err != nil {
		return conf, err
	}
	conf.MaxMessageSize = viper.GetInt("max-message-size") * 1024
	conf.WarnBufferSize = viper.GetInt("warn-buffer-size") * 1024

	conf.ConnectTimeout = viper.GetDuration("connect-timeout")
	conf.CloseTimeout = viper.GetDuration("close-timeout")
	conf.IdleTimeout = viper.GetDuration("idle-timeout")
	conf.InvocationTimeout = viper.GetDuration("invocation-timeout")
	conf.KeepAlive = viper.GetBool("keep-alive")
	if conf.RetryIntervals, err = parseDurations(viper.GetString("retry-intervals")); err != nil {
		return conf, err
	}

	conf.Slic = common.SlicConf{
		MaxBidirectionalStreams:  viper.GetInt("slic-bidi-streams"),
		MaxUnidirectionalStreams: viper.GetInt("slic-uni-streams"),
		PacketMaxSize:            viper.GetInt("slic-packet-size") * 1024,
		StreamBufferMaxSize:      viper.GetInt("slic-stream-buffer") * 1024,
	}
	conf.Socket = common.SocketConf{
		WriteBufferSize: viper.GetInt("write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
	}
	conf.TCP = common.TCPConf{
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
	}
	if conf.TLSConfig, err = loadTLSConfig(); err != nil {
		return conf, err
	}

	conf.CacheConnection = viper.GetBool("cache-connection")
	conf.PreferExistingConnection = viper.GetBool("prefer-existing")
	conf.CollocationOptimized = viper.GetBool("collocation")
	if conf.EndpointSelection, err = common.ParseEndpointSelection(viper.GetString("endpoint-selection")); err != nil {
		return conf, err
	}

	return conf, conf.Validate()
}

// NewCommunicator creates a communicator from the configuration in viper
func NewCommunicator() (*communicator.Communicator, error) {
	conf, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return communicator.New(conf)
}

// ParseEndpoints parses a comma-separated endpoint list. Endpoints without a
// protocol option use the configured default protocol.
func ParseEndpoints(list string, defaultProtocol common.Protocol) ([]common.Endpoint, error) {
	var eps []common.Endpoint
	for _, s := range strings.Split(list, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		ep, err := common.ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		if !strings.Contains(s, common.OptionProtocol+"=") {
			ep.Protocol = defaultProtocol
		}
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("no endpoints given")
	}
	return eps, nil
}

// ParseContext parses "key=value" pairs
func ParseContext(pairs []string) (map[string]string, error) {
	ctx := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid context entry %q (expected key=value)", pair)
		}
		ctx[k] = v
	}
	return ctx, nil
}

func loadTLSConfig() (*tls.Config, error) {
	certFile, keyFile := viper.GetString("tls-cert"), viper.GetString("tls-key")
	caFile, insecure := viper.GetString("tls-ca"), viper.GetBool("tls-insecure")
	if certFile == "" && caFile == "" && !insecure {
		return nil, nil
	}

	conf := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

func parseClassFormat(s string) (encoding.ClassFormat, error) {
	switch strings.ToLower(s) {
	case "compact":
		return encoding.CompactFormat, nil
	case "sliced":
		return encoding.SlicedFormat, nil
	}
	return 0, fmt.Errorf("invalid class format %s", s)
}

func parseDurations(list string) ([]time.Duration, error) {
	var ds []time.Duration
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid retry interval %q: %w", s, err)
		}
		ds = append(ds, d)
	}
	return ds, nil
}

func formatDurations(ds []time.Duration) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, ",")
}
