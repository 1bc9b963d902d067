package common

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// --------------------------------------------------------------------------
// Configuration sections
// --------------------------------------------------------------------------

// TraceLevels gate category tracing. Zero disables a category, higher values
// produce more output.
type TraceLevels struct {
	Network  int
	Protocol int
	Retry    int
	Slicing  int
	Dispatch int
}

// SlicConf holds the parameters a Slic endpoint announces in its Initialize
// frame
type SlicConf struct {
	// MaxBidirectionalStreams limits concurrent bidirectional streams the peer may open
	MaxBidirectionalStreams int
	// MaxUnidirectionalStreams limits concurrent unidirectional streams the peer may open
	MaxUnidirectionalStreams int
	// PacketMaxSize is the largest stream frame payload sent in one frame
	PacketMaxSize int
	// StreamBufferMaxSize is the per stream receive window
	StreamBufferMaxSize int
}

// SocketConf holds socket buffer sizes, 0 keeps the system default
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	// TCPLingerSec < 0 keeps the system default
	TCPLingerSec int
}

// Config is the read-only configuration snapshot of a communicator. It is
// passed by value and never modified by the runtime.
type Config struct {
	// Logging
	LogLevel string
	Trace    TraceLevels

	// Protocol defaults
	DefaultProtocol Protocol
	ClassFormat     encoding.ClassFormat

	// Timeouts. A zero timeout disables the corresponding limit.
	ConnectTimeout    time.Duration
	CloseTimeout      time.Duration
	IdleTimeout       time.Duration
	InvocationTimeout time.Duration
	// KeepAlive sends heartbeats on idle connections instead of closing them
	KeepAlive bool

	// RetryIntervals lists the delay before each retry; its length is the
	// maximum number of retries of one invocation
	RetryIntervals []time.Duration

	// Message limits
	MaxMessageSize int
	WarnBufferSize int

	// Transports
	Slic      SlicConf
	Socket    SocketConf
	TCP       TCPConf
	TLSConfig *tls.Config

	// Invocation behavior
	CacheConnection          bool
	PreferExistingConnection bool
	CollocationOptimized     bool
	EndpointSelection        EndpointSelectionType
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		LogLevel:          "info",
		DefaultProtocol:   ProtocolIce2,
		ClassFormat:       encoding.CompactFormat,
		ConnectTimeout:    10 * time.Second,
		CloseTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		InvocationTimeout: 0,
		KeepAlive:         false,
		RetryIntervals:    []time.Duration{0},
		MaxMessageSize:    1024 * 1024,
		WarnBufferSize:    1024 * 1024,
		Slic: SlicConf{
			MaxBidirectionalStreams:  100,
			MaxUnidirectionalStreams: 100,
			PacketMaxSize:            32 * 1024,
			StreamBufferMaxSize:      64 * 1024,
		},
		TCP: TCPConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
		CacheConnection:          true,
		PreferExistingConnection: true,
		CollocationOptimized:     true,
		EndpointSelection:        EndpointSelectionOrdered,
	}
}

// Validate rejects configurations the runtime cannot honor
func (c Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if !c.DefaultProtocol.IsSupported() {
		return fmt.Errorf("invalid default protocol: %s", c.DefaultProtocol)
	}
	if c.ConnectTimeout < 0 || c.CloseTimeout < 0 || c.IdleTimeout < 0 || c.InvocationTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	for i, d := range c.RetryIntervals {
		if d < 0 {
			return fmt.Errorf("retry interval %d is negative: %s", i, d)
		}
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	}
	if c.Slic.MaxBidirectionalStreams < 1 || c.Slic.MaxUnidirectionalStreams < 1 {
		return fmt.Errorf("slic stream limits must be at least 1")
	}
	if c.Slic.PacketMaxSize < 1024 {
		return fmt.Errorf("slic packet max size must be at least 1024, got %d", c.Slic.PacketMaxSize)
	}
	if c.Slic.StreamBufferMaxSize < c.Slic.PacketMaxSize {
		return fmt.Errorf("slic stream buffer (%d) must hold at least one packet (%d)", c.Slic.StreamBufferMaxSize, c.Slic.PacketMaxSize)
	}
	return nil
}

// MaxRetries returns the number of retries allowed for one invocation
func (c Config) MaxRetries() int {
	return len(c.RetryIntervals)
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-26s: %s\n", name, value))
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	addField("Trace Network", strconv.Itoa(c.Trace.Network))
	addField("Trace Protocol", strconv.Itoa(c.Trace.Protocol))
	addField("Trace Retry", strconv.Itoa(c.Trace.Retry))
	addField("Trace Slicing", strconv.Itoa(c.Trace.Slicing))
	addField("Trace Dispatch", strconv.Itoa(c.Trace.Dispatch))

	addSection("Protocol")
	addField("Default Protocol", c.DefaultProtocol.String())
	addField("Default Encoding", c.DefaultProtocol.Encoding().String())
	format := "compact"
	if c.ClassFormat == encoding.SlicedFormat {
		format = "sliced"
	}
	addField("Class Format", format)
	addField("Max Message Size", fmt.Sprintf("%d bytes", c.MaxMessageSize))
	addField("Warn Buffer Size", fmt.Sprintf("%d bytes", c.WarnBufferSize))

	addSection("Timeouts")
	addField("Connect", c.ConnectTimeout.String())
	addField("Close", c.CloseTimeout.String())
	addField("Idle", c.IdleTimeout.String())
	addField("Invocation", c.InvocationTimeout.String())
	addField("Keep Alive", strconv.FormatBool(c.KeepAlive))

	addSection("Retry")
	intervals := make([]string, 0, len(c.RetryIntervals))
	for _, d := range c.RetryIntervals {
		intervals = append(intervals, d.String())
	}
	addField("Intervals", "["+strings.Join(intervals, ", ")+"]")

	addSection("Slic")
	addField("Max Bidirectional Streams", strconv.Itoa(c.Slic.MaxBidirectionalStreams))
	addField("Max Unidirectional Streams", strconv.Itoa(c.Slic.MaxUnidirectionalStreams))
	addField("Packet Max Size", fmt.Sprintf("%d bytes", c.Slic.PacketMaxSize))
	addField("Stream Buffer Max Size", fmt.Sprintf("%d bytes", c.Slic.StreamBufferMaxSize))

	addSection("Sockets")
	addField("TCP No Delay", strconv.FormatBool(c.TCP.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.TCP.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", c.TCP.TCPLingerSec))
	addField("Write Buffer Size", strconv.Itoa(c.Socket.WriteBufferSize))
	addField("Read Buffer Size", strconv.Itoa(c.Socket.ReadBufferSize))
	addField("TLS", strconv.FormatBool(c.TLSConfig != nil))

	addSection("Invocation")
	addField("Cache Connection", strconv.FormatBool(c.CacheConnection))
	addField("Prefer Existing Conn", strconv.FormatBool(c.PreferExistingConnection))
	addField("Collocation Optimized", strconv.FormatBool(c.CollocationOptimized))
	addField("Endpoint Selection", c.EndpointSelection.String())

	return sb.String()
}
