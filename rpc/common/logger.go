package common

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/sirupsen/logrus"
)

// Logger categories used by the runtime. Each package obtains its logger with
// logger.GetLogger(<category>).
const (
	LogRPC        = "rpc"
	LogEncoding   = "encoding"
	LogSlic       = "slic"
	LogConnection = "connection"
	LogTransport  = "transport"
	LogRetry      = "retry"
	LogDispatch   = "dispatch"
	LogQuic       = "quic"
	LogWebSocket  = "ws"
	LogTrace      = "trace"
)

var logCategories = []string{
	LogRPC, LogEncoding, LogSlic, LogConnection, LogTransport,
	LogRetry, LogDispatch, LogQuic, LogWebSocket, LogTrace,
}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// rpcLogger writes through a logrus entry tagged with the logger category
type rpcLogger struct {
	mu    sync.RWMutex
	level logger.LogLevel
	entry *logrus.Entry
}

func (l *rpcLogger) SetLevel(level logger.LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *rpcLogger) enabled(level logger.LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level >= level
}

func (l *rpcLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.entry.Debugf(format, args...)
	}
}

func (l *rpcLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.entry.Infof(format, args...)
	}
}

func (l *rpcLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.entry.Warnf(format, args...)
	}
}

func (l *rpcLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.entry.Errorf(format, args...)
	}
}

func (l *rpcLogger) Panicf(format string, args ...interface{}) {
	if l.enabled(logger.CRITICAL) {
		l.entry.Panicf(format, args...)
	}
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var backend = newBackend()

func newBackend() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	// filtering happens per category in rpcLogger
	l.SetLevel(logrus.DebugLevel)
	return l
}

// CreateLogger implements dragonboat's logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &rpcLogger{
		level: logger.INFO,
		entry: backend.WithField("pkg", pkgName),
	}
}

// Backend returns the logrus logger all categories write to, e.g. to redirect
// the output in tests
func Backend() *logrus.Logger {
	return backend
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the logger factory and sets the level of every
// category. The trace category logs at info so enabled trace output is shown.
func InitLoggers(config Config) error {
	level, err := ParseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, category := range logCategories {
		logger.GetLogger(category).SetLevel(level)
	}
	if level < logger.INFO {
		logger.GetLogger(LogTrace).SetLevel(logger.INFO)
	}
	return nil
}
