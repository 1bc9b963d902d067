package common

import (
	"github.com/lni/dragonboat/v4/logger"
)

// TraceCategory selects one of the configured trace levels
type TraceCategory byte

const (
	TraceNetwork TraceCategory = iota
	TraceProtocol
	TraceRetry
	TraceSlicing
	TraceDispatch
)

func (c TraceCategory) String() string {
	switch c {
	case TraceNetwork:
		return "Network"
	case TraceProtocol:
		return "Protocol"
	case TraceRetry:
		return "Retry"
	case TraceSlicing:
		return "Slicing"
	default:
		return "Dispatch"
	}
}

// Tracer writes category traces when the configured level of the category is
// at least the level of the trace. A nil Tracer discards everything.
type Tracer struct {
	levels TraceLevels
	log    logger.ILogger
}

// NewTracer creates a tracer for the given levels
func NewTracer(levels TraceLevels) *Tracer {
	return &Tracer{levels: levels, log: logger.GetLogger(LogTrace)}
}

// Enabled reports whether a trace of the given level would be written
func (t *Tracer) Enabled(category TraceCategory, level int) bool {
	if t == nil || level <= 0 {
		return false
	}
	var configured int
	switch category {
	case TraceNetwork:
		configured = t.levels.Network
	case TraceProtocol:
		configured = t.levels.Protocol
	case TraceRetry:
		configured = t.levels.Retry
	case TraceSlicing:
		configured = t.levels.Slicing
	case TraceDispatch:
		configured = t.levels.Dispatch
	}
	return configured >= level
}

// Trace writes a trace message if the category is enabled for level
func (t *Tracer) Trace(category TraceCategory, level int, format string, args ...interface{}) {
	if !t.Enabled(category, level) {
		return
	}
	t.log.Infof("["+category.String()+"] "+format, args...)
}
