package common

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Process wide metrics (Prometheus text format)
// --------------------------------------------------------------------------

var (
	invocationsTotal  = vm.GetOrCreateCounter("slicerpc_invocations_total")
	retriesTotal      = vm.GetOrCreateCounter("slicerpc_retries_total")
	dispatchDuration  = vm.GetOrCreateHistogram("slicerpc_dispatch_duration_seconds")
	connectionsActive int64
)

func init() {
	vm.GetOrCreateGauge("slicerpc_connections_active", func() float64 {
		return float64(atomic.LoadInt64(&connectionsActive))
	})
}

// RecordInvocation counts one invocation attempted by a proxy
func RecordInvocation() { invocationsTotal.Inc() }

// RecordRetry counts one scheduled retry
func RecordRetry() { retriesTotal.Inc() }

// RecordConnectionOpened increments the active connection gauge
func RecordConnectionOpened() { atomic.AddInt64(&connectionsActive, 1) }

// RecordConnectionClosed decrements the active connection gauge
func RecordConnectionClosed() { atomic.AddInt64(&connectionsActive, -1) }

// ActiveConnections returns the current value of the active connection gauge
func ActiveConnections() int64 { return atomic.LoadInt64(&connectionsActive) }

// RecordDispatch counts a dispatch by reply status and records its duration
func RecordDispatch(status ReplyStatus, start time.Time) {
	vm.GetOrCreateCounter(fmt.Sprintf(`slicerpc_dispatch_total{status=%q}`, status.String())).Inc()
	dispatchDuration.Update(time.Since(start).Seconds())
}

// WritePrometheus writes all metrics in Prometheus text format
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, true)
}
