// Package metrics exposes Prometheus counters and gauges for transport
// health, command throughput, and scheduler state.
//
// Grounded on estuary-flow/go/network/metrics.go's package-level
// promauto.NewCounterVec/Gauge idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconnects counts Transport reconnect attempts, labeled by outcome.
var Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bridge",
	Name:      "transport_reconnects_total",
	Help:      "Total Transport reconnect attempts by outcome.",
}, []string{"outcome"})

// CommandsSent counts Command API calls, labeled by method and kind
// (async/sync).
var CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bridge",
	Name:      "commands_sent_total",
	Help:      "Total commands sent to the device by method and call kind.",
}, []string{"method", "kind"})

// SchedulerState exposes the Scheduler's current state as a gauge with
// one-hot labels, mirroring the Scheduler's own Snapshot.State and the
// "scheduler" pseudo-event surfaced through GetEventState.
var SchedulerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "bridge",
	Name:      "scheduler_state",
	Help:      "1 for the Scheduler's current state, 0 for all others.",
}, []string{"state"})

// SetSchedulerState zeroes every known state label, then sets the
// current one to 1.
func SetSchedulerState(current string) {
	for _, s := range []string{"stopped", "working", "stopping", "complete"} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		SchedulerState.WithLabelValues(s).Set(v)
	}
}
