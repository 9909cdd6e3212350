// Package metrics registers the core's prometheus collectors and exposes
// small record/set helpers so call sites stay one line.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	safetyState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lasercore_safety_state",
		Help: "Current safety state (1 for the active state, 0 otherwise).",
	}, []string{"state"})

	interlockOK = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lasercore_interlock_ok",
		Help: "Per-interlock status (1 ok, 0 failed/stale).",
	}, []string{"signal"})

	heartbeatMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lasercore_watchdog_heartbeat_misses_total",
		Help: "Heartbeats emitted without acknowledgment.",
	})

	deviceCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lasercore_device_commands_total",
		Help: "Device commands issued, by device and outcome.",
	}, []string{"device", "outcome"})

	estopLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lasercore_estop_latency_seconds",
		Help:    "Trigger-to-laser-off-command latency for emergency stop.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lasercore_dropped_events_total",
		Help: "Events dropped by bounded sinks, by event type or sink.",
	}, []string{"kind"})

	actionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lasercore_protocol_actions_total",
		Help: "Protocol actions finished, by kind and outcome.",
	}, []string{"kind", "outcome"})
)

// SetSafetyState marks state as active and every other known state inactive.
func SetSafetyState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		safetyState.WithLabelValues(s).Set(v)
	}
}

// SetInterlock records one interlock signal's current status.
func SetInterlock(signal string, ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	interlockOK.WithLabelValues(signal).Set(v)
}

// RecordHeartbeatMiss counts one unacknowledged heartbeat.
func RecordHeartbeatMiss() {
	heartbeatMisses.Inc()
}

// RecordDeviceCommand counts one device command with outcome "ok" or the
// failure kind.
func RecordDeviceCommand(device, outcome string) {
	deviceCommands.WithLabelValues(device, outcome).Inc()
}

// ObserveEStopLatency records one emergency-stop latency sample.
func ObserveEStopLatency(seconds float64) {
	estopLatency.Observe(seconds)
}

// RecordDroppedEvent counts one event dropped by a bounded sink.
func RecordDroppedEvent(kind string) {
	droppedEvents.WithLabelValues(kind).Inc()
}

// RecordAction counts one finished protocol action.
func RecordAction(kind, outcome string) {
	actionsExecuted.WithLabelValues(kind, outcome).Inc()
}
