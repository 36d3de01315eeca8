package replication

import "github.com/prometheus/client_golang/prometheus"

var ActiveSyncers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "umbra",
	Subsystem: "sync",
	Name:      "active",
}, []string{"mode"})

var SessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "umbra",
	Subsystem: "sync",
	Name:      "events",
}, []string{"event"})

var ProtocolFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "umbra",
	Subsystem: "sync",
	Name:      "protocol_faults",
}, []string{"kind"})

var OpsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "umbra",
	Subsystem: "sync",
	Name:      "ops_sent",
}, []string{"mode"})

var OpsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "umbra",
	Subsystem: "sync",
	Name:      "ops_received",
}, []string{"mode"})

var SessionStates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "umbra",
	Subsystem: "session",
	Name:      "transitions",
}, []string{"state"})

// Collectors lists the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ActiveSyncers, SessionEvents, ProtocolFaults, OpsSent, OpsReceived, SessionStates,
	}
}
