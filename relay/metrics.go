package relay

import "github.com/prometheus/client_golang/prometheus"

var RoomConnections = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "umbra",
	Subsystem: "relay",
	Name:      "connections",
})

var RoomOps = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "umbra",
	Subsystem: "relay",
	Name:      "ops",
})

var Rooms = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "umbra",
	Subsystem: "relay",
	Name:      "rooms",
}, []string{"state"})

var RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "umbra",
	Subsystem: "relay",
	Name:      "http_request_duration_seconds",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "code"})
