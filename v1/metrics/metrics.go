package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestCounter tracks worker requests by operation and outcome.
	RequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_cluster_requests_total",
		Help: "Total number of worker requests by operation and result",
	}, []string{"op", "result"})
	// ServedCounter tracks requests answered by the primary.
	ServedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_cluster_served_total",
		Help: "Total number of requests served by the primary",
	}, []string{"op"})
	// TimeoutCounter tracks requests abandoned after their deadline.
	TimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_cluster_timeouts_total",
		Help: "Total number of requests that timed out",
	})
	// LateReplyCounter tracks replies arriving after their request gave up.
	LateReplyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_cluster_late_replies_total",
		Help: "Total number of replies without an outstanding request",
	})
	// ViolationCounter tracks inbound messages outside the protocol.
	ViolationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_cluster_protocol_violations_total",
		Help: "Total number of protocol violations",
	})
	// ForeignPacketCounter tracks packets skipped because they carry no
	// cluster marker.
	ForeignPacketCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_cluster_foreign_packets_total",
		Help: "Total number of skipped foreign packets",
	})
	// PendingGauge reports the number of requests awaiting a reply.
	PendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warp_cluster_pending_requests",
		Help: "Current number of outstanding requests",
	})
	// WorkerGauge reports the number of workers attached to the primary.
	WorkerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warp_cluster_workers",
		Help: "Current number of attached workers",
	})
	// WatcherGauge reports the number of active key watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warp_cluster_watchers",
		Help: "Current number of active watchers",
	})
	// RequestLatency observes round trips from the worker side.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warp_cluster_request_latency_seconds",
		Help:    "Latency of worker requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// Request results used as the "result" label of RequestCounter.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterClusterMetrics registers the cluster metrics on the provided registry.
func RegisterClusterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestCounter,
		ServedCounter,
		TimeoutCounter,
		LateReplyCounter,
		ViolationCounter,
		ForeignPacketCounter,
		PendingGauge,
		WorkerGauge,
		WatcherGauge,
		RequestLatency,
	)
}
