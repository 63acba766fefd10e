package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PublishedCounter tracks packets handed to the transport.
	PublishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_packets_published_total",
		Help: "Total number of packets published",
	})
	// DeliveredCounter tracks inbound packets decoded and dispatched.
	DeliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_packets_delivered_total",
		Help: "Total number of packets delivered to the dispatcher",
	})
	// DroppedCounter tracks inbound packets that could not be handled:
	// undecodable payloads and responses with no pending request.
	DroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_packets_dropped_total",
		Help: "Total number of inbound packets dropped",
	})
	// DispatchErrorCounter tracks handler failures.
	DispatchErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_dispatch_errors_total",
		Help: "Total number of handler errors and panics",
	})
	// PendingGauge reports requests awaiting a response.
	PendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rift_requests_pending",
		Help: "Current number of pending requests",
	})

	// LockAcquiredCounter tracks outermost lock acquisitions.
	LockAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_lock_acquired_total",
		Help: "Total number of lock acquisitions",
	})
	// LockContentionCounter tracks acquisition attempts lost to another holder.
	LockContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_lock_contention_total",
		Help: "Total number of failed lock acquisition attempts",
	})
	// LockExhaustedCounter tracks executions that ran out of retries.
	LockExhaustedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_lock_retries_exhausted_total",
		Help: "Total number of lock executions that exhausted their retries",
	})
	// LockHoldHistogram observes how long locks are held.
	LockHoldHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rift_lock_hold_seconds",
		Help:    "Time spent holding a distributed lock",
		Buckets: prometheus.DefBuckets,
	})

	// MapUpdateCounter tracks cached map updates applied from other nodes.
	MapUpdateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_map_updates_applied_total",
		Help: "Total number of remote cached map updates applied",
	})
	// MapMismatchCounter tracks local entries found stale by the validator.
	MapMismatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rift_map_mismatch_total",
		Help: "Total number of cached map entries that diverged from Redis",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers rift metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		PublishedCounter, DeliveredCounter, DroppedCounter, DispatchErrorCounter, PendingGauge,
		LockAcquiredCounter, LockContentionCounter, LockExhaustedCounter, LockHoldHistogram,
		MapUpdateCounter, MapMismatchCounter,
	)
}
