package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a cache node. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Client operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	DedupReplaysTotal prometheus.Counter

	// Store metrics
	CacheHitsTotal     *prometheus.CounterVec
	CacheMissesTotal   *prometheus.CounterVec
	CacheRemovalsTotal *prometheus.CounterVec
	CacheSizeBytes     *prometheus.GaugeVec
	CacheEntriesTotal  *prometheus.GaugeVec
	CacheMaxBytes      *prometheus.GaugeVec

	// Replication metrics
	LogAppendsTotal       prometheus.Counter
	LogLastSequence       prometheus.Gauge
	LogAckedSequence      prometheus.Gauge
	LogRetainedRecords    prometheus.Gauge
	ShipBatchesTotal      *prometheus.CounterVec
	ShipDuration          prometheus.Histogram
	StrongAckWaitDuration prometheus.Histogram
	AppliedRecordsTotal   prometheus.Counter
	DiscardedRecordsTotal *prometheus.CounterVec
	PendingRecords        prometheus.Gauge

	// Failover metrics
	Epoch             prometheus.Gauge
	Role              *prometheus.GaugeVec
	PromotionsTotal   prometheus.Counter
	PromotionDuration prometheus.Histogram
	GossipMembers     prometheus.Gauge

	// Resilience metrics
	RetriesTotal          *prometheus.CounterVec
	StrategyFailuresTotal *prometheus.CounterVec

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates the metrics and registers them on reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "node",
			Name:        "operations_total",
			Help:        "Total number of client operations by type and result",
			ConstLabels: labels,
		}, []string{"operation", "consistency", "result"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "paircache",
			Subsystem:   "node",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of client operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation", "consistency"}),
		DedupReplaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "node",
			Name:        "dedup_replays_total",
			Help:        "Total number of operations answered from a recorded dedup token",
			ConstLabels: labels,
		}),

		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of cache hits",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheRemovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "cache",
			Name:        "removals_total",
			Help:        "Total number of entries evicted or expired",
			ConstLabels: labels,
		}, []string{"cache", "reason"}),
		CacheSizeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Estimated size of live entries in bytes",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheEntriesTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "cache",
			Name:        "entries_total",
			Help:        "Number of mapped entries",
			ConstLabels: labels,
		}, []string{"cache"}),
		CacheMaxBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "cache",
			Name:        "max_bytes",
			Help:        "Configured byte budget",
			ConstLabels: labels,
		}, []string{"cache"}),

		LogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "log_appends_total",
			Help:        "Total number of records appended to the replication log",
			ConstLabels: labels,
		}),
		LogLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "log_last_sequence",
			Help:        "Last sequence appended in the current epoch",
			ConstLabels: labels,
		}),
		LogAckedSequence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "log_acked_sequence",
			Help:        "Highest sequence acknowledged by the passive",
			ConstLabels: labels,
		}),
		LogRetainedRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "log_retained_records",
			Help:        "Records retained until the passive acknowledges them",
			ConstLabels: labels,
		}),
		ShipBatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "ship_batches_total",
			Help:        "Total number of record batches shipped to the passive",
			ConstLabels: labels,
		}, []string{"result"}),
		ShipDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "ship_duration_seconds",
			Help:        "Histogram of batch shipping round trips",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		StrongAckWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "strong_ack_wait_seconds",
			Help:        "Time strong writes waited for the passive acknowledgment",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		AppliedRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "applied_records_total",
			Help:        "Total number of records applied by the passive",
			ConstLabels: labels,
		}),
		DiscardedRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "discarded_records_total",
			Help:        "Total number of received records discarded",
			ConstLabels: labels,
		}, []string{"reason"}),
		PendingRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "replication",
			Name:        "pending_records",
			Help:        "Records received out of order and waiting for a gap to fill",
			ConstLabels: labels,
		}),

		Epoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "failover",
			Name:        "epoch",
			Help:        "Current epoch of the node",
			ConstLabels: labels,
		}),
		Role: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "failover",
			Name:        "role",
			Help:        "Set to 1 for the current role of the node",
			ConstLabels: labels,
		}, []string{"role"}),
		PromotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "failover",
			Name:        "promotions_total",
			Help:        "Total number of promotions to active",
			ConstLabels: labels,
		}),
		PromotionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "paircache",
			Subsystem:   "failover",
			Name:        "promotion_duration_seconds",
			Help:        "Histogram of promotion durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		GossipMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "failover",
			Name:        "gossip_members",
			Help:        "Number of live gossip members",
			ConstLabels: labels,
		}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "resilience",
			Name:        "retries_total",
			Help:        "Total number of transient faults retried",
			ConstLabels: labels,
		}, []string{"operation"}),
		StrategyFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "paircache",
			Subsystem:   "resilience",
			Name:        "strategy_failures_total",
			Help:        "Total number of store access faults handed to the resilience strategy",
			ConstLabels: labels,
		}, []string{"operation"}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap memory allocated",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paircache",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordOperation records a completed client operation
func (m *Metrics) RecordOperation(operation, consistency, result string, duration float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, consistency, result).Inc()
	m.OperationDuration.WithLabelValues(operation, consistency).Observe(duration)
}

// RecordDedupReplay records an operation answered from its dedup token
func (m *Metrics) RecordDedupReplay() {
	if m == nil {
		return
	}
	m.DedupReplaysTotal.Inc()
}

// RecordCacheAccess records a hit or a miss
func (m *Metrics) RecordCacheAccess(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordCacheRemoval records an eviction or expiry
func (m *Metrics) RecordCacheRemoval(cache, reason string) {
	if m == nil {
		return
	}
	m.CacheRemovalsTotal.WithLabelValues(cache, reason).Inc()
}

// UpdateCacheSize updates the size gauges of a cache
func (m *Metrics) UpdateCacheSize(cache string, bytes, maxBytes int64, entries int) {
	if m == nil {
		return
	}
	m.CacheSizeBytes.WithLabelValues(cache).Set(float64(bytes))
	m.CacheMaxBytes.WithLabelValues(cache).Set(float64(maxBytes))
	m.CacheEntriesTotal.WithLabelValues(cache).Set(float64(entries))
}

// RecordLogAppend records an appended record
func (m *Metrics) RecordLogAppend(sequence uint64, retained int) {
	if m == nil {
		return
	}
	m.LogAppendsTotal.Inc()
	m.LogLastSequence.Set(float64(sequence))
	m.LogRetainedRecords.Set(float64(retained))
}

// RecordLogAck records an advanced acknowledgment watermark
func (m *Metrics) RecordLogAck(acked uint64, retained int) {
	if m == nil {
		return
	}
	m.LogAckedSequence.Set(float64(acked))
	m.LogRetainedRecords.Set(float64(retained))
}

// RecordShipBatch records one shipping round trip
func (m *Metrics) RecordShipBatch(result string, duration float64) {
	if m == nil {
		return
	}
	m.ShipBatchesTotal.WithLabelValues(result).Inc()
	m.ShipDuration.Observe(duration)
}

// RecordStrongAckWait records how long a strong write waited
func (m *Metrics) RecordStrongAckWait(duration float64) {
	if m == nil {
		return
	}
	m.StrongAckWaitDuration.Observe(duration)
}

// RecordApply records applied and discarded records on the passive
func (m *Metrics) RecordApply(applied int, discarded map[string]int, pending int) {
	if m == nil {
		return
	}
	m.AppliedRecordsTotal.Add(float64(applied))
	for reason, n := range discarded {
		m.DiscardedRecordsTotal.WithLabelValues(reason).Add(float64(n))
	}
	m.PendingRecords.Set(float64(pending))
}

// UpdateRole publishes the role and epoch of the node
func (m *Metrics) UpdateRole(role string, epoch uint64) {
	if m == nil {
		return
	}
	m.Role.Reset()
	m.Role.WithLabelValues(role).Set(1)
	m.Epoch.Set(float64(epoch))
}

// RecordPromotion records a completed promotion
func (m *Metrics) RecordPromotion(duration float64) {
	if m == nil {
		return
	}
	m.PromotionsTotal.Inc()
	m.PromotionDuration.Observe(duration)
}

// UpdateGossipMembers records the live member count
func (m *Metrics) UpdateGossipMembers(n int) {
	if m == nil {
		return
	}
	m.GossipMembers.Set(float64(n))
}

// RecordRetry records a retried transient fault
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(operation).Inc()
}

// RecordStrategyFailure records a fault handed to the resilience strategy
func (m *Metrics) RecordStrategyFailure(operation string) {
	if m == nil {
		return
	}
	m.StrategyFailuresTotal.WithLabelValues(operation).Inc()
}

// UpdateSystemStats updates system-level metrics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	if m == nil {
		return
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
