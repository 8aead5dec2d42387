package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Consistency metrics
	QuorumFailures   *prometheus.CounterVec
	ConflictsTotal   *prometheus.CounterVec
	RouterRetries    *prometheus.CounterVec
	ReplicaWrites    *prometheus.CounterVec
	ReplicaReads     *prometheus.CounterVec
	VersionCacheHits *prometheus.CounterVec

	// Repair metrics
	RepairsTotal    *prometheus.CounterVec
	RepairQueueSize prometheus.Gauge
	HintsTotal      *prometheus.CounterVec
	HintsPending    prometheus.Gauge

	// Storage metrics
	StorageOpsTotal         *prometheus.CounterVec
	StorageKeys             prometheus.Gauge
	CommitLogAppendsTotal   prometheus.Counter
	CommitLogAppendDuration prometheus.Histogram
	CommitLogSegments       prometheus.Gauge

	// Metadata metrics
	NodesByState     *prometheus.GaugeVec
	HeartbeatsTotal  *prometheus.CounterVec
	SnapshotVersion  prometheus.Gauge
	NodeTransitions  *prometheus.CounterVec
	SnapshotFallback prometheus.Counter
}

// NewMetrics creates Prometheus metrics registered with reg. Passing nil uses
// the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of client requests by result code",
			},
			[]string{"operation", "result"},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of client request processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		QuorumFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quorum_failures_total",
				Help:      "Total number of quorum failures",
			},
			[]string{"operation"},
		),

		ConflictsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_conflicts_total",
				Help:      "Version conflicts reported by replicas",
			},
			[]string{"kind"},
		),

		RouterRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_retries_total",
				Help:      "Retries of timed-out replica subsets",
			},
			[]string{"operation", "outcome"},
		),

		ReplicaWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replica_writes_total",
				Help:      "Total number of replica write operations",
			},
			[]string{"node_id", "status"},
		),

		ReplicaReads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replica_reads_total",
				Help:      "Total number of replica read operations",
			},
			[]string{"node_id", "status"},
		),

		VersionCacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_cache_lookups_total",
				Help:      "Version cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		RepairsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "read_repairs_total",
				Help:      "Total number of read-repair operations",
			},
			[]string{"status"},
		),

		RepairQueueSize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "read_repair_queue_size",
				Help:      "Current size of the read-repair queue",
			},
		),

		HintsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hints_total",
				Help:      "Hinted handoff events",
			},
			[]string{"event"},
		),

		HintsPending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hints_pending",
				Help:      "Hints waiting for replay",
			},
		),

		StorageOpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Storage node operations by outcome",
			},
			[]string{"operation", "status"},
		),

		StorageKeys: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "storage_keys",
				Help:      "Number of keys held, tombstones included",
			},
		),

		CommitLogAppendsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commitlog_appends_total",
				Help:      "Total number of commit log appends",
			},
		),

		CommitLogAppendDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commitlog_append_duration_seconds",
				Help:      "Commit log append latency including fsync",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
		),

		CommitLogSegments: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "commitlog_segments",
				Help:      "Number of commit log segments on disk",
			},
		),

		NodesByState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes",
				Help:      "Storage nodes by lifecycle state",
			},
			[]string{"state"},
		),

		HeartbeatsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Heartbeats received by outcome",
			},
			[]string{"status"},
		),

		SnapshotVersion: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_version",
				Help:      "Latest metadata snapshot version observed",
			},
		),

		NodeTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_transitions_total",
				Help:      "Node lifecycle transitions",
			},
			[]string{"from", "to"},
		),

		SnapshotFallback: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_fallbacks_total",
				Help:      "Requests served from a cached snapshot after a failed refresh",
			},
		),
	}
}

// RecordRequest records a client request
func (m *Metrics) RecordRequest(operation, result string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, result).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordQuorumFailure records a quorum failure
func (m *Metrics) RecordQuorumFailure(operation string) {
	if m == nil {
		return
	}
	m.QuorumFailures.WithLabelValues(operation).Inc()
}

// RecordConflict records a version conflict reported by a replica
func (m *Metrics) RecordConflict(kind string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRetry(operation, outcome string) {
	if m == nil {
		return
	}
	m.RouterRetries.WithLabelValues(operation, outcome).Inc()
}

// RecordReplicaWrite records a replica write operation
func (m *Metrics) RecordReplicaWrite(nodeID, status string) {
	if m == nil {
		return
	}
	m.ReplicaWrites.WithLabelValues(nodeID, status).Inc()
}

// RecordReplicaRead records a replica read operation
func (m *Metrics) RecordReplicaRead(nodeID, status string) {
	if m == nil {
		return
	}
	m.ReplicaReads.WithLabelValues(nodeID, status).Inc()
}

func (m *Metrics) RecordVersionCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.VersionCacheHits.WithLabelValues("hit").Inc()
		return
	}
	m.VersionCacheHits.WithLabelValues("miss").Inc()
}

// RecordRepair records a read-repair operation
func (m *Metrics) RecordRepair(status string) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(status).Inc()
}

// UpdateRepairQueueSize updates the repair queue size
func (m *Metrics) UpdateRepairQueueSize(size int) {
	if m == nil {
		return
	}
	m.RepairQueueSize.Set(float64(size))
}

func (m *Metrics) RecordHint(event string) {
	if m == nil {
		return
	}
	m.HintsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) UpdateHintsPending(n int) {
	if m == nil {
		return
	}
	m.HintsPending.Set(float64(n))
}

// RecordStorageOp records a storage node operation
func (m *Metrics) RecordStorageOp(operation, status string) {
	if m == nil {
		return
	}
	m.StorageOpsTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) UpdateStorageKeys(n int) {
	if m == nil {
		return
	}
	m.StorageKeys.Set(float64(n))
}

// RecordCommitLogAppend records an append and its latency
func (m *Metrics) RecordCommitLogAppend(duration float64) {
	if m == nil {
		return
	}
	m.CommitLogAppendsTotal.Inc()
	m.CommitLogAppendDuration.Observe(duration)
}

func (m *Metrics) UpdateCommitLogSegments(n int) {
	if m == nil {
		return
	}
	m.CommitLogSegments.Set(float64(n))
}

// UpdateNodeStates replaces the per-state node gauges
func (m *Metrics) UpdateNodeStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.NodesByState.Reset()
	for state, n := range counts {
		m.NodesByState.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) RecordHeartbeat(status string) {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) UpdateSnapshotVersion(v uint64) {
	if m == nil {
		return
	}
	m.SnapshotVersion.Set(float64(v))
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.NodeTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordSnapshotFallback() {
	if m == nil {
		return
	}
	m.SnapshotFallback.Inc()
}
