package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a node
type Metrics struct {
	// Membership metrics
	MembershipMembers     prometheus.Gauge
	ProbesTotal           *prometheus.CounterVec
	IndirectProbesTotal   prometheus.Counter
	FailuresDetectedTotal prometheus.Counter
	MembershipMessages    *prometheus.CounterVec
	StorageMessages       *prometheus.CounterVec

	// Storage metrics
	StorageRequestsTotal   *prometheus.CounterVec
	StorageRequestDuration *prometheus.HistogramVec
	StorageBytesTotal      *prometheus.CounterVec
	ReplicaPushesTotal     *prometheus.CounterVec
	RepairsTotal           prometheus.Counter
	StorageFiles           *prometheus.GaugeVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	return &Metrics{
		MembershipMembers: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "swimfs",
			Subsystem:   "membership",
			Name:        "members",
			Help:        "Number of members in the local membership table, self included",
			ConstLabels: labels,
		}),
		ProbesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "membership",
			Name:        "probes_total",
			Help:        "Probe rounds by outcome (direct, indirect, failed)",
			ConstLabels: labels,
		}, []string{"result"}),
		IndirectProbesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "membership",
			Name:        "indirect_probes_total",
			Help:        "Indirect probe requests sent to helpers",
			ConstLabels: labels,
		}),
		FailuresDetectedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "membership",
			Name:        "failures_detected_total",
			Help:        "Members declared failed by the local prober",
			ConstLabels: labels,
		}),
		MembershipMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "membership",
			Name:        "messages_total",
			Help:        "Membership datagrams by opcode and direction",
			ConstLabels: labels,
		}, []string{"opcode", "direction"}),
		StorageMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "storage",
			Name:        "messages_total",
			Help:        "Storage messages by opcode and direction",
			ConstLabels: labels,
		}, []string{"opcode", "direction"}),
		StorageRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "storage",
			Name:        "requests_total",
			Help:        "Storage operations by outcome",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		StorageRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "swimfs",
			Subsystem:   "storage",
			Name:        "request_duration_seconds",
			Help:        "Histogram of storage operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		StorageBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "storage",
			Name:        "bytes_total",
			Help:        "File bytes sent and received over the storage channel",
			ConstLabels: labels,
		}, []string{"direction"}),
		ReplicaPushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "storage",
			Name:        "replica_pushes_total",
			Help:        "Replica pushes to chain members by outcome",
			ConstLabels: labels,
		}, []string{"result"}),
		RepairsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "swimfs",
			Subsystem:   "storage",
			Name:        "repairs_total",
			Help:        "Missing replicas requested after a role update",
			ConstLabels: labels,
		}),
		StorageFiles: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "swimfs",
			Subsystem:   "storage",
			Name:        "files",
			Help:        "Locally held files by chain role",
			ConstLabels: labels,
		}, []string{"role"}),
		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "swimfs",
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Used bytes on the data directory filesystem",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "swimfs",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available bytes on the data directory filesystem",
			ConstLabels: labels,
		}),
		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "swimfs",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "swimfs",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "swimfs",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// Nop returns metrics registered on a private registry, for tests and
// components constructed without a metrics sink
func Nop() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "")
}

// RecordProbe records the outcome of a probe round
func (m *Metrics) RecordProbe(result string) {
	m.ProbesTotal.WithLabelValues(result).Inc()
}

// RecordIndirectProbes records indirect probe requests sent
func (m *Metrics) RecordIndirectProbes(n int) {
	m.IndirectProbesTotal.Add(float64(n))
}

// RecordFailureDetected records a locally detected failure
func (m *Metrics) RecordFailureDetected() {
	m.FailuresDetectedTotal.Inc()
}

// RecordDatagram records a membership datagram
func (m *Metrics) RecordDatagram(opcode, direction string) {
	m.MembershipMessages.WithLabelValues(opcode, direction).Inc()
}

// UpdateMembers sets the membership table size
func (m *Metrics) UpdateMembers(n int) {
	m.MembershipMembers.Set(float64(n))
}

// RecordStorageMessage records a storage message
func (m *Metrics) RecordStorageMessage(opcode, direction string) {
	m.StorageMessages.WithLabelValues(opcode, direction).Inc()
}

// RecordStorageRequest records a storage operation
func (m *Metrics) RecordStorageRequest(op, result string, duration float64) {
	m.StorageRequestsTotal.WithLabelValues(op, result).Inc()
	m.StorageRequestDuration.WithLabelValues(op).Observe(duration)
}

// RecordBytes records file bytes moved in a direction (in, out)
func (m *Metrics) RecordBytes(direction string, n int64) {
	m.StorageBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordReplicaPush records a replica push outcome
func (m *Metrics) RecordReplicaPush(result string) {
	m.ReplicaPushesTotal.WithLabelValues(result).Inc()
}

// RecordRepair records a repair fetch
func (m *Metrics) RecordRepair() {
	m.RepairsTotal.Inc()
}

// UpdateFiles sets the per-role local file counts
func (m *Metrics) UpdateFiles(byRole map[string]int) {
	for _, role := range []string{"primary", "secondary", "tertiary"} {
		m.StorageFiles.WithLabelValues(role).Set(float64(byRole[role]))
	}
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
