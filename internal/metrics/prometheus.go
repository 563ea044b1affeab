package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devrev/pairdb/account-server/internal/storage/diskmanager"
	"github.com/devrev/pairdb/account-server/internal/util/workerpool"
)

const namespace = "account_server"

// Metrics holds all Prometheus metrics for the account server
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	// Device metrics
	UnmountedTotal     *prometheus.CounterVec
	DiskUsagePercent   *prometheus.GaugeVec
	DiskAvailableBytes *prometheus.GaugeVec

	// Broker metrics
	PendingCommitsTotal *prometheus.CounterVec

	// Replication metrics
	ReplicateOpsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	labels     prometheus.Labels
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "Total number of requests by method and status",
			ConstLabels: labels,
		}, []string{"method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "request_duration_seconds",
			Help:        "Histogram of request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "requests_in_flight",
			Help:        "Number of requests currently being served",
			ConstLabels: labels,
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "errors_total",
			Help:        "Total number of requests that failed with an internal error",
			ConstLabels: labels,
		}, []string{"method"}),

		UnmountedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "unmounted_total",
			Help:        "Total number of requests refused because the device was not mounted",
			ConstLabels: labels,
		}, []string{"device"}),
		DiskUsagePercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "usage_percent",
			Help:        "Filesystem usage of each device",
			ConstLabels: labels,
		}, []string{"device"}),
		DiskAvailableBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "available_bytes",
			Help:        "Bytes available on each device",
			ConstLabels: labels,
		}, []string{"device"}),

		PendingCommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pending_commits_total",
			Help:        "Pending log commits triggered by the size cap, by mode",
			ConstLabels: labels,
		}, []string{"mode"}),

		ReplicateOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "replicate_ops_total",
			Help:        "Total number of replication RPC ops by op and status",
			ConstLabels: labels,
		}, []string{"op", "status"}),

		registerer: reg,
		labels:     labels,
	}
}

// ObserveRequest records one finished request
func (m *Metrics) ObserveRequest(method string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
	if status >= 500 && status != 507 {
		m.ErrorsTotal.WithLabelValues(method).Inc()
	}
}

// ObserveUnmounted counts a request refused for an unmounted device
func (m *Metrics) ObserveUnmounted(device string) {
	m.UnmountedTotal.WithLabelValues(device).Inc()
}

// ObservePendingCommit counts a capped pending log commit
func (m *Metrics) ObservePendingCommit(mode string) {
	m.PendingCommitsTotal.WithLabelValues(mode).Inc()
}

// ObserveReplicateOp counts one replication RPC op
func (m *Metrics) ObserveReplicateOp(op string, status int) {
	m.ReplicateOpsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
}

// ObserveDiskUsage publishes a device's filesystem usage
func (m *Metrics) ObserveDiskUsage(stats diskmanager.DiskUsageStats) {
	m.DiskUsagePercent.WithLabelValues(stats.Device).Set(stats.UsagePercent)
	m.DiskAvailableBytes.WithLabelValues(stats.Device).Set(float64(stats.AvailableBytes))
}

// RegisterWorkerPool exposes the pool's queue and worker counts as gauges
// read at scrape time
func (m *Metrics) RegisterWorkerPool(pool *workerpool.WorkerPool) {
	factory := promauto.With(m.registerer)
	labels := prometheus.Labels{"pool": pool.Stats().Name}
	for k, v := range m.labels {
		labels[k] = v
	}

	gauge := func(name, help string, value func(workerpool.Stats) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker_pool",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 {
			return value(pool.Stats())
		})
	}

	gauge("active_workers", "Workers currently running a task", func(s workerpool.Stats) float64 {
		return float64(s.ActiveWorkers)
	})
	gauge("queued_tasks", "Tasks waiting in the queue", func(s workerpool.Stats) float64 {
		return float64(s.QueuedTasks)
	})
	gauge("completed_tasks", "Tasks finished without error", func(s workerpool.Stats) float64 {
		return float64(s.CompletedTasks)
	})
	gauge("failed_tasks", "Tasks that returned an error or panicked", func(s workerpool.Stats) float64 {
		return float64(s.FailedTasks)
	})
	gauge("rejected_tasks", "Tasks refused because the queue was full or the pool stopped", func(s workerpool.Stats) float64 {
		return float64(s.RejectedTasks)
	})
	gauge("coalesced_tasks", "Tasks absorbed by a queued task with the same key", func(s workerpool.Stats) float64 {
		return float64(s.CoalescedTasks)
	})
}
