// Package metrics exposes Prometheus instrumentation for the pipeline
// and the storage layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector behind its own registry so tests can
// run isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	tasksEnqueued     prometheus.Counter
	tasksCompleted    prometheus.Counter
	tasksRetried      prometheus.Counter
	tasksDeadLettered *prometheus.CounterVec
	tasksReclaimed    prometheus.Counter

	queuePending prometheus.Gauge
	queueLeased  prometheus.Gauge

	taskDuration  prometheus.Histogram
	bytesStored   prometheus.Counter
	proxyFailover prometheus.Counter

	storageReads         prometheus.Counter
	storageReadBytes     prometheus.Counter
	storageCommits       prometheus.Counter
	storageCommitBytes   prometheus.Counter
	storageCommitLatency prometheus.Histogram
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		tasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_tasks_enqueued_total",
			Help: "Tasks accepted into the queue",
		}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_tasks_completed_total",
			Help: "Tasks that downloaded and stored successfully",
		}),
		tasksRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_tasks_retried_total",
			Help: "Failed deliveries requeued with backoff",
		}),
		tasksDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchbox_tasks_dead_lettered_total",
			Help: "Tasks moved to the dead-letter store",
		}, []string{"code"}),
		tasksReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_tasks_reclaimed_total",
			Help: "Expired leases returned to pending",
		}),
		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fetchbox_queue_pending",
			Help: "Entries waiting for delivery",
		}),
		queueLeased: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fetchbox_queue_leased",
			Help: "Entries currently leased to workers",
		}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetchbox_task_duration_seconds",
			Help:    "Wall time of one delivery attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		bytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_bytes_stored_total",
			Help: "Bytes written to the storage backend",
		}),
		proxyFailover: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_proxy_failovers_total",
			Help: "Downloads that moved past the first proxy endpoint",
		}),
		storageReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_storage_reads_total",
			Help: "Point reads against the database",
		}),
		storageReadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_storage_read_bytes_total",
			Help: "Bytes returned by point reads",
		}),
		storageCommits: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_storage_commits_total",
			Help: "Batch commits against the database",
		}),
		storageCommitBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "fetchbox_storage_commit_bytes_total",
			Help: "Bytes written by batch commits",
		}),
		storageCommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetchbox_storage_commit_seconds",
			Help:    "Batch commit latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// Handler serves this registry for Prometheus scrapes.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) TaskEnqueued() { m.tasksEnqueued.Inc() }

func (m *Metrics) TaskCompleted() { m.tasksCompleted.Inc() }

func (m *Metrics) TaskRetried() { m.tasksRetried.Inc() }

func (m *Metrics) TaskDeadLettered(code string) { m.tasksDeadLettered.WithLabelValues(code).Inc() }

func (m *Metrics) TasksReclaimed(n int) { m.tasksReclaimed.Add(float64(n)) }

func (m *Metrics) ProxyFailover() { m.proxyFailover.Inc() }

// SetQueueDepth publishes the latest queue stats.
func (m *Metrics) SetQueueDepth(pending, leased int) {
	m.queuePending.Set(float64(pending))
	m.queueLeased.Set(float64(leased))
}

// ObserveTask records one delivery attempt's duration and, on success,
// the stored byte count.
func (m *Metrics) ObserveTask(elapsed time.Duration, storedBytes int64) {
	m.taskDuration.Observe(elapsed.Seconds())
	if storedBytes > 0 {
		m.bytesStored.Add(float64(storedBytes))
	}
}

// ObserveRead implements the storage metrics hook.
func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storageReads.Inc()
	m.storageReadBytes.Add(float64(bytes))
}

// ObserveBatchCommit implements the storage metrics hook.
func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	m.storageCommits.Inc()
	m.storageCommitBytes.Add(float64(bytes))
	m.storageCommitLatency.Observe(elapsed.Seconds())
}
