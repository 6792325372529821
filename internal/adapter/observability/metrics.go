package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

var (
	// JobsByStatus mirrors the store's current_counts snapshot; refreshed by
	// the dispatcher on every poll.
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "processor_jobs_by_status",
			Help: "Number of jobs currently in each lifecycle status",
		},
		[]string{"status"},
	)
	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "processor_jobs_claimed_total",
			Help: "Total number of jobs claimed by the dispatcher",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "processor_jobs_completed_total",
			Help: "Total number of jobs that reached completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_jobs_failed_total",
			Help: "Total number of jobs that reached failed, by failure kind",
		},
		[]string{"kind"},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "processor_job_duration_seconds",
			Help:    "Wall-clock duration of one job from claim to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600},
		},
	)
	ExportBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "processor_export_bytes",
			Help:    "Byte size of finalized export files",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_transfers_total",
			Help: "Total number of file transfers by result",
		},
		[]string{"result"},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		JobsByStatus,
		JobsClaimedTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobDuration,
		ExportBytes,
		TransfersTotal,
	)
}

// ObserveCounts publishes a status-counts snapshot to the gauges.
func ObserveCounts(c domain.StatusCounts) {
	JobsByStatus.WithLabelValues(string(domain.StatusPending)).Set(float64(c.Pending))
	JobsByStatus.WithLabelValues(string(domain.StatusQueued)).Set(float64(c.Queued))
	JobsByStatus.WithLabelValues(string(domain.StatusRunning)).Set(float64(c.Running))
	JobsByStatus.WithLabelValues(string(domain.StatusTransferring)).Set(float64(c.Transferring))
	JobsByStatus.WithLabelValues(string(domain.StatusCompleted)).Set(float64(c.Completed))
	JobsByStatus.WithLabelValues(string(domain.StatusFailed)).Set(float64(c.Failed))
}
