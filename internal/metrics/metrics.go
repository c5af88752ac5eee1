package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seedloop_batches_total",
		Help: "Number of batches called and committed",
	})

	BatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedloop_batch_failures_total",
			Help: "Number of batches that failed, by stage",
		},
		[]string{"stage"},
	)

	RowsReported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seedloop_rows_reported_total",
		Help: "Result rows returned by the procedure and printed",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seedloop_batch_duration_seconds",
		Help:    "Time from call to commit for one batch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	CurrentBatch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seedloop_current_batch",
		Help: "Index of the batch in progress (1-based)",
	})

	TotalBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seedloop_total_batches",
		Help: "Number of batches planned for this run",
	})
)

func SetTotal(n int) {
	TotalBatches.Set(float64(n))
}

func SetCurrent(i int) {
	CurrentBatch.Set(float64(i))
}

func BatchCommitted(d time.Duration, rows int) {
	BatchesTotal.Inc()
	BatchDuration.Observe(d.Seconds())
	RowsReported.Add(float64(rows))
}

func BatchFailed(stage string) {
	BatchFailures.WithLabelValues(stage).Inc()
}
