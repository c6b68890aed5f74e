package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSteps atomic.Int64

var (
	// ===== Collective Communication Metrics =====

	CollectiveOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collective_ops_total",
		Help: "Total number of collective operations issued",
	}, []string{"op"})

	CollectiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collective_bytes_total",
		Help: "Total bytes moved through collective operations",
	}, []string{"op"})

	CollectiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collective_duration_seconds",
		Help:    "Histogram of collective operation latencies",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ===== Training Step Metrics =====

	TrainSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "train_steps_total",
		Help: "The total number of optimizer steps taken",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "train_step_duration_seconds",
		Help: "Duration of full train steps (forward, backward, reduce, step)",
	})

	// ===== Gradient Reduction Metrics =====

	BucketFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reduce_bucket_flushes_total",
		Help: "Total number of gradient reduce-bucket flushes",
	})

	DirectReductions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reduce_direct_total",
		Help: "Total number of per-tensor gradient reductions outside buckets",
	})

	TrainableRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainable_refreshes_total",
		Help: "Times the sharded wrapper re-bucketed after a trainability change",
	})

	// ===== Grad Scaler Metrics =====

	ScalerOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grad_scaler_overflow_total",
		Help: "Optimizer steps skipped because scaled gradients overflowed",
	})

	ScalerScale = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grad_scaler_scale",
		Help: "Current loss scale factor",
	})

	// ===== Parity Check Metrics =====

	ParityChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parity_checks_total",
		Help: "Total number of model parity checks performed",
	})

	ParityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parity_failures_total",
		Help: "Total number of parity check failures",
	}, []string{"kind"})

	ParityMaxAbsDiff = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parity_max_abs_diff",
		Help:    "Largest absolute difference seen by a parity check",
		Buckets: []float64{0, 1e-9, 1e-7, 1e-5, 1e-3, 1e-1, 1, 10},
	})
)

// RecordCollective updates the per-op counters and latency histogram.
func RecordCollective(op string, bytes int, start time.Time) {
	CollectiveOps.WithLabelValues(op).Inc()
	CollectiveBytes.WithLabelValues(op).Add(float64(bytes))
	CollectiveDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordStep counts one optimizer step and its duration.
func RecordStep(start time.Time) {
	totalSteps.Add(1)
	TrainSteps.Inc()
	StepDuration.Observe(time.Since(start).Seconds())
}

// TotalSteps returns the number of steps recorded in this process.
func TotalSteps() int64 {
	return totalSteps.Load()
}
