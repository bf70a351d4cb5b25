package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrgate_worker_jobs_total",
			Help: "OCR jobs run by this worker, by terminal status",
		},
		[]string{"status"},
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocrgate_worker_job_duration_seconds",
			Help:    "Time spent processing one OCR job",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 25, 60, 120, 300, 600},
		},
	)

	poolWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocrgate_worker_pool_size",
			Help: "Worker goroutines currently alive",
		},
	)
)
