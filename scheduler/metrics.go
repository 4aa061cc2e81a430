package scheduler

import "github.com/prometheus/client_golang/prometheus"

var ProcessedBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskq",
	Subsystem: "scheduler",
	Name:      "processed_batches",
}, []string{"kind", "result"})

var ProcessedTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskq",
	Subsystem: "scheduler",
	Name:      "processed_tasks",
}, []string{"status"})

var BatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "taskq",
	Subsystem: "scheduler",
	Name:      "batch_duration_seconds",
	Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60, 300},
}, []string{"kind"})

var NonFatalFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskq",
	Subsystem: "scheduler",
	Name:      "non_fatal_failures",
}, []string{"step"})

// Collectors lists the scheduler metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{ProcessedBatches, ProcessedTasks, BatchDuration, NonFatalFailures}
}
