package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the worker pipeline.
type Metrics struct {
	JobsDequeued      prometheus.Counter
	JobsSucceeded     prometheus.Counter
	JobsFailed        prometheus.Counter
	InstancesBorrowed prometheus.Counter
	JobDuration       prometheus.Histogram
}

// NewMetrics creates and registers worker metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "jobs_dequeued_total",
			Help:      "Total jobs claimed from the queue.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "jobs_succeeded_total",
			Help:      "Total jobs acknowledged after successful processing.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "jobs_failed_total",
			Help:      "Total job attempts that failed and were returned for retry.",
		}),
		InstancesBorrowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "instances_borrowed_total",
			Help:      "Total compute instances borrowed from the allocator.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Duration of each job attempt (borrow through resolve).",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}

	reg.MustRegister(
		m.JobsDequeued,
		m.JobsSucceeded,
		m.JobsFailed,
		m.InstancesBorrowed,
		m.JobDuration,
	)

	return m
}
