// Package metrics holds the prometheus collectors served by the admin
// listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	BatchesSealed prometheus.Counter
	SplitMerges   prometheus.Counter
	JobsTotal     *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	SendRetries   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BatchesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediabotd_batches_sealed_total",
			Help: "Batches sealed by the aggregator.",
		}),
		SplitMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediabotd_split_merges_total",
			Help: "Batches merged into an existing split group.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabotd_jobs_total",
			Help: "Uploader jobs by outcome.",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediabotd_job_duration_seconds",
			Help:    "Wall-clock duration of uploader jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediabotd_send_retries_total",
			Help: "Retried outbound chat sends and edits.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BatchesSealed,
		m.SplitMerges,
		m.JobsTotal,
		m.JobDuration,
		m.SendRetries,
	)
	return m
}
