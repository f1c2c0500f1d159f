package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "adsmirror"

// SnapshotFunc returns the counters to export.
type SnapshotFunc func() Snapshot

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Snapshot) int64
}

// Collector exports a Snapshot as Prometheus metrics on every scrape.
type Collector struct {
	jobs    *prometheus.Desc
	metrics []metric
	source  SnapshotFunc
}

// NewCollector creates a Collector reading from source.
func NewCollector(source SnapshotFunc) *Collector {
	counter := func(name string, help string, value func(Snapshot) int64) metric {
		return metric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			kind:  prometheus.CounterValue,
			value: value,
		}
	}

	return &Collector{
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_total"),
			"Sync jobs by final outcome.",
			[]string{"outcome"},
			nil,
		),
		metrics: []metric{
			{
				desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "active_jobs"), "Sync jobs currently running.", nil, nil),
				kind:  prometheus.GaugeValue,
				value: func(s Snapshot) int64 { return s.ActiveJobs },
			},
			counter("api_calls_total", "Remote fetch calls made.", func(s Snapshot) int64 { return s.APICalls }),
			counter("bytes_transferred_total", "Bytes received from the remote API.", func(s Snapshot) int64 { return s.BytesTransferred }),
			counter("conflicts_detected_total", "Concurrent modifications detected.", func(s Snapshot) int64 { return s.ConflictsDetected }),
			counter("conflicts_queued_total", "Conflicts routed to manual review.", func(s Snapshot) int64 { return s.ConflictsQueued }),
			counter("conflicts_resolved_total", "Conflicts settled by a policy.", func(s Snapshot) int64 { return s.ConflictsResolved }),
			counter("entities_failed_total", "Entities that failed to sync.", func(s Snapshot) int64 { return s.EntitiesFailed }),
			counter("entities_synced_total", "Entities written to the snapshot store.", func(s Snapshot) int64 { return s.EntitiesSynced }),
			counter("rate_limit_hits_total", "Calls denied or throttled by rate limits.", func(s Snapshot) int64 { return s.RateLimitHits }),
			counter("retries_total", "Job retry attempts.", func(s Snapshot) int64 { return s.Retries }),
		},
		source: source,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()

	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, float64(m.value(s)))
	}

	outcomes := map[string]int64{
		"started":   s.JobsStarted,
		"completed": s.JobsCompleted,
		"failed":    s.JobsFailed,
		"cancelled": s.JobsCancelled,
		"paused":    s.JobsPaused,
	}
	for outcome, n := range outcomes {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.CounterValue, float64(n), outcome)
	}
}
