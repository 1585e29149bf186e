// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine counters. A nil *Metrics is a valid no-op
// receiver so callers never need to guard instrumentation sites.
type Metrics struct {
	jobsSubmitted      prometheus.Counter
	jobsCompleted      *prometheus.CounterVec
	tasksCompleted     *prometheus.CounterVec
	taskRetries        prometheus.Counter
	scheduleFires      prometheus.Counter
	scheduleSkips      prometheus.Counter
	storeConflicts     prometheus.Counter
	snapshotsPublished prometheus.Counter
}

// New registers the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmill",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted at submission.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmill",
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal status.",
		}, []string{"status"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmill",
			Name:      "tasks_completed_total",
			Help:      "Tasks reaching a terminal status.",
		}, []string{"status"}),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmill",
			Name:      "task_retries_total",
			Help:      "Task execution retry attempts.",
		}),
		scheduleFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmill",
			Name:      "scheduled_jobs_fired_total",
			Help:      "Jobs spawned by recurring templates.",
		}),
		scheduleSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmill",
			Name:      "scheduled_jobs_skipped_total",
			Help:      "Template fires skipped due to overlap control.",
		}),
		storeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmill",
			Name:      "store_write_conflicts_total",
			Help:      "Optimistic-concurrency write conflicts absorbed by retry.",
		}),
		snapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmill",
			Name:      "job_snapshots_published_total",
			Help:      "Aggregated job snapshots emitted.",
		}),
	}
	reg.MustRegister(
		m.jobsSubmitted, m.jobsCompleted, m.tasksCompleted, m.taskRetries,
		m.scheduleFires, m.scheduleSkips, m.storeConflicts, m.snapshotsPublished,
	)
	return m
}

func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc()
}

func (m *Metrics) JobCompleted(status string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskCompleted(status string) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.taskRetries.Inc()
}

func (m *Metrics) ScheduleFired() {
	if m == nil {
		return
	}
	m.scheduleFires.Inc()
}

func (m *Metrics) ScheduleSkipped() {
	if m == nil {
		return
	}
	m.scheduleSkips.Inc()
}

func (m *Metrics) StoreConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

func (m *Metrics) SnapshotPublished() {
	if m == nil {
		return
	}
	m.snapshotsPublished.Inc()
}
