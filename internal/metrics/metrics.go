// Package metrics exposes Prometheus collectors for job orchestration and
// event streaming.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reelforge"

// Metrics groups the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	JobsEnqueued   *prometheus.CounterVec
	JobsClaimed    *prometheus.CounterVec
	JobsFinished   *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	WakeCycles     *prometheus.CounterVec
	KicksCoalesced *prometheus.CounterVec
	OpenStreams    *prometheus.GaugeVec
	StreamEvents   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the enqueue endpoint.",
		}, []string{"type"}),
		JobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs moved from queued to running by a worker loop.",
		}, []string{"type"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal status.",
		}, []string{"type", "status", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"type", "status"}),
		WakeCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_cycles_total",
			Help:      "Worker loop wake cycles started by a kick.",
		}, []string{"type"}),
		KicksCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kicks_coalesced_total",
			Help:      "Kicks absorbed by a wake cycle already in flight.",
		}, []string{"type"}),
		OpenStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_streams",
			Help:      "Server-sent event streams currently open.",
		}, []string{"stream"}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Events written to server-sent event streams.",
		}, []string{"stream"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsEnqueued,
			m.JobsClaimed,
			m.JobsFinished,
			m.JobDuration,
			m.WakeCycles,
			m.KicksCoalesced,
			m.OpenStreams,
			m.StreamEvents,
		)
	}
	return m
}

// Enqueued records an accepted job
func (m *Metrics) Enqueued(jobType string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(jobType).Inc()
}

// Claimed records a successful claim
func (m *Metrics) Claimed(jobType string) {
	if m == nil {
		return
	}
	m.JobsClaimed.WithLabelValues(jobType).Inc()
}

// Finished records a terminal transition. outcome is "executed", "reused",
// "timeout" or "panic".
func (m *Metrics) Finished(jobType, status, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(jobType, status, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType, status).Observe(seconds)
}

// WakeCycle records the start of a wake cycle
func (m *Metrics) WakeCycle(jobType string) {
	if m == nil {
		return
	}
	m.WakeCycles.WithLabelValues(jobType).Inc()
}

// Coalesced records a kick that found its loop already running
func (m *Metrics) Coalesced(jobType string) {
	if m == nil {
		return
	}
	m.KicksCoalesced.WithLabelValues(jobType).Inc()
}

// StreamOpened increments the open stream gauge and returns a func that
// decrements it.
func (m *Metrics) StreamOpened(stream string) func() {
	if m == nil {
		return func() {}
	}
	g := m.OpenStreams.WithLabelValues(stream)
	g.Inc()
	return g.Dec
}

// StreamEvent records an event written to a stream
func (m *Metrics) StreamEvent(stream string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(stream).Inc()
}
