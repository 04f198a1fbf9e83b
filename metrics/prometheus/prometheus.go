// Package prometheus implements metrics.Metrics on the Prometheus client.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adeilh/go-durable/metrics"
)

// timer wraps a Prometheus observer to implement metrics.Timer.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60,
}

type durableMetrics struct {
	flushDuration *prometheus.HistogramVec
	flushes       *prometheus.CounterVec
	loadDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	entries       *prometheus.GaugeVec
}

// New registers the container collectors with reg and returns them as
// metrics.Metrics.
func New(reg prometheus.Registerer) metrics.Metrics {
	m := &durableMetrics{
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "durable_flush_duration_seconds",
			Help:    "Snapshot save latency in seconds, retries included",
			Buckets: defaultBuckets,
		}, []string{"container", "trigger"}),

		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_flushes_total",
			Help: "Total number of finished flushes",
		}, []string{"container", "trigger", "success"}),

		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "durable_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"container"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_retry_failures_total",
			Help: "Total number of failed backend attempts",
		}, []string{"container", "operation", "fatal"}),

		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_evictions_total",
			Help: "Total number of entries evicted by TTL",
		}, []string{"container"}),

		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "durable_pending_mutations",
			Help: "Mutations not yet handed to a flush",
		}, []string{"container"}),

		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "durable_entries",
			Help: "Entries held in memory",
		}, []string{"container"}),
	}

	reg.MustRegister(
		m.flushDuration,
		m.flushes,
		m.loadDuration,
		m.retries,
		m.evictions,
		m.pending,
		m.entries,
	)
	return m
}

func (m *durableMetrics) FlushDuration(container, trigger string) metrics.Timer {
	return newTimer(m.flushDuration.WithLabelValues(container, trigger))
}

func (m *durableMetrics) FlushCompleted(container, trigger string, ok bool) {
	m.flushes.WithLabelValues(container, trigger, strconv.FormatBool(ok)).Inc()
}

func (m *durableMetrics) LoadDuration(container string) metrics.Timer {
	return newTimer(m.loadDuration.WithLabelValues(container))
}

func (m *durableMetrics) RetryAttempt(container, operation string, fatal bool) {
	m.retries.WithLabelValues(container, operation, strconv.FormatBool(fatal)).Inc()
}

func (m *durableMetrics) Evicted(container string, n int) {
	m.evictions.WithLabelValues(container).Add(float64(n))
}

func (m *durableMetrics) Pending(container string, n int) {
	m.pending.WithLabelValues(container).Set(float64(n))
}

func (m *durableMetrics) Entries(container string, n int) {
	m.entries.WithLabelValues(container).Set(float64(n))
}
