// Package jobmetrics instruments closing work: per-run outcomes and latency,
// day units per status and committed ledger entries.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes recorded in the status label of odyssey_jobs_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	units    *prometheus.CounterVec
	entries  prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer, or once on the default
// registerer when registerer is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker times one run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
	skipped bool
}

// Track starts a tracker for the named run.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// Skip marks a run that found nothing to do. Only the run counter moves.
func (t *Tracker) Skip() {
	if t != nil {
		t.skipped = true
	}
}

// End records the outcome and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	switch {
	case err != nil:
		t.metrics.failures.WithLabelValues(t.job).Inc()
		t.metrics.runs.WithLabelValues(t.job, OutcomeFailure).Inc()
	case t.skipped:
		t.metrics.runs.WithLabelValues(t.job, OutcomeSkipped).Inc()
		return nil
	default:
		t.metrics.runs.WithLabelValues(t.job, OutcomeSuccess).Inc()
	}
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddUnits counts day units reaching status.
func (m *Metrics) AddUnits(status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.units.WithLabelValues(status).Add(float64(count))
}

// AddEntries counts balancing entries committed to the ledger.
func (m *Metrics) AddEntries(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.entries.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_jobs_total",
			Help: "Closing runs by name and outcome (success, failure, skipped).",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_jobs_failures_total",
			Help: "Closing runs that returned an error.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_job_duration_seconds",
			Help:    "Duration of closing runs that did work.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_closing_units_total",
			Help: "Period closing day units grouped by the status they reached.",
		}, []string{"status"}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_closing_entries_total",
			Help: "Balancing ledger entries committed by period closing jobs.",
		}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.units, m.entries)
	return m
}
