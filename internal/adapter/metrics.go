package adapter

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the search pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FetchesTotal    *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	FetchesInFlight prometheus.Gauge
	ReconcileTotal  *prometheus.CounterVec
	MergeDuration   prometheus.Histogram
	MergedBooks     prometheus.Histogram
	MergedViews     prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates the collectors and registers them on reg.
// A nil registry gets a private one.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libris_fetches_total",
				Help: "Search page fetches by server and status (ok, error).",
			},
			[]string{"server", "status"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "libris_fetch_duration_seconds",
				Help:    "Search page fetch latency in seconds.",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"server"},
		),
		FetchesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "libris_fetches_in_flight",
				Help: "Number of search page fetches currently running.",
			},
		),
		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libris_reconcile_total",
				Help: "Fetch responses by reconcile outcome (appended, restarted, discarded, reset).",
			},
			[]string{"outcome"},
		),
		MergeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "libris_merge_duration_seconds",
				Help:    "Incremental merge latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
		MergedBooks: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "libris_merge_books_appended",
				Help:    "Books appended to a merged view per merge call.",
				Buckets: []float64{0, 10, 50, 100, 250, 500, 1000},
			},
		),
		MergedViews: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "libris_merged_views",
				Help: "Number of open merged views.",
			},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.FetchesInFlight,
		m.ReconcileTotal,
		m.MergeDuration,
		m.MergedBooks,
		m.MergedViews,
	)
	return m
}

// Handler returns the scrape handler for the registry the metrics live on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FetchStarted() {
	if m == nil {
		return
	}
	m.FetchesInFlight.Inc()
}

func (m *Metrics) FetchDone(server string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.FetchesInFlight.Dec()
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.FetchesTotal.WithLabelValues(server, status).Inc()
	m.FetchDuration.WithLabelValues(server).Observe(took.Seconds())
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Merged(took time.Duration, appended int) {
	if m == nil {
		return
	}
	m.MergeDuration.Observe(took.Seconds())
	m.MergedBooks.Observe(float64(appended))
}

func (m *Metrics) SetMergedViews(n int) {
	if m == nil {
		return
	}
	m.MergedViews.Set(float64(n))
}
