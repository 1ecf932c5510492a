package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics bundles the Prometheus collectors for the live process, all
// registered on a dedicated registry so tests never collide on the global
// one.
type PromMetrics struct {
	Registry             *prometheus.Registry
	TargetsFetchedTotal  *prometheus.CounterVec
	FetchDuration        prometheus.Histogram
	ValidationDropsTotal *prometheus.CounterVec
	BatchesTotal         *prometheus.CounterVec
	RunsTotal            *prometheus.CounterVec
	InFlightFetches      prometheus.Gauge
}

// NewPromMetrics constructs and registers all collectors.
func NewPromMetrics() *PromMetrics {
	registry := prometheus.NewRegistry()

	targetsFetched := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_targets_fetched_total",
			Help: "Product targets fetched, by catalog and outcome.",
		},
		[]string{"catalog", "outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Latency of individual product fetches.",
			Buckets: prometheus.DefBuckets,
		},
	)
	validationDrops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_validation_drops_total",
			Help: "Records dropped by schema validation, by catalog.",
		},
		[]string{"catalog"},
	)
	batches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_batches_total",
			Help: "Processed batches, by catalog and result.",
		},
		[]string{"catalog", "result"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_runs_total",
			Help: "Finished runs, by catalog and status.",
		},
		[]string{"catalog", "status"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_in_flight_fetches",
			Help: "Currently in-flight product fetches.",
		},
	)

	registry.MustRegister(targetsFetched, fetchDuration, validationDrops, batches, runs, inFlight)

	return &PromMetrics{
		Registry:             registry,
		TargetsFetchedTotal:  targetsFetched,
		FetchDuration:        fetchDuration,
		ValidationDropsTotal: validationDrops,
		BatchesTotal:         batches,
		RunsTotal:            runs,
		InFlightFetches:      inFlight,
	}
}

// ObserveFetch records one finished fetch.
func (m *PromMetrics) ObserveFetch(catalog, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TargetsFetchedTotal.WithLabelValues(catalog, outcome).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

// AddValidationDrops counts records dropped by validation.
func (m *PromMetrics) AddValidationDrops(catalog string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ValidationDropsTotal.WithLabelValues(catalog).Add(float64(n))
}

// IncBatch counts one finished batch.
func (m *PromMetrics) IncBatch(catalog, result string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(catalog, result).Inc()
}

// IncRun counts one finished run.
func (m *PromMetrics) IncRun(catalog, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(catalog, status).Inc()
}
