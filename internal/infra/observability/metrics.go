package observability

import (
	"time"

	"github.com/boddenberg/finance-tracker/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	runDuration   *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	outcomesTotal *prometheus.CounterVec
	deactivated   prometheus.Counter
	storeErrors   *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finance_operation_duration_seconds",
				Help:    "Duration of operations by name.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finance_recurring_runs_total",
				Help: "Recurring processor passes by status.",
			},
			[]string{"status"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finance_recurring_occurrences_total",
				Help: "Due occurrences handled by the recurring processor, by outcome.",
			},
			[]string{"outcome"},
		),
		deactivated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "finance_recurring_deactivated_total",
				Help: "Templates deactivated after passing their end date.",
			},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finance_store_errors_total",
				Help: "Total errors from stores and external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finance_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finance_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.runDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrRun counts one processor pass ("success" or "error").
func (m *Metrics) IncrRun(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}

// IncrOutcome counts one handled occurrence.
func (m *Metrics) IncrOutcome(outcome domain.OccurrenceOutcome) {
	m.outcomesTotal.WithLabelValues(string(outcome)).Inc()
}

// IncrDeactivated counts a template that reached its end date.
func (m *Metrics) IncrDeactivated() {
	m.deactivated.Inc()
}

// IncrStoreError increments the store/external error counter.
func (m *Metrics) IncrStoreError(service string) {
	m.storeErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// GetProcessorSnapshot returns cumulative processor counters for the
// GET /v1/metrics/recurring endpoint.
func (m *Metrics) GetProcessorSnapshot() *domain.ProcessorMetrics {
	okRuns := getCounterValue(m.runsTotal, "success")
	failedRuns := getCounterValue(m.runsTotal, "error")
	totalRuns := okRuns + failedRuns

	failureRate := float64(0)
	if totalRuns > 0 {
		failureRate = failedRuns / totalRuns
	}

	hits := getCounterValue(m.cacheHits, "owner_groups")
	misses := getCounterValue(m.cacheMisses, "owner_groups")
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.ProcessorMetrics{
		Runs:           int64(totalRuns),
		FailedRuns:     int64(failedRuns),
		Materialized:   int64(getCounterValue(m.outcomesTotal, string(domain.OutcomeMaterialized))),
		Duplicates:     int64(getCounterValue(m.outcomesTotal, string(domain.OutcomeDuplicate))),
		Stale:          int64(getCounterValue(m.outcomesTotal, string(domain.OutcomeStale))),
		FailedTemplate: int64(getCounterValue(m.outcomesTotal, string(domain.OutcomeFailed))),
		Deactivated:    int64(readCounter(m.deactivated)),
		FailureRate:    failureRate,
		GroupCacheHit:  hitRate,
		Period:         "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return readCounter(cv.WithLabelValues(label))
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
