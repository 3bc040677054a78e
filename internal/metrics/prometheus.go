// Package metrics exposes the pool's operational counters/gauges/histograms
// to Prometheus. It intentionally carries no in-process JSON metrics store:
// this repo has no dashboard to serve one, and persistent statistics are an
// explicit spec non-goal.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolMetrics wraps the prometheus collectors for one key-pool-manager
// process (both pools share the registry, distinguished by the "pool"
// label).
type PoolMetrics struct {
	registry *prometheus.Registry

	keysByStatus       *prometheus.GaugeVec
	failuresTotal      *prometheus.CounterVec
	freezesTotal       *prometheus.CounterVec
	selectorsTotal     *prometheus.CounterVec
	selectorDegraded   *prometheus.CounterVec
	precheckBatchSize  *prometheus.GaugeVec
	precheckDuration   *prometheus.HistogramVec
	precheckFailTotal  *prometheus.CounterVec
}

var defaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var pm *PoolMetrics

// Init initializes the metrics subsystem under namespace (e.g. "keyvault").
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm = &PoolMetrics{
		registry: registry,

		keysByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "Number of keys currently in each status.",
		}, []string{"pool", "status"}),

		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_total",
			Help:      "Total failure-count increments.",
		}, []string{"pool"}),

		freezesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "freeze_total",
			Help:      "Total freeze events by reason.",
		}, []string{"pool", "reason"}),

		selectorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_total",
			Help:      "Total GetNextWorkingKey calls by outcome path.",
		}, []string{"pool", "path"}),

		selectorDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_degraded_total",
			Help:      "Selector calls that returned a key in degraded mode.",
		}, []string{"pool"}),

		precheckBatchSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "precheck_batch_size",
			Help:      "Number of valid keys in a precheck buffer slot.",
		}, []string{"pool", "slot"}),

		precheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "precheck_duration_seconds",
			Help:      "Duration of precheck fills.",
			Buckets:   defaultBuckets,
		}, []string{"pool"}),

		precheckFailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precheck_fail_total",
			Help:      "Precheck runs that failed to produce any valid key.",
		}, []string{"pool"}),
	}

	registry.MustRegister(
		pm.keysByStatus, pm.failuresTotal, pm.freezesTotal, pm.selectorsTotal,
		pm.selectorDegraded, pm.precheckBatchSize, pm.precheckDuration, pm.precheckFailTotal,
	)
}

// SetKeyCounts records a classifier snapshot's valid/invalid/frozen counts.
func SetKeyCounts(pool string, valid, invalid, frozen int) {
	if pm == nil {
		return
	}
	pm.keysByStatus.WithLabelValues(pool, "valid").Set(float64(valid))
	pm.keysByStatus.WithLabelValues(pool, "invalid").Set(float64(invalid))
	pm.keysByStatus.WithLabelValues(pool, "frozen").Set(float64(frozen))
}

// IncFailure records one failure-count increment for pool.
func IncFailure(pool string) {
	if pm == nil {
		return
	}
	pm.failuresTotal.WithLabelValues(pool).Inc()
}

// IncFreeze records one freeze event for pool, tagged by reason
// ("rate_limit" or "manual").
func IncFreeze(pool, reason string) {
	if pm == nil {
		return
	}
	pm.freezesTotal.WithLabelValues(pool, reason).Inc()
}

// IncSelector records one GetNextWorkingKey call, tagged by the path taken
// ("precheck" or "legacy").
func IncSelector(pool, path string) {
	if pm == nil {
		return
	}
	pm.selectorsTotal.WithLabelValues(pool, path).Inc()
}

// IncSelectorDegraded records a degraded-mode Selector return.
func IncSelectorDegraded(pool string) {
	if pm == nil {
		return
	}
	pm.selectorDegraded.WithLabelValues(pool).Inc()
}

// SetPrecheckBatchSize records the current size of a buffer slot ("A"/"B").
func SetPrecheckBatchSize(pool, slot string, size int) {
	if pm == nil {
		return
	}
	pm.precheckBatchSize.WithLabelValues(pool, slot).Set(float64(size))
}

// ObservePrecheckDuration records how long a precheck fill took.
func ObservePrecheckDuration(pool string, seconds float64) {
	if pm == nil {
		return
	}
	pm.precheckDuration.WithLabelValues(pool).Observe(seconds)
}

// IncPrecheckFail records a precheck run that produced zero valid keys.
func IncPrecheckFail(pool string) {
	if pm == nil {
		return
	}
	pm.precheckFailTotal.WithLabelValues(pool).Inc()
}

// Handler returns an HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	if pm == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying prometheus registry, for tests that want
// to assert on specific series.
func Registry() *prometheus.Registry {
	if pm == nil {
		return nil
	}
	return pm.registry
}
