// Package metrics exposes the cage runtime counters over a dedicated
// prometheus registry: pool occupancy, transaction outcomes, cache traffic
// and module reloads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	poolFree = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roost_pool_free_instances",
		Help: "Ready instances in the pool free list",
	}, []string{"pool"})

	poolBusy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roost_pool_busy_instances",
		Help: "Instances checked out or being connected",
	}, []string{"pool"})

	allocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_pool_allocations_total",
		Help: "Pool allocation attempts by outcome",
	}, []string{"pool", "outcome"})

	transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_transactions_total",
		Help: "Distributed transactions by final outcome",
	}, []string{"outcome"})

	transactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roost_transaction_duration_seconds",
		Help:    "Wall time from Execute to decision",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	participantPending = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roost_participant_pending_seconds",
		Help:    "Wall time from transaction start to worker pickup",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"resource"})

	participantDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roost_participant_call_seconds",
		Help:    "Wall time of the resource call itself",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"resource"})

	cacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_cache_events_total",
		Help: "Cache traffic by event: hit, miss, put, evict, invalidate",
	}, []string{"cache", "event"})

	moduleReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_module_reloads_total",
		Help: "Module reload attempts by outcome",
	}, []string{"module", "outcome"})
)

func init() {
	registry.MustRegister(
		poolFree, poolBusy, allocationsTotal,
		transactionsTotal, transactionDuration,
		participantPending, participantDuration,
		cacheEvents, moduleReloads,
	)
}

// Handler serves the registry for the daemon's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func SetPoolState(pool string, free, busy int) {
	poolFree.WithLabelValues(pool).Set(float64(free))
	poolBusy.WithLabelValues(pool).Set(float64(busy))
}

func RecordAllocation(pool, outcome string) {
	allocationsTotal.WithLabelValues(pool, outcome).Inc()
}

func RecordTransaction(outcome string, seconds float64) {
	transactionsTotal.WithLabelValues(outcome).Inc()
	transactionDuration.Observe(seconds)
}

func RecordParticipantPending(resource string, seconds float64) {
	participantPending.WithLabelValues(resource).Observe(seconds)
}

func RecordParticipantCall(resource string, seconds float64) {
	participantDuration.WithLabelValues(resource).Observe(seconds)
}

func RecordCacheEvent(cache, event string) {
	cacheEvents.WithLabelValues(cache, event).Inc()
}

func RecordModuleReload(module, outcome string) {
	moduleReloads.WithLabelValues(module, outcome).Inc()
}
