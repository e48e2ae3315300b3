// Package metrics exposes the core's Prometheus instrumentation: cycle
// counts, queue sizes, fetch outcomes, and hash dedup rate. The teacher's
// go.mod already requires client_golang; no file in the retrieval pack
// exercises it, so this package's shape follows the library's own
// registration idiom directly rather than a teacher file.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/histogram the daemon and recorder update
// over the lifetime of a process.
type Metrics struct {
	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	URLsQueuedTotal  *prometheus.CounterVec // labeled by bucket_type
	URLsDeferred     prometheus.Counter
	FetchOutcomes    *prometheus.CounterVec // labeled by outcome: success, error, timeout
	HashNewTotal     prometheus.Counter
	HashExistingTotal prometheus.Counter
}

// New registers and returns the core's metric set against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "urlfetchd_cycles_total",
			Help: "Number of fetch cycles completed by the daemon loop.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "urlfetchd_cycle_duration_seconds",
			Help:    "Wall-clock duration of one daemon cycle (snapshot+plan+fetch).",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		URLsQueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "urlfetchd_urls_queued_total",
			Help: "URLs placed into queue.txt by the bucket planner, labeled by bucket_type.",
		}, []string{"bucket_type"}),
		URLsDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "urlfetchd_urls_deferred_total",
			Help: "Admissions refused by the per-domain throttle (load-shed to next cycle).",
		}),
		FetchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "urlfetchd_fetch_outcomes_total",
			Help: "Completed transfers, labeled by outcome (success, error, timeout).",
		}, []string{"outcome"}),
		HashNewTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "urlfetchd_hash_new_total",
			Help: "Payloads committed to the blob store under a newly seen hash.",
		}),
		HashExistingTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "urlfetchd_hash_existing_total",
			Help: "Payloads discarded because their (hash, size) already exists in the catalog.",
		}),
	}
}

// Handler returns an HTTP handler serving this registry's metrics in the
// Prometheus exposition format, for the DOWNLOADER_METRICS_ADDR listener.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
