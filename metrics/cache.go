package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(cacheLookups, sectionsResumed) }

var (
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	sectionsResumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_sections_resumed_total",
			Help: "Sections restored from a checkpoint instead of regenerated.",
		},
	)
)

// IncCacheLookup counts a cache lookup outcome
func IncCacheLookup(result string) {
	cacheLookups.WithLabelValues(norm(result)).Inc()
}

// AddSectionsResumed counts sections skipped thanks to a checkpoint
func AddSectionsResumed(n int) {
	sectionsResumed.Add(float64(n))
}
