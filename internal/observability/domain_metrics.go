package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	answersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datapulse_answers_total",
			Help: "Total number of answer requests by outcome.",
		},
		[]string{"outcome"},
	)
	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datapulse_cache_hits_total",
			Help: "Total number of answer cache hits.",
		},
	)
	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datapulse_cache_misses_total",
			Help: "Total number of answer cache misses.",
		},
	)
	rateLimitDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datapulse_rate_limit_denials_total",
			Help: "Total number of requests denied by the per-caller rate limiter.",
		},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datapulse_validation_rejections_total",
			Help: "Total number of generated statements rejected by the validator, by rule.",
		},
		[]string{"kind"},
	)
	generationFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datapulse_generation_fallbacks_total",
			Help: "Total number of answers produced by the deterministic fallback generator.",
		},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datapulse_query_duration_seconds",
			Help:    "Execution latency of validated statements.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datapulse_active_sessions",
			Help: "Current number of live dataset sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		answersTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		rateLimitDenialsTotal,
		validationRejectionsTotal,
		generationFallbacksTotal,
		queryDurationSeconds,
		activeSessions,
	)
}

func ObserveAnswer(outcome string, elapsed time.Duration) {
	answersTotal.WithLabelValues(outcome).Inc()
	queryDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveCacheLookup(hit bool) {
	if hit {
		cacheHitsTotal.Inc()
	} else {
		cacheMissesTotal.Inc()
	}
}

func IncrementRateLimitDenial() {
	rateLimitDenialsTotal.Inc()
}

func IncrementValidationRejection(kind string) {
	validationRejectionsTotal.WithLabelValues(kind).Inc()
}

func IncrementGenerationFallback() {
	generationFallbacksTotal.Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}
