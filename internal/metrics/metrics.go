// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchFailuresTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	ingestDecisionsTotal       *prometheus.CounterVec
	extractionErrorsTotal      prometheus.Counter
	indexRebuildsTotal         prometheus.Counter
	indexDocuments             prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_attempts_total",
				Help: "Total fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_failures_total",
				Help: "Terminal fetch failures, labeled by site and error kind.",
			},
			[]string{"site", "kind"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Total bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		ingestDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_decisions_total",
				Help: "Resolver decisions applied to the store, labeled by kind.",
			},
			[]string{"kind"},
		)

		extractionErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_extraction_errors_total",
				Help: "Pages whose article body could not be extracted.",
			},
		)

		indexRebuildsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_index_rebuilds_total",
				Help: "Full TF-IDF index rebuilds.",
			},
		)

		indexDocuments = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_index_documents",
				Help: "Documents currently held by the similarity index.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently processing a link.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt records a fetch attempt outcome ("ok" or "retry").
func ObserveFetchAttempt(site, outcome string, bytesFetched int) {
	sanitized := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveFetchFailure records a terminal fetch failure by kind.
func ObserveFetchFailure(site, kind string) {
	fetchFailuresTotal.WithLabelValues(SanitizeSite(site), kind).Inc()
}

// ObserveDecision increments the resolver decision counter.
func ObserveDecision(kind string) {
	ingestDecisionsTotal.WithLabelValues(kind).Inc()
}

// ObserveExtractionError counts an unextractable page.
func ObserveExtractionError() {
	extractionErrorsTotal.Inc()
}

// ObserveIndexRebuild counts a completed full rebuild and records the
// resulting corpus size.
func ObserveIndexRebuild(documents int) {
	indexRebuildsTotal.Inc()
	indexDocuments.Set(float64(documents))
}

// SetIndexDocuments records the current corpus size.
func SetIndexDocuments(documents int) {
	indexDocuments.Set(float64(documents))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
