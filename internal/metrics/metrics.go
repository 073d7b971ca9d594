// Package metrics exposes Prometheus collectors for the crawler service.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	activeJobs                 prometheus.Gauge
	rateLimitWaitSeconds       prometheus.Histogram
	cacheLookupsTotal          *prometheus.CounterVec
	analysisCallsTotal         *prometheus.CounterVec
	analysisTokensTotal        prometheus.Counter
	analysisCostTotal          prometheus.Counter
	cachePurgedTotal           prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteinsight_pages_total",
				Help: "Total number of pages crawled, labeled by site and fetch status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteinsight_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteinsight_jobs_total",
				Help: "Total number of jobs finished, labeled by terminal state.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siteinsight_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siteinsight_active_jobs",
				Help: "Number of jobs not yet in a terminal state.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "siteinsight_rate_limit_wait_seconds",
				Help:    "Histogram of per-job rate limiter wait durations.",
				Buckets: []float64{0.01, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteinsight_cache_lookups_total",
				Help: "Content cache lookups, labeled by namespace and result.",
			},
			[]string{"namespace", "result"},
		)

		analysisCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteinsight_analysis_calls_total",
				Help: "Analysis service calls, labeled by provider and result.",
			},
			[]string{"provider", "result"},
		)

		analysisTokensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siteinsight_analysis_tokens_total",
				Help: "Tokens consumed by the analysis service.",
			},
		)

		analysisCostTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siteinsight_analysis_cost_dollars_total",
				Help: "Estimated analysis spend in dollars.",
			},
		)

		cachePurgedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siteinsight_cache_purged_total",
				Help: "Expired cache entries removed by purge runs.",
			},
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
	Init()
	return promhttp.Handler()
}

// ObservePage counts one visited page and the bytes fetched for it.
func ObservePage(site, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given terminal state.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetActiveJobs records the number of non-terminal jobs.
func SetActiveJobs(n int) {
	Init()
	activeJobs.Set(float64(n))
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	Init()
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// ObserveCacheLookup counts a cache hit or miss.
func ObserveCacheLookup(namespace, result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(namespace, result).Inc()
}

// ObserveAnalysisCall counts one analysis attempt and, on success, its spend.
func ObserveAnalysisCall(provider, result string, tokens int64, cost float64) {
	Init()
	analysisCallsTotal.WithLabelValues(provider, result).Inc()
	if tokens > 0 {
		analysisTokensTotal.Add(float64(tokens))
	}
	if cost > 0 {
		analysisCostTotal.Add(cost)
	}
}

// ObserveCachePurge adds the number of entries a purge run removed.
func ObserveCachePurge(removed int64) {
	Init()
	if removed > 0 {
		cachePurgedTotal.Add(float64(removed))
	}
}
