// Package metrics exposes Prometheus collectors for the label verification service.
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
	tasksActive                prometheus.Gauge
	tasksPending               prometheus.Gauge
	verificationsTotal         *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	classifyDurationSeconds    prometheus.Histogram
	recordsTotal               *prometheus.CounterVec
	drainsTotal                *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksActive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "labelscan_tasks_active",
			Help: "Verification units currently running.",
		})
		tasksPending = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "labelscan_tasks_pending",
			Help: "Verification units scheduled but waiting for a slot.",
		})
		verificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelscan_verifications_total",
				Help: "Completed product verifications, labeled by result.",
			},
			[]string{"result"},
		)
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelscan_fetches_total",
				Help: "Image fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)
		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelscan_fetch_bytes_total",
				Help: "Image bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		classifyDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "labelscan_classify_duration_seconds",
			Help:    "Time spent decoding and OCR-ing one image.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		})
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelscan_records_total",
				Help: "Record persistence attempts, labeled by result (inserted, duplicate, error).",
			},
			[]string{"result"},
		)
		drainsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelscan_drains_total",
				Help: "Drain cycles, labeled by status.",
			},
			[]string{"status"},
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
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labelscan_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
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

// SetTasks publishes the task registry counts.
func SetTasks(active, pending int) {
	Init()
	tasksActive.Set(float64(active))
	tasksPending.Set(float64(pending))
}

// ObserveVerification counts a finished verification ("matched", "not_found", "interrupted").
func ObserveVerification(result string) {
	Init()
	verificationsTotal.WithLabelValues(result).Inc()
}

// ObserveFetch counts one image fetch.
func ObserveFetch(rawURL string, status string, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchesTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveClassify records the time spent classifying one image.
func ObserveClassify(d time.Duration) {
	Init()
	classifyDurationSeconds.Observe(d.Seconds())
}

// ObserveRecord counts a persistence attempt.
func ObserveRecord(result string) {
	Init()
	recordsTotal.WithLabelValues(result).Inc()
}

// ObserveDrain counts a drain cycle.
func ObserveDrain(status string) {
	Init()
	drainsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
