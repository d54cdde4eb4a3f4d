// Package metrics exposes Prometheus collectors for the harvester.
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
	harvesterPagesTotal           *prometheus.CounterVec
	harvesterRecordsTotal         *prometheus.CounterVec
	harvesterMalformedTotal       *prometheus.CounterVec
	harvesterFetchDurationSeconds *prometheus.HistogramVec
	harvesterInFlightFetches      prometheus.Gauge
	harvesterTaskTransitionsTotal *prometheus.CounterVec
	harvesterRunsTotal            *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Total number of listing pages processed, labeled by site and terminal status.",
			},
			[]string{"site", "status"},
		)

		harvesterRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Total number of records extracted, labeled by site.",
			},
			[]string{"site"},
		)

		harvesterMalformedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_malformed_containers_total",
				Help: "Total number of record containers skipped for missing fields, labeled by site.",
			},
			[]string{"site"},
		)

		harvesterFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by outcome (ok, error, canceled).",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"outcome"},
		)

		harvesterInFlightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_inflight_fetches",
				Help: "Number of admission permits currently held.",
			},
		)

		harvesterTaskTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_task_transitions_total",
				Help: "Total number of page task state transitions, labeled by the state entered.",
			},
			[]string{"state"},
		)

		harvesterRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Total number of pipeline runs, labeled by result.",
			},
			[]string{"result"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
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

// ObservePage records a page reaching a terminal status.
func ObservePage(site, status string, records, malformed int) {
	Init()
	sanitized := SanitizeSite(site)
	harvesterPagesTotal.WithLabelValues(sanitized, status).Inc()
	if records > 0 {
		harvesterRecordsTotal.WithLabelValues(sanitized).Add(float64(records))
	}
	if malformed > 0 {
		harvesterMalformedTotal.WithLabelValues(sanitized).Add(float64(malformed))
	}
}

// ObserveFetch records the latency of one fetch.
func ObserveFetch(outcome string, duration time.Duration) {
	Init()
	harvesterFetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetInFlight mirrors the admission controller's in-flight count.
func SetInFlight(n int64) {
	Init()
	harvesterInFlightFetches.Set(float64(n))
}

// ObserveTransition counts a page task entering state.
func ObserveTransition(state string) {
	Init()
	harvesterTaskTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveRun counts a finished pipeline run.
func ObserveRun(result string) {
	Init()
	harvesterRunsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
