// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// Collectors holds every crawler metric. It satisfies the engine's Metrics
// interface and the checkpoint persister's Metrics interface.
type Collectors struct {
	registry *prometheus.Registry

	fetchAttemptsTotal         prometheus.Counter
	fetchRetriesTotal          prometheus.Counter
	fetchFailuresTotal         prometheus.Counter
	pagesTotal                 *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	linksRejectedTotal         *prometheus.CounterVec
	recordPersistFailuresTotal prometheus.Counter
	activeWorkers              prometheus.Gauge
	frontierSize               prometheus.Gauge
	checkpointSavesTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// New registers the crawler collectors, plus Go runtime and process
// collectors, on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collectors{
		registry: reg,
		fetchAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_fetch_attempts_total",
			Help: "Total number of fetch attempts, including retries.",
		}),
		fetchRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_fetch_retries_total",
			Help: "Total number of fetch retries after a transient failure.",
		}),
		fetchFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_fetch_failures_total",
			Help: "Total number of URLs whose fetch failed after all retries.",
		}),
		pagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of pages crawled, labeled by status code.",
		}, []string{"status"}),
		fetchDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Histogram of successful fetch latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		linksRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_links_rejected_total",
			Help: "Total number of discovered links not admitted to the frontier, labeled by reason.",
		}, []string{"reason"}),
		recordPersistFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_record_persist_failures_total",
			Help: "Total number of extracted records that failed to persist.",
		}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing a URL.",
		}),
		frontierSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_frontier_size",
			Help: "Number of URLs waiting in the frontier.",
		}),
		checkpointSavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_checkpoint_saves_total",
			Help: "Total number of checkpoint writes, labeled by result.",
		}, []string{"result"}),
		rateLimitDelaysSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of control API requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of control API latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an http.Handler exposing the registry.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// FetchAttempt counts one call to a fetcher.
func (c *Collectors) FetchAttempt() { c.fetchAttemptsTotal.Inc() }

// FetchRetry counts one retry.
func (c *Collectors) FetchRetry() { c.fetchRetriesTotal.Inc() }

// FetchFailed counts a URL whose fetch did not succeed.
func (c *Collectors) FetchFailed() { c.fetchFailuresTotal.Inc() }

// PageCrawled records the final status of a URL and, when the fetch got a
// response, its latency.
func (c *Collectors) PageCrawled(statusCode int, duration time.Duration) {
	c.pagesTotal.WithLabelValues(StatusLabel(statusCode)).Inc()
	if duration > 0 {
		c.fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// LinkRejected counts a link refused by the frontier.
func (c *Collectors) LinkRejected(reason string) {
	c.linksRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordPersistFailed counts a storage failure.
func (c *Collectors) RecordPersistFailed() { c.recordPersistFailuresTotal.Inc() }

// WorkerActive moves the active worker gauge by delta.
func (c *Collectors) WorkerActive(delta int) { c.activeWorkers.Add(float64(delta)) }

// FrontierSize sets the frontier size gauge.
func (c *Collectors) FrontierSize(n int) { c.frontierSize.Set(float64(n)) }

// CheckpointSaved counts a checkpoint write.
func (c *Collectors) CheckpointSaved(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.checkpointSavesTotal.WithLabelValues(result).Inc()
}

// RateLimitDelay records how long a request waited for a token.
func (c *Collectors) RateLimitDelay(rawURL string, d time.Duration) {
	c.rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(d.Seconds())
}

// ObserveHTTPRequest records one control API request.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StatusLabel renders a status code label. Fetches that never got a response
// are labeled "none".
func StatusLabel(code int) string {
	if code == crawler.NoStatus {
		return "none"
	}
	return strconv.Itoa(code)
}

// SanitizeSite extracts a lowercase hostname from a URL.
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
