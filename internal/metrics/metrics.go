// Package metrics exposes Prometheus collectors for the crawler process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/hnsnap/internal/crawler"
)

// Collectors owns the process-level collectors registered on one registry.
type Collectors struct {
	factory promauto.Factory

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
}

// New registers the collectors on reg. It panics if reg already holds
// collectors with the same names, like promauto.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		factory: f,
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
		rateLimitDelaysSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hnsnap_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		),
	}
}

// RegisterQueue exposes the queue counters of the current run. stats is
// called on every scrape.
func (c *Collectors) RegisterQueue(stats func() crawler.QueueStats) {
	gauge := func(name, help string, v func(crawler.QueueStats) float64) {
		c.factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return v(stats())
		})
	}
	counter := func(name, help string, v func(crawler.QueueStats) float64) {
		c.factory.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return v(stats())
		})
	}
	gauge("hnsnap_queue_capacity", "Maximum buffered work items.",
		func(s crawler.QueueStats) float64 { return float64(s.Capacity) })
	gauge("hnsnap_queue_buffered", "Work items buffered and not yet popped.",
		func(s crawler.QueueStats) float64 { return float64(s.Buffered) })
	gauge("hnsnap_queue_outstanding", "Work items admitted but not yet completed.",
		func(s crawler.QueueStats) float64 { return float64(s.Outstanding) })
	counter("hnsnap_queue_submitted_total", "Work items admitted to the queue.",
		func(s crawler.QueueStats) float64 { return float64(s.Submitted) })
	counter("hnsnap_queue_dropped_total", "Submissions dropped because the buffer was full.",
		func(s crawler.QueueStats) float64 { return float64(s.Dropped) })
	counter("hnsnap_queue_rejected_killed_total", "Submissions rejected after the kill switch was set.",
		func(s crawler.QueueStats) float64 { return float64(s.RejectedKilled) })
	counter("hnsnap_queue_completed_total", "Work items executed.",
		func(s crawler.QueueStats) float64 { return float64(s.Completed) })
	counter("hnsnap_queue_drained_total", "Work items discarded at shutdown without execution.",
		func(s crawler.QueueStats) float64 { return float64(s.Drained) })
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (c *Collectors) ObserveRateLimitDelay(host string, duration time.Duration) {
	c.rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// Handler returns an http.Handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
