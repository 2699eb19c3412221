// Package observability exposes crawl-internal counters (Statistics,
// SystemStatus, AutoscaledPool) as a Prometheus /metrics endpoint, using
// github.com/prometheus/client_golang the way the rest of the corpus's
// services instrument themselves — not the hand-rolled exposition format
// a from-scratch HTTP handler would otherwise need.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crawlcore/crawlcore/internal/autoscale"
	"github.com/crawlcore/crawlcore/internal/snapshot"
	"github.com/crawlcore/crawlcore/internal/stats"
)

// Metrics registers a Prometheus Collector that reads live values from a
// Statistics accumulator, a SystemStatus classifier, and an AutoscaledPool
// on every scrape — no separate counter bookkeeping needed.
type Metrics struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	requestsFinished *prometheus.Desc
	requestsFailed   *prometheus.Desc
	requestsRetried  *prometheus.Desc
	itemsPersisted   *prometheus.Desc
	durationMeanMs   *prometheus.Desc
	durationP95Ms    *prometheus.Desc

	poolDesired *prometheus.Desc
	poolRunning *prometheus.Desc

	overloadedCurrent    *prometheus.Desc
	overloadedHistorical *prometheus.Desc

	stats *stats.Statistics
	pool  *autoscale.Pool
	sys   *snapshot.SystemStatus
}

// NewMetrics builds a Metrics collector reading from the given crawl
// components. pool and sys may be nil if autoscaling/snapshotting aren't
// wired; the corresponding gauges are then omitted from each scrape.
func NewMetrics(logger *slog.Logger, st *stats.Statistics, pool *autoscale.Pool, sys *snapshot.SystemStatus) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "metrics"),
		stats:    st,
		pool:     pool,
		sys:      sys,

		requestsFinished: prometheus.NewDesc("crawlcore_requests_finished_total", "Total requests successfully handled", nil, nil),
		requestsFailed:   prometheus.NewDesc("crawlcore_requests_failed_total", "Total requests that exhausted retries", nil, nil),
		requestsRetried:  prometheus.NewDesc("crawlcore_requests_retried_total", "Total retry attempts", nil, nil),
		itemsPersisted:   prometheus.NewDesc("crawlcore_items_persisted_total", "Total items written to a dataset", nil, nil),
		durationMeanMs:   prometheus.NewDesc("crawlcore_request_duration_mean_milliseconds", "Mean request handler duration", nil, nil),
		durationP95Ms:    prometheus.NewDesc("crawlcore_request_duration_p95_milliseconds", "p95 request handler duration", nil, nil),
		poolDesired:      prometheus.NewDesc("crawlcore_pool_desired_concurrency", "AutoscaledPool's current target concurrency", nil, nil),
		poolRunning:      prometheus.NewDesc("crawlcore_pool_running_tasks", "AutoscaledPool's in-flight task count", nil, nil),

		overloadedCurrent:    prometheus.NewDesc("crawlcore_overloaded_ratio_current", "Fraction of overloaded samples in the current window", nil, nil),
		overloadedHistorical: prometheus.NewDesc("crawlcore_overloaded_ratio_historical", "Fraction of overloaded samples in the historical window", nil, nil),
	}
	m.registry.MustRegister(m)
	return m
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.requestsFinished
	ch <- m.requestsFailed
	ch <- m.requestsRetried
	ch <- m.itemsPersisted
	ch <- m.durationMeanMs
	ch <- m.durationP95Ms
	ch <- m.poolDesired
	ch <- m.poolRunning
	ch <- m.overloadedCurrent
	ch <- m.overloadedHistorical
}

// Collect implements prometheus.Collector, reading fresh values on scrape.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m.stats != nil {
		snap := m.stats.Snapshot()
		ch <- prometheus.MustNewConstMetric(m.requestsFinished, prometheus.CounterValue, float64(snap.RequestsFinished))
		ch <- prometheus.MustNewConstMetric(m.requestsFailed, prometheus.CounterValue, float64(snap.RequestsFailed))
		ch <- prometheus.MustNewConstMetric(m.requestsRetried, prometheus.CounterValue, float64(snap.RequestsRetried))
		ch <- prometheus.MustNewConstMetric(m.itemsPersisted, prometheus.CounterValue, float64(snap.ItemsPersisted))
		ch <- prometheus.MustNewConstMetric(m.durationMeanMs, prometheus.GaugeValue, snap.MeanDurationMs)
		ch <- prometheus.MustNewConstMetric(m.durationP95Ms, prometheus.GaugeValue, snap.P95DurationMs)
	}
	if m.pool != nil {
		ch <- prometheus.MustNewConstMetric(m.poolDesired, prometheus.GaugeValue, float64(m.pool.Desired()))
		ch <- prometheus.MustNewConstMetric(m.poolRunning, prometheus.GaugeValue, float64(m.pool.Running()))
	}
	if m.sys != nil {
		ch <- prometheus.MustNewConstMetric(m.overloadedCurrent, prometheus.GaugeValue, meanOverloadedRatio(m.sys.GetCurrentStatus()))
		ch <- prometheus.MustNewConstMetric(m.overloadedHistorical, prometheus.GaugeValue, meanOverloadedRatio(m.sys.GetHistoricalStatus()))
	}
}

// meanOverloadedRatio averages the four dimension ratios in a Status into a
// single gauge value, since Prometheus wants one number per series rather
// than the per-dimension breakdown Status carries for the pool's own gating.
func meanOverloadedRatio(s snapshot.Status) float64 {
	return (s.CPU.OverloadedRatio + s.Memory.OverloadedRatio + s.Latency.OverloadedRatio + s.Client.OverloadedRatio) / 4
}

// StartServer starts the metrics HTTP server on the given port/path.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}
