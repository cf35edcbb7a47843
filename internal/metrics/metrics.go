// Package metrics exposes Prometheus metrics for the API and worker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry, so several instances
// can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	analysesTotal      *prometheus.CounterVec
	analysisDuration   *prometheus.HistogramVec
	analysisTruncated  prometheus.Counter
	transactionsTotal  prometheus.Counter
	rowErrorsTotal     prometheus.Counter
	ringsTotal         *prometheus.CounterVec
	suspiciousAccounts *prometheus.CounterVec

	cacheLookupsTotal *prometheus.CounterVec
	graphExportsTotal *prometheus.CounterVec
	rateLimitedTotal  prometheus.Counter
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringwatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringwatch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		analysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringwatch_analyses_total",
				Help: "Total number of detection runs",
			},
			[]string{"source", "status"},
		),
		analysisDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringwatch_analysis_duration_seconds",
				Help:    "Detection run duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source"},
		),
		analysisTruncated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ringwatch_analysis_truncated_total",
			Help: "Detection runs whose search hit a cap",
		}),
		transactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ringwatch_transactions_analyzed_total",
			Help: "Transactions passed to the detection engine",
		}),
		rowErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ringwatch_rejected_rows_total",
			Help: "Input rows rejected by validation",
		}),
		ringsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringwatch_rings_detected_total",
				Help: "Rings detected, by pattern",
			},
			[]string{"pattern"},
		),
		suspiciousAccounts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringwatch_suspicious_accounts_total",
				Help: "Scored accounts, by risk level",
			},
			[]string{"risk_level"},
		),

		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringwatch_report_cache_lookups_total",
				Help: "Report cache lookups",
			},
			[]string{"result"},
		),
		graphExportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringwatch_graph_exports_total",
				Help: "Graph store exports",
			},
			[]string{"status"},
		),
		rateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ringwatch_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordAnalysis records a completed detection run.
func (m *Metrics) RecordAnalysis(source string, res *domain.Result, d time.Duration) {
	m.analysesTotal.WithLabelValues(source, "completed").Inc()
	m.analysisDuration.WithLabelValues(source).Observe(d.Seconds())
	m.transactionsTotal.Add(float64(res.Summary.TotalTransactions))
	if res.Summary.Truncated {
		m.analysisTruncated.Inc()
	}
	for _, r := range res.Rings {
		m.ringsTotal.WithLabelValues(string(r.Pattern)).Inc()
	}
	for _, s := range res.Scores {
		m.suspiciousAccounts.WithLabelValues(string(s.RiskLevel)).Inc()
	}
}

// RecordAnalysisFailure records a run that did not complete.
func (m *Metrics) RecordAnalysisFailure(source string) {
	m.analysesTotal.WithLabelValues(source, "failed").Inc()
}

// RecordRejectedRows counts rows dropped by validation.
func (m *Metrics) RecordRejectedRows(n int) {
	m.rowErrorsTotal.Add(float64(n))
}

// RecordCacheLookup records a report cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordGraphExport records a graph store export attempt.
func (m *Metrics) RecordGraphExport(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.graphExportsTotal.WithLabelValues(status).Inc()
}

// RecordRateLimited counts a rejected request.
func (m *Metrics) RecordRateLimited() {
	m.rateLimitedTotal.Inc()
}
