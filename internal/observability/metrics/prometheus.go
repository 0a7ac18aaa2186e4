// Package metrics provides Prometheus metrics for the EPD explorer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values for PortalRequests.
const (
	OutcomeSuccess  = "success"
	OutcomeStatus   = "status_error"
	OutcomeDecode   = "decode_error"
	OutcomeNetwork  = "network_error"
	OutcomeRejected = "rejected"
)

// Metrics holds all application metrics
type Metrics struct {
	PortalRequests      *prometheus.CounterVec
	PortalDuration      prometheus.Histogram
	RecordsFetched      *prometheus.CounterVec
	RowsFiltered        prometheus.Histogram
	AnalysesCompleted   prometheus.Counter
	AnalysesFailed      prometheus.Counter
	ReportsPublished    prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg leaves them
// unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PortalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epd_portal_requests_total",
			Help: "Open data portal requests by outcome",
		}, []string{"outcome"}),
		PortalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "epd_portal_request_duration_seconds",
			Help:    "Open data portal request duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epd_records_fetched_total",
			Help: "Prescription line items fetched per resource",
		}, []string{"resource"}),
		RowsFiltered: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "epd_filtered_rows",
			Help:    "Rows left after the description filter",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		AnalysesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epd_analyses_completed_total",
			Help: "Completed analysis runs",
		}),
		AnalysesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epd_analyses_failed_total",
			Help: "Failed analysis runs",
		}),
		ReportsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epd_reports_published_total",
			Help: "Reports produced to the report topic",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epd_http_requests_total",
			Help: "API requests by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epd_http_request_duration_seconds",
			Help:    "API request duration by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PortalRequests,
			m.PortalDuration,
			m.RecordsFetched,
			m.RowsFiltered,
			m.AnalysesCompleted,
			m.AnalysesFailed,
			m.ReportsPublished,
			m.CircuitBreakerState,
			m.HTTPRequests,
			m.HTTPDuration,
		)
	}

	return m
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
